package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"autoforge/internal/flow"
	"autoforge/internal/logging"
	"autoforge/internal/state"
)

var (
	resumeProject  string
	resumeRequest  string
	resumeSelected string
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "answer a parked feedback request and continue a run",
	RunE:  runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeProject, "project", "", "project id (default: most recently touched run)")
	resumeCmd.Flags().StringVar(&resumeRequest, "request", "", "feedback request id to answer (must match the parked request)")
	resumeCmd.Flags().StringVar(&resumeSelected, "select", "", "the chosen option, or free-form text if none were offered")
	resumeCmd.MarkFlagRequired("select")
}

func runResume(cmd *cobra.Command, args []string) error {
	opts, err := resolveOptions()
	if err != nil {
		return err
	}

	s, err := loadRun(opts.PersistDir, resumeProject)
	if err != nil {
		return err
	}
	if s.Phase != state.PhaseAwaitingHuman {
		return fmt.Errorf("project %s is not awaiting human input (phase is %s)", s.ProjectID, s.Phase)
	}

	key := resolveAPIKey()
	ctx := context.Background()

	st, closeStores, err := openStores(ctx, opts, s.ProjectID, key)
	if err != nil {
		return err
	}
	defer closeStores()

	workers, err := buildRoleWorkers(ctx, opts, key)
	if err != nil {
		return err
	}
	handlers, tokens := buildHandlers(workers, st, opts, s.ProjectID)

	f := flow.New(s, opts, opts.PersistDir, handlers)
	f.OnPhaseComplete = phaseRecorder(ctx, st, s.ProjectID, tokens)
	if err := f.RestorePendingRequest(); err != nil {
		return err
	}
	req, ok := f.AwaitRequest()
	if !ok {
		return fmt.Errorf("project %s has no recoverable pending feedback request", s.ProjectID)
	}
	if resumeRequest != "" && resumeRequest != req.ID {
		return fmt.Errorf("request id %q does not match the parked request %q", resumeRequest, req.ID)
	}

	if err := f.Resume(state.FeedbackResponse{RequestID: req.ID, Selected: resumeSelected}); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	outcome := f.Run(ctx)

	if st.associative != nil && outcome.Outcome != flow.OutcomeAwaitingHuman {
		if err := st.associative.Purge(ctx, s.ProjectID); err != nil {
			logging.Get(logging.CategoryMemory).Warn("purge associative memory failed", zap.Error(err))
		}
	}

	return reportOutcome(outcome)
}
