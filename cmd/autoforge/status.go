package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"autoforge/internal/state"
)

var statusProject string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "show the latest snapshot of a run",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusProject, "project", "", "project id (default: most recently touched run)")
}

// phaseOrder fixes the five orchestrated phases for the progress bar;
// AWAITING_HUMAN/ERROR/COMPLETE are reported separately since they are
// not positions along the line.
var phaseOrder = []state.Phase{
	state.PhaseIntake,
	state.PhasePlanning,
	state.PhaseDevelopment,
	state.PhaseTesting,
	state.PhaseDeployment,
}

func runStatus(cmd *cobra.Command, args []string) error {
	opts, err := resolveOptions()
	if err != nil {
		return err
	}
	s, err := loadRun(opts.PersistDir, statusProject)
	if err != nil {
		return err
	}
	snap := s.Snapshot()

	fmt.Printf("project:  %s\n", snap.ProjectID)
	fmt.Printf("phase:    %s\n", snap.Phase)
	fmt.Printf("progress: %s\n", renderProgressBar(snap.Phase))
	fmt.Printf("files:    %d\n", len(snap.Files))
	fmt.Printf("errors:   %d\n", len(snap.Errors))
	for phase, n := range snap.Retries {
		if n > 0 {
			fmt.Printf("retries:  %s=%d\n", phase, n)
		}
	}

	if snap.Phase == state.PhaseAwaitingHuman && len(snap.Transitions) > 0 {
		last := snap.Transitions[len(snap.Transitions)-1]
		fmt.Printf("suspended: %s\n", last.Reason)
	}
	if len(snap.Errors) > 0 {
		last := snap.Errors[len(snap.Errors)-1]
		fmt.Printf("last error: [%s/%s] %s\n", last.Phase, last.Kind, last.Message)
	}
	return nil
}

func renderProgressBar(current state.Phase) string {
	pos := -1
	for i, p := range phaseOrder {
		if p == current {
			pos = i
			break
		}
	}
	const width = len(phaseOrder)
	var b strings.Builder
	for i := 0; i < width; i++ {
		switch {
		case pos < 0:
			b.WriteRune('░')
		case i < pos:
			b.WriteRune('█')
		case i == pos:
			b.WriteRune('▓')
		default:
			b.WriteRune('░')
		}
	}
	if pos < 0 {
		return b.String() + " " + string(current)
	}
	return b.String() + " " + string(current)
}
