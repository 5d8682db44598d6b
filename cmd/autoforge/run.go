package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"autoforge/internal/config"
	"autoforge/internal/flow"
	"autoforge/internal/logging"
	"autoforge/internal/memory"
	"autoforge/internal/state"
)

var runCmd = &cobra.Command{
	Use:   "run [description]",
	Short: "start a new project from a one-paragraph description",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	description := joinArgs(args)

	opts, err := resolveOptions()
	if err != nil {
		return err
	}
	key := resolveAPIKey()
	if key == "" {
		fmt.Fprintln(os.Stderr, "no API key set (--api-key or AUTOFORGE_API_KEY); workers will fail on first invoke")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "run cancelled")
		cancel()
	}()

	s := state.New(description, opts.MaxRetries, opts.WorkspaceRoots)
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
	outcome := f.Run(ctx)

	if st.associative != nil && outcome.Outcome != flow.OutcomeAwaitingHuman {
		if err := st.associative.Purge(ctx, s.ProjectID); err != nil {
			logging.Get(logging.CategoryMemory).Warn("purge associative memory failed", zap.Error(err))
		}
	}

	return reportOutcome(outcome)
}

// phaseRecorder drains tokens into each completed phase's RelationalStore
// entry, giving the store's run/phase history (spec §4.5) real usage
// numbers instead of a flat zero.
func phaseRecorder(ctx context.Context, st stores, runID string, tokens *tokenAccumulator) func(flow.PhaseRecord) {
	return func(pr flow.PhaseRecord) {
		if st.relational == nil {
			return
		}
		pr.TokenEstimate = tokens.drain()
		rec := memory.RunRecord{
			RunID:         runID,
			Phase:         string(pr.Phase),
			StartedAt:     pr.StartedAt,
			EndedAt:       pr.EndedAt,
			Outcome:       pr.Outcome,
			RetryCount:    pr.RetryCount,
			TokenEstimate: pr.TokenEstimate,
		}
		if err := st.relational.RecordPhase(ctx, rec); err != nil {
			logging.Get(logging.CategoryMemory).Warn("record phase failed", zap.Error(err))
		}
	}
}

// openStores wires the optional memory backends. A zero-value stores
// struct (both fields nil) is returned when opts.MemoryEnabled is false,
// and every lookup against it degrades to a no-op (spec §4.5 "memory is
// an optional accelerant, never a correctness dependency").
func openStores(ctx context.Context, opts config.Options, projectID, apiKey string) (stores, func(), error) {
	noop := func() {}
	if !opts.MemoryEnabled {
		return stores{}, noop, nil
	}

	runDir := state.RunDir(opts.PersistDir, projectID)
	relational, err := memory.NewRelationalStore(filepath.Join(runDir, "relational.db"))
	if err != nil {
		return stores{}, noop, fmt.Errorf("open relational store: %w", err)
	}

	var embedder memory.Embedder = memory.NoopEmbedder{}
	if opts.Embedding.Provider == "genai" {
		key := opts.Embedding.APIKey
		if key == "" {
			key = apiKey
		}
		ge, err := memory.NewGenAIEmbedder(ctx, key, opts.Embedding.Model)
		if err != nil {
			logging.Get(logging.CategoryMemory).Warn("falling back to noop embedder", zap.Error(err))
		} else {
			embedder = ge
		}
	}

	associative, err := memory.NewAssociativeStore(filepath.Join(runDir, "associative.db"), embedder, memory.DefaultAssociativeConfig())
	if err != nil {
		relational.Close()
		return stores{}, noop, fmt.Errorf("open associative store: %w", err)
	}

	return stores{relational: relational, associative: associative}, func() {
		relational.Close()
		associative.Close()
	}, nil
}

// reportOutcome prints a one-line summary and maps the Outcome to the
// CLI's stable exit code (spec §6).
func reportOutcome(out flow.RunOutcome) error {
	switch out.Outcome {
	case flow.OutcomeComplete:
		fmt.Printf("complete: phase=%s\n", out.Phase)
	case flow.OutcomeAwaitingHuman:
		fmt.Printf("awaiting human input: %s\n", out.Request.Question)
		if len(out.Request.Options) > 0 {
			fmt.Printf("options: %v\n", out.Request.Options)
		}
		fmt.Printf("respond with: autoforge resume --request %s --select <option>\n", out.Request.ID)
	case flow.OutcomeCancelled:
		fmt.Println("run cancelled")
	case flow.OutcomeConfigError:
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", out.Err)
	default:
		fmt.Fprintf(os.Stderr, "run failed at phase %s: %v\n", out.Phase, out.Err)
	}
	os.Exit(out.Outcome.ExitCode())
	return nil
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}
