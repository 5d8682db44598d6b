package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"autoforge/internal/state"
)

var watchProject string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "tail a run's transition log as it progresses",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchProject, "project", "", "project id (default: most recently touched run)")
}

// transitionWatcher tails transitions.log, printing newly appended
// entries, grounded on the teacher's MangleWatcher
// (internal/core/mangle_watcher.go): an fsnotify.Watcher on the run
// directory, debounced re-reads rather than per-event parsing, since a
// single append can fire several Write events in quick succession.
type transitionWatcher struct {
	watcher     *fsnotify.Watcher
	persistRoot string
	projectID   string
	seen        int
	debounceDur time.Duration
}

func runWatch(cmd *cobra.Command, args []string) error {
	opts, err := resolveOptions()
	if err != nil {
		return err
	}
	projectID, err := resolveProjectID(opts.PersistDir, watchProject)
	if err != nil {
		return err
	}

	runDir := state.RunDir(opts.PersistDir, projectID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("watch: create run dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(runDir); err != nil {
		return fmt.Errorf("watch: add %s: %w", runDir, err)
	}

	tw := &transitionWatcher{watcher: fsw, persistRoot: opts.PersistDir, projectID: projectID, debounceDur: 200 * time.Millisecond}
	tw.printNew()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != "transitions.log" {
				continue
			}
			debounce.Reset(tw.debounceDur)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		case <-debounce.C:
			tw.printNew()
		}
	}
}

func (tw *transitionWatcher) printNew() {
	transitions, err := state.ReadTransitionsLog(tw.persistRoot, tw.projectID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "watch: read transitions: %v\n", err)
		return
	}
	for _, t := range transitions[tw.seen:] {
		fmt.Printf("%s  %s -> %s  %s\n", t.Timestamp.Format(time.RFC3339), t.From, t.To, t.Reason)
	}
	tw.seen = len(transitions)
}
