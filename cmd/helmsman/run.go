package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"helmsman/internal/approval"
	"helmsman/internal/dispatch"
	"helmsman/internal/errors"
	"helmsman/internal/eventstore"
	"helmsman/internal/logging"
	"helmsman/internal/mission"
	"helmsman/internal/orchestrator"
)

type runFlags struct {
	simulate    bool
	autoApprove bool
	backendURL  string
	concurrency int
	timeout     time.Duration
}

// newRunCommand runs one mission to completion in the foreground, prompting
// on this terminal for any approvals.
func newRunCommand(root *rootFlags) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run <mission.yaml>",
		Short: "Run a mission in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if flags.backendURL == "" {
				flags.backendURL = cfg.Backend.BaseURL
			}
			return runMission(cmd.Context(), flags, args[0])
		},
	}

	cmd.Flags().BoolVar(&flags.simulate, "simulate", false, "use the simulated backend instead of a real one")
	cmd.Flags().BoolVarP(&flags.autoApprove, "auto-approve", "y", false, "grant every approval without prompting")
	cmd.Flags().StringVar(&flags.backendURL, "backend", "", "execution backend base URL")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 2, "max work items in flight")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "abort the run after this duration (0 = none)")
	return cmd
}

func runMission(parent context.Context, flags *runFlags, path string) error {
	spec, err := mission.LoadSpecFile(path)
	if err != nil {
		return err
	}

	ctx := parent
	if flags.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, flags.timeout)
		defer cancel()
	}

	var backend dispatch.Backend
	switch {
	case flags.simulate:
		backend = dispatch.NewSimulatedBackend()
	case flags.backendURL != "":
		backend = dispatch.NewHTTPBackend(flags.backendURL, 30*time.Second, logging.NewComponentLogger("Backend"))
	default:
		return fmt.Errorf("no backend configured: pass --backend or --simulate")
	}

	dispatcher := dispatch.NewDispatcher(backend, errors.DefaultCircuitBreakerConfig(), logging.NewComponentLogger("Dispatcher"))
	orch, err := orchestrator.New(orchestrator.Config{
		ConcurrencyLimit: flags.concurrency,
		TickInterval:     100 * time.Millisecond,
	}, orchestrator.Deps{
		Store:      eventstore.NewMemoryStore(),
		Dispatcher: dispatcher,
		Logger:     logging.NewComponentLogger("Orchestrator"),
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	approver := approval.NewInteractiveApprover(orch.Gate(), flags.autoApprove, true)
	go approver.Serve(ctx)

	records, unsubscribe := orch.Subscribe(spec.ID)
	defer unsubscribe()
	go printProgress(ctx, records)

	if _, err := orch.CreateMission(ctx, spec); err != nil {
		return err
	}
	if err := orch.StartMission(ctx, spec.ID); err != nil {
		return err
	}

	state, err := orch.WaitUntilTerminal(ctx, spec.ID)
	if err != nil {
		return err
	}
	printSummary(state)
	if state.Status != mission.StatusSucceeded {
		return fmt.Errorf("mission %s %s: %s", state.ID, state.Status, state.Reason)
	}
	return nil
}

func printProgress(ctx context.Context, records <-chan mission.Record) {
	cyan := color.New(color.FgCyan).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	for {
		select {
		case <-ctx.Done():
			return
		case record := <-records:
			switch e := record.Event.(type) {
			case mission.RunStarted:
				fmt.Printf("%s %s started (run %s)\n", cyan("->"), e.WorkItemID, gray(e.RunID))
			case mission.RunFinished:
				fmt.Printf("%s %s finished: %s\n", cyan("<-"), e.WorkItemID, e.Status)
			case mission.ToolObserved:
				fmt.Printf("   %s\n", gray(fmt.Sprintf("tool %s %s", e.Tool, e.Phase)))
			case mission.ApprovalRequested:
				fmt.Printf("%s approval needed for %s (%s)\n", color.YellowString("?"), e.WorkItemID, e.Kind)
			case mission.MissionCanceled:
				fmt.Printf("%s mission canceled: %s\n", color.RedString("x"), e.Reason)
			}
		}
	}
}

func printSummary(state *mission.MissionState) {
	var headline string
	switch state.Status {
	case mission.StatusSucceeded:
		headline = color.GreenString("mission %s succeeded", state.ID)
	case mission.StatusCanceled:
		headline = color.YellowString("mission %s canceled: %s", state.ID, state.Reason)
	default:
		headline = color.RedString("mission %s %s: %s", state.ID, state.Status, state.Reason)
	}
	fmt.Println()
	fmt.Println(headline)
	fmt.Printf("steps=%d tool_calls=%d revision=%d\n", state.Steps, state.ToolCalls, state.Revision)
	ids := make([]string, 0, len(state.Items))
	for id := range state.Items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("  %-12s %s\n", id, state.Items[id].Status)
	}
}
