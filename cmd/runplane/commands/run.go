package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/events"
	"github.com/runplane/runplane/pkg/specs"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create and manage runs",
	}
	cmd.AddCommand(newRunCreateCommand())
	cmd.AddCommand(newRunGetCommand())
	cmd.AddCommand(newRunCancelCommand())
	cmd.AddCommand(newRunDeleteCommand())
	return cmd
}

func newRunCreateCommand() *cobra.Command {
	var (
		file   string
		taskID string
		runID  string
		local  bool
		params map[string]string
		wait   bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run of a task",
		Long: `Create a run, either from a YAML manifest (-f) or from flags.

The run is built and handed to the configured engine by this process. With
--wait the command keeps polling until the run reaches a terminal state and
exits non-zero if it failed. Without --wait it returns once the run is built;
a serve process adopts the run on its next start.

Local runs are stored in CREATED and never dispatched.`,
		Example: `  # Run task t1 and wait for the result
  runplane run create --task t1 --wait

  # Create a run from a manifest
  runplane run create -f run.yaml

  # Pass parameters
  runplane run create --task t1 --param epochs=10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var run *engine.Run
			switch {
			case file != "":
				runs, err := readManifests[engine.Run](file, cmd.InOrStdin())
				if err != nil {
					return err
				}
				if len(runs) != 1 {
					return fmt.Errorf("%s: expected one run, found %d", file, len(runs))
				}
				run = runs[0]
			case taskID != "":
				run = newRunFromFlags(runID, taskID, local, params)
			default:
				return fmt.Errorf("either --file or --task is required")
			}
			if run.Kind == "" {
				run.Kind = specs.KindRun
			}
			if run.ID == "" {
				run.ID = uuid.NewString()
			}

			return withApp(cmd, func(a *app) error {
				return createRun(cmd, a, run, wait)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "run manifest, or - for stdin")
	cmd.Flags().StringVar(&taskID, "task", "", "task id to run")
	cmd.Flags().StringVar(&runID, "id", "", "run id (generated when empty)")
	cmd.Flags().BoolVar(&local, "local", false, "create a local run that is never dispatched")
	cmd.Flags().StringToStringVarP(&params, "param", "p", nil, "run parameters (key=value)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the run to finish")
	cmd.MarkFlagsMutuallyExclusive("file", "task")
	return cmd
}

func newRunFromFlags(id, taskID string, local bool, params map[string]string) *engine.Run {
	spec := map[string]interface{}{"task_id": taskID}
	if local {
		spec["local_execution"] = true
	}
	if len(params) > 0 {
		p := make(map[string]interface{}, len(params))
		for k, v := range params {
			p[k] = v
		}
		spec["parameters"] = p
	}
	return &engine.Run{ID: id, Kind: specs.KindRun, Spec: spec}
}

func createRun(cmd *cobra.Command, a *app, run *engine.Run, wait bool) error {
	ctx := cmd.Context()

	var states chan engine.State
	if wait {
		states = make(chan engine.State, 16)
		a.bus.SubscribeAll(func(ev events.Event) {
			to, _ := ev.Data[events.DataTo].(string)
			select {
			case states <- engine.ParseState(to):
			default:
			}
		}, func(ev events.Event) bool {
			return ev.RunID == run.ID && ev.Type == events.TypeRunStateChanged
		})
	}

	created, err := a.orch.CreateRun(ctx, run)
	if err != nil {
		return err
	}
	if !wait || created.State == engine.StateCreated {
		return printObject(cmd.OutOrStdout(), created)
	}

	final, err := waitForRun(ctx, a, created.ID, states)
	if err != nil {
		return err
	}
	if err := printObject(cmd.OutOrStdout(), final); err != nil {
		return err
	}
	if final.State != engine.StateCompleted {
		return fmt.Errorf("run %s finished in state %s", final.ID, final.State)
	}
	return nil
}

// waitForRun blocks until the run is terminal. The store is re-read on every
// transition so the returned run carries the final status.
func waitForRun(ctx context.Context, a *app, id string, states <-chan engine.State) (*engine.Run, error) {
	for {
		run, err := a.orch.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.State.IsTerminal() {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-states:
		}
	}
}

func newRunGetCommand() *cobra.Command {
	var showEvents bool

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				run, err := a.orch.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !showEvents {
					return printObject(cmd.OutOrStdout(), run)
				}

				evs, err := a.store.ListEvents(cmd.Context(), run.ID, 100, 0)
				if err != nil {
					return err
				}
				return printObject(cmd.OutOrStdout(), map[string]interface{}{
					"run":    run,
					"events": evs,
				})
			})
		},
	}

	cmd.Flags().BoolVar(&showEvents, "events", false, "include the run's event log")
	return cmd
}

func newRunCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a run",
		Long: `Cancel a run. A job already submitted is cancelled at the engine and the
run moves to FAILED with reason "cancelled". Terminal runs are unchanged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				run, err := a.orch.CancelRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printObject(cmd.OutOrStdout(), run)
			})
		},
	}
}

func newRunDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				if err := a.orch.DeleteRun(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "run %s deleted\n", args[0])
				return nil
			})
		},
	}
}
