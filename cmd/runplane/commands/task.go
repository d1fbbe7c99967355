package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/runplane/runplane/pkg/engine"
)

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(newTaskApplyCommand())
	cmd.AddCommand(newTaskGetCommand())
	return cmd
}

func newTaskApplyCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply -f <file>",
		Short: "Create or replace tasks from YAML manifests",
		Long: `Create or replace tasks from a YAML file holding one or more documents.
A task's spec.function must reference a stored function, for example
job://proj1/train:v1.`,
		Example: `  runplane task apply -f tasks.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := readManifests[engine.Task](file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			return withApp(cmd, func(a *app) error {
				for _, task := range tasks {
					saved, err := a.catalog.SaveTask(cmd.Context(), task)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "task %s (%s) applied\n", saved.ID, saved.Kind)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "manifest file, or - for stdin")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newTaskGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				task, err := a.catalog.GetTask(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printObject(cmd.OutOrStdout(), task)
			})
		},
	}
}
