package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/runplane/runplane/pkg/engine"
)

func newFunctionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "function",
		Short: "Manage functions",
	}
	cmd.AddCommand(newFunctionApplyCommand())
	cmd.AddCommand(newFunctionGetCommand())
	return cmd
}

func newFunctionApplyCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply -f <file>",
		Short: "Create or replace functions from YAML manifests",
		Long: `Create or replace functions from a YAML file holding one or more
documents. Each spec is validated against the function kind before anything
is stored; an invalid document stops the apply.`,
		Example: `  runplane function apply -f functions.yaml
  cat train.yaml | runplane function apply -f -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fns, err := readManifests[engine.Function](file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			return withApp(cmd, func(a *app) error {
				for _, fn := range fns {
					saved, err := a.catalog.SaveFunction(cmd.Context(), fn)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "function %s/%s (%s) applied\n", saved.Project, saved.Name, saved.ID)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "manifest file, or - for stdin")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newFunctionGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				fn, err := a.catalog.GetFunction(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printObject(cmd.OutOrStdout(), fn)
			})
		},
	}
}
