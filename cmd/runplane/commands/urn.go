package commands

import (
	"github.com/spf13/cobra"

	"github.com/runplane/runplane/pkg/urn"
)

func newURNCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "urn",
		Short: "Work with resource identifiers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:     "parse <identifier>",
		Short:   "Decode a kind[+action]://project/name:version identifier",
		Example: `  runplane urn parse job+build://proj1/train:v1`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := urn.Parse(args[0])
			if err != nil {
				return err
			}
			return printObject(cmd.OutOrStdout(), map[string]string{
				"kind":    id.Kind,
				"action":  id.Action,
				"project": id.Project,
				"name":    id.Name,
				"version": id.Version,
			})
		},
	})
	return cmd
}
