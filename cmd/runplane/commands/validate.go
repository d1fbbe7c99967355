package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/runplane/runplane/pkg/config"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a configuration file",
		Long: `Validate a YAML or CUE configuration file. CUE files are checked against
the configuration schema; every file is then checked field by field. Each
problem is printed on its own line.`,
		Example: `  runplane validate runplane.yaml
  runplane validate runplane.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if _, err := config.Load(args[0]); err != nil {
				var verrs config.ValidationErrors
				if !errors.As(err, &verrs) {
					return err
				}
				for _, e := range verrs {
					fmt.Fprintln(out, e.String())
				}
				return fmt.Errorf("%s: %d problem(s)", args[0], len(verrs))
			}

			fmt.Fprintf(out, "%s: ok\n", args[0])
			return nil
		},
	}
}
