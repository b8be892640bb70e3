package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ngld/cellar/pkg"
	"github.com/ngld/cellar/pkg/executor"
)

var depsCmd = &cobra.Command{
	Use:   "deps <names...>",
	Short: "Print the install order for the given recipes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := planOptions(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		batch, err := loadRecipes(ctx)
		if err != nil {
			return err
		}

		exe, closeExe, err := newExecutor(true)
		if err != nil {
			return err
		}
		defer closeExe()

		order, err := exe.Plan(batch, args, opts)
		if err != nil {
			if executor.IsConfigurationError(err) {
				return configError(err)
			}
			return err
		}

		pkg.PrintTask("Install order")
		for idx, name := range order {
			r, _ := batch.Get(name)
			pkg.PrintSubtask(fmt.Sprintf("%d. %s %s", idx+1, name, r.EffectiveVersion(opts.UseHead)))
		}
		return nil
	},
}

func init() {
	flags := depsCmd.Flags()
	flags.Bool("head", false, "show versions for version control sources")
	flags.Bool("with-recommended", false, "include recommended dependencies")
	flags.StringSlice("assume-present", nil, "dependencies that are satisfied outside of cellar")

	rootCmd.AddCommand(depsCmd)
}
