package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ngld/cellar/pkg"
	"github.com/ngld/cellar/pkg/executor"
	"github.com/ngld/cellar/pkg/fetch"
	"github.com/ngld/cellar/pkg/steps"
)

var installCmd = &cobra.Command{
	Use:   "install <names...>",
	Short: "Install the given recipes and their dependencies",
	Long: `Installs the given recipes after all of their build and run dependencies.

Exits with 0 if every recipe was installed, 1 if any recipe failed (or was skipped
because a dependency failed) and 2 if the recipes themselves are broken (dependency
cycles, unknown dependencies, malformed recipe files).`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := installOptions(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		batch, err := loadRecipes(ctx)
		if err != nil {
			return err
		}

		exe, closeExe, err := newExecutor(opts.DryRun)
		if err != nil {
			return err
		}
		defer closeExe()

		report, err := exe.Run(ctx, batch, args, opts)
		if err != nil {
			if executor.IsConfigurationError(err) {
				return configError(err)
			}
			return err
		}

		printReport(report)
		if code := report.ExitCode(); code != 0 {
			return &exitError{code: code}
		}
		return nil
	},
}

// planOptions reads the flags shared by install and deps
func planOptions(cmd *cobra.Command) (executor.Options, error) {
	opts := executor.Options{
		Jobs:          cfg.Jobs,
		AssumePresent: cfg.AssumePresent,
	}

	var err error
	flags := cmd.Flags()
	if opts.UseHead, err = flags.GetBool("head"); err != nil {
		return opts, err
	}
	if opts.IncludeRecommended, err = flags.GetBool("with-recommended"); err != nil {
		return opts, err
	}

	assumed, err := flags.GetStringSlice("assume-present")
	if err != nil {
		return opts, err
	}
	opts.AssumePresent = append(append([]string{}, opts.AssumePresent...), assumed...)

	return opts, nil
}

func installOptions(cmd *cobra.Command) (executor.Options, error) {
	opts, err := planOptions(cmd)
	if err != nil {
		return opts, err
	}

	flags := cmd.Flags()
	if opts.DryRun, err = flags.GetBool("dry-run"); err != nil {
		return opts, err
	}
	if opts.KeepWorkDirs, err = flags.GetBool("keep-tmp"); err != nil {
		return opts, err
	}

	if flags.Changed("jobs") {
		if opts.Jobs, err = flags.GetInt("jobs"); err != nil {
			return opts, err
		}
	}

	return opts, nil
}

// newExecutor builds an Executor from the loaded configuration. The returned func releases the receipt database.
func newExecutor(dryRun bool) (*executor.Executor, func(), error) {
	helper, err := os.Executable()
	if err != nil {
		logger.Warn().Err(err).Msg("Could not determine own path, mv, rm, mkdir and touch won't be redirected")
		helper = ""
	}

	exe := &executor.Executor{
		Fetcher:  fetch.New(cfg),
		Runner:   &steps.Runner{HelperBinary: helper},
		WorkRoot: cfg.ScratchDir(),
		Prefix:   cfg.Prefix,
	}

	store, err := openReceipts(dryRun)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return exe, func() {}, nil
	}

	exe.Receipts = store
	return exe, func() { store.Close() }, nil
}

func printReport(report *executor.Report) {
	if report.DryRun {
		pkg.PrintTask("Install order (dry run)")
		for idx, name := range report.Order {
			pkg.PrintSubtask(fmt.Sprintf("%d. %s", idx+1, name))
		}
		return
	}

	pkg.PrintTask("Summary")
	for _, name := range report.Order {
		result, ok := report.Results[name]
		if !ok {
			continue
		}

		switch result.Status {
		case executor.Success:
			pkg.PrintSubtask(name + ": installed")
		case executor.Skipped:
			pkg.PrintWarning(fmt.Sprintf("%s: skipped (%s)", name, result.Error))
		case executor.Failed:
			if result.FailingStep != nil {
				pkg.PrintError(fmt.Sprintf("%s: failed at step #%d: %s", name, *result.FailingStep, result.Command))
			} else {
				pkg.PrintError(fmt.Sprintf("%s: failed", name))
			}

			fmt.Println("     " + result.Error)
			if tail := strings.TrimSpace(result.Stderr); tail != "" {
				for _, line := range strings.Split(tail, "\n") {
					fmt.Println("     | " + line)
				}
			}
		}
	}

	pkg.PrintTask(fmt.Sprintf("%d installed, %d failed, %d skipped",
		report.Count(executor.Success), report.Count(executor.Failed), report.Count(executor.Skipped)))
}

func init() {
	flags := installCmd.Flags()
	flags.Bool("head", false, "build from the version control source if the recipe has one")
	flags.Bool("with-recommended", false, "also install recommended dependencies")
	flags.BoolP("dry-run", "n", false, "only print the install order, don't fetch or build anything")
	flags.IntP("jobs", "j", 1, "number of independent recipes to build in parallel (default from config)")
	flags.Bool("keep-tmp", false, "keep the work directories of all recipes")
	flags.StringSlice("assume-present", nil, "dependencies that are satisfied outside of cellar")

	rootCmd.AddCommand(installCmd)
}
