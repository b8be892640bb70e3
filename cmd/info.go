package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ngld/cellar/pkg"
	"github.com/ngld/cellar/pkg/graph"
)

var infoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show details about a recipe",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		batch, err := loadRecipes(ctx)
		if err != nil {
			return err
		}

		r, err := getRecipe(batch, args[0])
		if err != nil {
			return err
		}

		title := r.Name
		if r.Version != "" {
			title += " " + r.Version
			if r.Revision > 0 {
				title += fmt.Sprintf("_%d", r.Revision)
			}
		}
		pkg.PrintTask(title)

		field := func(name, value string) {
			if value != "" {
				fmt.Printf("    %-10s %s\n", name+":", value)
			}
		}

		field("desc", r.Desc)
		field("homepage", r.Homepage)
		field("license", r.License)
		field("file", r.File)
		if r.Archive != nil {
			field("url", r.Archive.URL)
			if r.Archive.Checksum != nil {
				field("checksum", r.Archive.Checksum.String())
			}
		}
		if r.Head != nil {
			field("head", r.Head.URL)
		}

		if len(r.Dependencies) > 0 {
			pkg.PrintTask("Dependencies")
			for _, dep := range r.Dependencies {
				pkg.PrintSubtask(fmt.Sprintf("%s (%s)", dep.Name, dep.Stage))
			}
		}

		if dependents := graph.Dependents(batch, batch.Names(), r.Name, true); len(dependents) > 0 {
			pkg.PrintTask("Needed by")
			for _, name := range dependents {
				pkg.PrintSubtask(name)
			}
		}

		if len(r.Env) > 0 {
			pkg.PrintTask("Environment")
			for _, item := range r.Env {
				pkg.PrintSubtask(fmt.Sprintf("%s %s %s", item.Name, item.Mode, item.Value))
			}
		}

		pkg.PrintTask("Install steps")
		for idx, step := range r.InstallSteps {
			pkg.PrintSubtask(fmt.Sprintf("%d. %s", idx, strings.Join(step, " ")))
		}

		store, err := openReceipts(true)
		if err != nil {
			return err
		}
		if store != nil {
			defer store.Close()

			receipt, err := store.Get(r.Name)
			if err != nil {
				return err
			}
			if receipt != nil {
				pkg.PrintTask(fmt.Sprintf("Installed %s on %s", receipt.Version, receipt.InstalledAt.Local().Format("2006-01-02 15:04")))
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
