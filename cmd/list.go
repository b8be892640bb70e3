package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ngld/cellar/pkg"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed recipes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openReceipts(true)
		if err != nil {
			return err
		}
		if store == nil {
			pkg.PrintTask("Nothing installed in " + cfg.Prefix)
			return nil
		}
		defer store.Close()

		list, err := store.List()
		if err != nil {
			return err
		}

		pkg.PrintTask(fmt.Sprintf("%d recipes installed in %s", len(list), cfg.Prefix))
		for _, r := range list {
			version := r.Version
			if r.Revision > 0 {
				version += fmt.Sprintf("_%d", r.Revision)
			}

			pkg.PrintSubtask(fmt.Sprintf("%-30s %-15s %s", r.Name, version, r.InstalledAt.Local().Format("2006-01-02 15:04")))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
