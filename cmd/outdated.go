package cmd

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"

	"github.com/ngld/cellar/pkg"
	"github.com/ngld/cellar/pkg/receipts"
	"github.com/ngld/cellar/pkg/recipe"
)

// isOutdated reports whether the recipe describes a newer build than the one recorded in receipt.
// Head installs are never considered outdated.
func isOutdated(receipt *receipts.Receipt, r *recipe.Recipe) bool {
	if receipt.Head || r.Version == "" {
		return false
	}

	if receipt.Version == r.Version {
		return receipt.Revision < r.Revision
	}

	installed, err1 := semver.NewVersion(receipt.Version)
	available, err2 := semver.NewVersion(r.Version)
	if err1 == nil && err2 == nil {
		if installed.Equal(available) {
			return receipt.Revision < r.Revision
		}
		return installed.LessThan(available)
	}

	return true
}

var outdatedCmd = &cobra.Command{
	Use:   "outdated",
	Short: "List installed recipes that have a newer version available",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		store, err := openReceipts(true)
		if err != nil {
			return err
		}
		if store == nil {
			return nil
		}
		defer store.Close()

		batch, err := loadRecipes(ctx)
		if err != nil {
			return err
		}

		list, err := store.List()
		if err != nil {
			return err
		}

		found := 0
		for _, receipt := range list {
			r, ok := batch.Get(receipt.Name)
			if !ok {
				logger.Debug().Msgf("No recipe for installed %s", receipt.Name)
				continue
			}

			if isOutdated(receipt, r) {
				found++
				pkg.PrintSubtask(fmt.Sprintf("%s: %s_%d -> %s_%d", r.Name, receipt.Version, receipt.Revision, r.Version, r.Revision))
			}
		}

		if found == 0 {
			pkg.PrintTask("Everything is up to date")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(outdatedCmd)
}
