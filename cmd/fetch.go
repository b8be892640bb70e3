package cmd

import (
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ngld/cellar/pkg"
	"github.com/ngld/cellar/pkg/fetch"
	"github.com/ngld/cellar/pkg/logctx"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <name>",
	Short: "Download and unpack a recipe's source without building it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		useHead, err := cmd.Flags().GetBool("head")
		if err != nil {
			return err
		}

		dest, err := cmd.Flags().GetString("dest")
		if err != nil {
			return err
		}

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

		src := r.SelectSource(useHead)
		if src == nil {
			return eris.Errorf("%s has no source to fetch", r.Name)
		}

		if dest == "" {
			dest = r.Name + "-" + r.EffectiveVersion(useHead)
		}
		dest, err = filepath.Abs(dest)
		if err != nil {
			return err
		}

		pkg.PrintTask("Fetching " + src.Location())
		err = fetch.New(cfg).Fetch(logctx.WithRecipe(ctx, r.Name), src, dest)
		if err != nil {
			return err
		}

		pkg.PrintSubtask("Unpacked to " + dest)
		return nil
	},
}

func init() {
	fetchCmd.Flags().String("dest", "", "destination directory (defaults to <name>-<version>)")
	fetchCmd.Flags().Bool("head", false, "fetch the version control source instead of the archive")

	rootCmd.AddCommand(fetchCmd)
}
