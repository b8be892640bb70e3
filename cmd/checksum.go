package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ngld/cellar/pkg/fetch"
	"github.com/ngld/cellar/pkg/recipe"
)

var checksumCmd = &cobra.Command{
	Use:   "checksum <url>",
	Short: "Download a file and print its checksum in recipe notation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		algo, err := cmd.Flags().GetString("algo")
		if err != nil {
			return err
		}

		hasher, err := fetch.NewHash(algo)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		_, err = fetch.New(cfg).Download(ctx, args[0], hasher)
		if err != nil {
			return err
		}

		fmt.Println(recipe.Checksum{Algorithm: algo, Hex: hex.EncodeToString(hasher.Sum(nil))}.String())
		return nil
	},
}

func init() {
	checksumCmd.Flags().String("algo", recipe.SHA256, "checksum algorithm (sha256 or blake3)")

	rootCmd.AddCommand(checksumCmd)
}
