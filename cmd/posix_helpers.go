package cmd

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

// toolCmd bundles portable replacements for a few POSIX commands. Install steps calling mv, rm, mkdir or
// touch are redirected here by the step runner.
var toolCmd = &cobra.Command{
	Use:    "tool",
	Short:  "Portable implementations of common file commands",
	Hidden: true,
	// these don't need any configuration
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
}

// expandArgs resolves glob patterns on Windows since there's no shell doing it for us
func expandArgs(args []string, allowEmpty bool) ([]string, error) {
	if runtime.GOOS != "windows" {
		return args, nil
	}

	items := []string{}
	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "Failed to resolve pattern %s", arg)
		}

		if matches == nil {
			if allowEmpty {
				continue
			}
			return nil, eris.Errorf("Pattern %s produced no matches", arg)
		}

		items = append(items, matches...)
	}
	return items, nil
}

var mvCmd = &cobra.Command{
	Use:   "mv <source...> <dest>",
	Short: "Cross-platform implementation of the POSIX mv command",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest := filepath.Clean(args[len(args)-1])
		destParent := filepath.Dir(dest)
		info, err := os.Stat(destParent)
		if err != nil {
			return eris.Wrapf(err, "Could not find destination directory %s", destParent)
		}

		if !info.IsDir() {
			return eris.Errorf("%s is not a directory!", destParent)
		}

		destIsDir := false
		info, err = os.Stat(dest)
		if err == nil {
			destIsDir = info.IsDir()
		} else if !eris.Is(err, os.ErrNotExist) {
			return eris.Wrapf(err, "Failed to retrieve info about destination %s", dest)
		}

		items, err := expandArgs(args[:len(args)-1], false)
		if err != nil {
			return err
		}

		if len(items) > 1 && !destIsDir {
			return eris.Errorf("Can't move multiple items to %s because it is not a directory!", dest)
		}

		for _, item := range items {
			itemDest := dest
			if destIsDir {
				itemDest = filepath.Join(dest, filepath.Base(item))
			}

			err = os.Rename(item, itemDest)
			if err != nil {
				return eris.Wrapf(err, "Failed to move %s to %s", item, itemDest)
			}
		}

		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <paths...>",
	Short: "A cross-platform implementation of the POSIX rm command",
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, err := cmd.Flags().GetBool("recursive")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		items, err := expandArgs(args, force)
		if err != nil {
			return err
		}

		existing := make([]string, 0, len(items))
		for _, item := range items {
			info, err := os.Lstat(item)
			if err != nil {
				if force && eris.Is(err, os.ErrNotExist) {
					continue
				}
				return eris.Wrapf(err, "Could not stat %s", item)
			}

			if info.IsDir() && !recursive {
				return eris.Errorf("%s is a directory but -r wasn't passed", item)
			}
			existing = append(existing, item)
		}

		for _, item := range existing {
			err := os.RemoveAll(item)
			if err != nil {
				return eris.Wrapf(err, "Could not delete %s", item)
			}
		}

		return nil
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <paths...>",
	Short: "A cross-platform implementation of the POSIX mkdir command",
	RunE: func(cmd *cobra.Command, args []string) error {
		makeParents, err := cmd.Flags().GetBool("parents")
		if err != nil {
			return err
		}

		for _, item := range args {
			if makeParents {
				err = os.MkdirAll(item, 0o755)
			} else {
				err = os.Mkdir(item, 0o755)
			}

			if err != nil {
				return eris.Wrapf(err, "Failed to create %s", item)
			}
		}

		return nil
	},
}

var touchCmd = &cobra.Command{
	Use:   "touch <paths...>",
	Short: "A cross-platform implementation of the POSIX touch command",
	RunE: func(cmd *cobra.Command, args []string) error {
		noCreate, err := cmd.Flags().GetBool("no-create")
		if err != nil {
			return err
		}

		now := time.Now()
		for _, item := range args {
			err = os.Chtimes(item, now, now)
			if err == nil {
				continue
			}
			if !eris.Is(err, os.ErrNotExist) {
				return eris.Wrapf(err, "Failed to update %s", item)
			}
			if noCreate {
				continue
			}

			handle, err := os.OpenFile(item, os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return eris.Wrapf(err, "Failed to create %s", item)
			}
			handle.Close()
		}

		return nil
	},
}

func init() {
	rmCmd.Flags().BoolP("recursive", "r", false, "recursively delete directories")
	rmCmd.Flags().BoolP("force", "f", false, "suppresses errors caused by missing files/folders")
	mkdirCmd.Flags().BoolP("parents", "p", false, "create parent directories as needed")
	touchCmd.Flags().BoolP("no-create", "c", false, "don't create missing files")

	toolCmd.AddCommand(mvCmd)
	toolCmd.AddCommand(rmCmd)
	toolCmd.AddCommand(mkdirCmd)
	toolCmd.AddCommand(touchCmd)
	rootCmd.AddCommand(toolCmd)
}
