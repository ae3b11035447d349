package cmd

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

// expandArgs resolves glob patterns on Windows where the shell doesn't do it for us
func expandArgs(args []string, allowEmpty bool) ([]string, error) {
	if runtime.GOOS != "windows" {
		return args, nil
	}

	items := make([]string, 0, len(args))
	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", arg)
		}

		if matches == nil {
			if allowEmpty {
				continue
			}
			return nil, eris.Errorf("pattern %s produced no matches", arg)
		}
		items = append(items, matches...)
	}
	return items, nil
}

// moveItems moves items into dest if it's a directory. A single item can also be renamed to dest.
func moveItems(items []string, dest string) error {
	dest = filepath.Clean(dest)
	destParent := filepath.Dir(dest)
	info, err := os.Stat(destParent)
	if err != nil {
		return eris.Wrapf(err, "could not find destination directory %s", destParent)
	}
	if !info.IsDir() {
		return eris.Errorf("%s is not a directory", destParent)
	}

	destIsDir := false
	info, err = os.Stat(dest)
	switch {
	case err == nil:
		destIsDir = info.IsDir()
	case !os.IsNotExist(err):
		return eris.Wrapf(err, "failed to retrieve info about destination %s", dest)
	}

	if len(items) > 1 && !destIsDir {
		return eris.Errorf("can't move multiple items to %s because it is not a directory", dest)
	}

	for _, item := range items {
		itemDest := dest
		if destIsDir {
			itemDest = filepath.Join(dest, filepath.Base(item))
		}

		if err := os.Rename(item, itemDest); err != nil {
			return eris.Wrapf(err, "failed to move %s to %s", item, itemDest)
		}
	}
	return nil
}

// removeItems deletes items. Directories require recursive, missing items are ignored with force.
func removeItems(items []string, recursive, force bool) error {
	for _, item := range items {
		info, err := os.Lstat(item)
		if err != nil {
			if force && os.IsNotExist(err) {
				continue
			}
			return eris.Wrapf(err, "could not stat %s", item)
		}

		if info.IsDir() && !recursive {
			return eris.Errorf("%s is a directory but -r wasn't passed", item)
		}
	}

	for _, item := range items {
		if err := os.RemoveAll(item); err != nil {
			return eris.Wrapf(err, "could not delete %s", item)
		}
	}
	return nil
}

func makeDirs(items []string, parents bool) error {
	for _, item := range items {
		var err error
		if parents {
			err = os.MkdirAll(item, 0o755)
		} else {
			err = os.Mkdir(item, 0o755)
		}

		if err != nil {
			return eris.Wrapf(err, "failed to create %s", item)
		}
	}
	return nil
}

var mvCmd = &cobra.Command{
	Use:   "mv source... destination",
	Short: "Cross-platform implementation of the POSIX mv command",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := expandArgs(args[:len(args)-1], false)
		if err != nil {
			return err
		}
		return moveItems(items, args[len(args)-1])
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm path...",
	Short: "Cross-platform implementation of the POSIX rm command",
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
		return removeItems(items, recursive, force)
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir path...",
	Short: "Cross-platform implementation of the POSIX mkdir command",
	RunE: func(cmd *cobra.Command, args []string) error {
		parents, err := cmd.Flags().GetBool("parents")
		if err != nil {
			return err
		}
		return makeDirs(args, parents)
	},
}

func init() {
	rmCmd.Flags().BoolP("recursive", "r", false, "recursively delete directories")
	rmCmd.Flags().BoolP("force", "f", false, "suppresses errors caused by missing files/folders")
	mkdirCmd.Flags().BoolP("parents", "p", false, "create parent directories as needed")

	// used by the shell runner, not meant to be called directly
	for _, cmd := range []*cobra.Command{mvCmd, rmCmd, mkdirCmd} {
		cmd.Hidden = true
		RootCmd.AddCommand(cmd)
	}
}
