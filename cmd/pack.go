package cmd

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/DevianKeno/be-ts-template/pkg/archives"
	"github.com/DevianKeno/be-ts-template/pkg/buildsys"
)

func getProgressBar(length int64, desc string) *progressbar.ProgressBar {
	if os.Getenv("CI") == "true" {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.DefaultBytes(length, desc)
}

func progressOption(desc string) archives.BuildOption {
	return archives.WithProgress(func(total int64) io.Writer {
		return getProgressBar(total, desc)
	})
}

var packCmd = &cobra.Command{
	Use:   "pack archive_name content_directory",
	Short: "Recursively packs the content of the passed directory into a zip archive (.mcaddon, .mcworld, .mcpack)",
	Long: `Pass the name of the archive that should be generated and a directory with
the intended contents. The archive only depends on the packed content, not on timestamps.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		exclude, err := cmd.Flags().GetStringSlice("exclude")
		if err != nil {
			return err
		}

		logger := setupLogger(cmd)
		ctx := buildsys.WithLogger(cmd.Context(), logger)

		err = archives.BuildArchive(ctx, args[1], args[0], archives.WithExclude(exclude...), progressOption("packing"))
		if err != nil {
			return eris.Wrapf(err, "failed to pack %s", args[1])
		}
		return nil
	},
}

var unpackCmd = &cobra.Command{
	Use:   "unpack archive_name destination_directory",
	Short: "Extracts a zip archive (.mcaddon, .mcworld, .mcpack) into the given directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger(cmd)
		ctx := buildsys.WithLogger(cmd.Context(), logger)

		err := archives.Extract(ctx, args[0], args[1], progressOption("extracting"))
		if err != nil {
			return eris.Wrapf(err, "failed to unpack %s", args[0])
		}
		return nil
	},
}

func init() {
	packCmd.Flags().StringSliceP("exclude", "x", nil, "skip files and directories matching these patterns")

	RootCmd.AddCommand(packCmd)
	RootCmd.AddCommand(unpackCmd)
}
