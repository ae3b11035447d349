package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/DevianKeno/be-ts-template/pkg/buildsys"
	"github.com/DevianKeno/be-ts-template/pkg/storage"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Shows the most recent task runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return err
		}
		invocation, err := cmd.Flags().GetUint64("invocation")
		if err != nil {
			return err
		}

		logger := setupLogger(cmd)
		cfg, err := loadConfig(cmd, logger)
		if err != nil {
			return err
		}
		if cfg.Journal == "" {
			logger.Warn().Msg("the run journal is disabled")
			return nil
		}

		journal, err := storage.Open(cfg.Path(cfg.Journal))
		if err != nil {
			return err
		}
		defer journal.Close()

		var records []buildsys.RunRecord
		if invocation > 0 {
			records, err = journal.Invocation(cmd.Context(), invocation)
		} else {
			records, err = journal.History(cmd.Context(), limit)
		}
		if err != nil {
			return err
		}

		for _, rec := range records {
			status := "ok"
			if rec.Error != "" {
				status = "failed: " + rec.Error
			}

			fmt.Printf("#%-5d %s  %-20s %-8s %8s  %s\n", rec.Invocation, rec.Started.Format("2006-01-02 15:04:05"),
				rec.Task, rec.Kind, rec.Duration.Round(1e6), status)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "l", 20, "number of records to show (0 for all)")
	historyCmd.Flags().Uint64P("invocation", "i", 0, "only show the tasks of this invocation")

	RootCmd.AddCommand(historyCmd)
}
