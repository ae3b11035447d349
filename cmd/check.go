package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validates the task graph without running anything",
	Long: `Loads the built-in tasks and tasks.star, then verifies that every referenced task exists
and that there are no cycles. Prints the tasks in an order in which they could run.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		order, err := s.engine.Registry().Validate()
		if err != nil {
			s.logger.Error().Err(err).Msg("the task graph is invalid")
			return errReported
		}

		fmt.Printf("%d tasks, no cycles:\n  %s\n", len(order), strings.Join(order, "\n  "))
		return nil
	},
}

func init() {
	RootCmd.AddCommand(checkCmd)
}
