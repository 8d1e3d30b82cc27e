package cmd

import (
	"github.com/spf13/cobra"

	"github.com/agentic-research/strata/container"
	"github.com/agentic-research/strata/internal/export"
)

func init() {
	rootCmd.AddCommand(exportCmd)
}

var exportCmd = &cobra.Command{
	Use:   "export DB",
	Short: "Write a SQLite catalog of the container's objects, links and datasets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd.Context(), true, func(f *container.File) error {
			_, err := export.SQLite(cmd.Context(), f, args[0], log)
			return err
		})
	},
}
