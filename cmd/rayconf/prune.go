package main

import (
	"strconv"

	"rayconf/internal/db"
	"rayconf/internal/logger"

	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune [limit]",
	Short: "Shrink the run history to a specific size",
	Long: `Removes the oldest finished runs until the history holds at most limit entries.
If no limit is provided, the 'database.max_runs' setting is used. Runs still
marked running are kept.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadSettings(cmd)
		if err != nil {
			return err
		}

		limit := cfg.Database.MaxRuns
		if len(args) > 0 {
			limit, err = strconv.Atoi(args[0])
			if err != nil {
				return err
			}
			logger.Log.Infof("🎯 Pruning target manually set to: %d", limit)
		}

		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer db.Close(database)

		n, err := db.Prune(database, limit)
		if err != nil {
			return err
		}
		logger.Log.Infof("✅ Removed %d runs", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pruneCmd)
}
