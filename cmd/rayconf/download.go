package main

import (
	"fmt"

	"rayconf/internal/downloader"
	"rayconf/internal/logger"

	"github.com/spf13/cobra"
)

var flagForce bool

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download the latest Xray engine for this platform",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		d := newDownloader(cfg)

		var bin string
		if flagForce {
			bin, err = d.Download(cmd.Context())
		} else {
			bin, err = d.Ensure(cmd.Context())
		}
		if err != nil {
			return err
		}

		version, err := downloader.Version(cmd.Context(), bin)
		if err != nil {
			logger.Log.Warnf("Could not read engine version: %v", err)
			version = "unknown version"
		}
		fmt.Printf("✅ %s (%s)\n", bin, version)
		return nil
	},
}

func init() {
	downloadCmd.Flags().BoolVar(&flagForce, "force", false, "download even if the binary already exists")
	rootCmd.AddCommand(downloadCmd)
}
