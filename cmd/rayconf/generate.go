package main

import (
	"fmt"
	"os"

	"rayconf/internal/logger"
	"rayconf/internal/xray"

	"github.com/spf13/cobra"
)

var flagPrint bool

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write the engine configuration for a link without starting it",
	Example: `  rayconf generate --proxy "vless://..." --config client.json
  rayconf generate --proxy-file links.txt --print > config.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if proxyLink == "" && proxyFile == "" {
			return fmt.Errorf("--proxy or --proxy-file is required")
		}
		cfg, err := loadSettings(cmd)
		if err != nil {
			return err
		}

		build, err := buildFromFlags(cfg)
		if err != nil {
			return err
		}

		if flagPrint {
			data, err := build.JSON()
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		}

		if err := xray.WriteConfig(cfg.Engine.ConfigPath, build.Document); err != nil {
			return err
		}
		logger.Log.Infof("📝 Config written to %s", cfg.Engine.ConfigPath)
		printSummary(build, cfg)
		return nil
	},
}

func init() {
	addBuildFlags(generateCmd)
	generateCmd.Flags().BoolVar(&flagPrint, "print", false, "print the configuration to stdout instead of writing it")
	rootCmd.AddCommand(generateCmd)
}
