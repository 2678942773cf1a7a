package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"rayconf/internal/config"
	"rayconf/internal/environment"
	"rayconf/internal/geoip"
	"rayconf/internal/logger"
	"rayconf/internal/metrics"
	"rayconf/internal/tester"
	"rayconf/internal/xray"

	"github.com/spf13/cobra"
)

var (
	flagRounds   int
	flagSpeed    bool
	flagBaseline bool
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Start the engine briefly and probe the link through it",
	Long: `Builds the configuration on free local ports, starts the engine, sends --rounds
probes through the SOCKS inbound and prints a latency and failure report.
Use --speed for a download test and --baseline to compare with the direct network.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if proxyLink == "" && proxyFile == "" {
			return fmt.Errorf("--proxy or --proxy-file is required")
		}
		cfg, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		if err := isolate(cmd, cfg); err != nil {
			return err
		}
		defer os.RemoveAll(filepath.Dir(cfg.Engine.ConfigPath))

		build, err := buildFromFlags(cfg)
		if err != nil {
			return err
		}
		if err := xray.WriteConfig(cfg.Engine.ConfigPath, build.Document); err != nil {
			return err
		}

		runner, _, err := newRunner(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if err := runner.Start(ctx); err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}
		defer runner.Stop()

		return runProbes(ctx, cfg)
	},
}

// isolate moves the generated config to a scratch directory and the inbounds
// to free ports, unless set explicitly, so a running client is left alone.
func isolate(cmd *cobra.Command, cfg *config.Config) error {
	dir, err := os.MkdirTemp("", "rayconf-test-")
	if err != nil {
		return err
	}
	cfg.Engine.ConfigPath = filepath.Join(dir, "config.json")
	cfg.Engine.ConsoleLog = ""

	flags := cmd.Flags()
	if !flags.Changed("port") {
		if err := overridePort(true, 0, &cfg.Inbounds.SocksPort); err != nil {
			return err
		}
	}
	if !flags.Changed("http-port") {
		if err := overridePort(true, 0, &cfg.Inbounds.HTTPPort); err != nil {
			return err
		}
	}
	return nil
}

func runProbes(ctx context.Context, cfg *config.Config) error {
	geo := openGeo(cfg)
	defer geo.Close()

	t := tester.New(cfg.Tester, geo)
	t.Metrics = metrics.New()

	var env *environment.Env
	if flagBaseline {
		var err error
		env, err = environment.Detect(ctx, t, flagSpeed)
		if err != nil {
			logger.Log.Errorf("Environment check failed: %v", err)
		}
	}

	addr := socksAddr(cfg)
	if err := t.CheckSocks(ctx, addr); err != nil {
		return err
	}

	var last *tester.AnalysisResult
	for i := 1; i <= flagRounds; i++ {
		res, err := t.TestConnection(ctx, addr)
		if err != nil {
			logger.Log.Warnf("Round %d/%d: ❌ %v", i, flagRounds, err)
		} else {
			logger.Log.Infof("Round %d/%d: ✅ %s (%s, %s) %v", i, flagRounds, res.IP, res.ISP, res.Country, res.Latency.Round(1e6))
			last = res
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	t.Metrics.PrintReport(os.Stdout, cfg.Tester.HealthTimeout, cfg.Tester.Retries)

	if last == nil {
		return fmt.Errorf("all %d rounds failed", flagRounds)
	}
	if last.IsDirty {
		logger.Log.Warn("⚠️  Exit address failed the dirty check")
	}
	if env.Leaks(last) {
		logger.Log.Warnf("⚠️  Exit address %s is the direct address; traffic is not tunneled", last.IP)
	}

	if flagSpeed {
		mbps, n, err := t.SpeedCheck(ctx, addr)
		if err != nil {
			logger.Log.Warnf("Speed test failed after %d bytes: %v", n, err)
		} else if env != nil && env.BaselineSpeed > 0 {
			logger.Log.Infof("🚀 Speed: %.2f Mbps (%.0f%% of direct %.2f Mbps)", mbps, 100*mbps/env.BaselineSpeed, env.BaselineSpeed)
		} else {
			logger.Log.Infof("🚀 Speed: %.2f Mbps", mbps)
		}
	}
	return nil
}

// openGeo opens whichever GeoIP databases exist. It never fails; a nil
// resolver yields placeholder values.
func openGeo(cfg *config.Config) *geoip.Resolver {
	asn, country := existing(cfg.Tester.GeoIPASNPath), existing(cfg.Tester.GeoIPCountryPath)
	if asn == "" && country == "" {
		return nil
	}
	geo, err := geoip.Open(asn, country)
	if err != nil {
		logger.Log.Warnf("GeoIP disabled: %v", err)
		return nil
	}
	return geo
}

func existing(path string) string {
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func init() {
	addBuildFlags(testCmd)
	testCmd.Flags().IntVar(&flagRounds, "rounds", 5, "number of probe rounds")
	testCmd.Flags().BoolVar(&flagSpeed, "speed", false, "run a download speed test through the proxy")
	testCmd.Flags().BoolVar(&flagBaseline, "baseline", false, "measure the direct network first and compare")
	testCmd.Flags().BoolVar(&embedded, "embedded", false, "run the engine in-process instead of as a subprocess")
	testCmd.Flags().BoolVar(&autoDownload, "auto-download", false, "download the engine if it is not found")
	rootCmd.AddCommand(testCmd)
}
