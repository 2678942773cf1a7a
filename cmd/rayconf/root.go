package main

import (
	"fmt"
	"os"

	"rayconf/internal/config"
	"rayconf/internal/logger"
	"rayconf/internal/xray"

	"github.com/spf13/cobra"
)

var (
	settingsFile string
	configPath   string
	enginePath   string
	logLevel     string
	logFile      string

	// link and document flags, shared by the root command and generate
	proxyLink     string
	proxyFile     string
	socksPort     int
	httpPort      int
	disableTLS    bool
	directDomains []string

	// client flags
	autoDownload   bool
	embedded       bool
	showStatus     bool
	testConnection bool
)

var rootCmd = &cobra.Command{
	Use:   "rayconf",
	Short: "Run a local Xray client from a vmess:// or vless:// link",
	Long: `Decodes a VMess or VLESS share link, writes a complete Xray configuration
with local SOCKS and HTTP inbounds, and supervises the engine until interrupted.`,
	Example: `  rayconf --proxy "vless://..." --auto-download
  rayconf --proxy "vmess://..." --config myconfig.json --port 2080
  rayconf --proxy-file links.txt --disable-tls --direct-domains lan.example,10.0.0.0/8
  rayconf --status`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Init(logLevel, logFile)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if showStatus {
			return printStatus(cmd, statusHistory)
		}
		if proxyLink == "" && proxyFile == "" {
			return fmt.Errorf("--proxy or --proxy-file is required unless using --status")
		}
		return runClient(cmd)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sync()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsFile, "settings", "", "settings file (default is ./"+config.DefaultPath+" if present)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path of the generated engine config (default config.json)")
	rootCmd.PersistentFlags().StringVar(&enginePath, "v2ray", "", "path to the engine binary (default xray, searched in ., ./bin and PATH)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warning, error")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to a size-rotated file instead of stdout")

	addBuildFlags(rootCmd)
	rootCmd.Flags().BoolVar(&autoDownload, "auto-download", false, "download the engine if it is not found")
	rootCmd.Flags().BoolVar(&embedded, "embedded", false, "run the engine in-process instead of as a subprocess")
	rootCmd.Flags().BoolVar(&showStatus, "status", false, "show the status of the last run and exit")
	rootCmd.Flags().BoolVar(&testConnection, "test-connection", false, "probe the proxy through the SOCKS inbound after start")
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&proxyLink, "proxy", "", "proxy link (vmess:// or vless://)")
	cmd.Flags().StringVar(&proxyFile, "proxy-file", "", "read the proxy link from a file; the first usable link wins")
	cmd.Flags().IntVar(&socksPort, "port", 0, "SOCKS inbound port (default 1080, 0 picks a free port)")
	cmd.Flags().IntVar(&httpPort, "http-port", 0, "HTTP inbound port (default 1081, 0 picks a free port)")
	cmd.Flags().BoolVar(&disableTLS, "disable-tls", false, "strip TLS/Reality from the link, keeping its transport")
	cmd.Flags().StringSliceVar(&directDomains, "direct-domains", nil, "domains, IPs or CIDRs that bypass the proxy")
	cmd.MarkFlagsMutuallyExclusive("proxy", "proxy-file")
}

// loadSettings reads the settings file and applies explicitly set flags.
func loadSettings(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(settingsFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if configPath != "" {
		cfg.Engine.ConfigPath = configPath
	}
	if enginePath != "" {
		cfg.Engine.Binary = enginePath
	}
	if flags.Changed("auto-download") {
		cfg.Engine.AutoDownload = autoDownload
	}
	if flags.Changed("embedded") {
		cfg.Engine.Embedded = embedded
	}
	if flags.Changed("disable-tls") {
		cfg.Routing.DisableTLS = disableTLS
	}
	if flags.Changed("direct-domains") {
		cfg.Routing.DirectDomains = append(cfg.Routing.DirectDomains, directDomains...)
	}

	if err := overridePort(flags.Changed("port"), socksPort, &cfg.Inbounds.SocksPort); err != nil {
		return nil, err
	}
	if err := overridePort(flags.Changed("http-port"), httpPort, &cfg.Inbounds.HTTPPort); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overridePort(changed bool, value int, target *int) error {
	if !changed {
		return nil
	}
	if value != 0 {
		*target = value
		return nil
	}
	ports, err := xray.GetFreePorts(1)
	if err != nil {
		return err
	}
	*target = ports[0]
	return nil
}
