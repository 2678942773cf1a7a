package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"rayconf/internal/xray/document"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "rayconf.yaml"

type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Inbounds InboundsConfig `yaml:"inbounds"`
	Routing  RoutingConfig  `yaml:"routing"`
	Database DatabaseConfig `yaml:"database"`
	Tester   TesterConfig   `yaml:"tester"`
}

type EngineConfig struct {
	Binary       string `yaml:"binary"`
	ConfigPath   string `yaml:"config_path"`
	Dir          string `yaml:"dir"` // download target, also holds geoip.dat/geosite.dat
	ReleaseURL   string `yaml:"release_url"`
	AutoDownload bool   `yaml:"auto_download"`
	Embedded     bool   `yaml:"embedded"`

	ConsoleLog   string        `yaml:"console_log"`
	StartupGrace time.Duration `yaml:"startup_grace"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`

	// Engine-side logging, written into the generated document
	LogLevel  string `yaml:"log_level"`
	AccessLog string `yaml:"access_log"`
	ErrorLog  string `yaml:"error_log"`
}

type InboundsConfig struct {
	Listen    string `yaml:"listen"`
	SocksPort int    `yaml:"socks_port"`
	HTTPPort  int    `yaml:"http_port"`
	Sniffing  bool   `yaml:"sniffing"`
}

type RoutingConfig struct {
	DisableTLS     bool     `yaml:"disable_tls"`
	DomainStrategy string   `yaml:"domain_strategy"`
	DirectDomains  []string `yaml:"direct_domains"`
	PrivateIPs     []string `yaml:"private_ips"`
	BlockDomains   []string `yaml:"block_domains"`
}

type DatabaseConfig struct {
	Path    string `yaml:"path"` // empty disables run history
	MaxRuns int    `yaml:"max_runs"`
}

type TesterConfig struct {
	HealthTimeout time.Duration `yaml:"health_timeout"`
	SpeedTimeout  time.Duration `yaml:"speed_timeout"`
	Retries       int           `yaml:"retries"`

	EchoURL string `yaml:"echo_url"`

	GeoIPASNPath     string `yaml:"geoip_asn_path"`
	GeoIPCountryPath string `yaml:"geoip_country_path"`

	DirtyCheckURL string `yaml:"dirty_check_url"`
	SpeedTestURL  string `yaml:"speed_test_url"`
}

// Default returns the settings used when no file is present.
func Default() *Config {
	var cfg Config
	opts := document.DefaultOptions()

	cfg.Engine.Binary = "xray"
	cfg.Engine.ConfigPath = "config.json"
	cfg.Engine.Dir = "bin"
	cfg.Engine.StartupGrace = time.Second
	cfg.Engine.StopTimeout = 10 * time.Second
	cfg.Engine.LogLevel = opts.LogLevel

	cfg.Inbounds.Listen = opts.ListenAddress
	cfg.Inbounds.SocksPort = opts.SocksPort
	cfg.Inbounds.HTTPPort = opts.HTTPPort
	cfg.Inbounds.Sniffing = opts.Sniffing

	cfg.Routing.DomainStrategy = opts.DomainStrategy
	cfg.Routing.PrivateIPs = opts.PrivateIPs
	cfg.Routing.BlockDomains = opts.BlockDomains

	cfg.Database.Path = "rayconf.db"
	cfg.Database.MaxRuns = 100

	cfg.Tester.HealthTimeout = 8 * time.Second
	cfg.Tester.SpeedTimeout = 45 * time.Second
	cfg.Tester.Retries = 2
	cfg.Tester.EchoURL = "http://api.ipify.org"
	cfg.Tester.GeoIPASNPath = "GeoLite2-ASN.mmdb"
	cfg.Tester.GeoIPCountryPath = "GeoLite2-Country.mmdb"
	cfg.Tester.DirtyCheckURL = "https://developers.google.com"
	cfg.Tester.SpeedTestURL = "https://speed.cloudflare.com/__down?bytes=5000000"

	return &cfg
}

// Load reads the settings file at path over the defaults. An empty path
// means DefaultPath, which may be absent; an explicit path must exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}

	if cfg.Engine.StartupGrace <= 0 {
		cfg.Engine.StartupGrace = time.Second
	}
	if cfg.Engine.StopTimeout <= 0 {
		cfg.Engine.StopTimeout = 10 * time.Second
	}
	if cfg.Tester.Retries < 0 {
		cfg.Tester.Retries = 0
	}

	return cfg, nil
}

// SynthesisOptions maps the settings onto the document builder inputs.
func (c *Config) SynthesisOptions() document.Options {
	return document.Options{
		ListenAddress:  c.Inbounds.Listen,
		SocksPort:      c.Inbounds.SocksPort,
		HTTPPort:       c.Inbounds.HTTPPort,
		Sniffing:       c.Inbounds.Sniffing,
		DirectDomains:  append([]string(nil), c.Routing.DirectDomains...),
		PrivateIPs:     append([]string(nil), c.Routing.PrivateIPs...),
		BlockDomains:   append([]string(nil), c.Routing.BlockDomains...),
		DomainStrategy: c.Routing.DomainStrategy,
		LogLevel:       c.Engine.LogLevel,
		AccessLog:      c.Engine.AccessLog,
		ErrorLog:       c.Engine.ErrorLog,
	}
}
