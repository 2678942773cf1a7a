package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"rayconf/internal/config"
	"rayconf/internal/db"
	"rayconf/internal/downloader"
	"rayconf/internal/logger"
	"rayconf/internal/model"
	"rayconf/internal/tester"
	"rayconf/internal/xray"
	"rayconf/internal/xray/link"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func runClient(cmd *cobra.Command) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	// 1. Build and check; nothing is written on failure
	build, err := buildFromFlags(cfg)
	if err != nil {
		return err
	}

	// 2. Write
	if err := xray.WriteConfig(cfg.Engine.ConfigPath, build.Document); err != nil {
		return err
	}
	logger.Log.Infof("📝 Config written to %s", cfg.Engine.ConfigPath)
	printSummary(build, cfg)

	// 3. Runner
	runner, kind, err := newRunner(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Log.Info("🚀 Starting engine...")
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	history := openHistory(cfg)
	if history != nil {
		defer db.Close(history)
	}
	runID := recordStart(history, build, cfg, kind, runner.PID())

	printBanner(cfg)

	if testConnection {
		probe(ctx, cfg)
	}

	// 4. Supervise until interrupted or the engine exits
	select {
	case <-ctx.Done():
		logger.Log.Info("Received stop signal")
	case <-runner.Done():
	}

	if err := runner.Stop(); err != nil {
		logger.Log.Errorf("Error stopping engine: %v", err)
	}

	status := runner.Status()
	exitCode := 0
	if pr, ok := runner.(*xray.ProcessRunner); ok {
		exitCode = pr.ExitCode()
	}
	// The engine shares our process group and may exit on the same Ctrl+C
	// before Stop reaches it.
	if ctx.Err() != nil && status == xray.StatusCrashed {
		status = xray.StatusStopped
	}
	recordStop(history, runID, status, exitCode)
	if history != nil {
		if _, err := db.Prune(history, cfg.Database.MaxRuns); err != nil {
			logger.Log.Warnf("Failed to prune run history: %v", err)
		}
	}

	if status == xray.StatusCrashed {
		return fmt.Errorf("engine crashed with exit code %d", exitCode)
	}
	logger.Log.Info("👋 Engine stopped")
	return nil
}

// buildFromFlags resolves the link flags into a validated, engine-checked
// document.
func buildFromFlags(cfg *config.Config) (*xray.Build, error) {
	opts := xray.BuildOptions{
		DisableSecurity: cfg.Routing.DisableTLS,
		Document:        cfg.SynthesisOptions(),
	}

	candidates, err := candidateLinks()
	if err != nil {
		return nil, err
	}

	var firstErr error
	for i, raw := range candidates {
		build, err := xray.BuildDocument(raw, opts)
		if err == nil {
			err = xray.CheckOutbound(build.Document)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if len(candidates) > 1 {
				logger.Log.Warnf("Skipping link %d/%d: %v", i+1, len(candidates), err)
			}
			continue
		}
		logger.Log.Infof("✅ Parsed %s link %s", build.Spec.Protocol, build.Spec)
		return build, nil
	}
	return nil, firstErr
}

func candidateLinks() ([]string, error) {
	if proxyLink != "" {
		return []string{proxyLink}, nil
	}

	data, err := os.ReadFile(proxyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read proxy file: %w", err)
	}
	links := link.Extract(string(data))
	if len(links) == 0 {
		return nil, fmt.Errorf("no vmess:// or vless:// links found in %s", proxyFile)
	}
	logger.Log.Debugf("Found %d links in %s", len(links), proxyFile)
	return links, nil
}

func newRunner(ctx context.Context, cfg *config.Config) (xray.Runner, string, error) {
	if cfg.Engine.Embedded {
		return xray.NewEmbeddedRunner(cfg.Engine.ConfigPath, cfg.Engine.Dir), "embedded", nil
	}

	bin, err := xray.FindBinary(cfg.Engine.Binary)
	if errors.Is(err, xray.ErrBinaryNotFound) && cfg.Engine.AutoDownload {
		logger.Log.Info("Engine binary not found, downloading...")
		bin, err = newDownloader(cfg).Ensure(ctx)
	}
	if err != nil {
		return nil, "", err
	}

	r := xray.NewProcessRunner(bin, cfg.Engine.ConfigPath)
	r.ConsoleLog = cfg.Engine.ConsoleLog
	r.StartupGrace = cfg.Engine.StartupGrace
	r.StopTimeout = cfg.Engine.StopTimeout
	return r, "process", nil
}

func newDownloader(cfg *config.Config) *downloader.Downloader {
	d := downloader.New(cfg.Engine.Dir)
	if cfg.Engine.ReleaseURL != "" {
		d.ReleaseURL = cfg.Engine.ReleaseURL
	}
	return d
}

func socksAddr(cfg *config.Config) string {
	return net.JoinHostPort(cfg.Inbounds.Listen, strconv.Itoa(cfg.Inbounds.SocksPort))
}

func probe(ctx context.Context, cfg *config.Config) {
	geo := openGeo(cfg)
	defer geo.Close()
	t := tester.New(cfg.Tester, geo)

	addr := socksAddr(cfg)
	if err := t.CheckSocks(ctx, addr); err != nil {
		logger.Log.Warnf("❌ SOCKS inbound check failed: %v", err)
		return
	}
	res, err := t.TestConnection(ctx, addr)
	if err != nil {
		logger.Log.Warnf("❌ Connection test failed: %v", err)
		return
	}
	logger.Log.Infof("🌐 Connection OK: exit %s (%s, %s) in %v", res.IP, res.ISP, res.Country, res.Latency.Round(1e6))
}

// --- History ---

// openHistory returns nil when history is disabled or unavailable. History
// never blocks the client.
func openHistory(cfg *config.Config) *gorm.DB {
	if cfg.Database.Path == "" {
		return nil
	}
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		logger.Log.Warnf("Run history disabled: %v", err)
		return nil
	}
	return database
}

func recordStart(database *gorm.DB, build *xray.Build, cfg *config.Config, kind string, pid int) uint {
	if database == nil {
		return 0
	}
	spec := build.Spec
	run := &model.Run{
		Fingerprint: spec.Fingerprint(),
		Link:        spec.Encode(),
		Remark:      spec.Remark,
		Protocol:    string(spec.Protocol),
		Address:     spec.Address,
		Port:        spec.Port,
		Network:     string(build.Resolved.Network),
		Security:    string(build.Resolved.Security),
		ConfigPath:  cfg.Engine.ConfigPath,
		Listen:      cfg.Inbounds.Listen,
		SocksPort:   cfg.Inbounds.SocksPort,
		HTTPPort:    cfg.Inbounds.HTTPPort,
		Runner:      kind,
		PID:         pid,
		Status:      string(xray.StatusRunning),
	}
	if err := db.RecordStart(database, run); err != nil {
		logger.Log.Warnf("Failed to record run: %v", err)
		return 0
	}
	return run.ID
}

func recordStop(database *gorm.DB, id uint, status xray.Status, exitCode int) {
	if database == nil || id == 0 {
		return
	}
	if err := db.RecordStop(database, id, string(status), exitCode); err != nil {
		logger.Log.Warnf("Failed to record stop: %v", err)
	}
}

// --- Output ---

func printSummary(build *xray.Build, cfg *config.Config) {
	doc := build.Document
	network, security := string(build.Resolved.Network), string(build.Resolved.Security)
	if ss := doc.Proxy().StreamSettings; ss != nil {
		network, security = ss.Network, orNone(ss.Security)
	}

	logger.Log.Infof("   Server:    %s:%d (%s)", build.Spec.Address, build.Spec.Port, build.Spec.Protocol)
	logger.Log.Infof("   Transport: %s, security %s", network, security)
	if cfg.Routing.DisableTLS && build.Spec.Security != link.SecurityNone {
		logger.Log.Warnf("   %s disabled by --disable-tls", strings.ToUpper(string(build.Spec.Security)))
	}
	logger.Log.Infof("   Rules:     %d (catch-all to %s)", len(doc.Routing.Rules), doc.Routing.Rules[len(doc.Routing.Rules)-1].OutboundTag)
}

func printBanner(cfg *config.Config) {
	line := strings.Repeat("=", 50)
	fmt.Println()
	fmt.Println(line)
	fmt.Println("Proxy client started")
	fmt.Println(line)
	fmt.Printf("SOCKS Proxy: %s\n", socksAddr(cfg))
	fmt.Printf("HTTP Proxy:  %s\n", net.JoinHostPort(cfg.Inbounds.Listen, strconv.Itoa(cfg.Inbounds.HTTPPort)))
	fmt.Println(line)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println(line)
	fmt.Println()
}
