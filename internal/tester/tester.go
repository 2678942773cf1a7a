package tester

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rayconf/internal/config"
	"rayconf/internal/geoip"
	"rayconf/internal/metrics"

	"golang.org/x/net/proxy"
)

type Tester struct {
	cfg config.TesterConfig
	geo *geoip.Resolver

	// Metrics, when set, records every attempt of TestConnection.
	Metrics *metrics.Collector
}

type AnalysisResult struct {
	IP       string
	ISP      string
	Country  string
	IsDirty  bool
	Latency  time.Duration
	Attempts int
}

// New builds a tester. geo may be nil, in which case results carry
// placeholder ISP and country values.
func New(cfg config.TesterConfig, geo *geoip.Resolver) *Tester {
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 8 * time.Second
	}
	if cfg.SpeedTimeout <= 0 {
		cfg.SpeedTimeout = 45 * time.Second
	}
	return &Tester{cfg: cfg, geo: geo}
}

// CheckSocks performs a SOCKS5 handshake against the local inbound at addr
// and asks it to CONNECT to the echo host. It does not wait for upstream
// traffic.
func (t *Tester) CheckSocks(ctx context.Context, addr string) error {
	target, err := hostPort(t.cfg.EchoURL)
	if err != nil {
		return err
	}

	dialer, err := t.socksDialer(addr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.HealthTimeout)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return fmt.Errorf("socks inbound %s: %w", addr, err)
	}
	return conn.Close()
}

// TestConnection fetches the echo URL through the SOCKS inbound at addr and
// reports the exit address. Failed attempts are retried cfg.Retries times.
func (t *Tester) TestConnection(ctx context.Context, addr string) (*AnalysisResult, error) {
	client, err := t.MakeClient(addr, t.cfg.HealthTimeout)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i := 0; i <= t.cfg.Retries; i++ {
		res, err := t.analyze(ctx, client)
		if err == nil {
			if t.Metrics != nil {
				t.Metrics.RecordSuccess(i, res.Latency)
			}
			res.Attempts = i + 1
			return res, nil
		}
		lastErr = err
		if t.Metrics != nil {
			t.Metrics.RecordFailure(err)
		}

		if ctx.Err() != nil {
			break
		}
		// Brief backoff
		if i < t.cfg.Retries {
			if err := sleep(ctx, 200*time.Millisecond); err != nil {
				break
			}
		}
	}
	return nil, lastErr
}

func (t *Tester) analyze(ctx context.Context, client *http.Client) (*AnalysisResult, error) {
	start := time.Now()
	body, err := fetch(ctx, client, t.cfg.EchoURL, 1024)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)

	ipStr := strings.TrimSpace(string(body))
	if ipStr == "" {
		return nil, errors.New("empty response from echo service")
	}

	res := &AnalysisResult{IP: ipStr, ISP: "Unknown", Country: "XX", Latency: latency}
	if geo, err := t.geo.Lookup(ipStr); err == nil {
		res.ISP, res.Country = geo.ISP, geo.Country
	}

	// A failing dirty check marks the exit as dirty rather than failing the test
	if t.cfg.DirtyCheckURL != "" {
		if _, err := fetch(ctx, client, t.cfg.DirtyCheckURL, 0); err != nil {
			res.IsDirty = true
		}
	}

	return res, nil
}

// SpeedCheck downloads the speed test URL through the inbound and returns
// the throughput in Mbps and the bytes received.
func (t *Tester) SpeedCheck(ctx context.Context, addr string) (float64, int64, error) {
	client, err := t.MakeClient(addr, t.cfg.SpeedTimeout)
	if err != nil {
		return 0, 0, err
	}

	var written int64
	var lastErr error
	for i := 0; i <= t.cfg.Retries; i++ {
		m, w, err := t.doSpeedCheck(ctx, client)
		if err == nil {
			return m, w, nil
		}
		lastErr = err
		if w > written {
			written = w
		}

		if i < t.cfg.Retries {
			if err := sleep(ctx, 500*time.Millisecond); err != nil {
				break
			}
		}
	}
	return 0, written, lastErr
}

func (t *Tester) doSpeedCheck(ctx context.Context, client *http.Client) (float64, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.SpeedTestURL, nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("speedtest download failed: %d", resp.StatusCode)
	}

	start := time.Now()
	written, readErr := io.Copy(io.Discard, resp.Body)
	duration := time.Since(start)

	if readErr != nil && written == 0 {
		return 0, written, fmt.Errorf("download failed (0 bytes): %w", readErr)
	}
	if duration.Seconds() == 0 {
		return 0, written, errors.New("download too fast or duration zero")
	}

	bits := float64(written) * 8
	mbps := (bits / duration.Seconds()) / 1_000_000

	return mbps, written, nil
}

// Direct fetches the echo URL without the proxy. It describes the local
// network the proxy is compared against.
func (t *Tester) Direct(ctx context.Context) (*AnalysisResult, error) {
	res, err := t.analyze(ctx, &http.Client{Timeout: t.cfg.HealthTimeout})
	if err != nil {
		return nil, err
	}
	res.Attempts = 1
	return res, nil
}

// DirectSpeed is SpeedCheck without the proxy, tried once.
func (t *Tester) DirectSpeed(ctx context.Context) (float64, int64, error) {
	return t.doSpeedCheck(ctx, &http.Client{Timeout: t.cfg.SpeedTimeout})
}

// MakeClient returns an HTTP client that dials every request through the
// SOCKS5 inbound at addr.
func (t *Tester) MakeClient(addr string, totalTimeout time.Duration) (*http.Client, error) {
	dialer, err := t.socksDialer(addr)
	if err != nil {
		return nil, err
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ResponseHeaderTimeout: t.cfg.HealthTimeout,
			DisableKeepAlives:     true,
		},
		Timeout: totalTimeout,
	}, nil
}

func (t *Tester) socksDialer(addr string) (proxy.ContextDialer, error) {
	forward := &net.Dialer{Timeout: t.cfg.HealthTimeout, KeepAlive: 30 * time.Second}
	d, err := proxy.SOCKS5("tcp", addr, nil, forward)
	if err != nil {
		return nil, fmt.Errorf("socks dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks dialer does not support contexts")
	}
	return cd, nil
}

// fetch GETs u and returns at most limit bytes of a 200 response body.
// limit 0 discards the body.
func fetch(ctx context.Context, client *http.Client, u string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s failed with status: %d", u, resp.StatusCode)
	}
	if limit == 0 {
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

func hostPort(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("echo url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("echo url %q has no host", raw)
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
