// Package environment measures the local network without the proxy, so a
// proxied result has something to be compared against.
package environment

import (
	"context"
	"fmt"

	"rayconf/internal/logger"
	"rayconf/internal/tester"
)

type Env struct {
	IP            string
	ISP           string
	Country       string
	BaselineSpeed float64 // Mbps, 0 when not measured
}

// Detect asks the echo service for the direct exit address and, when
// withSpeed is set, measures direct throughput.
func Detect(ctx context.Context, t *tester.Tester, withSpeed bool) (*Env, error) {
	logger.Log.Info("🌍 Detecting Environment...")

	meta, err := t.Direct(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to detect ISP: %w", err)
	}
	logger.Log.Infof("   -> Current ISP: %s (%s)", meta.ISP, meta.Country)

	env := &Env{IP: meta.IP, ISP: meta.ISP, Country: meta.Country}
	if !withSpeed {
		return env, nil
	}

	speed, _, err := t.DirectSpeed(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to measure baseline speed: %w", err)
	}
	logger.Log.Infof("   -> Baseline Speed: %.2f Mbps", speed)
	env.BaselineSpeed = speed
	return env, nil
}

// Leaks reports whether a proxied exit address is the direct one, meaning
// traffic is not leaving through the proxy.
func (e *Env) Leaks(res *tester.AnalysisResult) bool {
	return e != nil && res != nil && e.IP != "" && e.IP == res.IP
}
