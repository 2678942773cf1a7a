package xray

import (
	"encoding/json"
	"fmt"
	"os"

	"rayconf/internal/xray/document"

	"github.com/xtls/xray-core/core"
	"github.com/xtls/xray-core/infra/conf"

	// Import distro to register all protocols/transports
	_ "github.com/xtls/xray-core/main/distro/all"
)

// CheckOutbound feeds the proxy outbound of doc through the engine's own
// config loader. It needs no geo assets, so it is safe to call before
// anything is written.
func CheckOutbound(doc document.Document) (err error) {
	defer recoverBuild(&err)

	proxy := doc.Proxy()
	if proxy == nil {
		return fmt.Errorf("engine check: no %q outbound", document.TagProxy)
	}
	outConfig, err := toOutboundDetour(*proxy)
	if err != nil {
		return err
	}

	restore := muteLogs()
	defer restore()
	if _, err := outConfig.Build(); err != nil {
		return fmt.Errorf("engine rejected outbound: %w", err)
	}
	return nil
}

// CheckConfig loads a complete engine JSON document and builds it. Geo
// rules resolve against the asset directory (XRAY_LOCATION_ASSET), so this
// fails when geoip.dat or geosite.dat is missing.
func CheckConfig(data []byte) error {
	_, err := buildConfig(data)
	return err
}

// buildConfig turns engine JSON into the protobuf config core.New expects.
func buildConfig(data []byte) (pbConfig *core.Config, err error) {
	defer recoverBuild(&err)

	var cfg conf.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}

	restore := muteLogs()
	defer restore()
	pbConfig, err = cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("engine rejected config: %w", err)
	}
	return pbConfig, nil
}

func toOutboundDetour(out document.Outbound) (*conf.OutboundDetourConfig, error) {
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	var detour conf.OutboundDetourConfig
	if err := json.Unmarshal(raw, &detour); err != nil {
		return nil, fmt.Errorf("engine outbound schema: %w", err)
	}
	return &detour, nil
}

func recoverBuild(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("xray core panic: %v", r)
	}
}

func muteLogs() func() {
	origStdout := os.Stdout
	origStderr := os.Stderr

	devNull, _ := os.Open(os.DevNull)
	if devNull != nil {
		os.Stdout = devNull
		os.Stderr = devNull
	}

	return func() {
		os.Stdout = origStdout
		os.Stderr = origStderr
		if devNull != nil {
			devNull.Close()
		}
	}
}
