package xray

import (
	"context"
	"fmt"
	"os"
	"sync"

	"rayconf/internal/logger"

	"github.com/xtls/xray-core/core"
)

// assetEnv is where xray-core looks for geoip.dat and geosite.dat.
const assetEnv = "XRAY_LOCATION_ASSET"

// EmbeddedRunner hosts the engine in-process through xray-core. It loads
// the same JSON document the binary would, so both runners are
// interchangeable.
type EmbeddedRunner struct {
	ConfigPath string
	AssetDir   string

	mu       sync.Mutex
	instance *core.Instance
	status   Status
	done     chan struct{}
}

var _ Runner = (*EmbeddedRunner)(nil)

func NewEmbeddedRunner(configPath, assetDir string) *EmbeddedRunner {
	return &EmbeddedRunner{ConfigPath: configPath, AssetDir: assetDir, status: StatusNotStarted}
}

func (r *EmbeddedRunner) Start(ctx context.Context) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusRunning {
		return ErrAlreadyRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := os.ReadFile(r.ConfigPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if r.AssetDir != "" {
		os.Setenv(assetEnv, r.AssetDir)
	}

	pbConfig, err := buildConfig(data)
	if err != nil {
		return err
	}

	var instance *core.Instance
	defer func() {
		if rec := recover(); rec != nil {
			logger.Log.Errorf("CRITICAL: Xray Core Panic recovered: %v", rec)
			err = fmt.Errorf("xray core panic: %v", rec)
			if instance != nil {
				instance.Close()
			}
		}
	}()

	instance, err = core.New(pbConfig)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if err := instance.Start(); err != nil {
		instance.Close()
		return fmt.Errorf("start engine: %w", err)
	}

	r.instance = instance
	r.status = StatusRunning
	r.done = make(chan struct{})
	logger.Log.Infof("Embedded engine started (config %s)", r.ConfigPath)
	return nil
}

func (r *EmbeddedRunner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusRunning {
		return nil
	}
	err := r.instance.Close()
	r.instance = nil
	r.status = StatusStopped
	close(r.done)
	if err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	return nil
}

func (r *EmbeddedRunner) Restart(ctx context.Context) error {
	if err := r.Stop(); err != nil {
		return err
	}
	if err := pause(ctx, restartPause); err != nil {
		return err
	}
	return r.Start(ctx)
}

func (r *EmbeddedRunner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == "" {
		return StatusNotStarted
	}
	return r.status
}

func (r *EmbeddedRunner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// PID is the current process while the engine runs in-process.
func (r *EmbeddedRunner) PID() int {
	if r.Status() != StatusRunning {
		return 0
	}
	return os.Getpid()
}
