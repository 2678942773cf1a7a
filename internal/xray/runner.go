package xray

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Status of a Runner.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusCrashed    Status = "crashed"
)

const (
	DefaultStartupGrace = time.Second
	DefaultStopTimeout  = 10 * time.Second
	restartPause        = time.Second
)

var (
	ErrAlreadyRunning = errors.New("engine already running")
	ErrBinaryNotFound = errors.New("engine binary not found")
)

// Runner supervises one engine instance using an already written config.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error
	Restart(ctx context.Context) error
	Status() Status
	// Done is closed when the engine exits, whether stopped or crashed.
	// It is nil before the first Start.
	Done() <-chan struct{}
	PID() int
}

// FindBinary resolves the engine executable. It tries name as an absolute
// path, then relative to the working directory, then ./bin, then PATH.
func FindBinary(name string) (string, error) {
	if name == "" {
		name = "xray"
	}
	var tried []string

	if filepath.IsAbs(name) {
		if isFile(name) {
			return name, nil
		}
		tried = append(tried, name)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		for _, p := range []string{filepath.Join(cwd, name), filepath.Join(cwd, "bin", name)} {
			if isFile(p) {
				return p, nil
			}
			tried = append(tried, p)
		}
	}

	if p, err := exec.LookPath(filepath.Base(name)); err == nil {
		return p, nil
	}
	tried = append(tried, "$PATH/"+filepath.Base(name))

	return "", fmt.Errorf("%w: tried %v", ErrBinaryNotFound, tried)
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// GetFreePorts asks the kernel for count distinct free TCP ports on the
// loopback interface.
func GetFreePorts(count int) ([]int, error) {
	var listeners []net.Listener
	var ports []int

	for i := 0; i < count; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return nil, fmt.Errorf("failed to allocate ports: %w", err)
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}

	for _, l := range listeners {
		l.Close()
	}

	return ports, nil
}

// pause waits d or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
