package xray

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"rayconf/internal/logger"

	"gopkg.in/natefinch/lumberjack.v2"
)

const outputTail = 20

// ProcessRunner runs the engine binary as a child process:
// <binary> run -c <config>.
type ProcessRunner struct {
	Binary     string
	ConfigPath string
	// ConsoleLog, when set, receives every line the engine prints, rotated
	// by size.
	ConsoleLog   string
	StartupGrace time.Duration
	StopTimeout  time.Duration

	mu       sync.Mutex
	cmd      *exec.Cmd
	status   Status
	exitCode int
	stopping bool
	done     chan struct{}
	tail     []string
	console  io.WriteCloser
}

var _ Runner = (*ProcessRunner)(nil)

func NewProcessRunner(binary, configPath string) *ProcessRunner {
	return &ProcessRunner{
		Binary:       binary,
		ConfigPath:   configPath,
		StartupGrace: DefaultStartupGrace,
		StopTimeout:  DefaultStopTimeout,
		status:       StatusNotStarted,
	}
}

func (r *ProcessRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.status == StatusRunning {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}

	bin, err := FindBinary(r.Binary)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if !isFile(r.ConfigPath) {
		r.mu.Unlock()
		return fmt.Errorf("config file not found: %s", r.ConfigPath)
	}

	cmd := exec.Command(bin, "run", "-c", r.ConfigPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if err := cmd.Start(); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	if r.ConsoleLog != "" {
		r.console = &lumberjack.Logger{Filename: r.ConsoleLog, MaxSize: 10, MaxBackups: 3}
	}
	r.cmd = cmd
	r.status = StatusRunning
	r.exitCode = 0
	r.stopping = false
	r.tail = nil
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	logger.Log.Debugf("Engine %s started with PID %d", bin, cmd.Process.Pid)

	var wg sync.WaitGroup
	wg.Add(2)
	go r.forward(&wg, stdout, false)
	go r.forward(&wg, stderr, true)
	go r.wait(&wg, cmd, done)

	grace := r.StartupGrace
	if grace <= 0 {
		grace = DefaultStartupGrace
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		r.mu.Lock()
		code, tail := r.exitCode, strings.Join(r.tail, "\n")
		r.mu.Unlock()
		return fmt.Errorf("engine exited during startup with exit code %d:\n%s", code, tail)
	case <-ctx.Done():
		r.Stop()
		return ctx.Err()
	case <-t.C:
	}

	logger.Log.Infof("Engine started with PID %d", cmd.Process.Pid)
	return nil
}

// forward copies engine output line by line into the log.
func (r *ProcessRunner) forward(wg *sync.WaitGroup, rd io.Reader, isErr bool) {
	defer wg.Done()
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if isErr {
			logger.Log.Warnf("[engine] %s", line)
		} else {
			logger.Log.Infof("[engine] %s", line)
		}

		r.mu.Lock()
		r.tail = append(r.tail, line)
		if len(r.tail) > outputTail {
			r.tail = r.tail[len(r.tail)-outputTail:]
		}
		console := r.console
		r.mu.Unlock()

		if console != nil {
			io.WriteString(console, line+"\n")
		}
	}
}

func (r *ProcessRunner) wait(wg *sync.WaitGroup, cmd *exec.Cmd, done chan struct{}) {
	// Pipes must be drained before Wait closes them.
	wg.Wait()
	err := cmd.Wait()

	r.mu.Lock()
	r.exitCode = cmd.ProcessState.ExitCode()
	if r.stopping {
		r.status = StatusStopped
	} else {
		r.status = StatusCrashed
		logger.Log.Errorf("Engine exited unexpectedly (code %d): %v", r.exitCode, err)
	}
	if r.console != nil {
		r.console.Close()
		r.console = nil
	}
	r.mu.Unlock()

	close(done)
}

// Stop sends SIGTERM and kills the engine if it has not exited within
// StopTimeout. Stopping a runner that is not running is a no-op.
func (r *ProcessRunner) Stop() error {
	r.mu.Lock()
	if r.status != StatusRunning || r.cmd == nil {
		r.mu.Unlock()
		return nil
	}
	r.stopping = true
	proc, done := r.cmd.Process, r.done
	timeout := r.StopTimeout
	r.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	logger.Log.Info("Stopping engine...")
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Log.Debugf("SIGTERM failed, killing: %v", err)
		proc.Kill()
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
	}

	logger.Log.Warn("Engine didn't stop gracefully, forcing kill")
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill engine: %w", err)
	}
	<-done
	return nil
}

func (r *ProcessRunner) Restart(ctx context.Context) error {
	logger.Log.Info("Restarting engine...")
	if err := r.Stop(); err != nil {
		return err
	}
	if err := pause(ctx, restartPause); err != nil {
		return err
	}
	return r.Start(ctx)
}

func (r *ProcessRunner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == "" {
		return StatusNotStarted
	}
	return r.status
}

// ExitCode of the last run, valid once Done is closed.
func (r *ProcessRunner) ExitCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCode
}

func (r *ProcessRunner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *ProcessRunner) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRunning || r.cmd == nil {
		return 0
	}
	return r.cmd.Process.Pid
}
