// Package harness manages the qbit binary under test: it spawns the HTTP/SSE
// server on a free port, waits for readiness, tears the process tree down on
// cleanup, and runs one-shot CLI executions.
package harness

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/qbit-ai/qbit-evals/client"
)

const (
	readinessTimeout = 30 * time.Second
	readinessPoll    = 500 * time.Millisecond
	shutdownGrace    = 5 * time.Second
)

// ServerEnv runs one qbit server process for the duration of a test run.
type ServerEnv struct {
	binaryPath string
	workspace  string
	logger     *zap.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	waitCh chan error
	url    string
}

// NewServerEnv creates a server component for the given qbit binary.
// workspace, when non-empty, becomes the process working directory.
func NewServerEnv(binaryPath, workspace string, logger *zap.Logger) *ServerEnv {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServerEnv{
		binaryPath: binaryPath,
		workspace:  workspace,
		logger:     logger.With(zap.String("component", "qbit-server")),
	}
}

// URL returns the server's base URL, valid after Start succeeds.
func (e *ServerEnv) URL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.url
}

// Start spawns the server on a free port and blocks until its health
// endpoint answers or the readiness timeout elapses. The process runs in its
// own process group so Stop can take down any children it spawned.
func (e *ServerEnv) Start(ctx context.Context) error {
	port, err := FindAvailablePort()
	if err != nil {
		return fmt.Errorf("allocate server port: %w", err)
	}
	url := fmt.Sprintf("http://localhost:%d", port)

	serverCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(serverCtx, e.binaryPath, "serve", "--port", strconv.Itoa(port))
	if e.workspace != "" {
		cmd.Dir = e.workspace
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	e.logger.Info("Starting qbit server", zap.String("binary", e.binaryPath), zap.Int("port", port))
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start qbit server: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
		close(waitCh)
	}()

	e.mu.Lock()
	e.cmd = cmd
	e.cancel = cancel
	e.waitCh = waitCh
	e.url = url
	e.mu.Unlock()

	probe, err := client.New(url, client.WithLogger(e.logger))
	if err != nil {
		e.Stop()
		return fmt.Errorf("create readiness probe: %w", err)
	}
	if !probe.WaitForReady(ctx, readinessTimeout, readinessPoll) {
		e.Stop()
		return fmt.Errorf("qbit server at %s did not become ready within %s", url, readinessTimeout)
	}
	e.logger.Info("Qbit server ready", zap.String("url", url), zap.Int("pid", cmd.Process.Pid))
	return nil
}

// Stop terminates the server process group: SIGTERM first, SIGKILL after the
// grace period, then a liveness sweep over any surviving children. Safe to
// call more than once.
func (e *ServerEnv) Stop() error {
	e.mu.Lock()
	cmd := e.cmd
	cancel := e.cancel
	waitCh := e.waitCh
	e.cmd = nil
	e.cancel = nil
	e.waitCh = nil
	e.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	e.logger.Info("Stopping qbit server", zap.Int("pid", pid))

	if pgid, err := syscall.Getpgid(pid); err == nil {
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
			e.logger.Warn("SIGTERM to process group failed", zap.Error(err))
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
	} else {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-waitCh:
	case <-time.After(shutdownGrace):
		e.logger.Warn("Graceful shutdown timed out, sending SIGKILL", zap.Int("pid", pid))
		if pgid, err := syscall.Getpgid(pid); err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			_ = cmd.Process.Kill()
		}
		<-waitCh
	}

	e.reapSurvivors(pid)
	if cancel != nil {
		cancel()
	}
	e.logger.Info("Qbit server stopped", zap.Int("pid", pid))
	return nil
}

// reapSurvivors kills children that escaped the process group, e.g. tools the
// agent spawned with their own setsid.
func (e *ServerEnv) reapSurvivors(pid int) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	children, err := proc.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		if running, _ := child.IsRunning(); running {
			e.logger.Warn("Killing surviving child process", zap.Int32("pid", child.Pid))
			_ = child.Kill()
		}
	}
}
