package embedded

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/distbuild/pkg/log"
)

const (
	// DefaultDataDir is where distbuild stores the self-started
	// containerd's state and config when no dataDir is supplied.
	DefaultDataDir = "/var/lib/distbuild"

	// SocketPath is where the self-started containerd listens.
	SocketPath = "/run/distbuild-containerd/containerd.sock"

	// ConfigPath is the config file handed to the self-started containerd.
	ConfigPath = "/etc/distbuild-containerd/config.toml"

	// SystemSocketPath is the socket a pre-existing system containerd
	// listens on, used when EnsureContainerd is called with useExternal.
	SystemSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdManager manages a containerd process started and owned by this
// worker, as opposed to one a system service unit already manages.
type ContainerdManager struct {
	dataDir     string
	socketPath  string
	configPath  string
	binaryPath  string
	cmd         *exec.Cmd
	useExternal bool
	logger      zerolog.Logger
}

// NewContainerdManager constructs a manager. When useExternal is true, Start
// is a no-op and SocketPath returns SystemSocketPath instead.
func NewContainerdManager(dataDir string, useExternal bool) (*ContainerdManager, error) {
	if dataDir == "" {
		dataDir = DefaultDataDir
	}

	return &ContainerdManager{
		dataDir:     dataDir,
		socketPath:  SocketPath,
		configPath:  ConfigPath,
		useExternal: useExternal,
		logger:      log.WithComponent("embedded-containerd"),
	}, nil
}

// Start locates a containerd binary on PATH, writes its config, and launches
// it, blocking until its socket is ready or timeout elapses. A no-op if the
// manager was constructed with useExternal.
func (cm *ContainerdManager) Start(ctx context.Context) error {
	if cm.useExternal {
		cm.logger.Info().Msg("using external containerd, skipping self-start")
		return nil
	}

	binaryPath, err := exec.LookPath("containerd")
	if err != nil {
		return fmt.Errorf("locate containerd binary on PATH: %w", err)
	}
	cm.binaryPath = binaryPath

	if err := cm.writeConfig(); err != nil {
		return fmt.Errorf("write containerd config: %w", err)
	}

	socketDir := filepath.Dir(cm.socketPath)
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	cm.logger.Info().Str("socket", cm.socketPath).Msg("starting containerd")

	cm.cmd = exec.CommandContext(ctx, cm.binaryPath,
		"--config", cm.configPath,
		"--address", cm.socketPath,
		"--root", filepath.Join(cm.dataDir, "containerd"),
		"--state", filepath.Join(cm.dataDir, "containerd-state"),
	)
	cm.cmd.Stdout = &logWriter{logger: cm.logger, errLevel: false}
	cm.cmd.Stderr = &logWriter{logger: cm.logger, errLevel: true}

	if err := cm.cmd.Start(); err != nil {
		return fmt.Errorf("start containerd: %w", err)
	}

	if err := cm.waitForReady(ctx, 30*time.Second); err != nil {
		_ = cm.Stop()
		return fmt.Errorf("containerd did not become ready: %w", err)
	}

	cm.logger.Info().Msg("containerd started")
	go cm.monitor(ctx)
	return nil
}

// Stop gracefully terminates the containerd process, force-killing it if it
// doesn't exit within 10 seconds. A no-op if useExternal or never started.
func (cm *ContainerdManager) Stop() error {
	if cm.useExternal || cm.cmd == nil || cm.cmd.Process == nil {
		return nil
	}

	cm.logger.Info().Msg("stopping containerd")

	if err := cm.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		cm.logger.Error().Err(err).Msg("failed to send SIGTERM")
	}

	done := make(chan error, 1)
	go func() { done <- cm.cmd.Wait() }()

	select {
	case <-time.After(10 * time.Second):
		cm.logger.Warn().Msg("containerd did not stop gracefully, killing")
		if err := cm.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill containerd: %w", err)
		}
		<-done
	case err := <-done:
		if err != nil && err.Error() != "signal: terminated" {
			cm.logger.Error().Err(err).Msg("containerd exited with error")
		}
	}

	cm.logger.Info().Msg("containerd stopped")
	return nil
}

// SocketPath returns the socket pkg/runtime should dial: the system default
// when useExternal, otherwise the self-started daemon's socket.
func (cm *ContainerdManager) SocketPath() string {
	if cm.useExternal {
		return SystemSocketPath
	}
	return cm.socketPath
}

func (cm *ContainerdManager) writeConfig() error {
	configDir := filepath.Dir(cm.configPath)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return err
	}

	config := fmt.Sprintf(`version = 2
root = %q
state = %q

[grpc]
  address = %q
`, filepath.Join(cm.dataDir, "containerd"), filepath.Join(cm.dataDir, "containerd-state"), cm.socketPath)

	return os.WriteFile(cm.configPath, []byte(config), 0o644)
}

func (cm *ContainerdManager) waitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for containerd socket")
		case <-ticker.C:
			if _, err := os.Stat(cm.socketPath); err == nil {
				return nil
			}
		}
	}
}

// monitor logs an unexpected containerd exit. It does not restart the
// process; the worker's own claim loop will surface failures to the
// coordinator as job errors, and an operator can restart the worker.
func (cm *ContainerdManager) monitor(ctx context.Context) {
	if cm.cmd == nil || cm.cmd.Process == nil {
		return
	}

	err := cm.cmd.Wait()

	select {
	case <-ctx.Done():
		return
	default:
	}

	if err != nil {
		cm.logger.Error().Err(err).Msg("containerd exited unexpectedly")
	} else {
		cm.logger.Warn().Msg("containerd exited unexpectedly with no error")
	}
}

type logWriter struct {
	logger   zerolog.Logger
	errLevel bool
}

func (lw *logWriter) Write(p []byte) (int, error) {
	if lw.errLevel {
		lw.logger.Error().Msg(string(p))
	} else {
		lw.logger.Info().Msg(string(p))
	}
	return len(p), nil
}

// EnsureContainerd starts a containerd process rooted at dataDir unless
// useExternal is set, in which case it returns a manager pointing at the
// system socket without starting anything.
func EnsureContainerd(ctx context.Context, dataDir string, useExternal bool) (*ContainerdManager, error) {
	manager, err := NewContainerdManager(dataDir, useExternal)
	if err != nil {
		return nil, err
	}

	if err := manager.Start(ctx); err != nil {
		return nil, err
	}

	return manager, nil
}
