package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cuemby/distbuild/pkg/types"
)

// runLocal runs command in a fresh temporary directory under a shell,
// enforcing limits via rlimits that prlimit(2) applies to the child right
// after it has started (so the command may begin running before they take
// effect), and pumping stdout and
// stderr line by line into sink, with a timeout/kill/grace-drain sequence
// and a reserved exit code when that timeout fires.
func runLocal(ctx context.Context, command string, timeout time.Duration, limits types.ResourceLimits, sink LogSink) int {
	tmpDir, err := os.MkdirTemp("", "distbuild_job_")
	if err != nil {
		sink(types.StreamSystem, fmt.Sprintf("failed to create working directory: %v\n", err))
		return types.ExitBackendUnusable
	}
	defer os.RemoveAll(tmpDir)

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = tmpDir
	cmd.Env = []string{
		"PATH=" + envOr("PATH", "/usr/bin:/bin"),
		"HOME=" + tmpDir,
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		sink(types.StreamSystem, fmt.Sprintf("failed to open stdout pipe: %v\n", err))
		return types.ExitBackendUnusable
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		sink(types.StreamSystem, fmt.Sprintf("failed to open stderr pipe: %v\n", err))
		return types.ExitBackendUnusable
	}

	if err := cmd.Start(); err != nil {
		sink(types.StreamSystem, fmt.Sprintf("failed to start command: %v\n", err))
		return types.ExitBackendUnusable
	}

	if err := applyRlimits(cmd.Process.Pid, limits); err != nil {
		sink(types.StreamSystem, fmt.Sprintf("warning: failed to apply resource limits: %v\n", err))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go pumpLocal(&wg, types.StreamStdout, stdout, sink)
	go pumpLocal(&wg, types.StreamStderr, stderr, sink)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var exitCode int
	select {
	case err := <-waitCh:
		exitCode = exitCodeFromError(err)
	case <-time.After(timeout):
		sink(types.StreamSystem, fmt.Sprintf("timeout after %ds\n", int(timeout.Seconds())))
		killProcessGroup(cmd.Process.Pid)
		<-waitCh
		exitCode = types.ExitTimeout
	case <-ctx.Done():
		killProcessGroup(cmd.Process.Pid)
		<-waitCh
		exitCode = types.ExitBackendUnusable
	}

	drained := make(chan struct{})
	go func() { wg.Wait(); close(drained) }()
	select {
	case <-drained:
	case <-time.After(time.Second):
	}

	return exitCode
}

func pumpLocal(wg *sync.WaitGroup, stream types.LogStream, r io.Reader, sink LogSink) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		sink(stream, scanner.Text()+"\n")
	}
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}

func killProcessGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// applyRlimits sets CPU time, address space, process count, and open file
// limits on the running child, the same four limits the original
// implementation's _set_limits applies via preexec_fn, just applied
// post-fork instead of pre-exec since Go's os/exec has no preexec hook.
func applyRlimits(pid int, limits types.ResourceLimits) error {
	if limits.CPUSeconds > 0 {
		if err := prlimit(pid, unix.RLIMIT_CPU, uint64(limits.CPUSeconds)); err != nil {
			return err
		}
	}
	if limits.MemoryBytes > 0 {
		if err := prlimit(pid, unix.RLIMIT_AS, uint64(limits.MemoryBytes)); err != nil {
			return err
		}
	}
	if limits.Pids > 0 {
		if err := prlimit(pid, unix.RLIMIT_NPROC, uint64(limits.Pids)); err != nil {
			return err
		}
	}
	if limits.NoFile > 0 {
		if err := prlimit(pid, unix.RLIMIT_NOFILE, uint64(limits.NoFile)); err != nil {
			return err
		}
	}
	return nil
}

// prlimit sets both the soft and hard limit of resource on pid via the
// prlimit(2) syscall, the only way to apply an rlimit to an already-running
// child from Go: os/exec has no preexec hook to set limits before exec.
func prlimit(pid int, resource int, value uint64) error {
	rlimit := unix.Rlimit{Cur: value, Max: value}
	return unix.Prlimit(pid, resource, &rlimit, nil)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
