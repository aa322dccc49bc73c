package runtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/distbuild/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace distbuild job
	// containers run in.
	DefaultNamespace = "distbuild"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime is a client for running one-shot job containers on
// containerd. Unlike a service orchestrator, it never leaves a container
// running past a single RunJob call: every container and its snapshot are
// deleted before RunJob returns, on every exit path.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime connects to the containerd socket at socketPath (or
// DefaultSocketPath if empty).
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
	}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Usable runs a cheap round trip against the daemon to distinguish "runtime
// absent" from "runtime present but unusable", mirroring the original
// implementation's `docker info` preflight.
func (r *ContainerdRuntime) Usable(ctx context.Context) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	_, err := r.client.Version(ctx)
	if err != nil {
		return fmt.Errorf("containerd not usable: %w", err)
	}
	return nil
}

// JobSpec describes a one-shot container job: a command piped over stdin to
// /bin/sh inside an image, under a network/capability/resource policy.
type JobSpec struct {
	Image          string
	Script         string
	Limits         types.ResourceLimits
	RunAs          string
	CapAdd         []string
	ReadOnlyRootfs bool
	NetnsPath      string
}

// LogSink receives log text tagged by stream name ("stdout", "stderr",
// "system"), matching the worker-side buffering contract.
type LogSink func(stream types.LogStream, text string)

// RunJob pulls spec.Image if needed, creates a container scripted with
// spec.Script over stdin, runs it under timeout, pumps stdout/stderr to sink
// line by line, and always deletes the container and its snapshot before
// returning — success, failure, timeout, or error.
func (r *ContainerdRuntime) RunJob(ctx context.Context, jobID string, spec JobSpec, timeout time.Duration, sink LogSink) (int, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return 0, fmt.Errorf("pull image %s: %w", spec.Image, err)
		}
	}

	opts := buildSpecOpts(image, spec)

	containerID := "distbuild-" + jobID
	ctrdContainer, err := r.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return 0, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		_ = ctrdContainer.Delete(context.Background(), containerd.WithSnapshotCleanup)
	}()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	task, err := ctrdContainer.NewTask(ctx, cio.NewCreator(cio.WithStreams(stdinR, stdoutW, stderrW)))
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	defer func() {
		_, _ = task.Delete(context.Background())
	}()

	exitCh, err := task.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("wait on task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return 0, fmt.Errorf("start task: %w", err)
	}

	go func() {
		_, _ = io.WriteString(stdinW, spec.Script)
		_ = stdinW.Close()
	}()

	pumpDone := pumpStreams(sink, stdoutR, stderrR)

	timeoutC := time.After(timeout)
	var exitCode int
	select {
	case status := <-exitCh:
		exitCode = int(status.ExitCode())
	case <-timeoutC:
		sink(types.StreamSystem, fmt.Sprintf("timeout after %ds\n", int(timeout.Seconds())))
		if err := task.Kill(ctx, 9); err != nil {
			return 0, fmt.Errorf("kill timed-out task: %w", err)
		}
		<-exitCh
		exitCode = types.ExitTimeout
	}

	_ = stdoutW.Close()
	_ = stderrW.Close()
	<-pumpDone

	return exitCode, nil
}

func pumpStreams(sink LogSink, stdout, stderr io.Reader) <-chan struct{} {
	done := make(chan struct{})
	var pending int
	results := make(chan struct{}, 2)

	pending++
	go func() {
		pumpLines(types.StreamStdout, stdout, sink)
		results <- struct{}{}
	}()
	pending++
	go func() {
		pumpLines(types.StreamStderr, stderr, sink)
		results <- struct{}{}
	}()

	go func() {
		for i := 0; i < pending; i++ {
			<-results
		}
		close(done)
	}()
	return done
}

func pumpLines(stream types.LogStream, r io.Reader, sink LogSink) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		sink(stream, scanner.Text()+"\n")
	}
}

func buildSpecOpts(image containerd.Image, spec JobSpec) []oci.SpecOpts {
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs("/bin/sh", "-s"),
		oci.WithProcessCwd("/work"),
		oci.WithNoNewPrivileges,
		oci.WithCapabilities(normalizeCaps(spec.CapAdd)),
		oci.WithMounts([]specs.Mount{
			{Destination: "/work", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev", "size=1024m"}},
			{Destination: "/tmp", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev", "size=256m"}},
		}),
	}

	if spec.Limits.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.Limits.MemoryBytes)))
	}
	if spec.Limits.CPUSeconds > 0 {
		quota, period := cpuQuota(spec.Limits.CPUSeconds)
		opts = append(opts, oci.WithCPUCFS(quota, period))
	}
	if spec.Limits.Pids > 0 {
		opts = append(opts, oci.WithPidsLimit(int64(spec.Limits.Pids)))
	}
	if spec.Limits.NoFile > 0 {
		opts = append(opts, oci.WithRLimit(specs.POSIXRlimit{
			Type: "RLIMIT_NOFILE",
			Soft: uint64(spec.Limits.NoFile),
			Hard: uint64(spec.Limits.NoFile),
		}))
	}

	switch strings.ToLower(spec.RunAs) {
	case "", "root":
		opts = append(opts, oci.WithUIDGID(0, 0))
	case "nobody":
		opts = append(opts, oci.WithUIDGID(65534, 65534))
	default:
		opts = append(opts, oci.WithUser(spec.RunAs))
	}

	if spec.ReadOnlyRootfs {
		opts = append(opts, oci.WithRootFSReadonly())
	}

	if spec.NetnsPath != "" {
		opts = append(opts, oci.WithLinuxNamespace(specs.LinuxNamespace{
			Type: specs.NetworkNamespace,
			Path: spec.NetnsPath,
		}))
	}

	return opts
}

// cpuQuota converts a CPU-seconds budget over a fixed 300-second window into a CFS
// quota/period pair, capped at 4 cores, floored at 0.1 core, the same
// scaling the original Docker-backed sandbox applied.
func cpuQuota(cpuSeconds int) (int64, uint64) {
	const period = uint64(100000)
	cores := float64(cpuSeconds) / 300
	if cores < 0.1 {
		cores = 0.1
	}
	if cores > 4.0 {
		cores = 4.0
	}
	return int64(cores * float64(period)), period
}

// normalizeCaps upper-cases and CAP_-prefixes a capability allow-list,
// deduplicating and dropping empties.
func normalizeCaps(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	var out []string
	for _, c := range raw {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if !strings.HasPrefix(c, "CAP_") {
			c = "CAP_" + c
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
