package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/distbuild/pkg/metrics"
	"github.com/cuemby/distbuild/pkg/runtime"
	"github.com/cuemby/distbuild/pkg/types"
)

// LogSink receives one log line at a time, tagged by stream.
type LogSink func(stream types.LogStream, text string)

// Request is everything an executor needs to run one job: the sandbox
// kind selects the backend, the rest parameterize it.
type Request struct {
	Sandbox        types.SandboxKind
	Command        string
	TimeoutSeconds int
	Image          string
	Limits         types.ResourceLimits
	NetworkMode    types.NetworkMode
	RunAs          string
	CapAdd         []string
	ReadOnlyRootfs bool
}

// Executor runs a single shell command to completion and reports its exit
// code. It never writes to durable storage itself; callers drive that
// through the LogSink.
type Executor struct {
	containerRuntime *runtime.ContainerdRuntime
}

// New constructs an Executor. containerRuntime may be nil, in which case
// container-backed requests fall back to the local backend with a warning.
// A runtime that is present but reports itself unusable is handled
// differently: the request ends with ExitBackendUnusable and no fallback.
func New(containerRuntime *runtime.ContainerdRuntime) *Executor {
	return &Executor{containerRuntime: containerRuntime}
}

// Run dispatches to the local or container backend by req.Sandbox, applying
// the same pump/timeout/exit contract to both: an ordered stream of log
// lines via sink, and a final exit code. It returns no error: command
// failures, setup failures and a cancelled context are all reflected in the
// exit code and in system log lines.
func (e *Executor) Run(ctx context.Context, jobID string, req Request, sink LogSink) int {
	timeout := time.Duration(req.TimeoutSeconds) * time.Second

	var exitCode int
	switch req.Sandbox {
	case types.SandboxContainer:
		exitCode = e.runContainer(ctx, jobID, req, timeout, sink)
	default:
		exitCode = runLocal(ctx, req.Command, timeout, req.Limits, sink)
	}

	metrics.ExecutorExitCodes.WithLabelValues(string(req.Sandbox), fmt.Sprintf("%d", exitCode)).Inc()
	return exitCode
}

func (e *Executor) runContainer(ctx context.Context, jobID string, req Request, timeout time.Duration, sink LogSink) int {
	if e.containerRuntime == nil {
		sink(types.StreamSystem, "container runtime not configured; falling back to local\n")
		return runLocal(ctx, req.Command, timeout, req.Limits, sink)
	}

	if err := e.containerRuntime.Usable(ctx); err != nil {
		sink(types.StreamSystem, "container runtime is not usable on this worker\n")
		sink(types.StreamSystem, err.Error()+"\n")
		return types.ExitBackendUnusable
	}

	mode := runtime.NetworkMode(req.NetworkMode)
	if mode == "" {
		mode = runtime.NetworkModeJob
	}

	net, err := runtime.SetupJobNetwork(ctx, mode)
	if err != nil {
		sink(types.StreamSystem, fmt.Sprintf("failed to set up job network, falling back to bridge: %v\n", err))
		net, err = runtime.SetupJobNetwork(ctx, runtime.NetworkModeBridge)
		if err != nil {
			sink(types.StreamSystem, fmt.Sprintf("bridge fallback also failed: %v\n", err))
			return types.ExitBackendUnusable
		}
	}
	defer func() {
		if net != nil {
			_ = net.Teardown(context.Background())
		}
	}()

	image := req.Image
	if image == "" {
		image = "debian:stable"
	}
	script := "set -eu\nmkdir -p /work\n" + req.Command + "\n"

	spec := runtime.JobSpec{
		Image:          image,
		Script:         script,
		Limits:         req.Limits,
		RunAs:          req.RunAs,
		CapAdd:         req.CapAdd,
		ReadOnlyRootfs: req.ReadOnlyRootfs,
	}
	if net != nil {
		spec.NetnsPath = net.NsPath()
	}

	exitCode, err := e.containerRuntime.RunJob(ctx, jobID, spec, timeout, func(stream types.LogStream, text string) {
		sink(stream, text)
	})
	if err != nil {
		sink(types.StreamSystem, fmt.Sprintf("container run failed: %v\n", err))
		return types.ExitBackendUnusable
	}
	return exitCode
}
