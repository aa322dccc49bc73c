/*
Package runtime provides the containerd integration the container sandbox
backend uses to run one-shot job containers.

Unlike a service orchestrator, this package never leaves anything running:
RunJob creates exactly one container, pumps its stdout/stderr to a sink,
waits for exit or timeout, and deletes the container and its snapshot
before returning, on every exit path.

# Lifecycle

	rt, err := runtime.NewContainerdRuntime("")
	if err != nil { ... }
	defer rt.Close()

	if err := rt.Usable(ctx); err != nil {
		// report exit code 126 (types.ExitBackendUnusable)
	}

	exitCode, err := rt.RunJob(ctx, jobID, runtime.JobSpec{
		Image:  "debian:stable",
		Script: "set -eu\nmkdir -p /work\n" + command + "\n",
		Limits: limits,
		RunAs:  "root",
		CapAdd: []string{"CHOWN", "DAC_OVERRIDE"},
	}, timeout, onLog)

# Resource limits

CPU is expressed as a CPU-seconds budget and converted to a CFS quota/period
pair (see cpuQuota), memory maps directly to the cgroup memory limit, pids
and open files map to the pids controller and RLIMIT_NOFILE respectively.
All are applied through OCI spec options rather than post-hoc cgroup writes.

# Network lifecycle

netns.go implements the three network modes a job can request: "job" (a
fresh bridge, veth pair, and namespace created before the container starts
and torn down after, regardless of outcome), "bridge" (a shared, persistent
bridge that is never torn down), and "none" (an empty namespace with only
loopback). There is no CNI plugin here — ip commands are run directly,
since this package owns exactly one container's network lifecycle rather
than a cluster's. No IP address, route or NAT rule is configured for the
container's side of the veth pair.

# Namespace isolation

All containers run in the "distbuild" containerd namespace, scoping cleanup
and listing operations away from any other containerd user on the same
host.
*/
package runtime
