/*
Package embedded manages a self-started containerd daemon for hosts that
don't already run one.

distbuild's container sandbox backend (pkg/runtime) talks to containerd over
a unix socket. On a worker host where nothing has containerd already
listening at that socket, this package starts one: it locates a containerd
binary on PATH, writes a minimal CRI-less config scoped to distbuild's own
data directory, launches the process, waits for its socket to appear, and
monitors it for the life of the worker. This keeps `cmd/worker
--use-containerd` usable on a bare host without requiring an operator to
install and unit-file a system containerd first.

# Usage

	mgr, err := embedded.EnsureContainerd(ctx, "/var/lib/distbuild", false)
	if err != nil {
		return err
	}
	defer mgr.Stop()

	rt, err := runtime.NewContainerdRuntime(mgr.SocketPath())

Passing useExternal=true skips the self-start entirely and EnsureContainerd
just returns a manager pointing at the system default socket
(/run/containerd/containerd.sock) — useful when an operator already runs
containerd as a system service and wants distbuild to use it directly.

This package assumes a Linux host: containerd's CRI/runc path and the cgroup
limits pkg/runtime applies both require Linux namespaces, matching the rest
of the sandbox executor's platform assumptions.
*/
package embedded
