package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/google/uuid"
)

// JobNetwork is a per-job bridge network: one bridge, one veth pair, one
// network namespace file, torn down together. It gives the "job" network
// mode a network namespace that no other job shares. No IP address, route
// or NAT rule is configured for it, so it has no outside connectivity from
// this setup alone.
type JobNetwork struct {
	Name       string
	nsPath     string
	bridge     string
	ownsBridge bool
	vethHost   string
	vethPeer   string
}

// NsPath returns the filesystem path of the network namespace, suitable
// for an OCI LinuxNamespace Path.
func (n *JobNetwork) NsPath() string {
	if n == nil {
		return ""
	}
	return n.nsPath
}

// NetworkMode selects how a job container's network namespace is set up.
type NetworkMode string

const (
	NetworkModeJob    NetworkMode = "job"
	NetworkModeBridge NetworkMode = "bridge"
	NetworkModeNone   NetworkMode = "none"
)

// SetupJobNetwork sets up the network namespace a job container joins.
// mode is one of the three reserved values ("job", "bridge", "none") or any
// other string naming a pre-existing bridge to attach to:
//
//   - "job": a fresh bridge, veth pair, and namespace, unique to this job.
//   - "bridge": the shared default bridge ("distbuild0"), created if absent.
//   - "none": an empty, loopback-only namespace.
//   - anything else: an existing bridge with that name; it is never created
//     or removed here, only attached to and detached from.
//
// It runs ip commands directly, since there is no daemon to delegate
// network setup to.
func SetupJobNetwork(ctx context.Context, mode NetworkMode) (*JobNetwork, error) {
	switch mode {
	case NetworkModeNone, "":
		return emptyNetns(ctx)
	case NetworkModeBridge:
		return attachToBridge(ctx, "distbuild0", ensureBridge, false)
	case NetworkModeJob:
		name := "distbuild-job-" + uuid.NewString()[:12]
		return attachToBridge(ctx, name, createBridge, true)
	default:
		return attachToBridge(ctx, string(mode), requireBridge, false)
	}
}

func requireBridge(ctx context.Context, name string) error {
	if !bridgeExists(ctx, name) {
		return fmt.Errorf("named network %q does not exist", name)
	}
	return nil
}

// Teardown removes the namespace, veth pair, and (if this network created
// it) the bridge. It is safe to call on every exit path; a job-mode network
// is always torn down, a shared bridge-mode network never is.
func (n *JobNetwork) Teardown(ctx context.Context) error {
	if n == nil {
		return nil
	}
	var errs []string
	if n.vethHost != "" {
		if out, err := runIP(ctx, "link", "del", n.vethHost); err != nil {
			errs = append(errs, fmt.Sprintf("delete veth %s: %v (%s)", n.vethHost, err, out))
		}
	}
	if n.nsPath != "" {
		if out, err := exec.CommandContext(ctx, "ip", "netns", "delete", n.Name).CombinedOutput(); err != nil {
			errs = append(errs, fmt.Sprintf("delete netns %s: %v (%s)", n.Name, err, out))
		}
		_ = os.Remove(n.nsPath)
	}
	if n.ownsBridge && n.bridge != "" {
		if out, err := runIP(ctx, "link", "del", n.bridge); err != nil {
			errs = append(errs, fmt.Sprintf("delete bridge %s: %v (%s)", n.bridge, err, out))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("teardown job network: %s", strings.Join(errs, "; "))
	}
	return nil
}

func emptyNetns(ctx context.Context) (*JobNetwork, error) {
	name := "distbuild-none-" + uuid.NewString()[:12]
	if out, err := exec.CommandContext(ctx, "ip", "netns", "add", name).CombinedOutput(); err != nil {
		return nil, fmt.Errorf("create empty netns: %w (%s)", err, out)
	}
	return &JobNetwork{Name: name, nsPath: netnsPath(name)}, nil
}

func createBridge(ctx context.Context, name string) error {
	_, err := runIP(ctx, "link", "add", name, "type", "bridge")
	if err != nil {
		return err
	}
	_, err = runIP(ctx, "link", "set", name, "up")
	return err
}

func ensureBridge(ctx context.Context, name string) error {
	if err := createBridge(ctx, name); err != nil && !bridgeExists(ctx, name) {
		return err
	}
	return nil
}

func bridgeExists(ctx context.Context, name string) bool {
	_, err := runIP(ctx, "link", "show", name)
	return err == nil
}

func attachToBridge(ctx context.Context, bridgeName string, ensure func(context.Context, string) error, ownsBridge bool) (*JobNetwork, error) {
	if err := ensure(ctx, bridgeName); err != nil {
		return nil, fmt.Errorf("prepare bridge %s: %w", bridgeName, err)
	}

	suffix := uuid.NewString()[:8]
	vethHost := "dbh-" + suffix
	vethPeer := "dbc-" + suffix
	nsName := "distbuild-job-" + suffix

	if out, err := exec.CommandContext(ctx, "ip", "netns", "add", nsName).CombinedOutput(); err != nil {
		return nil, fmt.Errorf("create netns: %w (%s)", err, out)
	}
	n := &JobNetwork{Name: nsName, nsPath: netnsPath(nsName), bridge: bridgeName, ownsBridge: ownsBridge, vethHost: vethHost, vethPeer: vethPeer}

	steps := [][]string{
		{"link", "add", vethHost, "type", "veth", "peer", "name", vethPeer},
		{"link", "set", vethHost, "master", bridgeName},
		{"link", "set", vethHost, "up"},
		{"link", "set", vethPeer, "netns", nsName},
	}
	for _, args := range steps {
		if out, err := runIP(ctx, args...); err != nil {
			_ = n.Teardown(ctx)
			return nil, fmt.Errorf("%v: %w (%s)", args, err, out)
		}
	}
	return n, nil
}

func runIP(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "ip", args...).CombinedOutput()
	return string(out), err
}

func netnsPath(name string) string {
	return "/var/run/netns/" + name
}
