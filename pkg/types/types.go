package types

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a Job.
//
// The state machine has a single initial state (queued) and three
// terminal states (succeeded, failed, cancelled). Legal edges are
// queued->running, queued->cancelled, running->{succeeded,failed,cancelled}.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is one from which no further
// transition is legal.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// SandboxKind selects the execution backend for a Job.
type SandboxKind string

const (
	SandboxLocal     SandboxKind = "local"
	SandboxContainer SandboxKind = "container"
)

// LogStream tags which output stream a log chunk's text came from.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
	StreamSystem LogStream = "system"
)

// Consumer identifies an authenticated submitter and its quotas.
//
// Mutable fields are Active, the two quota fields, and the credential
// material (KeyID/KeySalt/KeyDigest, on rotation). Everything else is set once
// at provisioning and never changes.
type Consumer struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Active   bool      `json:"active"`
	KeyID    string    `json:"key_id"`
	KeySalt  []byte    `json:"key_salt"`
	KeyDigest []byte   `json:"key_digest"`

	MaxConcurrentJobs int `json:"max_concurrent_jobs"`
	MaxJobsPerDay     int `json:"max_jobs_per_day"`

	CreatedAt time.Time `json:"created_at"`
}

// Job is a single shell command submitted for sandboxed execution.
type Job struct {
	ID         uuid.UUID `json:"id"`
	ConsumerID uuid.UUID `json:"consumer_id"`

	Status     JobStatus  `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Sandbox SandboxKind `json:"sandbox"`
	Image   string      `json:"image,omitempty"`

	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`

	WorkerID string `json:"worker_id,omitempty"`

	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// JobLogChunk is one append-only record of output for a Job.
//
// Seq is dense and monotonically increasing per job, starting at 0. Once
// written, a chunk is immutable.
type JobLogChunk struct {
	JobID  uuid.UUID `json:"job_id"`
	Seq    int       `json:"seq"`
	Ts     time.Time `json:"ts"`
	Stream LogStream `json:"stream"`
	Text   string    `json:"text"`
}

// ResourceLimits bounds what a sandboxed command may consume.
type ResourceLimits struct {
	CPUSeconds  int   `json:"cpu_seconds"`
	MemoryBytes int64 `json:"memory_bytes"`
	Pids        int   `json:"pids"`
	NoFile      int   `json:"nofile"`
}

// DefaultResourceLimits are applied when a job doesn't specify its own.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		CPUSeconds:  300,
		MemoryBytes: 1024 * 1024 * 1024,
		Pids:        256,
		NoFile:      256,
	}
}

// NetworkMode selects how a container backend wires up job networking.
type NetworkMode string

const (
	// NetworkJob creates a fresh per-job bridge network, torn down after the job exits.
	NetworkJob NetworkMode = "job"
	// NetworkBridge attaches to the host's shared default bridge.
	NetworkBridge NetworkMode = "bridge"
	// NetworkNone disables networking entirely.
	NetworkNone NetworkMode = "none"
)

// Reserved executor exit codes, beyond the user process's own status.
const (
	// ExitTimeout is returned when the wall-clock timeout kills the command.
	ExitTimeout = 124
	// ExitBackendUnusable is returned when the command could not be run at all:
	// an unusable container runtime, a backend setup failure, or a cancelled context.
	ExitBackendUnusable = 126
)
