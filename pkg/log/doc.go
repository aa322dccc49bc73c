/*
Package log provides structured logging for distbuild using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("coordinator")              │          │
	│  │  - WithJobID("job-abc123")                  │          │
	│  │  - WithConsumerID("consumer-xyz")           │          │
	│  │  - WithWorkerID("worker-1")                 │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "worker",                   │          │
	│  │    "time": "2026-07-31T10:30:00Z",         │          │
	│  │    "message": "job claimed"                  │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2026-07-31T10:30:00Z INF job claimed component=worker │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all distbuild packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithJobID: Add job ID context
  - WithConsumerID: Add consumer ID context
  - WithWorkerID: Add worker ID context

# Usage

Initializing the Logger:

	import "github.com/cuemby/distbuild/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("coordinator listening")
	log.Debug("checking queue depth")
	log.Warn("worker shared token is empty")
	log.Error("failed to claim job")
	log.Fatal("cannot open database") // exits process

Structured Logging:

	log.Logger.Info().
		Str("job_id", job.ID.String()).
		Str("status", "running").
		Msg("job claimed")

	log.Logger.Error().
		Err(err).
		Str("worker_id", workerID).
		Msg("finish report rejected")

Component and Context Loggers:

	// Component-scoped logger, handed to a subsystem at construction
	coordLog := log.WithComponent("coordinator")
	coordLog.Info().Msg("handling claim request")

	// Job/consumer/worker-scoped loggers, created per-request
	jobLog := log.WithJobID(job.ID.String())
	jobLog.Info().Int("exit_code", *job.ExitCode).Msg("job finished")

# Log Output Examples

JSON Format (production):

	{"level":"info","component":"worker","time":"2026-07-31T10:30:00Z","message":"job claimed"}
	{"level":"error","job_id":"b3f1...","time":"2026-07-31T10:30:02Z","message":"finish report rejected"}

Console Format (development):

	2026-07-31T10:30:00Z INF job claimed component=worker
	2026-07-31T10:30:02Z ERR finish report rejected job_id=b3f1...

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing
  - Simplifies logging in deeply nested calls

Context Logger Pattern:
  - Create child loggers with context fields
  - Pass context loggers to functions or store them on a struct
  - Automatically includes context in all logs
  - Avoids repetitive field specification

Structured Logging Pattern:
  - Use typed fields (.Str, .Int, .Err)
  - Enables log aggregation and querying
  - Parseable by log analysis tools

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() for the wrapped chain

Don't:
  - Log secrets (consumer keys, worker tokens, digests)
  - Use Debug level in production
  - Concatenate strings (use .Str, .Int)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
