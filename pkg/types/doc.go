/*
Package types defines the core data structures shared across distbuild.

It holds the data model described by the job dispatch and execution
pipeline: consumers (authenticated submitters), jobs (queued units of
work), and log chunks (append-only output records). These types are used
by pkg/storage for persistence, pkg/coordinator and pkg/worker for the
claim/append/finish protocol, and pkg/executor for sandboxed execution.

# Ownership

The Store (pkg/storage) exclusively owns persisted records. Consumers,
jobs, and log chunks are shared by reference (ID) across components; no
component holds a reference whose lifetime exceeds a single
request-scoped transaction.

# Thread Safety

Values in this package are plain data holders with no internal
synchronization. Callers that share a *Job or *Consumer across goroutines
must synchronize their own access; the storage layer only guarantees
consistency of what it persists, not of in-memory copies handed back to
callers.
*/
package types
