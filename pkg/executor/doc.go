/*
Package executor runs a single shell command to completion under resource
limits and a wall-clock timeout, delivering an ordered stream of log lines
and a final exit code. It never writes to the Store; callers supply a
LogSink and decide what to do with the lines.

Two backends share the same contract:

  - local (local.go): os/exec under a shell, rlimits applied to the child
    via prlimit(2), two goroutines pumping stdout/stderr line by line.
  - container (executor.go's runContainer + pkg/runtime): the command
    arrives over stdin as a shell script inside a container, under a
    network/capability/resource policy.

Reserved exit codes: 124 means the wall-clock timeout fired and the process
was killed; 126 means the command could not be run at all and no user code
ran (an unusable container runtime, a backend setup error, or a context
cancelled before the start). An absent container runtime is not a 126: the
request falls back to the local backend. All other exit codes are the user
command's own.
*/
package executor
