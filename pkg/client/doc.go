/*
Package client provides a Go client library for the distbuild coordinator's
HTTP JSON API.

The client package wraps the consumer-facing surface (submit, list, get,
fetch logs) with a convenient, idiomatic Go interface. It handles consumer
key authentication, JSON encoding/decoding, and error handling, so callers
outside this repo can script job submission without touching HTTP directly.

# Architecture

	┌──────────────────── APPLICATION CODE ───────────────────────┐
	│                                                               │
	│  import "github.com/cuemby/distbuild/pkg/client"             │
	│                                                               │
	│  c := client.New(client.Config{...})                         │
	│  job, err := c.SubmitJob(ctx, client.SubmitJobRequest{...})   │
	│                                                               │
	└──────────────────┬────────────────────────────────────────┘
	                   │
	┌──────────────────▼──── pkg/client ──────────────────────────┐
	│                                                               │
	│  ┌───────────────────────────────────────────────┐          │
	│  │              Client                            │          │
	│  │  - X-Consumer-Key header injection              │          │
	│  │  - JSON request/response marshalling            │          │
	│  │  - Typed error on non-2xx responses             │          │
	│  └──────────────────┬──────────────────────────────┘          │
	└─────────────────────┼────────────────────────────────────────┘
	                      │ HTTP (coordinator's /v1/jobs surface)
	                      ▼

# Usage

	c := client.New(client.Config{
		ServerURL:   "http://coordinator:8080",
		ConsumerKey: "kid_xxx.db_yyy",
	})

	job, err := c.SubmitJob(ctx, client.SubmitJobRequest{Command: "echo hi"})
	future := c.Future(job.ID)
	final, err := future.Wait(ctx, client.WaitOptions{PollInterval: 500 * time.Millisecond})

Future.Wait polls GET /v1/jobs/{id} until the job reaches a terminal status,
optionally draining GET /v1/jobs/{id}/logs as it goes, so a caller watching
a job doesn't have to interleave the two calls itself.
*/
package client
