package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/distbuild/pkg/executor"
	"github.com/cuemby/distbuild/pkg/types"
)

func TestRun_HappyLocalJob(t *testing.T) {
	var claims int32
	finished := make(chan struct{}, 1)

	var gotFinishStatus string
	var gotExitCode int

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/worker/claim", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Worker-Token"))
		if atomic.AddInt32(&claims, 1) == 1 {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"job": map[string]any{
					"id":              "job-1",
					"status":          "running",
					"sandbox":         "local",
					"command":         "echo hi",
					"timeout_seconds": 5,
				},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"job": nil})
	})
	mux.HandleFunc("POST /v1/worker/jobs/job-1/logs", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Chunks []map[string]any `json:"chunks"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.HandleFunc("POST /v1/worker/jobs/job-1/finish", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Status   string `json:"status"`
			ExitCode int    `json:"exit_code"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotFinishStatus = body.Status
		gotExitCode = body.ExitCode
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
		select {
		case finished <- struct{}{}:
		default:
		}
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	w := New(Config{
		ServerURL:    srv.URL,
		WorkerID:     "w1",
		WorkerToken:  "secret",
		PollInterval: 10 * time.Millisecond,
	}, executor.New(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go w.Run(ctx)

	select {
	case <-finished:
	case <-time.After(4 * time.Second):
		t.Fatal("job never finished")
	}
	w.Stop()

	assert.Equal(t, "succeeded", gotFinishStatus)
	assert.Equal(t, 0, gotExitCode)
}

func TestLogBuffer_FlushesAtThreshold(t *testing.T) {
	var flushSizes []int
	buf := &logBuffer{flush: func(entries []logEntry) error {
		flushSizes = append(flushSizes, len(entries))
		return nil
	}}

	for i := 0; i < logFlushThreshold; i++ {
		buf.Append(types.StreamStdout, "line\n")
	}

	require.Len(t, flushSizes, 1)
	assert.Equal(t, logFlushThreshold, flushSizes[0])

	buf.Append(types.StreamStdout, "more\n")
	buf.Flush()
	require.Len(t, flushSizes, 2)
	assert.Equal(t, 1, flushSizes[1])
}

func TestLogBuffer_EmptyFlushIsNoop(t *testing.T) {
	calls := 0
	buf := &logBuffer{flush: func(entries []logEntry) error {
		calls++
		return nil
	}}
	buf.Flush()
	assert.Equal(t, 0, calls)
}

func TestClaim_ReturnsErrorOnServerError(t *testing.T) {
	var attempts int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/worker/claim", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	w := New(Config{ServerURL: srv.URL, WorkerID: "w1", WorkerToken: "t", PollInterval: time.Millisecond}, executor.New(nil))
	_, err := w.claim(context.Background())
	assert.Error(t, err)
}
