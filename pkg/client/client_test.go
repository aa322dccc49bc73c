package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitJob_SendsConsumerKeyAndDefaults(t *testing.T) {
	var gotKey string
	var gotBody struct {
		Command        string `json:"command"`
		Sandbox        string `json:"sandbox"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Consumer-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Status: "queued", Command: gotBody.Command})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{ServerURL: srv.URL, ConsumerKey: "key.secret"})
	job, err := c.SubmitJob(context.Background(), SubmitJobRequest{Command: "echo hi"})
	require.NoError(t, err)

	assert.Equal(t, "key.secret", gotKey)
	assert.Equal(t, "local", gotBody.Sandbox)
	assert.Equal(t, 600, gotBody.TimeoutSeconds)
	assert.Equal(t, "job-1", job.ID)
}

func TestSubmitJob_NonSuccessReturnsAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"quota exceeded"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{ServerURL: srv.URL, ConsumerKey: "k"})
	_, err := c.SubmitJob(context.Background(), SubmitJobRequest{Command: "echo hi"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
}

func TestFutureWait_PollsUntilTerminalAndDrainsLogs(t *testing.T) {
	var getCalls int

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/jobs/job-1", func(w http.ResponseWriter, r *http.Request) {
		getCalls++
		job := Job{ID: "job-1", Status: "running"}
		if getCalls >= 3 {
			job.Status = "succeeded"
			code := 0
			job.ExitCode = &code
		}
		_ = json.NewEncoder(w).Encode(job)
	})
	mux.HandleFunc("GET /v1/jobs/job-1/logs", func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset_seq")
		if offset == "0" {
			_ = json.NewEncoder(w).Encode(LogsResponse{
				JobID:         "job-1",
				NextOffsetSeq: 1,
				Chunks:        []LogChunk{{Seq: 0, Stream: "stdout", Text: "hi\n"}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(LogsResponse{JobID: "job-1", NextOffsetSeq: 1})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{ServerURL: srv.URL, ConsumerKey: "k"})
	f := c.Future("job-1")

	var seen []LogChunk
	job, err := f.Wait(context.Background(), WaitOptions{
		PollInterval: time.Millisecond,
		OnLog:        func(chunk LogChunk) { seen = append(seen, chunk) },
	})
	require.NoError(t, err)
	assert.Equal(t, "succeeded", job.Status)
	require.Len(t, seen, 1)
	assert.Equal(t, "hi\n", seen[0].Text)
}

func TestJob_Terminal(t *testing.T) {
	cases := map[string]bool{
		"queued":    false,
		"running":   false,
		"succeeded": true,
		"failed":    true,
		"cancelled": true,
	}
	for status, want := range cases {
		j := Job{Status: status}
		assert.Equal(t, want, j.Terminal(), status)
	}
}
