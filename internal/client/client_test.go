package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simrun.engine/internal/core/apperrors"
	"simrun.engine/internal/core/domain"
	"simrun.engine/internal/core/services"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, 5*time.Second)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("localhost:8080", time.Second)
	assert.Error(t, err)
}

func TestSubmitSendsParamsInOrder(t *testing.T) {
	mux := http.NewServeMux()
	var body []byte
	mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		writeJSON(w, http.StatusCreated, map[string]any{"jobs": []string{"j1"}, "sweep_mapping": nil})
	})
	c := newTestClient(t, mux)

	res, err := c.Submit(context.Background(), &services.SubmitRequest{
		Params:    domain.Params{{Name: "time_steps", Value: int64(10)}, {Name: "length", Value: 2.5}},
		CreatedBy: "ana",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, res.JobIDs)
	assert.JSONEq(t, `{"params":{"time_steps":10,"length":2.5},"created_by":"ana"}`, string(body))
	assert.Less(t, bytes.Index(body, []byte("time_steps")), bytes.Index(body, []byte("length")))
}

func TestAPIErrorsMatchSentinels(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job nope not found"})
	})
	mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "time_steps must be positive", "field": "time_steps"})
	})
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "cannot cancel job with status success",
			"job":   map[string]any{"id": r.PathValue("id"), "status": "success"},
		})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	_, err := c.GetJob(ctx, "nope")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	assert.Contains(t, err.Error(), "not found")

	_, err = c.Submit(ctx, &services.SubmitRequest{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "time_steps", apiErr.Field)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	_, err = c.Cancel(ctx, "done")
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	require.NotNil(t, apiErr.Job)
	assert.Equal(t, domain.JobStatusSuccess, apiErr.Job.Status)
}

func TestListJobsQuery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "2", q.Get("page"))
		assert.Equal(t, "10", q.Get("size"))
		assert.Equal(t, "running", q.Get("status"))
		assert.Empty(t, q.Get("created_by"))
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":  []map[string]any{{"id": "a", "status": "running", "runtime_seconds": 1.5}},
			"total": 11, "page": 2, "size": 10,
		})
	})
	c := newTestClient(t, mux)

	list, err := c.ListJobs(context.Background(), ListOptions{Page: 2, Size: 10, Status: "running"})
	require.NoError(t, err)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, "a", list.Jobs[0].ID)
	assert.Equal(t, 1.5, *list.Jobs[0].RuntimeSeconds)
	assert.Equal(t, int64(11), list.Total)
}

func TestWaitPollsUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		status := "running"
		if calls.Add(1) >= 3 {
			status = "success"
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "status": status})
	})
	c := newTestClient(t, mux)

	var polled int
	job, err := c.Wait(context.Background(), "j1", 5*time.Millisecond, func(*Job) { polled++ })
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSuccess, job.Status)
	assert.Equal(t, 2, polled)
}

func TestWaitStopsOnNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job nope not found"})
	})
	c := newTestClient(t, mux)

	_, err := c.Wait(context.Background(), "nope", time.Millisecond, nil)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestDownloadResult(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/jobs/{id}/result", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/gzip")
		_, _ = w.Write([]byte("archive-bytes"))
	})
	c := newTestClient(t, mux)

	var buf bytes.Buffer
	n, err := c.DownloadResult(context.Background(), "j1", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len("archive-bytes")), n)
	assert.Equal(t, "archive-bytes", buf.String())
}

func TestFollowLogs(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/jobs/{id}/logs/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i, text := range []string{"one", "two"} {
			_ = conn.WriteJSON(domain.LogLine{JobID: r.PathValue("id"), Seq: int64(i + 1), Stream: domain.StreamStdout, Text: text})
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
		// Wait for the client to answer the close.
		_, _, _ = conn.ReadMessage()
	})
	c := newTestClient(t, mux)

	var got []string
	err := c.FollowLogs(context.Background(), "j1", func(line domain.LogLine) error {
		got = append(got, line.Text)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestFollowLogsUnknownJob(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/jobs/{id}/logs/stream", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job nope not found"})
	})
	c := newTestClient(t, mux)

	err := c.FollowLogs(context.Background(), "nope", func(domain.LogLine) error { return nil })
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	assert.True(t, strings.Contains(err.Error(), "not found"))
}
