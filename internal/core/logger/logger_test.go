package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithContextAddsIDs(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, "json")
	t.Cleanup(func() { Init(slog.LevelInfo, "text") })

	ctx := WithJobID(WithRequestID(context.Background(), "req-1"), "job-9")
	InfoContext(ctx, "claimed")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "claimed", rec["msg"])
	assert.Equal(t, "req-1", rec["request_id"])
	assert.Equal(t, "job-9", rec["job_id"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelWarn, "text")
	t.Cleanup(func() { Init(slog.LevelInfo, "text") })

	Info("hidden")
	ForJob("j1").Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "job_id=j1")
}
