package services

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okCheck(context.Context) error   { return nil }
func downCheck(context.Context) error { return errors.New("connection refused") }

func TestCheckHealth(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus HealthStatus
		wantText   string
		wantCode   int
	}{
		{
			name:       "all healthy",
			checkers:   []Checker{{Name: "registry", Critical: true, Check: okCheck}, {Name: "redis", Check: okCheck}},
			wantStatus: HealthStatusHealthy,
			wantText:   "ok",
			wantCode:   http.StatusOK,
		},
		{
			name:       "optional dependency down",
			checkers:   []Checker{{Name: "registry", Critical: true, Check: okCheck}, {Name: "redis", Check: downCheck}},
			wantStatus: HealthStatusDegraded,
			wantText:   "degraded",
			wantCode:   http.StatusOK,
		},
		{
			name:       "registry down",
			checkers:   []Checker{{Name: "registry", Critical: true, Check: downCheck}, {Name: "redis", Check: downCheck}},
			wantStatus: HealthStatusUnhealthy,
			wantText:   "unhealthy",
			wantCode:   http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewHealthService("1.2.3", tt.checkers...)

			report := svc.CheckHealth(context.Background())
			assert.Equal(t, tt.wantStatus, report.Status)
			assert.Equal(t, "1.2.3", report.Version)
			assert.Len(t, report.Components, len(tt.checkers))

			text, code := svc.SimpleHealthCheck(context.Background())
			assert.Equal(t, tt.wantText, text)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestHealthComponentMessages(t *testing.T) {
	svc := NewHealthService("", Checker{Name: "redis", Check: downCheck}, Checker{Name: "container_runtime", Check: okCheck})

	report := svc.CheckHealth(context.Background())
	assert.Equal(t, "0.0.1", report.Version)
	assert.Equal(t, HealthStatusDegraded, report.Components["redis"].Status)
	assert.Contains(t, report.Components["redis"].Message, "connection refused")
	assert.Empty(t, report.Components["container_runtime"].Message)
	assert.Equal(t, []string{"container_runtime", "redis"}, svc.Components())
}
