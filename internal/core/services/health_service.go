package services

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"simrun.engine/internal/core/ports"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

const healthCheckTimeout = 5 * time.Second

type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	Latency   string       `json:"latency,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

type HealthReport struct {
	Status     HealthStatus               `json:"status"`
	Version    string                     `json:"version"`
	CheckedAt  time.Time                  `json:"checked_at"`
	Components map[string]ComponentHealth `json:"components"`
}

// Checker probes one dependency. A failing critical checker makes the whole
// service unhealthy; any other failure only degrades it.
type Checker struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

type HealthService struct {
	checkers []Checker
	version  string
}

func NewHealthService(version string, checkers ...Checker) *HealthService {
	if version == "" {
		version = "0.0.1"
	}
	return &HealthService{checkers: checkers, version: version}
}

// RegistryChecker is critical: without the registry no job can move.
func RegistryChecker(registry ports.JobRegistry) Checker {
	return Checker{Name: "registry", Critical: true, Check: registry.Ping}
}

func RedisChecker(client *redis.Client) Checker {
	return Checker{Name: "redis", Check: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

func RuntimeChecker(runtime ports.ContainerRuntime) Checker {
	return Checker{Name: "container_runtime", Check: runtime.Ping}
}

func (s *HealthService) CheckHealth(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     HealthStatusHealthy,
		Version:    s.version,
		CheckedAt:  time.Now(),
		Components: make(map[string]ComponentHealth, len(s.checkers)),
	}

	results := make([]ComponentHealth, len(s.checkers))
	var wg sync.WaitGroup
	for i, c := range s.checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = s.check(ctx, c)
		}(i, c)
	}
	wg.Wait()

	for i, c := range s.checkers {
		report.Components[c.Name] = results[i]
		if results[i].Status == HealthStatusHealthy {
			continue
		}
		if c.Critical {
			report.Status = HealthStatusUnhealthy
		} else if report.Status == HealthStatusHealthy {
			report.Status = HealthStatusDegraded
		}
	}
	return report
}

func (s *HealthService) check(ctx context.Context, c Checker) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.Check(ctx); err != nil {
		status := HealthStatusDegraded
		if c.Critical {
			status = HealthStatusUnhealthy
		}
		return ComponentHealth{
			Status:    status,
			Message:   fmt.Sprintf("%s ping failed: %v", c.Name, err),
			Latency:   time.Since(start).String(),
			CheckedAt: time.Now(),
		}
	}
	return ComponentHealth{
		Status:    HealthStatusHealthy,
		Latency:   time.Since(start).String(),
		CheckedAt: time.Now(),
	}
}

// Components lists the checked dependency names.
func (s *HealthService) Components() []string {
	names := make([]string, 0, len(s.checkers))
	for _, c := range s.checkers {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// SimpleHealthCheck returns a simple health status for load balancers
func (s *HealthService) SimpleHealthCheck(ctx context.Context) (string, int) {
	report := s.CheckHealth(ctx)

	switch report.Status {
	case HealthStatusHealthy:
		return "ok", http.StatusOK
	case HealthStatusDegraded:
		return "degraded", http.StatusOK // still serving requests
	default:
		return "unhealthy", http.StatusServiceUnavailable
	}
}
