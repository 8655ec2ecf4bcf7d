package domain

import (
	"fmt"
	"math"
	"sort"

	"simrun.engine/internal/core/apperrors"
)

const WorkloadHeat1D = "heat1d"

// ContainerOutputDir is where every workload writes its result files.
const ContainerOutputDir = "/tmp/output"

// WorkloadCommand returns the executable the workload image runs, before the
// parameter flags.
func WorkloadCommand(kind string) []string {
	switch kind {
	case WorkloadHeat1D:
		return []string{"python", "/sim/run_sim.py"}
	}
	return nil
}

// WorkloadConfig is a validated, typed parameter set for one workload kind.
type WorkloadConfig interface {
	Validate() error
	// Params returns the parameters in canonical order.
	Params() Params
}

// HeatConfig parameterizes the 1D heat-equation workload.
type HeatConfig struct {
	Length       float64
	TimeSteps    int64
	SpatialSteps int64
	Diffusivity  float64
	InitialTemp  float64
	BoundaryTemp float64
	EndTime      float64
}

// HeatDefaults mirrors the defaults of the workload executable.
func HeatDefaults() map[string]any {
	return map[string]any{
		"length":        1.0,
		"time_steps":    int64(1000),
		"spatial_steps": int64(100),
		"diffusivity":   0.01,
		"initial_temp":  100.0,
		"boundary_temp": 0.0,
		"end_time":      1.0,
	}
}

func (c *HeatConfig) Validate() error {
	positive := []struct {
		name  string
		value float64
	}{
		{"length", c.Length},
		{"diffusivity", c.Diffusivity},
		{"end_time", c.EndTime},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return apperrors.Validation(p.name, fmt.Sprintf("%s must be greater than 0", p.name))
		}
	}
	if c.TimeSteps <= 0 {
		return apperrors.Validation("time_steps", "time_steps must be greater than 0")
	}
	if c.SpatialSteps < 3 {
		return apperrors.Validation("spatial_steps", "spatial_steps must be at least 3")
	}
	return nil
}

func (c *HeatConfig) Params() Params {
	return Params{
		{Name: "length", Value: c.Length},
		{Name: "time_steps", Value: c.TimeSteps},
		{Name: "spatial_steps", Value: c.SpatialSteps},
		{Name: "diffusivity", Value: c.Diffusivity},
		{Name: "initial_temp", Value: c.InitialTemp},
		{Name: "boundary_temp", Value: c.BoundaryTemp},
		{Name: "end_time", Value: c.EndTime},
	}
}

// DecodeWorkload converts a merged parameter map into the typed config of
// kind, rejecting unknown keys and values of the wrong type.
func DecodeWorkload(kind string, values map[string]any) (WorkloadConfig, error) {
	switch kind {
	case WorkloadHeat1D:
		return decodeHeat(values)
	default:
		return nil, apperrors.Validation("workload", fmt.Sprintf("unknown workload %q", kind))
	}
}

// WorkloadDefaults returns the built-in defaults for kind.
func WorkloadDefaults(kind string) map[string]any {
	if kind == WorkloadHeat1D {
		return HeatDefaults()
	}
	return nil
}

func decodeHeat(values map[string]any) (*HeatConfig, error) {
	cfg := &HeatConfig{}
	floats := map[string]*float64{
		"length":        &cfg.Length,
		"diffusivity":   &cfg.Diffusivity,
		"initial_temp":  &cfg.InitialTemp,
		"boundary_temp": &cfg.BoundaryTemp,
		"end_time":      &cfg.EndTime,
	}
	ints := map[string]*int64{
		"time_steps":    &cfg.TimeSteps,
		"spatial_steps": &cfg.SpatialSteps,
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seen := make(map[string]bool, len(keys))
	for _, name := range keys {
		raw := values[name]
		switch {
		case floats[name] != nil:
			f, ok := toFloat(raw)
			if !ok {
				return nil, apperrors.Validation(name, fmt.Sprintf("%s must be a number", name))
			}
			*floats[name] = f
		case ints[name] != nil:
			i, ok := toInt(raw)
			if !ok {
				return nil, apperrors.Validation(name, fmt.Sprintf("%s must be an integer", name))
			}
			*ints[name] = i
		default:
			return nil, apperrors.Validation(name, fmt.Sprintf("unknown parameter %q", name))
		}
		seen[name] = true
	}
	for name := range floats {
		if !seen[name] {
			return nil, apperrors.Validation(name, fmt.Sprintf("%s is required", name))
		}
	}
	for name := range ints {
		if !seen[name] {
			return nil, apperrors.Validation(name, fmt.Sprintf("%s is required", name))
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
