package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WorkloadSpec overrides how one workload kind is launched.
type WorkloadSpec struct {
	Image          string         `yaml:"image"`
	Command        []string       `yaml:"command"`
	CPULimit       float64        `yaml:"cpu_limit"`
	MemoryMB       int64          `yaml:"memory_mb"`
	TimeoutSeconds int            `yaml:"timeout_seconds"`
	Defaults       map[string]any `yaml:"defaults"`
}

type workloadsFile struct {
	Workloads map[string]WorkloadSpec `yaml:"workloads"`
}

// LoadWorkloads reads the optional workload catalog:
//
//	workloads:
//	  heat1d:
//	    image: sim:local
//	    command: [python, /sim/run_sim.py]
//	    memory_mb: 1024
//	    defaults:
//	      time_steps: 5000
func LoadWorkloads(path string) (map[string]WorkloadSpec, error) {
	if path == "" {
		return map[string]WorkloadSpec{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workloads file: %w", err)
	}

	var file workloadsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse workloads file: %w", err)
	}
	if file.Workloads == nil {
		file.Workloads = map[string]WorkloadSpec{}
	}
	for name, spec := range file.Workloads {
		if spec.CPULimit < 0 || spec.MemoryMB < 0 || spec.TimeoutSeconds < 0 {
			return nil, fmt.Errorf("workload %s: limits must not be negative", name)
		}
		spec.Defaults = normalizeYAML(spec.Defaults)
		file.Workloads[name] = spec
	}
	return file.Workloads, nil
}

// normalizeYAML widens yaml integers to int64 to match decoded JSON params.
func normalizeYAML(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		if i, ok := v.(int); ok {
			out[k] = int64(i)
			continue
		}
		out[k] = v
	}
	return out
}
