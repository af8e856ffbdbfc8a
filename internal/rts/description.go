package rts

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"loom/internal/config"
)

// ErrUnsupportedResource is returned for resource labels no pool serves.
var ErrUnsupportedResource = errors.New("unsupported resource")

// Description is the resource request of one run.
type Description struct {
	Resource string `json:"resource" yaml:"resource"`
	// Walltime bounds the pool's lifetime in minutes; 0 is unbounded.
	Walltime   int    `json:"walltime" yaml:"walltime"`
	Cores      int    `json:"cores" yaml:"cores"`
	Project    string `json:"project,omitempty" yaml:"project,omitempty"`
	Queue      string `json:"queue,omitempty" yaml:"queue,omitempty"`
	SandboxDir string `json:"sandbox_dir,omitempty" yaml:"sandbox_dir,omitempty"`
}

// FromConfig builds the default description from the [resource] section.
func FromConfig(r config.Resource) Description {
	return Description{
		Resource:   r.Resource,
		Walltime:   r.Walltime,
		Cores:      r.Cores,
		Project:    r.Project,
		Queue:      r.Queue,
		SandboxDir: r.SandboxDir,
	}
}

// Merge fills zero fields of d from fallback.
func (d Description) Merge(fallback Description) Description {
	if strings.TrimSpace(d.Resource) == "" {
		d.Resource = fallback.Resource
	}
	if d.Walltime == 0 {
		d.Walltime = fallback.Walltime
	}
	if d.Cores == 0 {
		d.Cores = fallback.Cores
	}
	if d.Project == "" {
		d.Project = fallback.Project
	}
	if d.Queue == "" {
		d.Queue = fallback.Queue
	}
	if d.SandboxDir == "" {
		d.SandboxDir = fallback.SandboxDir
	}
	return d
}

// Validate checks the description before a pool is built from it.
func (d Description) Validate() error {
	if strings.TrimSpace(d.Resource) == "" {
		return errors.New("resource description: resource is required")
	}
	if d.Walltime < 0 {
		return fmt.Errorf("resource description: walltime must be >= 0 minutes, got %d", d.Walltime)
	}
	if d.Cores <= 0 {
		return fmt.Errorf("resource description: cores must be positive, got %d", d.Cores)
	}
	if strings.TrimSpace(d.SandboxDir) == "" {
		return errors.New("resource description: sandbox_dir is required")
	}
	if !d.Local() {
		return fmt.Errorf("resource description: %q: %w", d.Resource, ErrUnsupportedResource)
	}
	return nil
}

// Local reports whether the resource runs on this host.
func (d Description) Local() bool {
	return d.Resource == "local" || strings.HasPrefix(d.Resource, "local.")
}

// Deadline is the walltime as a duration; zero means unbounded.
func (d Description) Deadline() time.Duration {
	return time.Duration(d.Walltime) * time.Minute
}
