// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package deploy runs a single-node Vespa container for the benchmark and
// shares it across every client in the process.
package deploy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sigil-dev/vespabench/internal/config"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
)

const (
	// ContainerQueryPort is the container's search and document port.
	ContainerQueryPort = 8080
	// ContainerConfigPort is the container's config server port.
	ContainerConfigPort = 19071

	DefaultImage          = "vespaengine/vespa"
	DefaultStopTimeout    = 30 * time.Second
	DefaultStartupTimeout = 5 * time.Minute
)

var (
	validImagePattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9./:_@-]*$`)
	validNamePattern   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
	memoryLimitPattern = regexp.MustCompile(`^([1-9][0-9]*)(Ki|Mi|Gi)?$`)
)

// Spec describes the engine container.
type Spec struct {
	Name             string
	Image            string
	MemoryLimitBytes int64
	QueryPort        int
	ConfigPort       int
	StartupTimeout   time.Duration
	StopTimeout      time.Duration
}

// SpecFromConfig converts the deploy section of the config file.
func SpecFromConfig(cfg config.DeployConfig) (Spec, error) {
	mem, err := ParseMemoryLimit(cfg.MemoryLimit)
	if err != nil {
		return Spec{}, err
	}

	spec := Spec{
		Name:             strings.TrimSpace(cfg.ContainerName),
		Image:            strings.TrimSpace(cfg.Image),
		MemoryLimitBytes: mem,
		QueryPort:        cfg.QueryPort,
		ConfigPort:       cfg.ConfigPort,
		StartupTimeout:   cfg.StartupTimeout,
		StopTimeout:      cfg.StopTimeout,
	}
	if spec.Image == "" {
		spec.Image = DefaultImage
	}
	if spec.StartupTimeout <= 0 {
		spec.StartupTimeout = DefaultStartupTimeout
	}
	if spec.StopTimeout <= 0 {
		spec.StopTimeout = DefaultStopTimeout
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// Validate checks the spec before any runtime call.
func (s Spec) Validate() error {
	if !validNamePattern.MatchString(s.Name) {
		return vberr.Errorf(vberr.CodeDeployConfigInvalid,
			"deploy: container name %q is not a valid container name", s.Name)
	}
	if err := ValidateImage(s.Image); err != nil {
		return err
	}
	if s.MemoryLimitBytes <= 0 {
		return vberr.Errorf(vberr.CodeDeployConfigInvalid,
			"deploy: memory limit must be > 0, got %d", s.MemoryLimitBytes)
	}
	for name, port := range map[string]int{"query": s.QueryPort, "config": s.ConfigPort} {
		if port <= 0 || port > 65535 {
			return vberr.Errorf(vberr.CodeDeployConfigInvalid,
				"deploy: %s port must be in range 1..65535, got %d", name, port)
		}
	}
	if s.QueryPort == s.ConfigPort {
		return vberr.Errorf(vberr.CodeDeployConfigInvalid,
			"deploy: query and config ports must differ, both are %d", s.QueryPort)
	}
	if s.StopTimeout <= 0 {
		return vberr.Errorf(vberr.CodeDeployConfigInvalid,
			"deploy: stop timeout must be > 0, got %s", s.StopTimeout)
	}
	return nil
}

// QueryEndpoint is the data-plane URL published on the loopback interface.
func (s Spec) QueryEndpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.QueryPort)
}

// ConfigEndpoint is the config server URL published on the loopback interface.
func (s Spec) ConfigEndpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.ConfigPort)
}

// ValidateImage performs basic validation on OCI image references.
func ValidateImage(image string) error {
	clean := strings.TrimSpace(image)
	if clean == "" {
		return vberr.New(vberr.CodeDeployConfigInvalid, "deploy: image must not be empty")
	}
	if strings.Contains(clean, "..") || strings.HasPrefix(clean, "/") || strings.HasPrefix(clean, ".") {
		return vberr.Errorf(vberr.CodeDeployConfigInvalid,
			"deploy: image %q must be an OCI image reference", image)
	}
	if !validImagePattern.MatchString(clean) {
		return vberr.Errorf(vberr.CodeDeployConfigInvalid,
			"deploy: image %q contains invalid characters", image)
	}
	return nil
}

// ParseMemoryLimit parses memory limits like "256Mi", "4Gi", or raw bytes "4096".
func ParseMemoryLimit(limit string) (int64, error) {
	match := memoryLimitPattern.FindStringSubmatch(strings.TrimSpace(limit))
	if len(match) != 3 {
		return 0, vberr.Errorf(vberr.CodeConfigValidateInvalidValue,
			"deploy.memory_limit must match <positive-int>[Ki|Mi|Gi], got %q", limit)
	}

	base, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, vberr.Wrapf(err, vberr.CodeConfigValidateInvalidValue,
			"parsing deploy.memory_limit %q", limit)
	}

	factor := int64(1)
	switch match[2] {
	case "Ki":
		factor = 1024
	case "Mi":
		factor = 1024 * 1024
	case "Gi":
		factor = 1024 * 1024 * 1024
	}

	value := base * factor
	if value/factor != base {
		return 0, vberr.Errorf(vberr.CodeConfigValidateInvalidValue,
			"deploy.memory_limit %q overflows int64", limit)
	}
	return value, nil
}
