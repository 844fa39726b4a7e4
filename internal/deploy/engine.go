// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package deploy

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	vberr "github.com/sigil-dev/vespabench/pkg/errors"
)

// CreateContainerRequest is what the engine needs to create the container.
type CreateContainerRequest struct {
	Name             string
	Image            string
	MemoryLimitBytes int64
	QueryPort        int
	ConfigPort       int
}

// Engine abstracts container create/start/stop/remove operations.
type Engine interface {
	Create(ctx context.Context, req CreateContainerRequest) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
}

type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execCommandRunner struct{}

func (r execCommandRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(output))
	if err != nil {
		return "", vberr.Wrapf(err, vberr.CodeDeployCallFailure,
			"running %s %s: %s", name, strings.Join(args, " "), trimmed)
	}
	return trimmed, nil
}

// OCIEngine drives an OCI-compatible runtime CLI such as docker or podman.
type OCIEngine struct {
	runtimeBinary string
	runner        commandRunner
}

// NewOCIEngine creates an engine using the provided runtime binary.
func NewOCIEngine(runtimeBinary string) *OCIEngine {
	return newOCIEngineWithRunner(runtimeBinary, execCommandRunner{})
}

// NewDockerEngine creates an engine using the Docker CLI.
func NewDockerEngine() *OCIEngine {
	return NewOCIEngine("docker")
}

func newOCIEngineWithRunner(runtimeBinary string, runner commandRunner) *OCIEngine {
	bin := strings.TrimSpace(runtimeBinary)
	if bin == "" {
		bin = "docker"
	}
	if runner == nil {
		runner = execCommandRunner{}
	}
	return &OCIEngine{
		runtimeBinary: bin,
		runner:        runner,
	}
}

// Binary returns the runtime CLI this engine invokes.
func (e *OCIEngine) Binary() string { return e.runtimeBinary }

// Create creates the engine container with both ports published on loopback.
func (e *OCIEngine) Create(ctx context.Context, req CreateContainerRequest) (string, error) {
	if err := validateCreateRequest(req); err != nil {
		return "", err
	}

	args := []string{
		"create",
		"--name", req.Name,
		"--hostname", req.Name,
		"--memory", strconv.FormatInt(req.MemoryLimitBytes, 10),
		"--publish", fmt.Sprintf("127.0.0.1:%d:%d/tcp", req.QueryPort, ContainerQueryPort),
		"--publish", fmt.Sprintf("127.0.0.1:%d:%d/tcp", req.ConfigPort, ContainerConfigPort),
		req.Image,
	}

	containerID, err := e.runner.Run(ctx, e.runtimeBinary, args...)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(containerID) == "" {
		return "", vberr.New(vberr.CodeDeployStartFailure, "container runtime returned empty container id")
	}
	return containerID, nil
}

// Start starts a previously created container.
func (e *OCIEngine) Start(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return vberr.New(vberr.CodeDeployCallFailure, "container id must not be empty")
	}
	_, err := e.runner.Run(ctx, e.runtimeBinary, "start", id)
	return err
}

// Stop gracefully stops a running container.
func (e *OCIEngine) Stop(ctx context.Context, id string, timeout time.Duration) error {
	if strings.TrimSpace(id) == "" {
		return vberr.New(vberr.CodeDeployCallFailure, "container id must not be empty")
	}
	seconds := int(timeout / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	_, err := e.runner.Run(ctx, e.runtimeBinary, "stop", "--time", strconv.Itoa(seconds), id)
	return err
}

// Remove force-removes a container.
func (e *OCIEngine) Remove(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return vberr.New(vberr.CodeDeployCallFailure, "container id must not be empty")
	}
	_, err := e.runner.Run(ctx, e.runtimeBinary, "rm", "--force", id)
	return err
}

// Version reports the runtime's server version; used by doctor.
func (e *OCIEngine) Version(ctx context.Context) (string, error) {
	return e.runner.Run(ctx, e.runtimeBinary, "version", "--format", "{{.Server.Version}}")
}

func validateCreateRequest(req CreateContainerRequest) error {
	if !validNamePattern.MatchString(req.Name) {
		return vberr.Errorf(vberr.CodeDeployConfigInvalid, "container name %q is invalid", req.Name)
	}
	if err := ValidateImage(req.Image); err != nil {
		return err
	}
	if req.MemoryLimitBytes <= 0 {
		return vberr.Errorf(vberr.CodeDeployConfigInvalid,
			"memory limit must be > 0, got %d", req.MemoryLimitBytes)
	}
	if req.QueryPort <= 0 || req.QueryPort > 65535 || req.ConfigPort <= 0 || req.ConfigPort > 65535 {
		return vberr.Errorf(vberr.CodeDeployConfigInvalid,
			"ports must be in range 1..65535, got query=%d config=%d", req.QueryPort, req.ConfigPort)
	}
	return nil
}
