// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sigil-dev/vespabench/internal/config"
	"github.com/sigil-dev/vespabench/internal/deploy"
	"github.com/sigil-dev/vespabench/internal/secrets"
	"github.com/sigil-dev/vespabench/internal/vespa"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"
)

// defaultHTTPClient is used to reach a running `vespabench serve`. Tests
// replace it.
var defaultHTTPClient = &http.Client{Timeout: 2 * time.Second}

const doctorProbeTimeout = 5 * time.Second

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostics",
		Long:  "Check the binary, configuration, container runtime, engine reachability, local server, and disk space.",
		RunE:  runDoctor,
	}
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	ctx := cmd.Context()
	cfg, cfgErr := loadConfig()

	checks := []struct {
		name string
		fn   func() string
	}{
		{"Binary", checkBinary},
		{"Platform", checkPlatform},
		{"Config", func() string { return checkConfig(cfgErr) }},
		{"Container Runtime", func() string { return checkRuntime(ctx, viper.GetString("deploy.runtime")) }},
		{"Engine", func() string { return checkEngine(ctx, cfg) }},
		{"Server", func() string { return checkServer(viper.GetString("server.listen")) }},
		{"Disk Space", func() string { return checkDiskSpace(viper.GetString("ground_truth.path")) }},
	}

	for _, c := range checks {
		if _, err := fmt.Fprintf(w, "%-20s %s\n", c.name+":", c.fn()); err != nil {
			return err
		}
	}

	return nil
}

func checkBinary() string {
	return fmt.Sprintf("vespabench %s (%s/%s)", version, runtime.GOOS, runtime.GOARCH)
}

func checkPlatform() string {
	return fmt.Sprintf("%s/%s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func checkConfig(loadErr error) string {
	source := "using defaults (no config file found)"
	if f := viper.ConfigFileUsed(); f != "" {
		source = fmt.Sprintf("loaded from %s", f)
	}
	if loadErr != nil {
		return fmt.Sprintf("%s; invalid: %s", source, loadErr)
	}
	return source
}

func checkRuntime(ctx context.Context, binary string) string {
	if binary == "" {
		binary = "docker"
	}
	ctx, cancel := context.WithTimeout(ctx, doctorProbeTimeout)
	defer cancel()

	v, err := deploy.NewOCIEngine(binary).Version(ctx)
	if err != nil {
		return fmt.Sprintf("%s unavailable (%s)", binary, firstLine(err.Error()))
	}
	return fmt.Sprintf("%s %s", binary, v)
}

// checkEngine asks the config server for its health. Without a valid
// config it falls back to an unauthenticated probe of db.config_endpoint.
func checkEngine(ctx context.Context, cfg *config.Config) string {
	params := config.ConnectionParams{ConfigEndpoint: viper.GetString("db.config_endpoint")}
	if cfg != nil {
		params = cfg.DB.ConnectionParams()
	}
	if params.ConfigEndpoint == "" {
		return "no config endpoint configured"
	}
	if params.Endpoint.IsEmpty() {
		params.Endpoint = secrets.NewSecret(params.ConfigEndpoint)
	}

	ctx, cancel := context.WithTimeout(ctx, doctorProbeTimeout)
	defer cancel()
	s := vespa.NewSession(params, vespa.SessionOptions{MaxConnections: 1, RequestTimeout: doctorProbeTimeout})
	defer func() { _ = s.Close() }()

	code, err := s.Health(ctx, vespa.ConfigPlane)
	if err != nil {
		return fmt.Sprintf("unreachable at %s (%s)", params.ConfigEndpoint, err)
	}
	return fmt.Sprintf("%s at %s", code, params.ConfigEndpoint)
}

func checkServer(addr string) string {
	resp, err := defaultHTTPClient.Get("http://" + addr + "/health")
	if err != nil {
		return fmt.Sprintf("not running at %s (run 'vespabench serve')", addr)
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Status == "" {
		return fmt.Sprintf("unexpected response from %s (HTTP %d)", addr, resp.StatusCode)
	}
	return fmt.Sprintf("%s at %s", body.Status, addr)
}

func checkDiskSpace(truthPath string) string {
	path := os.TempDir()
	if truthPath != "" {
		path = filepath.Dir(truthPath)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Fall back to home directory if the ground truth dir doesn't exist yet.
		path, _ = os.UserHomeDir()
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return fmt.Sprintf("unable to check: %s", err)
	}

	availBytes := stat.Bavail * uint64(stat.Bsize)
	return formatBytes(availBytes) + " available in " + path
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b uint64) string {
	const (
		gb = 1024 * 1024 * 1024
		mb = 1024 * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	default:
		return fmt.Sprintf("%d bytes", b)
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
