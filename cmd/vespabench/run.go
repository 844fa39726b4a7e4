// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/sigil-dev/vespabench/internal/adapter"
	"github.com/sigil-dev/vespabench/internal/config"
	"github.com/sigil-dev/vespabench/internal/feed"
	"github.com/sigil-dev/vespabench/internal/groundtruth"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(16)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

type runParams struct {
	Count     int
	Queries   int
	K         int
	BatchSize int
	Seed      uint64
}

// runSummary is what one benchmark run measured. Recall is nil when no
// exact baseline was available for the metric.
type runSummary struct {
	Collection   string        `json:"collection"`
	Dimension    int           `json:"dimension"`
	Metric       string        `json:"metric"`
	Inserted     int           `json:"inserted"`
	Failed       int           `json:"failed"`
	LoadDuration time.Duration `json:"load_duration_ns"`
	Queries      int           `json:"queries"`
	K            int           `json:"k"`
	P50          time.Duration `json:"p50_ns"`
	P99          time.Duration `json:"p99_ns"`
	QPS          float64       `json:"qps"`
	Recall       *float64      `json:"recall,omitempty"`
	Feed         feed.Stats    `json:"feed"`
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load random vectors, run queries, and report latency and recall",
		Long: "Provision the collection, bulk load --count random vectors, then run --queries searches " +
			"and score them against an exact SQLite baseline.",
		RunE: runRun,
	}
	cmd.Flags().Int("count", 10000, "vectors to load")
	cmd.Flags().Int("queries", 100, "searches to run")
	cmd.Flags().Int("k", 10, "neighbours per search")
	cmd.Flags().Int("batch", 1000, "vectors per insert call")
	cmd.Flags().Uint64("seed", 1, "random seed")
	cmd.Flags().Bool("json", false, "print the summary as JSON")
	return cmd
}

func runRun(cmd *cobra.Command, _ []string) error {
	var p runParams
	p.Count, _ = cmd.Flags().GetInt("count")
	p.Queries, _ = cmd.Flags().GetInt("queries")
	p.K, _ = cmd.Flags().GetInt("k")
	p.BatchSize, _ = cmd.Flags().GetInt("batch")
	p.Seed, _ = cmd.Flags().GetUint64("seed")
	if p.Count <= 0 || p.Queries < 0 || p.K <= 0 || p.BatchSize <= 0 {
		return vberr.Errorf(vberr.CodeCLIInputInvalid,
			"count, k, and batch must be positive and queries non-negative")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	c, err := adapter.FromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close(context.WithoutCancel(ctx)) }()

	truth, cleanup, err := openTruth(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	summary, err := runBenchmark(ctx, c, truth, p)
	if err != nil {
		return err
	}
	summary.Metric = string(cfg.Case.Metric)

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), renderSummary(summary))
	return err
}

// openTruth opens the exact baseline at ground_truth.path, or in a
// temporary directory when unset. A nil store means the metric has no
// exact baseline.
func openTruth(cfg *config.Config) (*groundtruth.Store, func(), error) {
	path := cfg.GroundTruth.Path
	cleanup := func() {}
	if path == "" {
		dir, err := os.MkdirTemp("", "vespabench-truth-*")
		if err != nil {
			return nil, nil, vberr.Errorf(vberr.CodeGroundTruthFailure, "creating temp dir: %w", err)
		}
		path = filepath.Join(dir, "truth.db")
		cleanup = func() { _ = os.RemoveAll(dir) }
	}

	store, err := groundtruth.Open(path, cfg.Dimension, cfg.Case.Metric)
	if err != nil {
		cleanup()
		if vberr.HasCode(err, vberr.CodeGroundTruthUnsupported) {
			slog.Warn("recall will not be measured", "metric", cfg.Case.Metric)
			return nil, func() {}, nil
		}
		return nil, nil, err
	}
	return store, func() {
		_ = store.Close()
		cleanup()
	}, nil
}

func runBenchmark(ctx context.Context, c *adapter.Client, truth *groundtruth.Store, p runParams) (*runSummary, error) {
	release, err := c.Init(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = release() }()

	rng := rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))
	dim := c.Dimension()
	s := &runSummary{Collection: c.Collection(), Dimension: dim, Queries: p.Queries, K: p.K}

	if err := c.ReadyToLoad(); err != nil {
		return nil, err
	}
	if truth != nil {
		if err := truth.Reset(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	for lo := 0; lo < p.Count; lo += p.BatchSize {
		hi := min(lo+p.BatchSize, p.Count)
		embeddings := make([][]float32, hi-lo)
		ids := make([]int64, hi-lo)
		for i := range embeddings {
			embeddings[i] = randomVector(rng, dim)
			ids[i] = int64(lo + i)
		}

		n, err := c.Insert(ctx, embeddings, ids)
		s.Inserted += n
		s.Failed += len(ids) - n
		if err != nil && !vberr.HasCode(err, vberr.CodeFeedPartialFailure) {
			return nil, err
		}
		if err != nil {
			slog.Warn("batch partially failed", "batch_start", lo, "inserted", n, "error", err)
		}

		if truth != nil {
			refused := feed.FailedIDs(err)
			records := make([]feed.Record, 0, n)
			for i := range ids {
				if _, found := slices.BinarySearch(refused, ids[i]); found {
					continue
				}
				records = append(records, feed.Record{ID: ids[i], Embedding: embeddings[i]})
			}
			if err := truth.Add(ctx, records); err != nil {
				return nil, err
			}
		}
	}
	s.LoadDuration = time.Since(start)
	s.Feed = c.Status().LastFeed

	if err := c.Optimize(); err != nil {
		return nil, err
	}
	if err := c.ReadyToSearch(); err != nil {
		return nil, err
	}

	latencies := make([]time.Duration, 0, p.Queries)
	var truths, gots [][]int64
	searchStart := time.Now()
	for range p.Queries {
		q := randomVector(rng, dim)

		t0 := time.Now()
		got, err := c.Search(ctx, q, p.K, "", 0)
		if err != nil {
			return nil, err
		}
		latencies = append(latencies, time.Since(t0))

		if truth != nil {
			want, err := truth.Neighbors(ctx, q, min(p.K, groundtruth.MaxK))
			if err != nil {
				return nil, err
			}
			truths = append(truths, want)
			gots = append(gots, got)
		}
	}
	if elapsed := time.Since(searchStart); p.Queries > 0 && elapsed > 0 {
		s.QPS = float64(p.Queries) / elapsed.Seconds()
	}

	slices.Sort(latencies)
	s.P50 = percentile(latencies, 0.50)
	s.P99 = percentile(latencies, 0.99)
	if truth != nil && p.Queries > 0 {
		r := groundtruth.MeanRecall(truths, gots, p.K)
		s.Recall = &r
	}
	return s, nil
}

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(math.Ceil(q*float64(len(sorted)))) - 1
	return sorted[max(i, 0)]
}

func renderSummary(s *runSummary) string {
	var b strings.Builder
	row := func(k, v string) {
		b.WriteString(keyStyle.Render(k) + valueStyle.Render(v) + "\n")
	}

	b.WriteString(titleStyle.Render("vespabench run") + "\n\n")
	row("collection", s.Collection)
	row("dimension", fmt.Sprint(s.Dimension))
	row("metric", s.Metric)
	row("inserted", fmt.Sprintf("%d in %s", s.Inserted, s.LoadDuration.Round(time.Millisecond)))
	if s.Failed > 0 {
		b.WriteString(keyStyle.Render("failed") + warnStyle.Render(fmt.Sprint(s.Failed)) + "\n")
	}
	row("queries", fmt.Sprintf("%d (k=%d)", s.Queries, s.K))
	row("latency p50", s.P50.Round(time.Microsecond).String())
	row("latency p99", s.P99.Round(time.Microsecond).String())
	row("qps", fmt.Sprintf("%.1f", s.QPS))
	if s.Recall != nil {
		row("recall", fmt.Sprintf("%.4f", *s.Recall))
	} else {
		row("recall", "n/a")
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}
