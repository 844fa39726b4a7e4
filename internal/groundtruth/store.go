// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package groundtruth keeps an exact copy of the benchmark corpus in SQLite
// (sqlite-vec) so approximate engine results can be scored for recall.
package groundtruth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sigil-dev/vespabench/internal/config"
	"github.com/sigil-dev/vespabench/internal/feed"
	vberr "github.com/sigil-dev/vespabench/pkg/errors"
)

func init() {
	sqlite_vec.Auto()
}

// MaxK is the largest k sqlite-vec answers in one query.
const MaxK = 4096

// Store answers exact k-nearest-neighbour queries.
type Store struct {
	db     *sql.DB
	dim    int
	metric config.MetricType
}

// Open opens (or creates) the database at path for vectors of dim values
// ranked by metric. Reopening with a different dim or metric fails.
func Open(path string, dim int, metric config.MetricType) (*Store, error) {
	if dim <= 0 {
		return nil, vberr.Errorf(vberr.CodeGroundTruthFailure, "dimension must be greater than 0, got %d", dim)
	}
	if metric == "" {
		metric = config.DefaultMetric
	}
	vecMetric, err := vecDistance(metric)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, vberr.Errorf(vberr.CodeGroundTruthFailure, "opening ground truth db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, vberr.Errorf(vberr.CodeGroundTruthFailure, "pinging ground truth db: %w", err)
	}
	if err := migrate(db, dim, metric, vecMetric); err != nil {
		_ = db.Close()
		return nil, vberr.Errorf(vberr.CodeGroundTruthFailure, "migrating ground truth tables: %w", err)
	}
	return &Store{db: db, dim: dim, metric: metric}, nil
}

func vecDistance(metric config.MetricType) (string, error) {
	switch metric {
	case config.MetricEuclidean:
		return "l2", nil
	case config.MetricCosine:
		return "cosine", nil
	default:
		return "", vberr.Errorf(vberr.CodeGroundTruthUnsupported,
			"exact search does not support metric %q", metric)
	}
}

func migrate(db *sql.DB, dim int, metric config.MetricType, vecMetric string) error {
	const metaDDL = `
CREATE TABLE IF NOT EXISTS truth_meta (
	singleton INTEGER PRIMARY KEY CHECK (singleton = 1),
	dimension INTEGER NOT NULL,
	metric    TEXT NOT NULL
)`
	if _, err := db.Exec(metaDDL); err != nil {
		return fmt.Errorf("creating truth_meta table: %w", err)
	}

	var haveDim int
	var haveMetric string
	err := db.QueryRow(`SELECT dimension, metric FROM truth_meta WHERE singleton = 1`).Scan(&haveDim, &haveMetric)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := db.Exec(`INSERT INTO truth_meta(singleton, dimension, metric) VALUES (1, ?, ?)`, dim, string(metric)); err != nil {
			return fmt.Errorf("recording truth_meta: %w", err)
		}
	case err != nil:
		return fmt.Errorf("reading truth_meta: %w", err)
	case haveDim != dim || haveMetric != string(metric):
		return fmt.Errorf("database holds dimension %d metric %s, want dimension %d metric %s",
			haveDim, haveMetric, dim, metric)
	}

	vecDDL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS truth USING vec0(embedding float[%d] distance_metric=%s)`,
		dim, vecMetric,
	)
	if _, err := db.Exec(vecDDL); err != nil {
		return fmt.Errorf("creating truth virtual table: %w", err)
	}
	return nil
}

// Dimension is the number of values per vector.
func (s *Store) Dimension() int { return s.dim }

// Metric is the distance the store ranks by.
func (s *Store) Metric() config.MetricType { return s.metric }

// Add stores records in one transaction, replacing any with the same id.
func (s *Store) Add(ctx context.Context, records []feed.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return vberr.Errorf(vberr.CodeGroundTruthFailure, "beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	del, err := tx.PrepareContext(ctx, `DELETE FROM truth WHERE rowid = ?`)
	if err != nil {
		return vberr.Errorf(vberr.CodeGroundTruthFailure, "preparing delete: %w", err)
	}
	defer func() { _ = del.Close() }()
	ins, err := tx.PrepareContext(ctx, `INSERT INTO truth(rowid, embedding) VALUES (?, ?)`)
	if err != nil {
		return vberr.Errorf(vberr.CodeGroundTruthFailure, "preparing insert: %w", err)
	}
	defer func() { _ = ins.Close() }()

	for i, rec := range records {
		if len(rec.Embedding) != s.dim {
			return vberr.New(vberr.CodeValidationRecordInvalid,
				fmt.Sprintf("embedding has %d values, want %d", len(rec.Embedding), s.dim),
				vberr.FieldRecordID(rec.ID), vberr.Field("index", i))
		}
		blob, err := sqlite_vec.SerializeFloat32(rec.Embedding)
		if err != nil {
			return vberr.Errorf(vberr.CodeGroundTruthFailure, "serializing embedding %d: %w", rec.ID, err)
		}
		// vec0 has no ON CONFLICT; delete first for upsert.
		if _, err := del.ExecContext(ctx, rec.ID); err != nil {
			return vberr.Errorf(vberr.CodeGroundTruthFailure, "deleting vector %d: %w", rec.ID, err)
		}
		if _, err := ins.ExecContext(ctx, rec.ID, blob); err != nil {
			return vberr.Errorf(vberr.CodeGroundTruthFailure, "inserting vector %d: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return vberr.Errorf(vberr.CodeGroundTruthFailure, "committing vectors: %w", err)
	}
	return nil
}

// Neighbors returns the ids of the exact k nearest vectors, nearest first.
func (s *Store) Neighbors(ctx context.Context, vector []float32, k int) ([]int64, error) {
	if len(vector) != s.dim {
		return nil, vberr.Errorf(vberr.CodeValidationQueryInvalid,
			"query vector has %d values, want %d", len(vector), s.dim)
	}
	if k <= 0 || k > MaxK {
		return nil, vberr.Errorf(vberr.CodeValidationQueryInvalid, "k must be in 1..%d, got %d", MaxK, k)
	}
	blob, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return nil, vberr.Errorf(vberr.CodeGroundTruthFailure, "serializing query vector: %w", err)
	}

	const q = `SELECT rowid FROM truth WHERE embedding MATCH ? AND k = ? ORDER BY distance`
	rows, err := s.db.QueryContext(ctx, q, blob, k)
	if err != nil {
		return nil, vberr.Errorf(vberr.CodeGroundTruthFailure, "searching vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := make([]int64, 0, k)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, vberr.Errorf(vberr.CodeGroundTruthFailure, "scanning neighbour: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, vberr.Errorf(vberr.CodeGroundTruthFailure, "iterating neighbours: %w", err)
	}
	return ids, nil
}

// Count returns how many vectors are stored.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM truth`).Scan(&n); err != nil {
		return 0, vberr.Errorf(vberr.CodeGroundTruthFailure, "counting vectors: %w", err)
	}
	return n, nil
}

// Reset deletes every stored vector.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM truth`); err != nil {
		return vberr.Errorf(vberr.CodeGroundTruthFailure, "clearing vectors: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
