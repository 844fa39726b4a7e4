// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package config

import (
	"strconv"
	"strings"

	vberr "github.com/sigil-dev/vespabench/pkg/errors"
)

// MetricType selects the distance function the engine ranks neighbours by.
type MetricType string

const (
	MetricEuclidean  MetricType = "euclidean"
	MetricDotProduct MetricType = "dot_product"
	MetricCosine     MetricType = "cosine"
)

// DefaultMetric is used when a case does not name a metric.
const DefaultMetric = MetricCosine

// ParseMetric accepts the canonical names plus the harness aliases
// (L2, IP, COSINE). Empty input yields DefaultMetric.
func ParseMetric(s string) (MetricType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return DefaultMetric, nil
	case "euclidean", "l2", "euclid":
		return MetricEuclidean, nil
	case "dot_product", "dotproduct", "ip", "dot":
		return MetricDotProduct, nil
	case "cosine", "angular":
		return MetricCosine, nil
	default:
		return "", vberr.Errorf(vberr.CodeConfigValidateInvalidValue,
			"config: metric must be one of [euclidean, dot_product, cosine], got %q", s)
	}
}

// Identifier returns the engine's distance-metric name.
func (m MetricType) Identifier() string {
	switch m {
	case MetricEuclidean:
		return "euclidean"
	case MetricDotProduct:
		return "dotproduct"
	default:
		return "angular"
	}
}

// MetricFromIdentifier maps an engine distance-metric name back to a MetricType.
func MetricFromIdentifier(id string) (MetricType, bool) {
	switch strings.TrimSpace(id) {
	case "euclidean":
		return MetricEuclidean, true
	case "dotproduct":
		return MetricDotProduct, true
	case "angular":
		return MetricCosine, true
	}
	return "", false
}

// HNSWConfig holds the engine's graph index build parameters.
type HNSWConfig struct {
	MaxLinksPerNode            int `mapstructure:"max_links_per_node" yaml:"max_links_per_node"`
	NeighborsToExploreAtInsert int `mapstructure:"neighbors_to_explore_at_insert" yaml:"neighbors_to_explore_at_insert"`
}

// IndexConfig is the per-case index and search configuration.
type IndexConfig struct {
	Metric                MetricType `mapstructure:"metric" yaml:"metric"`
	HNSW                  HNSWConfig `mapstructure:"hnsw" yaml:"hnsw"`
	ExploreAdditionalHits int        `mapstructure:"explore_additional_hits" yaml:"explore_additional_hits"`
}

// DefaultIndexConfig mirrors the defaults Load applies.
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		Metric: DefaultMetric,
		HNSW: HNSWConfig{
			MaxLinksPerNode:            16,
			NeighborsToExploreAtInsert: 200,
		},
	}
}

// IndexParams are passed verbatim into the schema's embedding field.
func (c IndexConfig) IndexParams() map[string]string {
	metric := c.Metric
	if metric == "" {
		metric = DefaultMetric
	}
	params := map[string]string{"distance-metric": metric.Identifier()}
	if c.HNSW.MaxLinksPerNode > 0 {
		params["max-links-per-node"] = strconv.Itoa(c.HNSW.MaxLinksPerNode)
	}
	if c.HNSW.NeighborsToExploreAtInsert > 0 {
		params["neighbors-to-explore-at-insert"] = strconv.Itoa(c.HNSW.NeighborsToExploreAtInsert)
	}
	return params
}

// SearchParams are passed verbatim into the nearestNeighbor annotation.
func (c IndexConfig) SearchParams() map[string]string {
	params := map[string]string{}
	if c.ExploreAdditionalHits > 0 {
		params["hnsw.exploreAdditionalHits"] = strconv.Itoa(c.ExploreAdditionalHits)
	}
	return params
}

func (c IndexConfig) validate() []error {
	var errs []error
	if _, err := ParseMetric(string(c.Metric)); err != nil {
		errs = append(errs, err)
	}
	if c.HNSW.MaxLinksPerNode < 0 || c.HNSW.NeighborsToExploreAtInsert < 0 {
		errs = append(errs, vberr.New(vberr.CodeConfigValidateInvalidValue,
			"config: case.hnsw parameters must not be negative"))
	}
	if c.ExploreAdditionalHits < 0 {
		errs = append(errs, vberr.Errorf(vberr.CodeConfigValidateInvalidValue,
			"config: case.explore_additional_hits must not be negative, got %d", c.ExploreAdditionalHits))
	}
	return errs
}
