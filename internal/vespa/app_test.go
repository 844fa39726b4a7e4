// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package vespa_test

import (
	"testing"
	"time"

	"github.com/sigil-dev/vespabench/internal/vespa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func benchSchema() vespa.Schema {
	return vespa.Schema{
		Name:      "bench",
		Dimension: 1536,
		IndexParams: map[string]string{
			"distance-metric":                "angular",
			"max-links-per-node":             "16",
			"neighbors-to-explore-at-insert": "200",
		},
	}
}

func TestRenderSchema(t *testing.T) {
	sd, err := vespa.RenderSchema(benchSchema())
	require.NoError(t, err)

	assert.Contains(t, sd, "schema bench {")
	assert.Contains(t, sd, "field embedding type tensor<float>(x[1536])")
	assert.Contains(t, sd, "indexing: attribute | index | summary")
	assert.Contains(t, sd, "distance-metric: angular")
	assert.Contains(t, sd, "max-links-per-node: 16")
	assert.Contains(t, sd, "neighbors-to-explore-at-insert: 200")
	assert.Contains(t, sd, "query(query_embedding) tensor<float>(x[1536])")
	assert.Contains(t, sd, "expression: closeness(field, embedding)")
	assert.Contains(t, sd, "document-summary ids")
}

func TestRenderSchema_WithoutHNSWParams(t *testing.T) {
	sd, err := vespa.RenderSchema(vespa.Schema{Name: "bench", Dimension: 4})
	require.NoError(t, err)
	assert.Contains(t, sd, "distance-metric: angular")
	assert.NotContains(t, sd, "hnsw")
}

func TestRenderSchema_Invalid(t *testing.T) {
	_, err := vespa.RenderSchema(vespa.Schema{Name: "bench"})
	assert.Error(t, err)
	_, err = vespa.RenderSchema(vespa.Schema{Dimension: 3})
	assert.Error(t, err)
}

func TestParseSchema_RoundTrip(t *testing.T) {
	want := benchSchema()
	sd, err := vespa.RenderSchema(want)
	require.NoError(t, err)

	got, err := vespa.ParseSchema(sd)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, "angular", got.Metric())
}

func TestParseSchema_DefaultsMetricToEuclidean(t *testing.T) {
	sd := `schema other {
    document other {
        field embedding type tensor<float>(x[8]) {
            indexing: attribute
        }
    }
}`
	got, err := vespa.ParseSchema(sd)
	require.NoError(t, err)
	assert.Equal(t, 8, got.Dimension)
	assert.Equal(t, "euclidean", got.Metric())
}

func TestParseSchema_Errors(t *testing.T) {
	_, err := vespa.ParseSchema("not a schema")
	assert.Error(t, err)

	_, err = vespa.ParseSchema("schema x {\n document x { field title type string {} }\n}")
	assert.Error(t, err)
}

func TestApplicationPackage(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := vespa.ApplicationPackage(now, benchSchema())
	require.NoError(t, err)

	files, err := vespa.ReadApplicationPackage(data)
	require.NoError(t, err)
	assert.Contains(t, files, "hosts.xml")
	assert.Contains(t, files, "schemas/bench.sd")
	assert.NotContains(t, files, "validation-overrides.xml")

	services := files["services.xml"]
	assert.Contains(t, services, `<content id="content" version="1.0">`)
	assert.Contains(t, services, `<document type="bench" mode="index"/>`)
	assert.Contains(t, services, "<document-api/>")
	assert.Contains(t, files["hosts.xml"], "<alias>node1</alias>")
}

func TestApplicationPackage_EmptyAllowsRemoval(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := vespa.ApplicationPackage(now)
	require.NoError(t, err)

	files, err := vespa.ReadApplicationPackage(data)
	require.NoError(t, err)
	assert.NotContains(t, files["services.xml"], "<content")
	overrides := files["validation-overrides.xml"]
	assert.Contains(t, overrides, `<allow until="2026-03-08">schema-removal</allow>`)
	assert.Contains(t, overrides, `<allow until="2026-03-08">content-cluster-removal</allow>`)
}

func TestApplicationPackage_Deterministic(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	a, err := vespa.ApplicationPackage(now, benchSchema())
	require.NoError(t, err)
	b, err := vespa.ApplicationPackage(now, benchSchema())
	require.NoError(t, err)

	fa, err := vespa.ReadApplicationPackage(a)
	require.NoError(t, err)
	fb, err := vespa.ReadApplicationPackage(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
}
