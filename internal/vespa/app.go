// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package vespa

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"text/template"
	"time"
)

// Field, summary, rank-profile, and cluster names fixed by the schema.
const (
	EmbeddingField  = "embedding"
	IDField         = "id"
	QueryInput      = "query_embedding"
	RankProfile     = "default"
	IDsSummary      = "ids"
	ContentCluster  = "content"
	distanceMetric  = "distance-metric"
	overrideHorizon = 7 * 24 * time.Hour
)

// Schema describes the single document type a collection is provisioned with.
type Schema struct {
	Name      string
	Dimension int
	// IndexParams go verbatim into the embedding field: "distance-metric"
	// into the attribute block, everything else into the hnsw block.
	IndexParams map[string]string
}

// Metric returns the distance-metric identifier, or "" when unset.
func (s Schema) Metric() string { return s.IndexParams[distanceMetric] }

type param struct{ Key, Value string }

func (s Schema) hnswParams() []param {
	var out []param
	for k, v := range s.IndexParams {
		if k == distanceMetric {
			continue
		}
		out = append(out, param{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

var schemaTmpl = template.Must(template.New("schema").Parse(`schema {{.Name}} {
    document {{.Name}} {
        field id type long {
            indexing: attribute | summary
            attribute: fast-search
        }
        field embedding type tensor<float>(x[{{.Dimension}}]) {
            indexing: attribute | index | summary
            attribute {
                distance-metric: {{.Metric}}
            }
{{- with .HNSW}}
            index {
                hnsw {
{{- range .}}
                    {{.Key}}: {{.Value}}
{{- end}}
                }
            }
{{- end}}
        }
    }

    document-summary ids {
        summary id {}
    }

    rank-profile default {
        inputs {
            query(query_embedding) tensor<float>(x[{{.Dimension}}])
        }
        first-phase {
            expression: closeness(field, embedding)
        }
    }
}
`))

// RenderSchema renders the .sd file for s.
func RenderSchema(s Schema) (string, error) {
	if s.Name == "" || s.Dimension <= 0 {
		return "", fmt.Errorf("vespa: schema needs a name and a positive dimension, got %q/%d", s.Name, s.Dimension)
	}
	metric := s.Metric()
	if metric == "" {
		metric = "angular"
	}

	var buf bytes.Buffer
	err := schemaTmpl.Execute(&buf, struct {
		Name      string
		Dimension int
		Metric    string
		HNSW      []param
	}{s.Name, s.Dimension, metric, s.hnswParams()})
	if err != nil {
		return "", fmt.Errorf("vespa: rendering schema %s: %w", s.Name, err)
	}
	return buf.String(), nil
}

var (
	schemaNameRe = regexp.MustCompile(`(?m)^\s*schema\s+(\w+)\s*\{`)
	tensorRe     = regexp.MustCompile(`field\s+` + EmbeddingField + `\s+type\s+tensor<float>\(x\[(\d+)\]\)`)
	metricRe     = regexp.MustCompile(`distance-metric:\s*(\w+)`)
	hnswParamRe  = regexp.MustCompile(`(?m)^\s*(max-links-per-node|neighbors-to-explore-at-insert):\s*(\d+)`)
)

// ParseSchema extracts the name, embedding dimension, and index parameters
// from a deployed .sd file.
func ParseSchema(sd string) (Schema, error) {
	name := schemaNameRe.FindStringSubmatch(sd)
	if name == nil {
		return Schema{}, fmt.Errorf("vespa: schema declaration not found")
	}
	tensor := tensorRe.FindStringSubmatch(sd)
	if tensor == nil {
		return Schema{}, fmt.Errorf("vespa: schema %s has no %s tensor field", name[1], EmbeddingField)
	}
	dim, err := strconv.Atoi(tensor[1])
	if err != nil {
		return Schema{}, fmt.Errorf("vespa: schema %s: bad dimension %q", name[1], tensor[1])
	}

	params := map[string]string{distanceMetric: "euclidean"} // engine default
	if m := metricRe.FindStringSubmatch(sd); m != nil {
		params[distanceMetric] = m[1]
	}
	for _, m := range hnswParamRe.FindAllStringSubmatch(sd, -1) {
		params[m[1]] = m[2]
	}
	return Schema{Name: name[1], Dimension: dim, IndexParams: params}, nil
}

const hostsXML = `<?xml version="1.0" encoding="utf-8" ?>
<hosts>
  <host name="localhost">
    <alias>node1</alias>
  </host>
</hosts>
`

var servicesTmpl = template.Must(template.New("services").Parse(`<?xml version="1.0" encoding="utf-8" ?>
<services version="1.0">
  <container id="default" version="1.0">
    <search/>
    <document-api/>
    <nodes>
      <node hostalias="node1"/>
    </nodes>
  </container>
{{- if .}}
  <content id="` + ContentCluster + `" version="1.0">
    <redundancy>1</redundancy>
    <documents>
{{- range .}}
      <document type="{{.}}" mode="index"/>
{{- end}}
    </documents>
    <nodes>
      <node hostalias="node1" distribution-key="0"/>
    </nodes>
  </content>
{{- end}}
</services>
`))

var overridesTmpl = template.Must(template.New("overrides").Parse(`<validation-overrides>
  <allow until="{{.}}">schema-removal</allow>
  <allow until="{{.}}">content-cluster-removal</allow>
</validation-overrides>
`))

// ApplicationPackage renders a zipped application package holding schemas.
// With no schemas the package has a container only, plus validation
// overrides that let it replace a package that had a content cluster.
func ApplicationPackage(now time.Time, schemas ...Schema) ([]byte, error) {
	files := map[string]string{"hosts.xml": hostsXML}

	names := make([]string, 0, len(schemas))
	for _, s := range schemas {
		sd, err := RenderSchema(s)
		if err != nil {
			return nil, err
		}
		files["schemas/"+s.Name+".sd"] = sd
		names = append(names, s.Name)
	}
	sort.Strings(names)

	var services bytes.Buffer
	if err := servicesTmpl.Execute(&services, names); err != nil {
		return nil, fmt.Errorf("vespa: rendering services.xml: %w", err)
	}
	files["services.xml"] = services.String()

	if len(schemas) == 0 {
		var overrides bytes.Buffer
		until := now.Add(overrideHorizon).UTC().Format("2006-01-02")
		if err := overridesTmpl.Execute(&overrides, until); err != nil {
			return nil, fmt.Errorf("vespa: rendering validation-overrides.xml: %w", err)
		}
		files["validation-overrides.xml"] = overrides.String()
	}

	return zipFiles(files)
}

func zipFiles(files map[string]string) ([]byte, error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, p := range paths {
		w, err := zw.Create(p)
		if err != nil {
			return nil, fmt.Errorf("vespa: zipping %s: %w", p, err)
		}
		if _, err := w.Write([]byte(files[p])); err != nil {
			return nil, fmt.Errorf("vespa: zipping %s: %w", p, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("vespa: closing application package: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadApplicationPackage unzips a package into path -> content.
func ReadApplicationPackage(data []byte) (map[string]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("vespa: reading application package: %w", err)
	}
	out := make(map[string]string, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("vespa: opening %s: %w", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("vespa: reading %s: %w", f.Name, err)
		}
		out[f.Name] = string(b)
	}
	return out, nil
}
