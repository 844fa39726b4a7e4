// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package vespatest provides an in-memory Vespa deployment over httptest:
// a config server that accepts application packages and serves deployed
// schemas, and a container that stores documents and answers
// nearestNeighbor queries by brute force.
package vespatest

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sigil-dev/vespabench/internal/config"
	"github.com/sigil-dev/vespabench/internal/secrets"
	"github.com/sigil-dev/vespabench/internal/vespa"
)

// Credential is the bearer token the fake expects unless changed.
const Credential = "vespatest-credential"

const (
	deployPath  = "/application/v2/tenant/default/prepareandactivate"
	contentPath = "/application/v2/tenant/default/application/default/environment/prod/region/default/instance/default/content/schemas/"
	deletePage  = 1000
)

// Calls counts requests per endpoint.
type Calls struct {
	ConfigHealth int64
	DataHealth   int64
	Deploy       int64
	FetchSchema  int64
	Put          int64
	Delete       int64
	Search       int64
}

// Total is every request that reached either server.
func (c Calls) Total() int64 {
	return c.ConfigHealth + c.DataHealth + c.Deploy + c.FetchSchema + c.Put + c.Delete + c.Search
}

// SearchHandler overrides the search response. Returning handled=false
// falls through to the built-in brute-force search.
type SearchHandler func(req vespa.SearchRequest) (status int, body []byte, handled bool)

// Server is a fake single-node Vespa.
type Server struct {
	ConfigServer *httptest.Server
	Container    *httptest.Server

	mu         sync.Mutex
	credential string
	schemas    map[string]vespa.Schema
	sds        map[string]string
	docs       map[string]map[int64][]float32
	deployed   bool
	lastSearch vespa.SearchRequest
	lastDeploy map[string]string

	putStatus    func(id int64) int
	searchHook   SearchHandler
	putDelay     time.Duration
	searchDelay  time.Duration
	dataHealth   string
	readyPending int

	calls struct {
		configHealth, dataHealth, deploy, fetch, put, del, search atomic.Int64
	}
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

// New starts both servers and registers their shutdown with t.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		credential: Credential,
		schemas:    map[string]vespa.Schema{},
		sds:        map[string]string{},
		docs:       map[string]map[int64][]float32{},
	}

	cfgMux := http.NewServeMux()
	cfgMux.HandleFunc("GET /state/v1/health", s.auth(s.handleConfigHealth))
	cfgMux.HandleFunc("POST "+deployPath, s.auth(s.handleDeploy))
	cfgMux.HandleFunc("GET "+contentPath+"{file}", s.auth(s.handleFetchSchema))

	dataMux := http.NewServeMux()
	dataMux.HandleFunc("GET /state/v1/health", s.auth(s.handleDataHealth))
	dataMux.HandleFunc("POST /document/v1/{ns}/{doctype}/docid/{id}", s.auth(s.handlePut))
	dataMux.HandleFunc("DELETE /document/v1/{ns}/{doctype}/docid", s.auth(s.handleDeleteAll))
	dataMux.HandleFunc("POST /search/", s.auth(s.handleSearch))

	s.ConfigServer = httptest.NewServer(cfgMux)
	s.Container = httptest.NewServer(dataMux)
	t.Cleanup(func() {
		s.ConfigServer.Close()
		s.Container.Close()
	})
	return s
}

// Params returns connection parameters pointing at both servers.
func (s *Server) Params() config.ConnectionParams {
	return config.ConnectionParams{
		Endpoint:       secrets.NewSecret(s.Container.URL),
		Credential:     secrets.NewSecret(s.credentialValue()),
		ConfigEndpoint: s.ConfigServer.URL,
	}
}

// DBConfig returns a DBConfig pointing at both servers.
func (s *Server) DBConfig() *config.DBConfig {
	p := s.Params()
	return &config.DBConfig{Endpoint: p.Endpoint, Credential: p.Credential, ConfigEndpoint: p.ConfigEndpoint}
}

// Calls returns a snapshot of request counters.
func (s *Server) Calls() Calls {
	return Calls{
		ConfigHealth: s.calls.configHealth.Load(),
		DataHealth:   s.calls.dataHealth.Load(),
		Deploy:       s.calls.deploy.Load(),
		FetchSchema:  s.calls.fetch.Load(),
		Put:          s.calls.put.Load(),
		Delete:       s.calls.del.Load(),
		Search:       s.calls.search.Load(),
	}
}

// MaxInFlightPuts is the highest number of concurrent put requests observed.
func (s *Server) MaxInFlightPuts() int64 { return s.maxInFlight.Load() }

// SetCredential changes the expected bearer token. Empty disables the check.
func (s *Server) SetCredential(c string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credential = c
}

// FailPuts makes the put handler answer with fn(id) when it is non-zero.
func (s *Server) FailPuts(fn func(id int64) int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putStatus = fn
}

// HandleSearch installs a search override.
func (s *Server) HandleSearch(fn SearchHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchHook = fn
}

// SetPutDelay slows every put down by d.
func (s *Server) SetPutDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putDelay = d
}

// SetSearchDelay slows every search down by d.
func (s *Server) SetSearchDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchDelay = d
}

// SetReadyAfter makes the container report "initializing" for the next n
// data-plane health checks once an application is deployed.
func (s *Server) SetReadyAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyPending = n
	s.dataHealth = ""
}

// Seed installs a deployed schema without counting a deploy.
func (s *Server) Seed(schema vespa.Schema) {
	sd, err := vespa.RenderSchema(schema)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[schema.Name] = schema
	s.sds[schema.Name] = sd
	if s.docs[schema.Name] == nil {
		s.docs[schema.Name] = map[int64][]float32{}
	}
	s.deployed = true
}

// Schema returns the deployed schema named name.
func (s *Server) Schema(name string) (vespa.Schema, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schemas[name]
	return sc, ok
}

// LastDeploy returns the files of the most recent application package.
func (s *Server) LastDeploy() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDeploy
}

// Documents returns a copy of the stored documents of doctype.
func (s *Server) Documents(doctype string) map[int64][]float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64][]float32, len(s.docs[doctype]))
	for id, v := range s.docs[doctype] {
		out[id] = v
	}
	return out
}

// LastSearch returns the body of the most recent search request.
func (s *Server) LastSearch() vespa.SearchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSearch
}

func (s *Server) credentialValue() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credential
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		want := s.credentialValue()
		if want != "" && r.Header.Get("Authorization") != "Bearer "+want {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleConfigHealth(w http.ResponseWriter, _ *http.Request) {
	s.calls.configHealth.Add(1)
	writeHealth(w, vespa.HealthUp)
}

func (s *Server) handleDataHealth(w http.ResponseWriter, _ *http.Request) {
	s.calls.dataHealth.Add(1)

	s.mu.Lock()
	code := vespa.HealthUp
	if !s.deployed {
		code = "down"
	} else if s.readyPending > 0 && s.dataHealth != vespa.HealthUp {
		s.readyPending--
		code = "initializing"
		if s.readyPending == 0 {
			s.dataHealth = vespa.HealthUp
		}
	}
	s.mu.Unlock()

	if code == "down" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": map[string]string{"code": code}})
		return
	}
	writeHealth(w, code)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	s.calls.deploy.Add(1)

	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error-code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	files, err := vespa.ReadApplicationPackage(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error-code": "INVALID_APPLICATION_PACKAGE", "message": err.Error()})
		return
	}
	if _, ok := files["services.xml"]; !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error-code": "INVALID_APPLICATION_PACKAGE", "message": "services.xml missing"})
		return
	}

	schemas := map[string]vespa.Schema{}
	sds := map[string]string{}
	for name, content := range files {
		if !strings.HasPrefix(name, "schemas/") || !strings.HasSuffix(name, ".sd") {
			continue
		}
		sc, err := vespa.ParseSchema(content)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error-code": "INVALID_APPLICATION_PACKAGE", "message": err.Error()})
			return
		}
		schemas[sc.Name] = sc
		sds[sc.Name] = content
	}

	s.mu.Lock()
	for name := range s.schemas {
		if _, keep := schemas[name]; !keep {
			if _, allowed := files["validation-overrides.xml"]; !allowed && len(s.docs[name]) > 0 {
				s.mu.Unlock()
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error-code": "INVALID_APPLICATION_PACKAGE",
					"message":    "schema-removal: schema '" + name + "' is removed",
				})
				return
			}
			delete(s.docs, name)
		}
	}
	for name := range schemas {
		if s.docs[name] == nil {
			s.docs[name] = map[int64][]float32{}
		}
	}
	s.schemas = schemas
	s.sds = sds
	s.deployed = true
	s.lastDeploy = files
	if s.readyPending > 0 {
		s.dataHealth = ""
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"message": "Deployed and activated"})
}

func (s *Server) handleFetchSchema(w http.ResponseWriter, r *http.Request) {
	s.calls.fetch.Add(1)
	name := strings.TrimSuffix(r.PathValue("file"), ".sd")

	s.mu.Lock()
	sd, ok := s.sds[name]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error-code": "NOT_FOUND", "message": "no such file"})
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(sd))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	s.calls.put.Add(1)
	cur := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		prev := s.maxInFlight.Load()
		if cur <= prev || s.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}

	doctype := r.PathValue("doctype")
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "bad document id"})
		return
	}

	s.mu.Lock()
	delay, failFn := s.putDelay, s.putStatus
	schema, known := s.schemas[doctype]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if failFn != nil {
		if status := failFn(id); status != 0 {
			writeJSON(w, status, map[string]any{"message": "injected failure"})
			return
		}
	}
	if !known {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Document type " + doctype + " does not exist"})
		return
	}

	var body struct {
		Fields struct {
			ID        int64     `json:"id"`
			Embedding []float32 `json:"embedding"`
		} `json:"fields"`
	}
	raw, err := readBody(r)
	if err == nil {
		err = json.Unmarshal(raw, &body)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}
	if len(body.Fields.Embedding) != schema.Dimension {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "tensor dimension mismatch"})
		return
	}

	s.mu.Lock()
	docs := s.docs[doctype]
	if docs != nil {
		docs[id] = body.Fields.Embedding
	}
	s.mu.Unlock()
	if docs == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Document type " + doctype + " does not exist"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pathId": r.URL.Path,
		"id":     vespa.DocumentID(r.PathValue("ns"), doctype, id),
	})
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	s.calls.del.Add(1)
	if r.URL.Query().Get("selection") == "" || r.URL.Query().Get("cluster") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "selection and cluster are required"})
		return
	}
	doctype := r.PathValue("doctype")

	s.mu.Lock()
	docs := s.docs[doctype]
	ids := make([]int64, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > deletePage {
		ids = ids[:deletePage]
	}
	for _, id := range ids {
		delete(docs, id)
	}
	remaining := len(docs)
	s.mu.Unlock()

	resp := map[string]any{"pathId": r.URL.Path, "documentCount": len(ids)}
	if remaining > 0 {
		resp["continuation"] = "page-" + strconv.Itoa(remaining)
	}
	writeJSON(w, http.StatusOK, resp)
}

var (
	fromRe       = regexp.MustCompile(`from\s+(\w+)`)
	targetHitsRe = regexp.MustCompile(`targetHits:\s*(\d+)`)
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	s.calls.search.Add(1)

	var req vespa.SearchRequest
	raw, err := readBody(r)
	if err == nil {
		err = json.Unmarshal(raw, &req)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, searchError(3, "Illegal query", err.Error()))
		return
	}

	s.mu.Lock()
	s.lastSearch = req
	hook, delay := s.searchHook, s.searchDelay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if hook != nil {
		if status, body, handled := hook(req); handled {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write(body)
			return
		}
	}

	yql, _ := req["yql"].(string)
	from := fromRe.FindStringSubmatch(yql)
	if from == nil {
		writeJSON(w, http.StatusBadRequest, searchError(3, "Illegal query", "could not parse yql"))
		return
	}
	doctype := from[1]

	s.mu.Lock()
	schema, known := s.schemas[doctype]
	docs := make(map[int64][]float32, len(s.docs[doctype]))
	for id, v := range s.docs[doctype] {
		docs[id] = v
	}
	s.mu.Unlock()

	if !known {
		writeJSON(w, http.StatusBadRequest, searchError(4, "Invalid query parameter", "unknown source "+doctype))
		return
	}

	query, err := floats(req["input.query("+vespa.QueryInput+")"])
	if err != nil || len(query) != schema.Dimension {
		writeJSON(w, http.StatusBadRequest, searchError(4, "Invalid query parameter", "query_embedding does not match tensor type"))
		return
	}

	hits := intParam(req["hits"], 10)
	if m := targetHitsRe.FindStringSubmatch(yql); m != nil {
		if th, _ := strconv.Atoi(m[1]); th < hits {
			hits = th
		}
	}

	type scored struct {
		id    int64
		score float64
		vec   []float32
	}
	all := make([]scored, 0, len(docs))
	for id, v := range docs {
		all = append(all, scored{id: id, score: closeness(schema.Metric(), query, v), vec: v})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score == all[j].score {
			return all[i].id < all[j].id
		}
		return all[i].score > all[j].score
	})
	if len(all) > hits {
		all = all[:hits]
	}

	idsOnly := req["presentation.summary"] == vespa.IDsSummary
	children := make([]map[string]any, 0, len(all))
	for _, h := range all {
		fields := map[string]any{vespa.IDField: h.id}
		if !idsOnly {
			fields[vespa.EmbeddingField] = map[string]any{
				"type":   "tensor<float>(x[" + strconv.Itoa(schema.Dimension) + "])",
				"values": h.vec,
			}
		}
		children = append(children, map[string]any{
			"id":        vespa.DocumentID(doctype, doctype, h.id),
			"relevance": h.score,
			"source":    "content",
			"fields":    fields,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"root": map[string]any{
			"id":        "toplevel",
			"relevance": 1.0,
			"fields":    map[string]any{"totalCount": len(docs)},
			"coverage":  map[string]any{"coverage": 100, "documents": len(docs), "full": true},
			"children":  children,
		},
	})
}

func closeness(metric string, a []float32, b []float32) float64 {
	var dot, na, nb, l2 float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
		l2 += (x - y) * (x - y)
	}
	switch metric {
	case "dotproduct":
		return dot
	case "euclidean":
		return 1 / (1 + math.Sqrt(l2))
	default:
		if na == 0 || nb == 0 {
			return 0
		}
		cos := math.Max(-1, math.Min(1, dot/math.Sqrt(na*nb)))
		return 1 / (1 + math.Acos(cos))
	}
}

// SearchErrorBody renders a search response carrying one root error.
func SearchErrorBody(code int, summary, message string) []byte {
	b, _ := json.Marshal(searchError(code, summary, message))
	return b
}

func searchError(code int, summary, message string) map[string]any {
	return map[string]any{
		"root": map[string]any{
			"id":     "toplevel",
			"fields": map[string]any{"totalCount": 0},
			"errors": []map[string]any{{"code": code, "summary": summary, "message": message}},
		},
	}
}

func floats(v any) ([]float32, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, errNotVector
	}
	out := make([]float32, len(list))
	for i, e := range list {
		f, ok := e.(float64)
		if !ok {
			return nil, errNotVector
		}
		out[i] = float32(f)
	}
	return out, nil
}

func intParam(v any, def int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

func writeHealth(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusOK, map[string]any{"status": map[string]string{"code": code}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
