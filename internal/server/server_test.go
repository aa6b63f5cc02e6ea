package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momohq/momo/internal/config"
	"github.com/momohq/momo/internal/engine"
	"github.com/momohq/momo/internal/llm"
	"github.com/momohq/momo/internal/search"
	"github.com/momohq/momo/internal/storage/sqlite"
	"github.com/momohq/momo/pkg/types"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8181},
		Memory: config.MemoryConfig{
			EpisodeDecayDays:       7,
			EpisodeDecayFactor:     0.5,
			EpisodeDecayThreshold:  0.1,
			EpisodeForgetGraceDays: 7,
		},
		Rerank: config.RerankConfig{TopK: 100},
		LLM:    config.LLMConfig{QueryRewriteCacheSize: 10},
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*httptest.Server, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	embedder := llm.NewLocalEmbedder(64)
	memEngine := engine.NewMemoryEngine(store, embedder, nil, cfg)
	searchSvc := search.NewService(store, embedder, nil, nil, cfg)
	profiles := engine.NewProfileService(store, nil, nil)
	forgetting := engine.NewForgettingManager(store, engine.DecayParamsFromConfig(cfg.Memory))
	inference := engine.NewInferenceEngine(store, embedder, nil, cfg.Inference)

	srv := NewServer(cfg, store, memEngine, searchSvc, profiles, forgetting, inference, nil, nil)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, store
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Meta  *Meta           `json:"meta"`
	Error *APIError       `json:"error"`
}

func doJSON(t *testing.T, method, url string, body any, headers ...string) (*http.Response, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp, env
}

func TestHealthIsPublic(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.APIKeys = []string{"secret"}
	})

	resp, env := doJSON(t, http.MethodGet, ts.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var data map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "sqlite", data["backend"])
}

func TestAuthMiddleware(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.APIKeys = []string{"secret"}
	})

	resp, env := doJSON(t, http.MethodGet, ts.URL+"/api/v1/memories", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "unauthorized", env.Error.Code)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/memories", nil,
		"Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/memories", nil,
		"Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthDisabledWithoutKeys(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/v1/memories", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestIDHeader(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/health", nil)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/health", nil,
		"X-Request-ID", "trace-me-123")
	assert.Equal(t, "trace-me-123", resp.Header.Get("X-Request-ID"))
}

func TestRateLimitMiddleware(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.RateLimit = 0.001
	})

	// the single burst token passes, the next request is rejected
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/v1/memories", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env := doJSON(t, http.MethodGet, ts.URL+"/api/v1/memories", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "rate_limited", env.Error.Code)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestDocumentLifecycle(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/documents", map[string]any{
		"content":      "Notes about the deployment process.",
		"containerTag": "ops",
		"customId":     "deploy-notes",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ref ingestionRef
	require.NoError(t, json.Unmarshal(env.Data, &ref))
	require.NotEmpty(t, ref.DocumentID)
	assert.Equal(t, ref.DocumentID, ref.IngestionID)

	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/v1/documents/"+ref.DocumentID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc types.Document
	require.NoError(t, json.Unmarshal(env.Data, &doc))
	assert.Equal(t, "deploy-notes", doc.CustomID)
	assert.Equal(t, types.StatusQueued, doc.Status)

	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/v1/ingestions/"+ref.IngestionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ing map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &ing))
	assert.Equal(t, "queued", ing["status"])

	resp, env = doJSON(t, http.MethodPatch, ts.URL+"/api/v1/documents/"+ref.DocumentID, map[string]any{
		"title": "Deployment notes",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(env.Data, &doc))
	assert.Equal(t, "Deployment notes", doc.Title)

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/documents/"+ref.DocumentID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/v1/documents/"+ref.DocumentID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestCreateDocumentValidation(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/documents", map[string]any{
		"containerTag": "ops",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_request", env.Error.Code)
}

func TestDuplicateCustomIDConflicts(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	body := map[string]any{"content": "x", "customId": "dup"}
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/documents", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/documents", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "conflict", env.Error.Code)
}

func TestBatchCreateDocuments(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/documents:batch", map[string]any{
		"containerTag": "ops",
		"documents": []map[string]any{
			{"content": "first document"},
			{"content": "second document"},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var refs []ingestionRef
	require.NoError(t, json.Unmarshal(env.Data, &refs))
	assert.Len(t, refs, 2)
}

func TestListDocumentsPagination(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	for i := 0; i < 5; i++ {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/documents", map[string]any{
			"content": fmt.Sprintf("document %d", i),
		})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp, env := doJSON(t, http.MethodGet, ts.URL+"/api/v1/documents?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var docs []types.Document
	require.NoError(t, json.Unmarshal(env.Data, &docs))
	assert.Len(t, docs, 2)
	require.NotNil(t, env.Meta)
	assert.NotEmpty(t, env.Meta.NextCursor)

	resp, env = doJSON(t, http.MethodGet,
		ts.URL+"/api/v1/documents?limit=2&cursor="+env.Meta.NextCursor, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var next []types.Document
	require.NoError(t, json.Unmarshal(env.Data, &next))
	assert.Len(t, next, 2)
	assert.NotEqual(t, docs[0].ID, next[0].ID)

	// an explicit zero limit is a caller error, not the default
	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/v1/documents?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_request", env.Error.Code)

	// an oversized limit is clamped to the maximum, not rejected
	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/v1/documents?limit=150", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []types.Document
	require.NoError(t, json.Unmarshal(env.Data, &all))
	assert.Len(t, all, 5)
}

func TestMemoryLifecycle(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/memories", map[string]any{
		"content":      "User prefers dark mode",
		"containerTag": "u1",
		"memoryType":   "preference",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var res memoryResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.True(t, res.Created)
	id := res.Memory.ID

	// identical content is idempotent, returns 200 with the same memory
	resp, env = doJSON(t, http.MethodPost, ts.URL+"/api/v1/memories", map[string]any{
		"content":      "User prefers dark mode",
		"containerTag": "u1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.False(t, res.Created)
	assert.Equal(t, id, res.Memory.ID)

	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/v1/memories/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env = doJSON(t, http.MethodPatch, ts.URL+"/api/v1/memories/"+id, map[string]any{
		"content": "User prefers light mode",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.True(t, res.Created)
	assert.Equal(t, 2, res.Memory.Version)
	assert.Equal(t, id, res.SupersededID)

	resp, env = doJSON(t, http.MethodPost, ts.URL+"/api/v1/memories:forget", map[string]any{
		"content":      "User prefers light mode",
		"containerTag": "u1",
		"reason":       "user request",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/v1/memories?containerTag=u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var memories []types.Memory
	require.NoError(t, json.Unmarshal(env.Data, &memories))
	assert.Empty(t, memories, "forgotten chain leaves the default listing")
}

func TestForgetRequiresIDOrContent(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/memories:forget", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_request", env.Error.Code)
}

func TestSearchEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	for _, content := range []string{
		"User prefers dark mode in all editors",
		"User lives in Berlin",
	} {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/memories", map[string]any{
			"content":      content,
			"containerTag": "u1",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/search", map[string]any{
		"q":             "dark mode preference",
		"scope":         "memories",
		"containerTags": []string{"u1"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sr search.Response
	require.NoError(t, json.Unmarshal(env.Data, &sr))
	require.NotEmpty(t, sr.Results)
	assert.Equal(t, "memory", sr.Results[0].Type)
	assert.Contains(t, sr.Results[0].Memory.Memory, "dark mode")

	// empty query is rejected
	resp, env = doJSON(t, http.MethodPost, ts.URL+"/api/v1/search", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_request", env.Error.Code)

	// unknown scope is rejected
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/search", map[string]any{
		"q": "anything", "scope": "everything",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMemoryGraphEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/memories", map[string]any{
		"content":      "Project momo uses Go",
		"containerTag": "u1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var res memoryResult
	require.NoError(t, json.Unmarshal(env.Data, &res))

	resp, env = doJSON(t, http.MethodGet,
		ts.URL+"/api/v1/memories/"+res.Memory.ID+"/graph?depth=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var graph map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &graph))
	assert.Contains(t, graph, "nodes")

	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/v1/containers/u1/graph", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// bad bounds are rejected
	resp, _ = doJSON(t, http.MethodGet,
		ts.URL+"/api/v1/memories/"+res.Memory.ID+"/graph?depth=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet,
		ts.URL+"/api/v1/memories/"+res.Memory.ID+"/graph?relationTypes=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestComputeProfileEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/memories", map[string]any{
		"content":      "User is a backend engineer",
		"containerTag": "u1",
		"isStatic":     true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/memories", map[string]any{
		"content":      "User is learning Rust this month",
		"containerTag": "u1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/profile:compute", map[string]any{
		"containerTag": "u1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var profile types.UserProfile
	require.NoError(t, json.Unmarshal(env.Data, &profile))
	assert.Equal(t, []string{"User is a backend engineer"}, profile.Static)
	assert.Empty(t, profile.Narrative, "narratives are opt-in")

	resp, env = doJSON(t, http.MethodPost, ts.URL+"/api/v1/profile:compute", map[string]any{
		"containerTag":      "u1",
		"generateNarrative": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(env.Data, &profile))
	assert.NotEmpty(t, profile.Narrative)

	resp, env = doJSON(t, http.MethodPost, ts.URL+"/api/v1/profile:compute", map[string]any{
		"containerTag":   "u1",
		"includeDynamic": false,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	profile = types.UserProfile{}
	require.NoError(t, json.Unmarshal(env.Data, &profile))
	assert.Empty(t, profile.Dynamic)

	resp, env = doJSON(t, http.MethodPost, ts.URL+"/api/v1/profile:compute", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestConversationWithoutLLM(t *testing.T) {
	ts, store := newTestServer(t, nil)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/conversations:ingest", map[string]any{
		"containerTag": "u1",
		"sessionId":    "sess-1",
		"messages": []map[string]string{
			{"role": "user", "content": "I moved to Lisbon last month"},
			{"role": "assistant", "content": "Noted."},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out ingestConversationResponse
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, "sess-1", out.SessionID)
	assert.Zero(t, out.MemoriesExtracted)

	doc, err := store.GetDocument(t.Context(), out.DocumentID)
	require.NoError(t, err)
	assert.Contains(t, doc.Content, "user: I moved to Lisbon last month")
	assert.Equal(t, "sess-1", doc.Metadata.GetString("session_id"))
}

func TestAdminForgettingRun(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/admin/forgetting:run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats map[string]int
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Contains(t, stats, "memoriesEvaluated")
	assert.Contains(t, stats, "memoriesForgotten")
}

func TestAdminInferenceRunDisabled(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/admin/inference:run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats engine.InferenceStats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Zero(t, stats.InferencesCreated)
}

func TestEventHubBroadcast(t *testing.T) {
	hub := NewEventHub()
	defer hub.Close()

	ch, ok := hub.subscribe()
	require.True(t, ok)

	hub.Broadcast(EventDocumentStatus, DocumentStatusEvent{
		DocumentID: "d1", Status: types.StatusDone,
	})

	msg := <-ch
	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, EventDocumentStatus, ev.Type)

	hub.unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}
