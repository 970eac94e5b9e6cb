package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lmassist/internal/generator"
	"github.com/fyrsmithlabs/lmassist/internal/httpapi"
	"github.com/fyrsmithlabs/lmassist/internal/knowledge"
	"github.com/fyrsmithlabs/lmassist/internal/remotesync"
	"github.com/fyrsmithlabs/lmassist/internal/retrieval"
	"github.com/fyrsmithlabs/lmassist/internal/session"
	"github.com/fyrsmithlabs/lmassist/internal/vectorstore"
)

// hashEmbedder gives deterministic similarity from shared tokens.
type hashEmbedder struct{}

func (hashEmbedder) embed(text string) []float32 {
	vec := make([]float32, vectorstore.VectorDim)
	word := make([]rune, 0, 16)
	flush := func() {
		if len(word) == 0 {
			return
		}
		h := fnv.New32a()
		h.Write([]byte(string(word)))
		vec[h.Sum32()%vectorstore.VectorDim]++
		word = word[:0]
	}
	for _, r := range text {
		switch {
		case r >= 'A' && r <= 'Z':
			word = append(word, r+'a'-'A')
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			word = append(word, r)
		default:
			flush()
		}
	}
	flush()

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func (e hashEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.embed(t)
	}
	return out, nil
}

func (e hashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.embed(text), nil
}

// fakeSyncer satisfies httpapi.SyncRunner without a hub.
type fakeSyncer struct {
	status remotesync.Status
	synced []string
}

func (f *fakeSyncer) Sync(_ context.Context, projectPath string) (remotesync.Status, error) {
	f.synced = append(f.synced, projectPath)
	return f.status, nil
}

func (f *fakeSyncer) Status() remotesync.Status { return f.status }

type fixture struct {
	server  *httpapi.Server
	store   *knowledge.Store
	vectors *vectorstore.Store
	syncer  *fakeSyncer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := knowledge.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	vectors, err := vectorstore.NewStore(vectorstore.Config{Path: t.TempDir()}, hashEmbedder{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { vectors.Close() })

	indexer := vectorstore.NewIndexer(vectors, nil)
	engine := retrieval.NewEngine(vectors, store, nil)
	cache := session.NewCache(session.NewParser(nil, nil), 10, nil)
	suggester := retrieval.NewSuggester(engine, vectors, store, cache, t.TempDir(),
		retrieval.SuggestOptions{InjectKnowledge: true, KnowledgeCount: 5}, nil)
	gen := generator.New(generator.Config{}, cache, store, indexer, t.TempDir(), nil)
	syncer := &fakeSyncer{status: remotesync.Status{Status: "idle"}}

	server, err := httpapi.NewServer(httpapi.Deps{
		Store:     store,
		Engine:    engine,
		Suggester: suggester,
		Generator: gen,
		Indexer:   indexer,
		Syncer:    syncer,
	}, zap.NewNop(), nil)
	require.NoError(t, err)

	return &fixture{server: server, store: store, vectors: vectors, syncer: syncer}
}

type reply struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (int, reply) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var r reply
	if len(rec.Body.Bytes()) > 0 && rec.Header().Get("Content-Type") != "" {
		json.Unmarshal(rec.Body.Bytes(), &r)
	}
	return rec.Code, r
}

func createDoc(t *testing.T, f *fixture, title string) knowledge.Knowledge {
	t.Helper()
	code, r := f.do(t, http.MethodPost, "/knowledge", map[string]interface{}{
		"title":   title,
		"type":    "wiring",
		"project": "/home/dev/widget",
		"parts": []map[string]string{
			{"title": "Overview", "summary": "scheduler preemption policy overview", "content": "Full detail."},
		},
	})
	require.Equal(t, http.StatusCreated, code, r.Error)

	var doc knowledge.Knowledge
	require.NoError(t, json.Unmarshal(r.Data, &doc))
	return doc
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestCreateAndGetKnowledge(t *testing.T) {
	f := newFixture(t)
	doc := createDoc(t, f, "Scheduler preemption")
	assert.Equal(t, "K001", doc.ID)
	require.Len(t, doc.Parts, 1)
	assert.Equal(t, "K001.1", doc.Parts[0].PartID)

	code, r := f.do(t, http.MethodGet, "/knowledge/K001", nil)
	require.Equal(t, http.StatusOK, code)
	var got knowledge.Knowledge
	require.NoError(t, json.Unmarshal(r.Data, &got))
	assert.Equal(t, "Scheduler preemption", got.Title)

	// Vectors were written alongside.
	assert.True(t, f.vectors.HasKnowledge("K001"))
}

func TestGetKnowledge_NotFound(t *testing.T) {
	f := newFixture(t)
	code, r := f.do(t, http.MethodGet, "/knowledge/K999", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, r.Success)
	assert.NotEmpty(t, r.Error)
}

func TestCreateKnowledge_MissingFields(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/knowledge", map[string]interface{}{"title": "No parts"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCreateKnowledge_Duplicate(t *testing.T) {
	f := newFixture(t)
	body := map[string]interface{}{
		"title":           "Scheduler preemption",
		"type":            "wiring",
		"sourceSessionId": "sess-1",
		"parts":           []map[string]string{{"title": "Overview", "summary": "s"}},
	}
	code, _ := f.do(t, http.MethodPost, "/knowledge", body)
	require.Equal(t, http.StatusCreated, code)

	code, r := f.do(t, http.MethodPost, "/knowledge", body)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, r.Error, "K001")
}

func TestCreateKnowledge_FromMarkdown(t *testing.T) {
	f := newFixture(t)
	md := "---\n" +
		"id: K009\n" +
		"title: \"Cache eviction\"\n" +
		"type: algorithm\n" +
		"status: active\n" +
		"---\n\n" +
		"# K009: Cache eviction\n\n" +
		"## K009.1: Policy\n" +
		"Least recently used wins.\n\n" +
		"Entries move to the front on access.\n"

	code, r := f.do(t, http.MethodPost, "/knowledge", map[string]string{"markdown": md})
	require.Equal(t, http.StatusCreated, code, r.Error)

	var doc knowledge.Knowledge
	require.NoError(t, json.Unmarshal(r.Data, &doc))
	assert.Equal(t, "Cache eviction", doc.Title)
	require.Len(t, doc.Parts, 1)
}

func TestListKnowledge_Filters(t *testing.T) {
	f := newFixture(t)
	createDoc(t, f, "Scheduler preemption")

	code, r := f.do(t, http.MethodGet, "/knowledge?type=wiring", nil)
	require.Equal(t, http.StatusOK, code)
	var entries []knowledge.IndexEntry
	require.NoError(t, json.Unmarshal(r.Data, &entries))
	require.Len(t, entries, 1)

	code, r = f.do(t, http.MethodGet, "/knowledge?type=algorithm", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(r.Data, &entries))
	assert.Empty(t, entries)
}

func TestGetPart(t *testing.T) {
	f := newFixture(t)
	createDoc(t, f, "Scheduler preemption")

	code, r := f.do(t, http.MethodGet, "/knowledge/K001/parts/K001.1", nil)
	require.Equal(t, http.StatusOK, code)
	var part knowledge.Part
	require.NoError(t, json.Unmarshal(r.Data, &part))
	assert.Equal(t, "Overview", part.Title)

	code, _ = f.do(t, http.MethodGet, "/knowledge/K001/parts/K001.9", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestUpdateKnowledge(t *testing.T) {
	f := newFixture(t)
	createDoc(t, f, "Scheduler preemption")

	code, r := f.do(t, http.MethodPut, "/knowledge/K001", map[string]string{"title": "Scheduler preemption v2"})
	require.Equal(t, http.StatusOK, code, r.Error)
	var doc knowledge.Knowledge
	require.NoError(t, json.Unmarshal(r.Data, &doc))
	assert.Equal(t, "Scheduler preemption v2", doc.Title)
}

func TestDeleteKnowledge(t *testing.T) {
	f := newFixture(t)
	createDoc(t, f, "Scheduler preemption")
	require.True(t, f.vectors.HasKnowledge("K001"))

	code, _ := f.do(t, http.MethodDelete, "/knowledge/K001", nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodGet, "/knowledge/K001", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, f.vectors.HasKnowledge("K001"))
}

func TestSearchKnowledge(t *testing.T) {
	f := newFixture(t)
	createDoc(t, f, "Scheduler preemption")

	code, r := f.do(t, http.MethodGet, "/knowledge/search?query=scheduler+preemption&limit=5", nil)
	require.Equal(t, http.StatusOK, code, r.Error)
	var results []retrieval.Result
	require.NoError(t, json.Unmarshal(r.Data, &results))
	require.NotEmpty(t, results)
	assert.Equal(t, "Scheduler preemption", results[0].KnowledgeTitle)
}

func TestSearchKnowledge_MissingQuery(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodGet, "/knowledge/search", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newFixture(t)

	off := false
	count := 7
	code, _ := f.do(t, http.MethodPut, "/api/settings", knowledge.Settings{
		ContextInjectKnowledge:      &off,
		ContextInjectKnowledgeCount: &count,
	})
	require.Equal(t, http.StatusOK, code)

	code, r := f.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, code)
	var settings knowledge.Settings
	require.NoError(t, json.Unmarshal(r.Data, &settings))
	require.NotNil(t, settings.ContextInjectKnowledge)
	assert.False(t, *settings.ContextInjectKnowledge)
	require.NotNil(t, settings.ContextInjectKnowledgeCount)
	assert.Equal(t, 7, *settings.ContextInjectKnowledgeCount)
}

func TestComments(t *testing.T) {
	f := newFixture(t)
	createDoc(t, f, "Scheduler preemption")

	code, r := f.do(t, http.MethodPost, "/knowledge/K001/comments", map[string]string{
		"partId":  "K001.1",
		"type":    "update",
		"content": "needs a note on priority classes",
		"source":  "user",
	})
	require.Equal(t, http.StatusCreated, code, r.Error)
	var comment knowledge.Comment
	require.NoError(t, json.Unmarshal(r.Data, &comment))
	assert.Equal(t, 1, comment.ID)
	assert.Equal(t, knowledge.CommentNotAddressed, comment.State)

	code, r = f.do(t, http.MethodGet, "/knowledge/K001/comments", nil)
	require.Equal(t, http.StatusOK, code)
	var comments []knowledge.Comment
	require.NoError(t, json.Unmarshal(r.Data, &comments))
	require.Len(t, comments, 1)

	code, _ = f.do(t, http.MethodPost, "/knowledge/K001/comments/1/addressed", nil)
	require.Equal(t, http.StatusOK, code)

	_, r = f.do(t, http.MethodGet, "/knowledge/K001/comments", nil)
	require.NoError(t, json.Unmarshal(r.Data, &comments))
	assert.Equal(t, knowledge.CommentAddressed, comments[0].State)
}

func TestSuggest_EmptyStore(t *testing.T) {
	f := newFixture(t)
	code, r := f.do(t, http.MethodPost, "/context/suggest", map[string]string{
		"prompt": "how does the scheduler work",
	})
	require.Equal(t, http.StatusOK, code)
	var suggestion retrieval.Suggestion
	require.NoError(t, json.Unmarshal(r.Data, &suggestion))
	assert.Empty(t, suggestion.Context)
	assert.Zero(t, suggestion.Tokens)
}

func TestGenerate_Validation(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodPost, "/knowledge/generate", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/knowledge/generate", map[string]string{
		"sessionPath": "/nonexistent/session.jsonl",
		"agentId":     "agent-1",
	})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGenerateStatus(t *testing.T) {
	f := newFixture(t)
	code, r := f.do(t, http.MethodGet, "/knowledge/generate/status", nil)
	require.Equal(t, http.StatusOK, code)
	var status generator.Status
	require.NoError(t, json.Unmarshal(r.Data, &status))
	assert.False(t, status.Running)
}

func TestRemoteSync(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodPost, "/knowledge/remote-sync", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, r := f.do(t, http.MethodPost, "/knowledge/remote-sync", map[string]string{"project": "/home/dev/widget"})
	assert.Equal(t, http.StatusAccepted, code)
	assert.True(t, r.Success)

	code, r = f.do(t, http.MethodGet, "/knowledge/remote-sync/status", nil)
	require.Equal(t, http.StatusOK, code)
	var status remotesync.Status
	require.NoError(t, json.Unmarshal(r.Data, &status))
	assert.Equal(t, "idle", status.Status)
}

func TestRemoteSync_NoHub(t *testing.T) {
	f := newFixture(t)
	server, err := httpapi.NewServer(httpapi.Deps{Store: f.store}, zap.NewNop(), nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/knowledge/remote-sync/status", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListProjects(t *testing.T) {
	f := newFixture(t)
	createDoc(t, f, "Scheduler preemption")

	code, r := f.do(t, http.MethodGet, "/api/projects", nil)
	require.Equal(t, http.StatusOK, code)
	var projects []httpapi.ProjectInfo
	require.NoError(t, json.Unmarshal(r.Data, &projects))
	require.Len(t, projects, 1)
	assert.Equal(t, "/home/dev/widget", projects[0].Path)
	// Not a git checkout, so no remotes to match on.
	assert.Empty(t, projects[0].Remotes)
}
