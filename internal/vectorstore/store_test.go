package vectorstore_test

import (
	"context"
	"hash/fnv"
	"math"
	"testing"
	"time"

	"github.com/fyrsmithlabs/lmassist/internal/knowledge"
	"github.com/fyrsmithlabs/lmassist/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hashEmbedder produces deterministic bag-of-words vectors so similarity is
// driven by shared tokens, with no model involved.
type hashEmbedder struct{}

func (hashEmbedder) embed(text string) []float32 {
	vec := make([]float32, vectorstore.VectorDim)
	for _, word := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[h.Sum32()%vectorstore.VectorDim]++
	}
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

func tokenize(text string) []string {
	var words []string
	var current []rune
	for _, r := range text {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			if r >= 'A' && r <= 'Z' {
				r += 'a' - 'A'
			}
			current = append(current, r)
			continue
		}
		if len(current) > 0 {
			words = append(words, string(current))
			current = nil
		}
	}
	if len(current) > 0 {
		words = append(words, string(current))
	}
	return words
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

func newStore(t *testing.T) *vectorstore.Store {
	t.Helper()
	s, err := vectorstore.NewStore(vectorstore.Config{Path: t.TempDir()}, hashEmbedder{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func knowledgeRow(id, knowledgeID, partID, text string) vectorstore.Row {
	return vectorstore.Row{
		ID:             id,
		Type:           vectorstore.TypeKnowledge,
		MilestoneIndex: -1,
		KnowledgeID:    knowledgeID,
		PartID:         partID,
		Phase:          -1,
		ContentType:    vectorstore.ContentKnowledgePart,
		Text:           text,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
}

func TestStore_AddAndSearch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []vectorstore.Row{
		knowledgeRow("r1", "K001", "K001.1", "scheduler preemption evicts lower priority pods"),
		knowledgeRow("r2", "K002", "K002.1", "websocket channel reconnect backoff"),
	}))
	assert.Equal(t, 2, s.Count())

	results, err := s.Search(ctx, "scheduler preemption priority pods", 2, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "r1", results[0].Row.ID)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}
}

func TestStore_AddEmpty(t *testing.T) {
	s := newStore(t)
	assert.ErrorIs(t, s.Add(context.Background(), nil), vectorstore.ErrEmptyRows)
}

func TestStore_SearchFilter(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	prompt := knowledgeRow("p1", "", "", "scheduler preemption question")
	prompt.Type = vectorstore.TypeSession
	prompt.SessionID = "sess-1"
	prompt.ContentType = vectorstore.ContentPrompt
	require.NoError(t, s.Add(ctx, []vectorstore.Row{
		knowledgeRow("r1", "K001", "K001.1", "scheduler preemption evicts pods"),
		prompt,
	}))

	results, err := s.Search(ctx, "scheduler preemption", 5, &vectorstore.Filter{Type: vectorstore.TypeKnowledge})
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, vectorstore.TypeKnowledge, r.Row.Type)
	}
}

func TestStore_HybridSearch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []vectorstore.Row{
		knowledgeRow("r1", "K001", "K001.1", "scheduler preemption evicts lower priority pods"),
		knowledgeRow("r2", "K002", "K002.1", "retry backoff with jitter on the hub client"),
		knowledgeRow("r3", "K003", "K003.1", "markdown front matter parsing rules"),
	}))

	results, err := s.HybridSearch(ctx, "scheduler preemption pods", 2, &vectorstore.Filter{Type: vectorstore.TypeKnowledge})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "K001.1", results[0].Row.PartID)
	assert.LessOrEqual(t, len(results), 2)
	// Fused scores are reciprocal rank sums, far below 1.
	assert.Less(t, results[0].Score, 0.1)
}

func TestStore_HybridSearch_DedupesEntity(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Two rows about the same part must collapse to one result.
	require.NoError(t, s.Add(ctx, []vectorstore.Row{
		knowledgeRow("r1", "K001", "K001.1", "scheduler preemption evicts pods"),
		knowledgeRow("r1b", "K001", "K001.1", "scheduler preemption victim selection"),
		knowledgeRow("r2", "K002", "K002.1", "unrelated text about parsing"),
	}))

	results, err := s.HybridSearch(ctx, "scheduler preemption", 10, nil)
	require.NoError(t, err)
	seen := make(map[string]int)
	for _, r := range results {
		seen[r.Row.PartID]++
	}
	assert.LessOrEqual(t, seen["K001.1"], 1)
}

func TestStore_DeleteKnowledge(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []vectorstore.Row{
		knowledgeRow("r1", "K001", "K001.1", "first document part"),
		knowledgeRow("r2", "K001", "", "first document title"),
		knowledgeRow("r3", "K002", "K002.1", "second document part"),
	}))
	assert.True(t, s.HasKnowledge("K001"))

	require.NoError(t, s.DeleteKnowledge(ctx, "K001"))
	assert.False(t, s.HasKnowledge("K001"))
	assert.True(t, s.HasKnowledge("K002"))
	assert.Equal(t, 1, s.Count())
}

func TestStore_DeleteSession(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	r1 := knowledgeRow("p1", "", "", "prompt one")
	r1.Type = vectorstore.TypeSession
	r1.SessionID = "sess-1"
	r2 := knowledgeRow("p2", "", "", "prompt two")
	r2.Type = vectorstore.TypeSession
	r2.SessionID = "sess-2"
	require.NoError(t, s.Add(ctx, []vectorstore.Row{r1, r2}))

	require.NoError(t, s.DeleteSession(ctx, "sess-1"))
	assert.Equal(t, 1, s.Count())
}

func TestStore_RebuildFTS(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []vectorstore.Row{
		knowledgeRow("r1", "K001", "K001.1", "scheduler preemption evicts pods"),
	}))
	require.NoError(t, s.RebuildFTS(ctx))

	results, err := s.HybridSearch(ctx, "preemption", 5, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestStore_ReopenKeepsRows(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := vectorstore.NewStore(vectorstore.Config{Path: dir}, hashEmbedder{}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, []vectorstore.Row{
		knowledgeRow("r1", "K001", "K001.1", "persisted across restarts"),
	}))
	require.NoError(t, s.Close())

	reopened, err := vectorstore.NewStore(vectorstore.Config{Path: dir}, hashEmbedder{}, nil)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 1, reopened.Count())
	results, err := reopened.Search(ctx, "persisted across restarts", 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "r1", results[0].Row.ID)
}

func TestExtractRows(t *testing.T) {
	created := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	doc := &knowledge.Knowledge{
		ID:              "K007",
		Title:           "Scheduler preemption",
		Type:            knowledge.TypeAlgorithm,
		Project:         "/home/dev/proj",
		UpdatedAt:       created,
		SourceSessionID: "sess-1",
		Parts: []knowledge.Part{
			{PartID: "K007.1", Title: "Overview", Summary: "What it does."},
			{PartID: "K007.2", Title: "Policy", Summary: "Who wins."},
		},
	}

	rows := vectorstore.ExtractRows(doc)
	require.Len(t, rows, 3)

	title := rows[0]
	assert.Equal(t, vectorstore.ContentKnowledgeTitle, title.ContentType)
	assert.Equal(t, "Scheduler preemption [algorithm]", title.Text)
	assert.Equal(t, "K007", title.KnowledgeID)
	assert.Equal(t, -1, title.MilestoneIndex)
	assert.Equal(t, -1, title.Phase)

	part := rows[1]
	assert.Equal(t, vectorstore.ContentKnowledgePart, part.ContentType)
	assert.Equal(t, "K007.1: Overview: What it does.", part.Text)
	assert.Equal(t, "K007.1", part.PartID)
}

func TestExtractRows_Remote(t *testing.T) {
	doc := &knowledge.Knowledge{
		ID:        "K002",
		Title:     "Remote doc",
		Type:      knowledge.TypeWiring,
		Origin:    knowledge.OriginRemote,
		MachineID: "m-123",
		UpdatedAt: time.Now().UTC(),
	}
	rows := vectorstore.ExtractRows(doc)
	require.Len(t, rows, 1)
	assert.Equal(t, "m-123:K002", rows[0].KnowledgeID)
}
