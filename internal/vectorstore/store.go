package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("lmassist.vectorstore")

// Hybrid search constants: reciprocal rank fusion with a similarity floor on
// the vector leg.
const (
	rrfK            = 60.0
	rrfWeightVector = 1.0
	rrfWeightFTS    = 0.8
	similarityFloor = 0.57

	// addChunkSize bounds one embedding batch.
	addChunkSize = 50
)

// Config holds configuration for the vector store.
type Config struct {
	// Path is the directory for persistent storage.
	Path string

	// Collection is the chromem collection name.
	Collection string

	// Compress enables gzip compression for stored vectors.
	Compress bool
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "lmassist_rows"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: path required", ErrInvalidConfig)
	}
	return nil
}

// Store persists rows as chromem vectors plus a bleve full-text index. A
// JSON registry of row metadata sits next to both so rows can be enumerated
// for deletes and full-text rebuilds.
type Store struct {
	config   Config
	db       *chromem.DB
	col      *chromem.Collection
	embedder Embedder
	logger   *zap.Logger

	mu   sync.RWMutex
	fts  bleve.Index
	rows map[string]Row
}

// NewStore opens (or creates) a store rooted at config.Path.
func NewStore(config Config, embedder Embedder, logger *zap.Logger) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := os.MkdirAll(config.Path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", config.Path, err)
	}

	db, err := chromem.NewPersistentDB(filepath.Join(config.Path, "vectors"), config.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	s := &Store{
		config:   config,
		db:       db,
		embedder: embedder,
		logger:   logger,
		rows:     make(map[string]Row),
	}

	s.col, err = db.GetOrCreateCollection(config.Collection, nil, s.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("creating collection %s: %w", config.Collection, err)
	}

	if err := s.loadRegistry(); err != nil {
		return nil, err
	}

	s.fts, err = openFTSIndex(s.ftsPath())
	if err != nil {
		return nil, err
	}

	rowsTotal.Set(float64(len(s.rows)))
	logger.Info("vector store opened",
		zap.String("path", config.Path),
		zap.Int("rows", len(s.rows)),
	)
	return s, nil
}

func (s *Store) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

func (s *Store) ftsPath() string {
	return filepath.Join(s.config.Path, "fts.bleve")
}

func (s *Store) registryPath() string {
	return filepath.Join(s.config.Path, "rows.json")
}

func openFTSIndex(path string) (bleve.Index, error) {
	idx, err := bleve.Open(path)
	if err == nil {
		return idx, nil
	}
	mapping := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("text", bleve.NewTextFieldMapping())
	mapping.DefaultMapping = doc
	idx, err = bleve.New(path, mapping)
	if err != nil {
		return nil, fmt.Errorf("creating full-text index: %w", err)
	}
	return idx, nil
}

func (s *Store) loadRegistry() error {
	data, err := os.ReadFile(s.registryPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading row registry: %w", err)
	}
	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("parsing row registry: %w", err)
	}
	for _, r := range rows {
		s.rows[r.ID] = r
	}
	return nil
}

// saveRegistryLocked rewrites the registry atomically. Callers hold s.mu.
func (s *Store) saveRegistryLocked() error {
	rows := make([]Row, 0, len(s.rows))
	for _, r := range s.rows {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("marshaling row registry: %w", err)
	}
	tmp := s.registryPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing row registry: %w", err)
	}
	return os.Rename(tmp, s.registryPath())
}

func rowMetadata(r *Row) map[string]string {
	return map[string]string{
		"type":           r.Type,
		"sessionId":      r.SessionID,
		"milestoneIndex": strconv.Itoa(r.MilestoneIndex),
		"knowledgeId":    r.KnowledgeID,
		"partId":         r.PartID,
		"projectPath":    r.ProjectPath,
		"phase":          strconv.Itoa(r.Phase),
		"contentType":    r.ContentType,
		"timestamp":      r.Timestamp,
	}
}

// Add embeds and stores rows. Rows are chunked so one embedding batch covers
// at most addChunkSize texts. The full-text index is updated incrementally;
// callers doing a bulk pass should finish with RebuildFTS instead of relying
// on per-chunk updates.
func (s *Store) Add(ctx context.Context, rows []Row) error {
	ctx, span := tracer.Start(ctx, "vectorstore.Add")
	defer span.End()
	span.SetAttributes(attribute.Int("row_count", len(rows)))

	if len(rows) == 0 {
		return ErrEmptyRows
	}

	start := time.Now()
	for begin := 0; begin < len(rows); begin += addChunkSize {
		end := begin + addChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.addChunk(ctx, rows[begin:end]); err != nil {
			span.RecordError(err)
			return err
		}
	}
	addDuration.Observe(time.Since(start).Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()
	rowsTotal.Set(float64(len(s.rows)))
	return s.saveRegistryLocked()
}

func (s *Store) addChunk(ctx context.Context, chunk []Row) error {
	texts := make([]string, len(chunk))
	for i := range chunk {
		chunk[i].Text = truncateText(chunk[i].Text)
		texts[i] = chunk[i].Text
	}

	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) != len(chunk) {
		return fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(chunk))
	}

	docs := make([]chromem.Document, len(chunk))
	for i, r := range chunk {
		docs[i] = chromem.Document{
			ID:        r.ID,
			Metadata:  rowMetadata(&chunk[i]),
			Embedding: vectors[i],
			Content:   r.Text,
		}
	}
	if err := s.col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("adding documents: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.fts.NewBatch()
	for i := range chunk {
		if err := batch.Index(chunk[i].ID, map[string]interface{}{"text": chunk[i].Text}); err != nil {
			return fmt.Errorf("indexing text: %w", err)
		}
		s.rows[chunk[i].ID] = chunk[i]
	}
	if err := s.fts.Batch(batch); err != nil {
		return fmt.Errorf("updating full-text index: %w", err)
	}
	return nil
}

// Search embeds the query and returns the nearest rows with similarity
// scores in [0, 1].
func (s *Store) Search(ctx context.Context, query string, limit int, filter *Filter) ([]SearchResult, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.Search")
	defer span.End()

	start := time.Now()
	defer func() { searchDuration.WithLabelValues("vector").Observe(time.Since(start).Seconds()) }()

	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	// chromem rejects nResults above the candidate count, so clamp against
	// the rows that can actually match the filter.
	k := limit
	if count := s.countMatching(filter); k > count {
		k = count
	}
	if k <= 0 {
		return nil, nil
	}

	results, err := s.col.QueryEmbedding(ctx, vec, k, filter.where(), nil)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SearchResult, 0, len(results))
	for _, res := range results {
		row, ok := s.rows[res.ID]
		if !ok {
			continue
		}
		// chromem reports cosine similarity in [-1, 1]; rescale to [0, 1],
		// equivalent to 1 - d/2 over cosine distance d.
		out = append(out, SearchResult{Row: row, Score: (1 + float64(res.Similarity)) / 2})
	}
	return out, nil
}

func (s *Store) countMatching(filter *Filter) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.rows {
		if filter.matches(&r) {
			n++
		}
	}
	return n
}

// searchFTS runs a match query over row text and returns bleve-scored rows.
func (s *Store) searchFTS(query string, limit int, filter *Filter) ([]SearchResult, error) {
	start := time.Now()
	defer func() { searchDuration.WithLabelValues("fts").Observe(time.Since(start).Seconds()) }()

	match := bleve.NewMatchQuery(query)
	match.SetField("text")
	req := bleve.NewSearchRequestOptions(match, limit, 0, false)

	s.mu.RLock()
	defer s.mu.RUnlock()

	res, err := s.fts.Search(req)
	if err != nil {
		return nil, fmt.Errorf("full-text search: %w", err)
	}

	out := make([]SearchResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		row, ok := s.rows[hit.ID]
		if !ok || !filter.matches(&row) {
			continue
		}
		out = append(out, SearchResult{Row: row, Score: hit.Score})
	}
	return out, nil
}

// HybridSearch fuses vector and full-text results with reciprocal rank
// fusion. Each leg fetches 3x the limit, is deduplicated per entity keeping
// the best-scored row, and contributes w/(K+rank) to the fused score. When
// both legs carry an entity the vector row wins the metadata.
func (s *Store) HybridSearch(ctx context.Context, query string, limit int, filter *Filter) ([]SearchResult, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.HybridSearch")
	defer span.End()
	span.SetAttributes(attribute.String("query", query), attribute.Int("limit", limit))

	fetch := 3 * limit

	vecResults, err := s.Search(ctx, query, fetch, filter)
	if err != nil {
		return nil, err
	}
	kept := vecResults[:0]
	for _, r := range vecResults {
		if r.Score >= similarityFloor {
			kept = append(kept, r)
		}
	}
	vecRanked := dedupeByEntity(kept)

	ftsResults, err := s.searchFTS(query, fetch, filter)
	if err != nil {
		return nil, err
	}
	ftsRanked := dedupeByEntity(ftsResults)

	type fused struct {
		row   Row
		score float64
		isVec bool
	}
	combined := make(map[string]*fused)
	for rank, r := range vecRanked {
		combined[r.Row.EntityKey()] = &fused{
			row:   r.Row,
			score: rrfWeightVector / (rrfK + float64(rank+1)),
			isVec: true,
		}
	}
	for rank, r := range ftsRanked {
		contribution := rrfWeightFTS / (rrfK + float64(rank+1))
		if f, ok := combined[r.Row.EntityKey()]; ok {
			f.score += contribution
			continue
		}
		combined[r.Row.EntityKey()] = &fused{row: r.Row, score: contribution}
	}

	out := make([]SearchResult, 0, len(combined))
	for _, f := range combined {
		out = append(out, SearchResult{Row: f.row, Score: f.score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// dedupeByEntity keeps the best-scored row per entity, preserving descending
// score order.
func dedupeByEntity(results []SearchResult) []SearchResult {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	seen := make(map[string]bool, len(results))
	out := results[:0]
	for _, r := range results {
		key := r.Row.EntityKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

// DeleteKnowledge removes every row backed by the given knowledge document.
func (s *Store) DeleteKnowledge(ctx context.Context, knowledgeID string) error {
	return s.deleteMatching(ctx, func(r *Row) bool {
		return r.Type == TypeKnowledge && r.KnowledgeID == knowledgeID
	})
}

// DeleteMilestone removes the rows of one milestone.
func (s *Store) DeleteMilestone(ctx context.Context, sessionID string, milestoneIndex int) error {
	return s.deleteMatching(ctx, func(r *Row) bool {
		return r.Type == TypeMilestone && r.SessionID == sessionID && r.MilestoneIndex == milestoneIndex
	})
}

// DeleteSession removes every row tied to a session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.deleteMatching(ctx, func(r *Row) bool {
		return r.SessionID == sessionID
	})
}

func (s *Store) deleteMatching(ctx context.Context, match func(*Row) bool) error {
	ctx, span := tracer.Start(ctx, "vectorstore.Delete")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id := range s.rows {
		row := s.rows[id]
		if match(&row) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	if err := s.col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("deleting vectors: %w", err)
	}
	batch := s.fts.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
		delete(s.rows, id)
	}
	if err := s.fts.Batch(batch); err != nil {
		return fmt.Errorf("updating full-text index: %w", err)
	}
	rowsTotal.Set(float64(len(s.rows)))
	return s.saveRegistryLocked()
}

// HasKnowledge reports whether any row references the knowledge document.
func (s *Store) HasKnowledge(knowledgeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rows {
		if r.Type == TypeKnowledge && r.KnowledgeID == knowledgeID {
			return true
		}
	}
	return false
}

// Count returns the number of stored rows.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Rows returns a snapshot of every row, for maintenance passes.
func (s *Store) Rows() []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Row, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	return out
}

// RebuildFTS drops the full-text index and re-indexes every registered row.
// Called once after a bulk write pass rather than per chunk.
func (s *Store) RebuildFTS(ctx context.Context) error {
	_, span := tracer.Start(ctx, "vectorstore.RebuildFTS")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fts.Close(); err != nil {
		return fmt.Errorf("closing full-text index: %w", err)
	}
	if err := os.RemoveAll(s.ftsPath()); err != nil {
		return fmt.Errorf("removing full-text index: %w", err)
	}
	idx, err := openFTSIndex(s.ftsPath())
	if err != nil {
		return err
	}
	s.fts = idx

	batch := s.fts.NewBatch()
	for id, r := range s.rows {
		if err := batch.Index(id, map[string]interface{}{"text": r.Text}); err != nil {
			return fmt.Errorf("indexing text: %w", err)
		}
	}
	if err := s.fts.Batch(batch); err != nil {
		return fmt.Errorf("rebuilding full-text index: %w", err)
	}
	s.logger.Info("full-text index rebuilt", zap.Int("rows", len(s.rows)))
	return nil
}

// Close releases the full-text index. Chromem persists on write and needs no
// teardown.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fts.Close()
}
