// Package vectorstore indexes session and knowledge text for semantic and
// full-text retrieval.
//
// Rows are an index, not a source of truth: the knowledge store and session
// transcripts remain authoritative, and rows that point at deleted documents
// are filtered at query time and reaped by maintenance.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
)

// VectorDim is the embedding dimension all rows carry. It matches the
// default bge-small model.
const VectorDim = 384

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyRows indicates empty or nil input rows.
	ErrEmptyRows = errors.New("empty or nil rows")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")
)

// Row types.
const (
	TypeSession   = "session"
	TypeMilestone = "milestone"
	TypeKnowledge = "knowledge"
)

// Content type tags.
const (
	ContentKnowledgeTitle = "knowledge_title"
	ContentKnowledgePart  = "knowledge_part"
	ContentPrompt         = "prompt"
	ContentResult         = "result"
	ContentMilestone      = "milestone"
)

// maxRowText bounds the text stored alongside a vector.
const maxRowText = 500

// Row is one indexed vector with its foreign keys. Optional numeric fields
// use sentinel -1 and optional strings use "" so every row carries the full
// column set.
type Row struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	SessionID      string `json:"sessionId"`
	MilestoneIndex int    `json:"milestoneIndex"`
	KnowledgeID    string `json:"knowledgeId"`
	PartID         string `json:"partId"`
	ProjectPath    string `json:"projectPath"`
	Phase          int    `json:"phase"`
	ContentType    string `json:"contentType"`
	Text           string `json:"text"`
	Timestamp      string `json:"timestamp"`
}

// EntityKey collapses multiple rows about the same underlying thing into one
// identity for result dedup: the part for knowledge part rows, the document
// for title rows, the (session, milestone) pair for milestones, the session
// otherwise.
func (r *Row) EntityKey() string {
	switch r.Type {
	case TypeKnowledge:
		if r.PartID != "" {
			return r.PartID
		}
		return r.KnowledgeID
	case TypeMilestone:
		return fmt.Sprintf("%s:%d", r.SessionID, r.MilestoneIndex)
	default:
		return r.SessionID
	}
}

// truncateText clips text to the stored ceiling.
func truncateText(s string) string {
	if len(s) <= maxRowText {
		return s
	}
	return s[:maxRowText]
}

// Embedder generates vector embeddings from text.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts, one per input.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query. Some models
	// optimize differently for queries vs documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Filter restricts searches to rows matching all non-empty fields.
type Filter struct {
	Type        string
	SessionID   string
	KnowledgeID string
	ProjectPath string
}

// matches reports whether a row passes the filter.
func (f *Filter) matches(r *Row) bool {
	if f == nil {
		return true
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.KnowledgeID != "" && r.KnowledgeID != f.KnowledgeID {
		return false
	}
	if f.ProjectPath != "" && r.ProjectPath != f.ProjectPath {
		return false
	}
	return true
}

// where converts the filter to a chromem metadata filter.
func (f *Filter) where() map[string]string {
	if f == nil {
		return nil
	}
	w := make(map[string]string)
	if f.Type != "" {
		w["type"] = f.Type
	}
	if f.SessionID != "" {
		w["sessionId"] = f.SessionID
	}
	if f.KnowledgeID != "" {
		w["knowledgeId"] = f.KnowledgeID
	}
	if f.ProjectPath != "" {
		w["projectPath"] = f.ProjectPath
	}
	if len(w) == 0 {
		return nil
	}
	return w
}

// SearchResult is one scored row.
type SearchResult struct {
	Row   Row     `json:"row"`
	Score float64 `json:"score"`
}
