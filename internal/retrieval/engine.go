// Package retrieval turns vector store hits into resolved, enriched results
// and builds the context payload injected at prompt submit.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/lmassist/internal/knowledge"
	"github.com/fyrsmithlabs/lmassist/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("lmassist.retrieval")

const (
	// contentBoostFactor doubles the score of rows whose full part text
	// contains the query.
	contentBoostFactor = 2.0

	// sweepScoreFloor is the minimum score given to store-sweep additions.
	sweepScoreFloor = 0.03

	// minBoostQueryLength gates the content-match pass to queries long
	// enough to be meaningful substrings.
	minBoostQueryLength = 15

	// unlimitedFetch rows are fetched when no limit is given.
	unlimitedFetch = 50
)

// Result is one retrieval hit with its backing document resolved.
type Result struct {
	Row   vectorstore.Row `json:"row"`
	Score float64         `json:"score"`

	KnowledgeTitle string         `json:"knowledgeTitle,omitempty"`
	PartTitle      string         `json:"partTitle,omitempty"`
	PartSummary    string         `json:"partSummary,omitempty"`
	KnowledgeType  knowledge.Type `json:"knowledgeType,omitempty"`

	// Set for rows synced from a peer machine.
	Origin          string `json:"origin,omitempty"`
	MachineHostname string `json:"machineHostname,omitempty"`
	MachineOS       string `json:"machineOS,omitempty"`
}

// Engine searches the vector store and resolves hits against the knowledge
// store, dropping orphans.
type Engine struct {
	vectors *vectorstore.Store
	store   *knowledge.Store
	logger  *zap.Logger
}

// NewEngine creates a retrieval engine.
func NewEngine(vectors *vectorstore.Store, store *knowledge.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{vectors: vectors, store: store, logger: logger}
}

// splitIndexKey splits a row's knowledge key into (id, machineID). Local
// keys carry no machine prefix.
func splitIndexKey(key string) (id, machineID string) {
	if i := strings.LastIndex(key, ":"); i >= 0 {
		return key[i+1:], key[:i]
	}
	return key, ""
}

// SearchKnowledge runs the hybrid search for knowledge rows, sweeps out
// orphans, applies the content-match boost, and enriches survivors. limit 0
// means unlimited.
func (e *Engine) SearchKnowledge(ctx context.Context, query string, limit int, typeFilter knowledge.Type) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "retrieval.SearchKnowledge")
	defer span.End()

	fetch := unlimitedFetch
	if limit > 0 {
		fetch = limit * 2
		if fetch < 15 {
			fetch = 15
		}
	}

	hits, err := e.vectors.HybridSearch(ctx, query, fetch, &vectorstore.Filter{Type: vectorstore.TypeKnowledge})
	if err != nil {
		return nil, err
	}

	var survivors []scoredHit
	seen := make(map[string]bool)
	for _, h := range hits {
		id, machineID := splitIndexKey(h.Row.KnowledgeID)
		doc, err := e.store.Get(id, machineID)
		if err != nil {
			// Orphan row; maintenance reaps it later.
			continue
		}
		if typeFilter != "" && doc.Type != typeFilter {
			continue
		}
		survivors = append(survivors, scoredHit{row: h.Row, score: h.Score, doc: doc})
		if h.Row.PartID != "" {
			seen[h.Row.PartID] = true
		} else {
			seen[h.Row.KnowledgeID] = true
		}
	}

	if len(query) > minBoostQueryLength {
		needle := strings.ToLower(query)

		// Boost rows whose referenced part textually contains the query.
		maxScore := 0.0
		for i := range survivors {
			h := &survivors[i]
			if part := h.doc.FindPart(h.row.PartID); part != nil {
				text := strings.ToLower(part.Title + " " + part.Summary + " " + part.Content)
				if strings.Contains(text, needle) {
					h.score *= contentBoostFactor
				}
			}
			if h.score > maxScore {
				maxScore = h.score
			}
		}
		if maxScore < sweepScoreFloor {
			maxScore = sweepScoreFloor
		}

		// Sweep the store for matching parts the search missed.
		for _, swept := range e.sweepStore(needle, typeFilter, seen) {
			swept.score = maxScore
			survivors = append(survivors, swept)
		}
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].score != survivors[j].score {
			return survivors[i].score > survivors[j].score
		}
		return survivors[i].row.Timestamp > survivors[j].row.Timestamp
	})
	if limit > 0 && len(survivors) > limit {
		survivors = survivors[:limit]
	}

	out := make([]Result, 0, len(survivors))
	for _, h := range survivors {
		r := Result{
			Row:            h.row,
			Score:          h.score,
			KnowledgeTitle: h.doc.Title,
			KnowledgeType:  h.doc.Type,
		}
		if part := h.doc.FindPart(h.row.PartID); part != nil {
			r.PartTitle = part.Title
			r.PartSummary = part.Summary
		}
		if h.doc.IsRemote() {
			r.Origin = string(knowledge.OriginRemote)
			r.MachineHostname = h.doc.MachineHostname
			r.MachineOS = h.doc.MachineOS
		}
		out = append(out, r)
	}
	return out, nil
}

// scoredHit pairs a row with its resolved document during ranking.
type scoredHit struct {
	row   vectorstore.Row
	score float64
	doc   *knowledge.Knowledge
}

// sweepStore scans every stored document for parts containing the query that
// the ranked set missed. Scores are assigned by the caller.
func (e *Engine) sweepStore(needle string, typeFilter knowledge.Type, seen map[string]bool) []scoredHit {
	var out []scoredHit
	for _, entry := range e.store.List(knowledge.Filter{Status: knowledge.StatusActive}) {
		if typeFilter != "" && entry.Type != typeFilter {
			continue
		}
		doc, err := e.store.Get(entry.ID, entry.MachineID)
		if err != nil {
			continue
		}
		key := doc.IndexKey()
		for i := range doc.Parts {
			part := &doc.Parts[i]
			if seen[part.PartID] {
				continue
			}
			text := strings.ToLower(part.Title + " " + part.Summary + " " + part.Content)
			if !strings.Contains(text, needle) {
				continue
			}
			seen[part.PartID] = true
			out = append(out, scoredHit{
				row: vectorstore.Row{
					ID:             "sweep:" + part.PartID,
					Type:           vectorstore.TypeKnowledge,
					SessionID:      doc.SourceSessionID,
					MilestoneIndex: -1,
					KnowledgeID:    key,
					PartID:         part.PartID,
					ProjectPath:    doc.Project,
					Phase:          -1,
					ContentType:    vectorstore.ContentKnowledgePart,
					Text:           part.Summary,
					Timestamp:      doc.UpdatedAt.UTC().Format(time.RFC3339),
				},
				doc: doc,
			})
		}
	}
	return out
}

// SearchMilestones runs the hybrid search for milestone rows. Milestones are
// managed elsewhere; rows resolve to themselves.
func (e *Engine) SearchMilestones(ctx context.Context, query string, limit int, project string) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "retrieval.SearchMilestones")
	defer span.End()

	fetch := unlimitedFetch
	if limit > 0 {
		fetch = limit * 2
		if fetch < 15 {
			fetch = 15
		}
	}

	filter := &vectorstore.Filter{Type: vectorstore.TypeMilestone, ProjectPath: project}
	hits, err := e.vectors.HybridSearch(ctx, query, fetch, filter)
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, Result{Row: h.Row, Score: h.Score})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ReapOrphans deletes knowledge rows whose document no longer resolves.
func (e *Engine) ReapOrphans(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "retrieval.ReapOrphans")
	defer span.End()

	reaped := 0
	handled := make(map[string]bool)
	for _, row := range e.vectors.Rows() {
		if row.Type != vectorstore.TypeKnowledge || handled[row.KnowledgeID] {
			continue
		}
		handled[row.KnowledgeID] = true
		id, machineID := splitIndexKey(row.KnowledgeID)
		if _, err := e.store.Get(id, machineID); err == nil {
			continue
		}
		if err := e.vectors.DeleteKnowledge(ctx, row.KnowledgeID); err != nil {
			return reaped, err
		}
		reaped++
	}
	if reaped > 0 {
		e.logger.Info("reaped orphan vector rows", zap.Int("count", reaped))
	}
	return reaped, nil
}
