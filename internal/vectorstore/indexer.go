package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/lmassist/internal/knowledge"
	"go.uber.org/zap"
)

// Indexer extracts vector rows from knowledge documents and writes them to
// the store.
type Indexer struct {
	store  *Store
	logger *zap.Logger
}

// NewIndexer creates an indexer over the given store.
func NewIndexer(store *Store, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{store: store, logger: logger}
}

// ExtractRows builds the rows for one document: a title row plus one row per
// part. The knowledge ID column carries the index key so remote documents
// from different machines never collide.
func ExtractRows(doc *knowledge.Knowledge) []Row {
	key := doc.IndexKey()
	ts := doc.UpdatedAt.UTC().Format(time.RFC3339)

	rows := make([]Row, 0, len(doc.Parts)+1)
	rows = append(rows, Row{
		ID:             fmt.Sprintf("knowledge:%s:title", key),
		Type:           TypeKnowledge,
		SessionID:      doc.SourceSessionID,
		MilestoneIndex: -1,
		KnowledgeID:    key,
		ProjectPath:    doc.Project,
		Phase:          -1,
		ContentType:    ContentKnowledgeTitle,
		Text:           fmt.Sprintf("%s [%s]", doc.Title, doc.Type),
		Timestamp:      ts,
	})
	for _, part := range doc.Parts {
		rows = append(rows, Row{
			ID:             fmt.Sprintf("knowledge:%s:%s", key, part.PartID),
			Type:           TypeKnowledge,
			SessionID:      doc.SourceSessionID,
			MilestoneIndex: -1,
			KnowledgeID:    key,
			PartID:         part.PartID,
			ProjectPath:    doc.Project,
			Phase:          -1,
			ContentType:    ContentKnowledgePart,
			Text:           fmt.Sprintf("%s: %s: %s", part.PartID, part.Title, part.Summary),
			Timestamp:      ts,
		})
	}
	return rows
}

// IndexKnowledge writes the document's rows.
func (ix *Indexer) IndexKnowledge(ctx context.Context, doc *knowledge.Knowledge) error {
	rows := ExtractRows(doc)
	if err := ix.store.Add(ctx, rows); err != nil {
		return fmt.Errorf("indexing knowledge %s: %w", doc.ID, err)
	}
	ix.logger.Debug("indexed knowledge",
		zap.String("id", doc.ID),
		zap.Int("rows", len(rows)),
	)
	return nil
}

// RemoveKnowledge drops every row for the document. Pass the index key for
// remote documents.
func (ix *Indexer) RemoveKnowledge(ctx context.Context, knowledgeID string) error {
	return ix.store.DeleteKnowledge(ctx, knowledgeID)
}

// RebuildFTS rebuilds the store's full-text index from scratch.
func (ix *Indexer) RebuildFTS(ctx context.Context) error {
	return ix.store.RebuildFTS(ctx)
}
