package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupeByEntity(t *testing.T) {
	results := []SearchResult{
		{Row: Row{ID: "a1", Type: TypeKnowledge, KnowledgeID: "K001", PartID: "K001.1"}, Score: 0.6},
		{Row: Row{ID: "a2", Type: TypeKnowledge, KnowledgeID: "K001", PartID: "K001.1"}, Score: 0.9},
		{Row: Row{ID: "b1", Type: TypeKnowledge, KnowledgeID: "K002", PartID: "K002.1"}, Score: 0.7},
	}

	deduped := dedupeByEntity(results)
	require.Len(t, deduped, 2)
	assert.Equal(t, "a2", deduped[0].Row.ID, "best-scored row per entity survives")
	assert.Equal(t, "b1", deduped[1].Row.ID)
}

func TestEntityKey(t *testing.T) {
	tests := []struct {
		name string
		row  Row
		want string
	}{
		{"knowledge part", Row{Type: TypeKnowledge, KnowledgeID: "K001", PartID: "K001.2"}, "K001.2"},
		{"knowledge title", Row{Type: TypeKnowledge, KnowledgeID: "K001"}, "K001"},
		{"milestone", Row{Type: TypeMilestone, SessionID: "s1", MilestoneIndex: 3}, "s1:3"},
		{"session", Row{Type: TypeSession, SessionID: "s1", MilestoneIndex: -1}, "s1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.row.EntityKey())
		})
	}
}
