package knowledge_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/lmassist/internal/knowledge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *knowledge.Store {
	t.Helper()
	store, err := knowledge.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return store
}

func newDoc(title string) *knowledge.Knowledge {
	return &knowledge.Knowledge{
		Title:   title,
		Type:    knowledge.TypeWiring,
		Project: "/home/dev/proj",
		Parts: []knowledge.Part{
			{Title: "Overview", Summary: "Summary.", Content: "Content."},
		},
	}
}

func TestCreate_AllocatesSequentialIDs(t *testing.T) {
	store := newTestStore(t)

	first, err := store.Create(newDoc("First"))
	require.NoError(t, err)
	second, err := store.Create(newDoc("Second"))
	require.NoError(t, err)

	assert.Equal(t, "K001", first.ID)
	assert.Equal(t, "K002", second.ID)
	assert.Equal(t, "K001.1", first.Parts[0].PartID)
	assert.False(t, first.UpdatedAt.Before(first.CreatedAt))
}

func TestCreate_DuplicateAgentID(t *testing.T) {
	store := newTestStore(t)

	doc := newDoc("From agent")
	doc.SourceAgentID = "toolu_01"
	first, err := store.Create(doc)
	require.NoError(t, err)

	again := newDoc("Different title")
	again.SourceAgentID = "toolu_01"
	_, err = store.Create(again)
	require.ErrorIs(t, err, knowledge.ErrDuplicate)
	assert.Contains(t, err.Error(), first.ID, "error names the existing document")
}

func TestCreate_DuplicateTitleAndSession(t *testing.T) {
	store := newTestStore(t)

	doc := newDoc("Same title")
	doc.SourceSessionID = "sess-001"
	_, err := store.Create(doc)
	require.NoError(t, err)

	dup := newDoc("Same title")
	dup.SourceSessionID = "sess-001"
	_, err = store.Create(dup)
	require.ErrorIs(t, err, knowledge.ErrDuplicate)

	// Same title in another session is fine.
	other := newDoc("Same title")
	other.SourceSessionID = "sess-002"
	_, err = store.Create(other)
	assert.NoError(t, err)
}

func TestCreateFromMarkdown_KeepsFreeID(t *testing.T) {
	store := newTestStore(t)

	md := knowledge.RenderMarkdown(&knowledge.Knowledge{
		ID:      "K010",
		Title:   "Imported",
		Type:    knowledge.TypeSchema,
		Project: "/p",
		Status:  knowledge.StatusActive,
		Parts:   []knowledge.Part{{PartID: "K010.1", Title: "One", Summary: "S."}},
	})

	doc, err := store.CreateFromMarkdown(md)
	require.NoError(t, err)
	assert.Equal(t, "K010", doc.ID)

	// Allocator advanced past the imported ID.
	next, err := store.Create(newDoc("After import"))
	require.NoError(t, err)
	assert.Equal(t, "K011", next.ID)
}

func TestCreateFromMarkdown_CollidingIDReallocated(t *testing.T) {
	store := newTestStore(t)
	existing, err := store.Create(newDoc("Existing"))
	require.NoError(t, err)

	md := knowledge.RenderMarkdown(&knowledge.Knowledge{
		ID:      existing.ID,
		Title:   "Collides",
		Type:    knowledge.TypeSchema,
		Project: "/p",
		Status:  knowledge.StatusActive,
	})
	doc, err := store.CreateFromMarkdown(md)
	require.NoError(t, err)
	assert.NotEqual(t, existing.ID, doc.ID)
}

func TestGet_MtimeGatedReads(t *testing.T) {
	store := newTestStore(t)
	created, err := store.Create(newDoc("Cached"))
	require.NoError(t, err)

	first, err := store.Get(created.ID, "")
	require.NoError(t, err)
	second, err := store.Get(created.ID, "")
	require.NoError(t, err)
	assert.Same(t, first, second, "unchanged mtime served from cache")

	// Edit the file out of band and advance the mtime.
	path := filepath.Join(store.Dir(), created.ID+".md")
	edited := *created
	edited.Title = "Edited on disk"
	require.NoError(t, os.WriteFile(path, []byte(knowledge.RenderMarkdown(&edited)), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	third, err := store.Get(created.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "Edited on disk", third.Title)
}

func TestUpdate_BumpsUpdatedAt(t *testing.T) {
	store := newTestStore(t)
	created, err := store.Create(newDoc("Before"))
	require.NoError(t, err)

	title := "After"
	updated, err := store.Update(created.ID, knowledge.Patch{Title: &title})
	require.NoError(t, err)

	assert.Equal(t, "After", updated.Title)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))
}

func TestUpdate_MissingDocument(t *testing.T) {
	store := newTestStore(t)
	title := "x"
	_, err := store.Update("K999", knowledge.Patch{Title: &title})
	assert.ErrorIs(t, err, knowledge.ErrNotFound)
}

func TestUpdate_RenumbersParts(t *testing.T) {
	store := newTestStore(t)
	created, err := store.Create(newDoc("Parts"))
	require.NoError(t, err)

	parts := []knowledge.Part{
		{Title: "New one", Summary: "A."},
		{Title: "New two", Summary: "B."},
	}
	updated, err := store.Update(created.ID, knowledge.Patch{Parts: &parts})
	require.NoError(t, err)
	require.Len(t, updated.Parts, 2)
	assert.Equal(t, created.ID+".1", updated.Parts[0].PartID)
	assert.Equal(t, created.ID+".2", updated.Parts[1].PartID)
}

func TestDelete_RemovesFileCommentsIndex(t *testing.T) {
	store := newTestStore(t)
	created, err := store.Create(newDoc("Doomed"))
	require.NoError(t, err)
	_, err = store.AddComment(created.ID, "", knowledge.CommentGeneral, "note", knowledge.CommentSourceUser)
	require.NoError(t, err)

	require.NoError(t, store.Delete(created.ID))

	_, err = store.Get(created.ID, "")
	assert.ErrorIs(t, err, knowledge.ErrNotFound)
	_, statErr := os.Stat(filepath.Join(store.Dir(), created.ID+".md"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(store.Dir(), "comments", created.ID+".json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRemoteLifecycle(t *testing.T) {
	store := newTestStore(t)

	remote := newDoc("Peer doc")
	remote.ID = "K001"
	remote.MachineID = "m-peer"
	remote.MachineHostname = "peer-box"
	remote.MachineOS = "darwin"

	created, err := store.CreateRemote(remote)
	require.NoError(t, err)
	assert.Equal(t, knowledge.OriginRemote, created.Origin)

	// Composite key dedup.
	_, err = store.CreateRemote(remote)
	assert.ErrorIs(t, err, knowledge.ErrDuplicate)

	// A local doc with the same bare ID coexists.
	local, err := store.Create(newDoc("Local doc"))
	require.NoError(t, err)
	assert.Equal(t, "K001", local.ID)

	got, err := store.Get("K001", "m-peer")
	require.NoError(t, err)
	assert.Equal(t, "Peer doc", got.Title)

	assert.Equal(t, []string{"K001"}, store.RemoteKnowledgeIDs("m-peer"))

	// Remote docs are flagged, not deleted, by the sync loop.
	require.NoError(t, store.SetStatus("K001", "m-peer", knowledge.StatusArchived))
	entry := store.FindRemoteKnowledge("m-peer", "K001")
	require.NotNil(t, entry)
	assert.Equal(t, knowledge.StatusArchived, entry.Status)
	_, statErr := os.Stat(filepath.Join(store.Dir(), "remote", "m-peer", "K001.md"))
	assert.NoError(t, statErr, "file remains after archiving")

	// Local Delete refuses remote docs.
	assert.ErrorIs(t, store.Delete("K001"), knowledge.ErrNotFound)
	require.NoError(t, store.Delete(local.ID))

	require.NoError(t, store.DeleteRemoteKnowledge("m-peer", "K001"))
	assert.Empty(t, store.RemoteKnowledgeIDs("m-peer"))
}

func TestList_Filters(t *testing.T) {
	store := newTestStore(t)

	doc := newDoc("Local active")
	_, err := store.Create(doc)
	require.NoError(t, err)

	other := newDoc("Other project")
	other.Project = "/somewhere/else"
	other.Type = knowledge.TypeFlow
	_, err = store.Create(other)
	require.NoError(t, err)

	remote := newDoc("Remote")
	remote.ID = "K001"
	remote.MachineID = "m-peer"
	_, err = store.CreateRemote(remote)
	require.NoError(t, err)

	assert.Len(t, store.List(knowledge.Filter{}), 3)
	assert.Len(t, store.List(knowledge.Filter{Origin: "local"}), 2)
	assert.Len(t, store.List(knowledge.Filter{Origin: "remote"}), 1)
	assert.Len(t, store.List(knowledge.Filter{Project: "/home/dev/proj"}), 2)
	assert.Len(t, store.List(knowledge.Filter{Type: knowledge.TypeFlow}), 1)
}

func TestIndexRepair(t *testing.T) {
	dir := t.TempDir()
	store, err := knowledge.NewStore(dir, zap.NewNop())
	require.NoError(t, err)
	created, err := store.Create(newDoc("Survivor"))
	require.NoError(t, err)
	ghost, err := store.Create(newDoc("Ghost"))
	require.NoError(t, err)

	// Remove one file behind the store's back, and drop a foreign file in.
	require.NoError(t, os.Remove(filepath.Join(dir, ghost.ID+".md")))
	orphan := &knowledge.Knowledge{
		ID:      "K050",
		Title:   "Orphan",
		Type:    knowledge.TypeContract,
		Project: "/p",
		Status:  knowledge.StatusActive,
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "K050.md"), []byte(knowledge.RenderMarkdown(orphan)), 0o644))

	reopened, err := knowledge.NewStore(dir, zap.NewNop())
	require.NoError(t, err)

	_, err = reopened.Get(created.ID, "")
	assert.NoError(t, err)
	_, err = reopened.Get(ghost.ID, "")
	assert.ErrorIs(t, err, knowledge.ErrNotFound)
	got, err := reopened.Get("K050", "")
	require.NoError(t, err)
	assert.Equal(t, "Orphan", got.Title)

	// Allocator advanced past the repaired ID.
	next, err := reopened.Create(newDoc("Post repair"))
	require.NoError(t, err)
	assert.Equal(t, "K051", next.ID)
}

func TestDocCacheEviction(t *testing.T) {
	store := newTestStore(t)

	var ids []string
	for i := 0; i < 105; i++ {
		doc, err := store.Create(newDoc(fmt.Sprintf("Doc %d", i)))
		require.NoError(t, err)
		ids = append(ids, doc.ID)
	}

	// All docs still resolve; eviction only affects the cache.
	for _, id := range ids {
		_, err := store.Get(id, "")
		require.NoError(t, err)
	}
}

func TestComments(t *testing.T) {
	store := newTestStore(t)
	doc, err := store.Create(newDoc("Commented"))
	require.NoError(t, err)

	first, err := store.AddComment(doc.ID, doc.Parts[0].PartID, knowledge.CommentExpand, "needs detail", knowledge.CommentSourceReviewer)
	require.NoError(t, err)
	assert.Equal(t, 1, first.ID)
	assert.Equal(t, knowledge.CommentNotAddressed, first.State)

	second, err := store.AddComment(doc.ID, "", knowledge.CommentGeneral, "fine overall", knowledge.CommentSourceLLM)
	require.NoError(t, err)
	assert.Equal(t, 2, second.ID)

	require.NoError(t, store.MarkCommentAddressed(doc.ID, 1))
	comments, err := store.ListComments(doc.ID)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, knowledge.CommentAddressed, comments[0].State)
	assert.NotNil(t, comments[0].AddressedAt)
	assert.Equal(t, knowledge.CommentNotAddressed, comments[1].State)

	_, err = store.AddComment("K999", "", knowledge.CommentGeneral, "x", knowledge.CommentSourceUser)
	assert.ErrorIs(t, err, knowledge.ErrNotFound)
}

func TestSettings(t *testing.T) {
	store := newTestStore(t)

	settings, err := store.LoadSettings()
	require.NoError(t, err)
	assert.Nil(t, settings.ContextInjectKnowledge)

	on := true
	count := 7
	require.NoError(t, store.SaveSettings(&knowledge.Settings{
		ContextInjectKnowledge:      &on,
		ContextInjectKnowledgeCount: &count,
	}))

	loaded, err := store.LoadSettings()
	require.NoError(t, err)
	require.NotNil(t, loaded.ContextInjectKnowledge)
	assert.True(t, *loaded.ContextInjectKnowledge)
	require.NotNil(t, loaded.ContextInjectKnowledgeCount)
	assert.Equal(t, 7, *loaded.ContextInjectKnowledgeCount)
}
