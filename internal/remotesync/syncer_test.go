package remotesync_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/lmassist/internal/hub"
	"github.com/fyrsmithlabs/lmassist/internal/knowledge"
	"github.com/fyrsmithlabs/lmassist/internal/remotesync"
)

// fakeDirectory serves canned peer listings and relay replies.
type fakeDirectory struct {
	peers     []hub.Peer
	responses map[string]map[string][]byte // machineID -> path -> body
	errors    map[string]error             // machineID -> forced error
	mu        sync.Mutex
	calls     []string
}

func (d *fakeDirectory) ListPeers(_ context.Context) ([]hub.Peer, error) {
	return d.peers, nil
}

func (d *fakeDirectory) ProxyGET(_ context.Context, machineID, path string) ([]byte, error) {
	d.mu.Lock()
	d.calls = append(d.calls, machineID+" "+path)
	d.mu.Unlock()

	if err := d.errors[machineID]; err != nil {
		return nil, err
	}
	body, ok := d.responses[machineID][path]
	if !ok {
		return nil, fmt.Errorf("no canned response for %s %s", machineID, path)
	}
	return body, nil
}

// fakeVectors records index mutations.
type fakeVectors struct {
	mu       sync.Mutex
	indexed  []string
	removed  []string
	rebuilds int
}

func (v *fakeVectors) IndexKnowledge(_ context.Context, doc *knowledge.Knowledge) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.indexed = append(v.indexed, doc.IndexKey())
	return nil
}

func (v *fakeVectors) RemoveKnowledge(_ context.Context, knowledgeID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removed = append(v.removed, knowledgeID)
	return nil
}

func (v *fakeVectors) RebuildFTS(_ context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rebuilds++
	return nil
}

// initProject creates a git repository with an origin remote.
func initProject(t *testing.T, remoteURL string) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)
	if remoteURL != "" {
		_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
			Name: "origin",
			URLs: []string{remoteURL},
		})
		require.NoError(t, err)
	}
	return dir
}

func envelopeJSON(t *testing.T, data interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{"success": true, "data": data})
	require.NoError(t, err)
	return raw
}

func peerDoc(id, title string, updatedAt time.Time) *knowledge.Knowledge {
	return &knowledge.Knowledge{
		ID:        id,
		Title:     title,
		Type:      knowledge.TypeWiring,
		Project:   "/home/peer/widget",
		Status:    knowledge.StatusActive,
		CreatedAt: updatedAt.Add(-time.Hour),
		UpdatedAt: updatedAt,
		Parts: []knowledge.Part{
			{Title: "Overview", Summary: "How it fits together", Content: "The adapter wraps the client."},
		},
	}
}

type fixture struct {
	store     *knowledge.Store
	vectors   *fakeVectors
	directory *fakeDirectory
	syncer    *remotesync.Syncer
	project   string
	dataDir   string
}

func newFixture(t *testing.T, peers []hub.Peer) *fixture {
	t.Helper()
	dataDir := t.TempDir()
	store, err := knowledge.NewStore(filepath.Join(dataDir, "knowledge"), nil)
	require.NoError(t, err)

	vectors := &fakeVectors{}
	directory := &fakeDirectory{
		peers:     peers,
		responses: make(map[string]map[string][]byte),
		errors:    make(map[string]error),
	}
	identity := &hub.Identity{MachineID: "m-self", Hostname: "self", OS: "linux"}

	return &fixture{
		store:     store,
		vectors:   vectors,
		directory: directory,
		syncer:    remotesync.NewSyncer(store, vectors, directory, identity, dataDir, nil),
		project:   initProject(t, "git@github.com:acme/widget.git"),
		dataDir:   dataDir,
	}
}

// wirePeer registers the canned responses for one peer holding the given
// active documents.
func (f *fixture) wirePeer(t *testing.T, machineID string, docs ...*knowledge.Knowledge) {
	t.Helper()
	entries := make([]knowledge.IndexEntry, 0, len(docs))
	responses := map[string][]byte{
		"/api/projects": envelopeJSON(t, []map[string]interface{}{
			{"path": "/home/peer/widget", "remotes": []string{"https://github.com/acme/widget.git"}},
		}),
	}
	for _, doc := range docs {
		entries = append(entries, knowledge.IndexEntry{
			ID:        doc.ID,
			Title:     doc.Title,
			Type:      doc.Type,
			Project:   doc.Project,
			Status:    doc.Status,
			UpdatedAt: doc.UpdatedAt,
		})
		responses["/knowledge/"+doc.ID] = envelopeJSON(t, doc)
	}
	responses["/knowledge?origin=local&project=%2Fhome%2Fpeer%2Fwidget&status=active"] = envelopeJSON(t, entries)
	f.directory.responses[machineID] = responses
}

func TestSync_MirrorsNewDocuments(t *testing.T) {
	f := newFixture(t, []hub.Peer{{MachineID: "m-1", Hostname: "alpha", OS: "darwin"}})
	f.wirePeer(t, "m-1", peerDoc("K004", "Widget adapter wiring", time.Now().UTC()))

	status, err := f.syncer.Sync(context.Background(), f.project)
	require.NoError(t, err)

	assert.Equal(t, "done", status.Status)
	assert.Equal(t, 1, status.EntriesSynced)
	assert.Zero(t, status.EntriesSkipped)
	assert.Empty(t, status.Errors)
	assert.Contains(t, status.LastSyncTimestamps, "m-1")

	entry := f.store.FindRemoteKnowledge("m-1", "K004")
	require.NotNil(t, entry)
	assert.Equal(t, "Widget adapter wiring", entry.Title)

	doc, err := f.store.Get("K004", "m-1")
	require.NoError(t, err)
	assert.Equal(t, knowledge.OriginRemote, doc.Origin)
	assert.Equal(t, "alpha", doc.MachineHostname)
	assert.Equal(t, "darwin", doc.MachineOS)

	assert.Equal(t, []string{"m-1:K004"}, f.vectors.indexed)
	assert.Equal(t, 1, f.vectors.rebuilds)

	// Timestamps survive for the next pass.
	raw, err := os.ReadFile(filepath.Join(f.dataDir, "last-sync.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "m-1")
}

func TestSync_SkipsSelfAndGateway(t *testing.T) {
	f := newFixture(t, []hub.Peer{
		{MachineID: "m-self"},
		{MachineID: "m-other", GatewayID: "m-self"},
	})

	status, err := f.syncer.Sync(context.Background(), f.project)
	require.NoError(t, err)
	assert.Equal(t, "done", status.Status)
	assert.Empty(t, f.directory.calls)
}

func TestSync_SkipsUpToDateCopy(t *testing.T) {
	updated := time.Now().UTC().Truncate(time.Second)
	doc := peerDoc("K004", "Widget adapter wiring", updated)

	f := newFixture(t, []hub.Peer{{MachineID: "m-1"}})
	f.wirePeer(t, "m-1", doc)

	seed := doc.Clone()
	seed.MachineID = "m-1"
	_, err := f.store.CreateRemote(seed)
	require.NoError(t, err)

	status, err := f.syncer.Sync(context.Background(), f.project)
	require.NoError(t, err)
	assert.Zero(t, status.EntriesSynced)
	assert.Equal(t, 1, status.EntriesSkipped)
	assert.Empty(t, f.vectors.removed)
}

func TestSync_RefreshesNewerCopy(t *testing.T) {
	old := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	f := newFixture(t, []hub.Peer{{MachineID: "m-1"}})
	f.wirePeer(t, "m-1", peerDoc("K004", "Widget adapter wiring v2", old.Add(30*time.Minute)))

	seed := peerDoc("K004", "Widget adapter wiring", old)
	seed.MachineID = "m-1"
	_, err := f.store.CreateRemote(seed)
	require.NoError(t, err)

	status, err := f.syncer.Sync(context.Background(), f.project)
	require.NoError(t, err)
	assert.Equal(t, 1, status.EntriesSynced)
	assert.Equal(t, []string{"m-1:K004"}, f.vectors.removed)
	assert.Equal(t, []string{"m-1:K004"}, f.vectors.indexed)

	doc, err := f.store.Get("K004", "m-1")
	require.NoError(t, err)
	assert.Equal(t, "Widget adapter wiring v2", doc.Title)
}

func TestSync_FlagsVanishedAsStale(t *testing.T) {
	f := newFixture(t, []hub.Peer{{MachineID: "m-1"}})
	f.wirePeer(t, "m-1", peerDoc("K011", "New findings", time.Now().UTC()))

	gone := peerDoc("K010", "Old findings", time.Now().UTC().Add(-24*time.Hour))
	gone.MachineID = "m-1"
	_, err := f.store.CreateRemote(gone)
	require.NoError(t, err)

	status, err := f.syncer.Sync(context.Background(), f.project)
	require.NoError(t, err)
	assert.Equal(t, 1, status.EntriesSynced)
	assert.Equal(t, 1, status.EntriesFlaggedStale)

	stale := f.store.FindRemoteKnowledge("m-1", "K010")
	require.NotNil(t, stale)
	assert.Equal(t, knowledge.StatusArchived, stale.Status)

	// Archived, not deleted: the file stays on disk.
	_, err = os.Stat(filepath.Join(f.store.Dir(), "remote", "m-1", "K010.md"))
	assert.NoError(t, err)

	fresh := f.store.FindRemoteKnowledge("m-1", "K011")
	require.NotNil(t, fresh)
	assert.Equal(t, knowledge.StatusActive, fresh.Status)
}

func TestSync_PeerErrorRecordedAndContinues(t *testing.T) {
	f := newFixture(t, []hub.Peer{{MachineID: "m-bad"}, {MachineID: "m-good"}})
	f.directory.errors["m-bad"] = fmt.Errorf("channel closed")
	f.wirePeer(t, "m-good", peerDoc("K004", "Widget adapter wiring", time.Now().UTC()))

	status, err := f.syncer.Sync(context.Background(), f.project)
	require.NoError(t, err)
	assert.Equal(t, "error", status.Status)
	assert.Equal(t, 1, status.EntriesSynced)
	require.Len(t, status.Errors, 1)
	assert.Contains(t, status.Errors[0], "m-bad")
	assert.NotContains(t, status.LastSyncTimestamps, "m-bad")
	assert.Contains(t, status.LastSyncTimestamps, "m-good")
}

func TestSync_NoFetchRemotes(t *testing.T) {
	f := newFixture(t, []hub.Peer{{MachineID: "m-1"}})
	bare := initProject(t, "")

	status, err := f.syncer.Sync(context.Background(), bare)
	require.ErrorIs(t, err, remotesync.ErrNoRemotes)
	assert.Equal(t, "error", status.Status)
}

func TestSync_NoMatchingProject(t *testing.T) {
	f := newFixture(t, []hub.Peer{{MachineID: "m-1"}})
	f.directory.responses["m-1"] = map[string][]byte{
		"/api/projects": envelopeJSON(t, []map[string]interface{}{
			{"path": "/home/peer/other", "remotes": []string{"git@github.com:acme/other.git"}},
		}),
	}

	status, err := f.syncer.Sync(context.Background(), f.project)
	require.NoError(t, err)
	assert.Equal(t, "done", status.Status)
	assert.Zero(t, status.EntriesSynced)
}

func TestStatus_StartsIdle(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, "idle", f.syncer.Status().Status)
}
