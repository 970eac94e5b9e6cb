// Package remotesync mirrors knowledge between workstations that share a
// git origin. Peers are discovered through the hub; each peer's active
// local-origin documents for the matching project are copied here under
// remote/{machineId}. Documents a peer no longer has are flagged archived,
// never deleted.
package remotesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lmassist/internal/hub"
	"github.com/fyrsmithlabs/lmassist/internal/knowledge"
	"github.com/fyrsmithlabs/lmassist/pkg/git"
)

// ErrSyncRunning is returned when a sync is started while one is active.
var ErrSyncRunning = errors.New("remote sync already running")

// ErrNoRemotes is returned when the local project has no fetch remotes to
// match peers against.
var ErrNoRemotes = errors.New("project has no git fetch remotes")

const timestampsFile = "last-sync.json"

// PeerDirectory is the hub surface the syncer needs.
type PeerDirectory interface {
	ListPeers(ctx context.Context) ([]hub.Peer, error)
	ProxyGET(ctx context.Context, machineID, path string) ([]byte, error)
}

// VectorIndex mirrors knowledge documents into the vector store.
type VectorIndex interface {
	IndexKnowledge(ctx context.Context, doc *knowledge.Knowledge) error
	RemoveKnowledge(ctx context.Context, knowledgeID string) error
	RebuildFTS(ctx context.Context) error
}

// Status is a snapshot of the current or most recent sync pass.
type Status struct {
	Status              string               `json:"status"`
	StartedAt           time.Time            `json:"startedAt,omitempty"`
	CompletedAt         time.Time            `json:"completedAt,omitempty"`
	EntriesSynced       int                  `json:"entriesSynced"`
	EntriesSkipped      int                  `json:"entriesSkipped"`
	EntriesFlaggedStale int                  `json:"entriesFlaggedStale"`
	Errors              []string             `json:"errors,omitempty"`
	LastSyncTimestamps  map[string]time.Time `json:"lastSyncTimestamps,omitempty"`
}

// envelope is the response wrapper the peer's API uses.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// peerProject is one entry of a peer's project list.
type peerProject struct {
	Path    string   `json:"path"`
	Remotes []string `json:"remotes"`
}

// Syncer runs mirror passes against all reachable peers.
type Syncer struct {
	store     *knowledge.Store
	vectors   VectorIndex
	directory PeerDirectory
	identity  *hub.Identity
	dataDir   string
	logger    *zap.Logger

	running atomic.Bool
	mu      sync.Mutex
	status  Status
}

// NewSyncer creates a syncer. The data directory holds the per-machine
// last-sync timestamps.
func NewSyncer(store *knowledge.Store, vectors VectorIndex, directory PeerDirectory, identity *hub.Identity, dataDir string, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Syncer{
		store:     store,
		vectors:   vectors,
		directory: directory,
		identity:  identity,
		dataDir:   dataDir,
		logger:    logger,
	}
	s.status = Status{Status: "idle", LastSyncTimestamps: s.loadTimestamps()}
	return s
}

// Status returns a copy of the current sync status.
func (s *Syncer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Errors = append([]string(nil), s.status.Errors...)
	st.LastSyncTimestamps = make(map[string]time.Time, len(s.status.LastSyncTimestamps))
	for k, v := range s.status.LastSyncTimestamps {
		st.LastSyncTimestamps[k] = v
	}
	return st
}

// Sync runs one full mirror pass for the given project. Only one pass may
// run at a time.
func (s *Syncer) Sync(ctx context.Context, projectPath string) (Status, error) {
	if !s.running.CompareAndSwap(false, true) {
		return s.Status(), ErrSyncRunning
	}
	defer s.running.Store(false)

	s.mu.Lock()
	s.status = Status{
		Status:             "running",
		StartedAt:          time.Now().UTC(),
		LastSyncTimestamps: s.loadTimestamps(),
	}
	s.mu.Unlock()

	err := s.run(ctx, projectPath)

	s.mu.Lock()
	s.status.CompletedAt = time.Now().UTC()
	if err != nil {
		s.status.Status = "error"
		s.status.Errors = append(s.status.Errors, err.Error())
	} else if len(s.status.Errors) > 0 {
		s.status.Status = "error"
	} else {
		s.status.Status = "done"
	}
	s.mu.Unlock()
	return s.Status(), err
}

func (s *Syncer) run(ctx context.Context, projectPath string) error {
	localRemotes, err := git.FetchRemotes(projectPath)
	if err != nil {
		return fmt.Errorf("enumerating fetch remotes: %w", err)
	}
	if len(localRemotes) == 0 {
		return ErrNoRemotes
	}
	remoteSet := make(map[string]bool, len(localRemotes))
	for _, r := range localRemotes {
		remoteSet[git.NormalizeRemoteURL(r)] = true
	}

	peers, err := s.directory.ListPeers(ctx)
	if err != nil {
		return fmt.Errorf("listing peers: %w", err)
	}

	for _, peer := range peers {
		if s.isSelf(peer) {
			continue
		}
		if err := s.syncPeer(ctx, peer, remoteSet); err != nil {
			s.recordError(fmt.Sprintf("peer %s: %v", peer.MachineID, err))
			continue
		}
		s.mu.Lock()
		s.status.LastSyncTimestamps[peer.MachineID] = time.Now().UTC()
		s.mu.Unlock()
	}

	if err := s.saveTimestamps(); err != nil {
		s.recordError(fmt.Sprintf("saving sync timestamps: %v", err))
	}

	// One rebuild at the end instead of after every document.
	if err := s.vectors.RebuildFTS(ctx); err != nil {
		s.recordError(fmt.Sprintf("rebuilding fts index: %v", err))
	}
	return nil
}

// isSelf matches a peer against both our machine ID and the gateway ID the
// hub may report for this workstation's connection.
func (s *Syncer) isSelf(peer hub.Peer) bool {
	if peer.MachineID == s.identity.MachineID {
		return true
	}
	return peer.GatewayID != "" && peer.GatewayID == s.identity.MachineID
}

// syncPeer mirrors one peer's matching project.
func (s *Syncer) syncPeer(ctx context.Context, peer hub.Peer, localRemotes map[string]bool) error {
	project, err := s.matchProject(ctx, peer, localRemotes)
	if err != nil {
		return err
	}
	if project == "" {
		s.logger.Debug("peer has no matching project",
			zap.String("machineId", peer.MachineID),
		)
		return nil
	}

	entries, err := s.fetchKnowledgeList(ctx, peer, project)
	if err != nil {
		return err
	}

	peerIDs := make(map[string]bool, len(entries))
	for _, entry := range entries {
		peerIDs[entry.ID] = true
		if err := s.mirrorEntry(ctx, peer, entry); err != nil {
			s.recordError(fmt.Sprintf("peer %s knowledge %s: %v", peer.MachineID, entry.ID, err))
		}
	}

	s.flagStale(peer.MachineID, peerIDs)
	return nil
}

// matchProject returns the first peer project whose normalized fetch
// remotes intersect ours, or "" when none match.
func (s *Syncer) matchProject(ctx context.Context, peer hub.Peer, localRemotes map[string]bool) (string, error) {
	raw, err := s.directory.ProxyGET(ctx, peer.MachineID, "/api/projects")
	if err != nil {
		return "", fmt.Errorf("fetching project list: %w", err)
	}
	var projects []peerProject
	if err := decodeEnvelope(raw, &projects); err != nil {
		return "", fmt.Errorf("decoding project list: %w", err)
	}
	for _, p := range projects {
		for _, remote := range p.Remotes {
			if localRemotes[git.NormalizeRemoteURL(remote)] {
				return p.Path, nil
			}
		}
	}
	return "", nil
}

// fetchKnowledgeList lists the peer's active local-origin documents. The
// origin filter is what prevents sync loops: mirrored copies never travel
// a second hop.
func (s *Syncer) fetchKnowledgeList(ctx context.Context, peer hub.Peer, project string) ([]knowledge.IndexEntry, error) {
	query := url.Values{}
	query.Set("project", project)
	query.Set("origin", "local")
	query.Set("status", string(knowledge.StatusActive))

	raw, err := s.directory.ProxyGET(ctx, peer.MachineID, "/knowledge?"+query.Encode())
	if err != nil {
		return nil, fmt.Errorf("fetching knowledge list: %w", err)
	}
	var entries []knowledge.IndexEntry
	if err := decodeEnvelope(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding knowledge list: %w", err)
	}
	return entries, nil
}

// mirrorEntry creates or refreshes the local mirror of one peer document.
func (s *Syncer) mirrorEntry(ctx context.Context, peer hub.Peer, entry knowledge.IndexEntry) error {
	existing := s.store.FindRemoteKnowledge(peer.MachineID, entry.ID)
	if existing != nil && !entry.UpdatedAt.After(existing.UpdatedAt) {
		s.bump(func(st *Status) { st.EntriesSkipped++ })
		return nil
	}

	doc, err := s.fetchDocument(ctx, peer, entry.ID)
	if err != nil {
		return err
	}
	doc.MachineID = peer.MachineID
	doc.MachineHostname = peer.Hostname
	doc.MachineOS = peer.OS
	doc.Origin = knowledge.OriginRemote

	if existing != nil {
		key := knowledge.IndexKey(entry.ID, peer.MachineID)
		if err := s.vectors.RemoveKnowledge(ctx, key); err != nil {
			return fmt.Errorf("removing stale vectors: %w", err)
		}
		if err := s.store.DeleteRemoteKnowledge(peer.MachineID, entry.ID); err != nil {
			return fmt.Errorf("removing stale copy: %w", err)
		}
	}

	created, err := s.store.CreateRemote(doc)
	if err != nil {
		return fmt.Errorf("storing mirror: %w", err)
	}
	if err := s.vectors.IndexKnowledge(ctx, created); err != nil {
		return fmt.Errorf("indexing mirror: %w", err)
	}
	s.bump(func(st *Status) { st.EntriesSynced++ })
	return nil
}

func (s *Syncer) fetchDocument(ctx context.Context, peer hub.Peer, id string) (*knowledge.Knowledge, error) {
	raw, err := s.directory.ProxyGET(ctx, peer.MachineID, "/knowledge/"+url.PathEscape(id))
	if err != nil {
		return nil, fmt.Errorf("fetching document: %w", err)
	}
	var doc knowledge.Knowledge
	if err := decodeEnvelope(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return &doc, nil
}

// flagStale archives every locally-mirrored document from this machine
// that the peer no longer lists. Files stay on disk.
func (s *Syncer) flagStale(machineID string, peerIDs map[string]bool) {
	for _, id := range s.store.RemoteKnowledgeIDs(machineID) {
		if peerIDs[id] {
			continue
		}
		entry := s.store.FindRemoteKnowledge(machineID, id)
		if entry == nil || entry.Status == knowledge.StatusArchived {
			continue
		}
		if err := s.store.SetStatus(id, machineID, knowledge.StatusArchived); err != nil {
			s.recordError(fmt.Sprintf("archiving %s:%s: %v", machineID, id, err))
			continue
		}
		s.bump(func(st *Status) { st.EntriesFlaggedStale++ })
	}
}

func (s *Syncer) bump(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}

func (s *Syncer) recordError(msg string) {
	s.logger.Warn("remote sync error", zap.String("detail", msg))
	s.mu.Lock()
	s.status.Errors = append(s.status.Errors, msg)
	s.mu.Unlock()
}

func (s *Syncer) timestampsPath() string {
	return filepath.Join(s.dataDir, timestampsFile)
}

func (s *Syncer) loadTimestamps() map[string]time.Time {
	out := make(map[string]time.Time)
	raw, err := os.ReadFile(s.timestampsPath())
	if err != nil {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		s.logger.Warn("ignoring corrupt sync timestamps file", zap.Error(err))
		return make(map[string]time.Time)
	}
	return out
}

func (s *Syncer) saveTimestamps() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.status.LastSyncTimestamps, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	path := s.timestampsPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// decodeEnvelope unwraps {success, data} and decodes data into v.
func decodeEnvelope(raw []byte, v interface{}) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	if !env.Success {
		if env.Error != "" {
			return errors.New(env.Error)
		}
		return errors.New("peer request failed")
	}
	if len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, v)
}
