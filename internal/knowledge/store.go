package knowledge

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// docCacheSize bounds the number of parsed documents held in memory.
const docCacheSize = 100

// Filter selects documents in List.
type Filter struct {
	Project string
	Type    Type
	Status  Status
	// Origin is "local", "remote", or empty for both.
	Origin string
}

// Patch carries the mutable fields of Update. Nil fields are left unchanged.
type Patch struct {
	Title   *string
	Type    *Type
	Project *string
	Status  *Status
	Parts   *[]Part
}

// Store owns knowledge documents on disk.
//
// All mutating access is serialized by one mutex: dedup checks in Create are
// atomic relative to other creates, and the index file is rewritten as a
// whole after every mutation.
type Store struct {
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	index *index

	cacheEntries map[string]*list.Element
	cacheLRU     *list.List
}

type cachedDoc struct {
	key   string
	doc   *Knowledge
	mtime time.Time
}

// NewStore opens (or creates) the store rooted at dir and repairs the index:
// entries without a backing file are dropped, document files without an
// entry are re-indexed.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating knowledge directory: %w", err)
	}

	idx, err := loadIndex(filepath.Join(dir, "index.json"))
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:          dir,
		logger:       logger,
		index:        idx,
		cacheEntries: make(map[string]*list.Element),
		cacheLRU:     list.New(),
	}
	if err := s.repair(); err != nil {
		return nil, err
	}
	return s, nil
}

// repair reconciles the index with the files on disk.
func (s *Store) repair() error {
	changed := false

	for key, entry := range s.index.entries {
		if _, err := os.Stat(s.docPath(entry.ID, entry.MachineID)); os.IsNotExist(err) {
			delete(s.index.entries, key)
			changed = true
			s.logger.Warn("dropped index entry without backing file", zap.String("key", key))
		}
	}

	files, err := filepath.Glob(filepath.Join(s.dir, "K*.md"))
	if err != nil {
		return err
	}
	for _, path := range files {
		id := strings.TrimSuffix(filepath.Base(path), ".md")
		if !ValidLocalID(id) {
			continue
		}
		if _, ok := s.index.entries[id]; ok {
			continue
		}
		doc, err := s.readDoc(path)
		if err != nil {
			s.logger.Warn("skipping unparseable document", zap.String("path", path), zap.Error(err))
			continue
		}
		s.index.entries[id] = entryFor(doc)
		s.index.advancePast(id)
		changed = true
		s.logger.Info("re-indexed orphan document", zap.String("id", id))
	}

	if changed {
		return s.index.save()
	}
	return nil
}

func (s *Store) docPath(id, machineID string) string {
	if machineID == "" {
		return filepath.Join(s.dir, id+".md")
	}
	return filepath.Join(s.dir, "remote", machineID, id+".md")
}

func (s *Store) readDoc(path string) (*Knowledge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading document %s: %w", path, err)
	}
	return ParseMarkdown(string(data))
}

func (s *Store) writeDoc(k *Knowledge) error {
	path := s.docPath(k.ID, k.MachineID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating document directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(RenderMarkdown(k)), 0o644); err != nil {
		return fmt.Errorf("writing document %s: %w", k.ID, err)
	}
	return nil
}

// Create allocates an ID and stores a new local document. It enforces the
// dedup invariants: a sourceAgentId may back at most one local document, and
// a (title, sourceSessionId) pair may back at most one local document. Both
// checks and the allocation happen under one lock with no suspension point
// between them.
func (s *Store) Create(k *Knowledge) (*Knowledge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(k, "")
}

// CreateFromMarkdown parses a full document and stores it as local. A
// missing, malformed, or colliding embedded ID gets a fresh allocation; a
// valid free ID is kept and the allocator advanced past it.
func (s *Store) CreateFromMarkdown(md string) (*Knowledge, error) {
	doc, err := ParseMarkdown(md)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	requestedID := doc.ID
	doc.ID = ""
	if ValidLocalID(requestedID) {
		if _, taken := s.index.entries[requestedID]; !taken {
			doc.ID = requestedID
		}
	}
	return s.createLocked(doc, doc.ID)
}

// createLocked performs dedup checks, allocation, write, and index update.
// keepID, when non-empty, is used instead of allocating.
func (s *Store) createLocked(k *Knowledge, keepID string) (*Knowledge, error) {
	if k.SourceAgentID != "" {
		if existing := s.findByAgentIDLocked(k.SourceAgentID); existing != nil {
			return nil, fmt.Errorf("%w: agent %s already produced %s", ErrDuplicate, k.SourceAgentID, existing.ID)
		}
	}
	if k.Title != "" && k.SourceSessionID != "" {
		if existing := s.findByTitleAndSessionLocked(k.Title, k.SourceSessionID); existing != nil {
			return nil, fmt.Errorf("%w: title already exists in session as %s", ErrDuplicate, existing.ID)
		}
	}

	doc := k.Clone()
	if keepID != "" {
		doc.ID = keepID
		s.index.advancePast(keepID)
	} else {
		doc.ID = s.index.allocate()
	}
	doc.Origin = ""
	doc.MachineID = ""
	doc.MachineHostname = ""
	doc.MachineOS = ""
	if doc.Status == "" {
		doc.Status = StatusActive
	}
	if !ValidType(doc.Type) {
		doc.Type = TypeWiring
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if doc.UpdatedAt.Before(doc.CreatedAt) {
		doc.UpdatedAt = doc.CreatedAt
	}
	doc.RenumberParts()

	if err := s.writeDoc(doc); err != nil {
		return nil, err
	}
	s.index.entries[doc.IndexKey()] = entryFor(doc)
	if err := s.index.save(); err != nil {
		return nil, err
	}
	s.cachePut(doc)
	s.logger.Info("created knowledge", zap.String("id", doc.ID), zap.String("title", doc.Title))
	return doc, nil
}

// CreateRemote stores a document synced from a peer. Remote creates skip
// the local dedup checks; they are deduped by the (machineId, id) key.
func (s *Store) CreateRemote(k *Knowledge) (*Knowledge, error) {
	if k.MachineID == "" || k.ID == "" {
		return nil, fmt.Errorf("%w: remote document needs machineId and id", ErrInvalidID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := k.IndexKey()
	if _, exists := s.index.entries[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, key)
	}

	doc := k.Clone()
	doc.Origin = OriginRemote
	if doc.Status == "" {
		doc.Status = StatusActive
	}
	doc.RenumberParts()

	if err := s.writeDoc(doc); err != nil {
		return nil, err
	}
	s.index.entries[key] = entryFor(doc)
	if err := s.index.save(); err != nil {
		return nil, err
	}
	s.cachePut(doc)
	return doc, nil
}

// Get returns a document. machineID is empty for local documents. The file
// is read only when its mtime exceeds the cached snapshot's.
func (s *Store) Get(id, machineID string) (*Knowledge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := IndexKey(id, machineID)
	if _, ok := s.index.entries[key]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	path := s.docPath(id, machineID)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	if el, ok := s.cacheEntries[key]; ok {
		cached := el.Value.(*cachedDoc)
		if !info.ModTime().After(cached.mtime) {
			s.cacheLRU.MoveToFront(el)
			return cached.doc, nil
		}
	}

	doc, err := s.readDoc(path)
	if err != nil {
		return nil, err
	}
	doc.MachineID = machineID
	if machineID != "" {
		doc.Origin = OriginRemote
	}
	s.cachePutWithMtime(doc, info.ModTime())
	return doc, nil
}

// List scans the index only.
func (s *Store) List(filter Filter) []IndexEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []IndexEntry
	for _, entry := range s.index.entries {
		if filter.Project != "" && entry.Project != filter.Project {
			continue
		}
		if filter.Type != "" && entry.Type != filter.Type {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		switch filter.Origin {
		case "local":
			if entry.Origin == OriginRemote {
				continue
			}
		case "remote":
			if entry.Origin != OriginRemote {
				continue
			}
		}
		out = append(out, entry)
	}
	return out
}

// Update applies a patch to a local document through a clone and bumps
// updatedAt strictly past its previous value.
func (s *Store) Update(id string, patch Patch) (*Knowledge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index.entries[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	current, err := s.readDoc(s.docPath(id, ""))
	if err != nil {
		return nil, err
	}

	doc := current.Clone()
	if patch.Title != nil {
		doc.Title = *patch.Title
	}
	if patch.Type != nil {
		if !ValidType(*patch.Type) {
			return nil, fmt.Errorf("invalid knowledge type %q", *patch.Type)
		}
		doc.Type = *patch.Type
	}
	if patch.Project != nil {
		doc.Project = *patch.Project
	}
	if patch.Status != nil {
		doc.Status = *patch.Status
	}
	if patch.Parts != nil {
		doc.Parts = make([]Part, len(*patch.Parts))
		copy(doc.Parts, *patch.Parts)
	}
	doc.RenumberParts()

	now := time.Now().UTC()
	if !now.After(doc.UpdatedAt) {
		now = doc.UpdatedAt.Add(time.Millisecond)
	}
	doc.UpdatedAt = now

	if err := s.writeDoc(doc); err != nil {
		return nil, err
	}
	s.index.entries[id] = entryFor(doc)
	if err := s.index.save(); err != nil {
		return nil, err
	}
	s.cachePut(doc)
	return doc, nil
}

// Delete removes a local document, its comments, and its index entry.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.index.entries[id]
	if !ok || entry.Origin == OriginRemote {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := os.Remove(s.docPath(id, "")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing document %s: %w", id, err)
	}
	if err := os.Remove(s.commentPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing comments for %s: %w", id, err)
	}
	delete(s.index.entries, id)
	s.cacheDrop(id)
	return s.index.save()
}

// Resave refreshes the index entry for a document without rewriting its
// file. This is the repair path used after out-of-band edits.
func (s *Store) Resave(k *Knowledge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := k.IndexKey()
	if _, ok := s.index.entries[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	s.index.entries[key] = entryFor(k)
	s.cacheDrop(key)
	return s.index.save()
}

// FindByAgentID returns the local document generated from the given
// sub-agent, or nil.
func (s *Store) FindByAgentID(agentID string) *IndexEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findByAgentIDLocked(agentID)
}

func (s *Store) findByAgentIDLocked(agentID string) *IndexEntry {
	for _, entry := range s.index.entries {
		if entry.Origin != OriginRemote && entry.SourceAgentID == agentID {
			e := entry
			return &e
		}
	}
	return nil
}

// FindByTitleAndSession returns the local document with the given title and
// source session, or nil.
func (s *Store) FindByTitleAndSession(title, sessionID string) *IndexEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findByTitleAndSessionLocked(title, sessionID)
}

func (s *Store) findByTitleAndSessionLocked(title, sessionID string) *IndexEntry {
	for _, entry := range s.index.entries {
		if entry.Origin != OriginRemote && entry.Title == title && entry.SourceSessionID == sessionID {
			e := entry
			return &e
		}
	}
	return nil
}

// FindRemoteKnowledge returns the index entry for a peer's document, or nil.
func (s *Store) FindRemoteKnowledge(machineID, id string) *IndexEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.index.entries[IndexKey(id, machineID)]; ok {
		return &entry
	}
	return nil
}

// RemoteKnowledgeIDs lists the IDs stored from one peer machine.
func (s *Store) RemoteKnowledgeIDs(machineID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, entry := range s.index.entries {
		if entry.Origin == OriginRemote && entry.MachineID == machineID {
			ids = append(ids, entry.ID)
		}
	}
	return ids
}

// DeleteRemoteKnowledge removes a peer document and its index entry. Only
// the sync loop calls this, and only to replace a stale copy.
func (s *Store) DeleteRemoteKnowledge(machineID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := IndexKey(id, machineID)
	if _, ok := s.index.entries[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := os.Remove(s.docPath(id, machineID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing remote document %s: %w", key, err)
	}
	delete(s.index.entries, key)
	s.cacheDrop(key)
	return s.index.save()
}

// SetStatus flags a document (local or remote) with a new status.
func (s *Store) SetStatus(id, machineID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := IndexKey(id, machineID)
	entry, ok := s.index.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	doc, err := s.readDoc(s.docPath(id, machineID))
	if err != nil {
		return err
	}
	doc.MachineID = machineID
	doc.Status = status
	if err := s.writeDoc(doc); err != nil {
		return err
	}
	entry.Status = status
	s.index.entries[key] = entry
	s.cacheDrop(key)
	return s.index.save()
}

// Count returns the number of indexed documents.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index.entries)
}

// Dir returns the store root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Document cache, LRU on last access.

func (s *Store) cachePut(doc *Knowledge) {
	mtime := time.Now()
	if info, err := os.Stat(s.docPath(doc.ID, doc.MachineID)); err == nil {
		mtime = info.ModTime()
	}
	s.cachePutWithMtime(doc, mtime)
}

func (s *Store) cachePutWithMtime(doc *Knowledge, mtime time.Time) {
	key := doc.IndexKey()
	if el, ok := s.cacheEntries[key]; ok {
		cached := el.Value.(*cachedDoc)
		cached.doc = doc
		cached.mtime = mtime
		s.cacheLRU.MoveToFront(el)
		return
	}
	el := s.cacheLRU.PushFront(&cachedDoc{key: key, doc: doc, mtime: mtime})
	s.cacheEntries[key] = el
	for s.cacheLRU.Len() > docCacheSize {
		back := s.cacheLRU.Back()
		if back == nil {
			break
		}
		evicted := back.Value.(*cachedDoc)
		s.cacheLRU.Remove(back)
		delete(s.cacheEntries, evicted.key)
	}
}

func (s *Store) cacheDrop(key string) {
	if el, ok := s.cacheEntries[key]; ok {
		s.cacheLRU.Remove(el)
		delete(s.cacheEntries, key)
	}
}
