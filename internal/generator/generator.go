package generator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/lmassist/internal/knowledge"
	"github.com/fyrsmithlabs/lmassist/internal/paths"
	"github.com/fyrsmithlabs/lmassist/internal/session"
	"go.uber.org/zap"
)

var (
	// ErrNotExplore is returned for sub-agents that are not explore runs.
	ErrNotExplore = errors.New("sub-agent is not an explore run")

	// ErrNotCompleted is returned for sub-agents that have not finished.
	ErrNotCompleted = errors.New("sub-agent has not completed")

	// ErrLowQuality is returned when the explore result fails the quality
	// gate (too short, or junk first line).
	ErrLowQuality = errors.New("explore result below quality gate")

	// ErrAgentNotFound is returned when the agent ID is not in the session.
	ErrAgentNotFound = errors.New("sub-agent not found in session")
)

// Indexer writes a knowledge document's vectors. Satisfied by the vector
// store's knowledge indexer; failures are best-effort for the generator.
type Indexer interface {
	IndexKnowledge(ctx context.Context, doc *knowledge.Knowledge) error
	RemoveKnowledge(ctx context.Context, knowledgeID string) error
}

// Config holds the generator's quality gate settings.
type Config struct {
	// MinResultLength rejects explore results shorter than this.
	MinResultLength int

	// JunkPatterns are lowercase prefixes that mark a result as junk when
	// they match its first non-empty line.
	JunkPatterns []string
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MinResultLength == 0 {
		c.MinResultLength = 100
	}
	if len(c.JunkPatterns) == 0 {
		c.JunkPatterns = []string{
			"agent launched",
			"task completed",
			"no results",
			"no relevant results",
			"tool use was rejected",
			"error:",
			"i was unable to",
		}
	}
}

// BatchResult summarizes a GenerateAll run.
type BatchResult struct {
	Generated int      `json:"generated"`
	Errors    []string `json:"errors"`
	Stopped   bool     `json:"stopped"`
}

// Status is the pollable generator state.
type Status struct {
	Running   bool     `json:"running"`
	Generated int      `json:"generated"`
	Errors    []string `json:"errors"`
	Stopped   bool     `json:"stopped"`
}

// Generator turns completed explore sub-agent transcripts into knowledge
// documents.
type Generator struct {
	cfg      Config
	sessions *session.Cache
	store    *knowledge.Store
	indexer  Indexer
	root     string // session projects root
	logger   *zap.Logger

	mu            sync.Mutex
	status        Status
	stopRequested bool
}

// New creates a generator. indexer may be nil; vector writes are then
// skipped entirely.
func New(cfg Config, sessions *session.Cache, store *knowledge.Store, indexer Indexer, sessionRoot string, logger *zap.Logger) *Generator {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		cfg:      cfg,
		sessions: sessions,
		store:    store,
		indexer:  indexer,
		root:     sessionRoot,
		logger:   logger,
	}
}

// Generate distills one explore sub-agent of the session at sessionPath
// into a new knowledge document.
func (g *Generator) Generate(ctx context.Context, sessionPath, agentID string) (*knowledge.Knowledge, error) {
	entry, err := g.sessions.Load(ctx, sessionPath)
	if err != nil {
		return nil, err
	}
	agent := entry.FindSubAgent(agentID)
	if agent == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	doc, err := g.build(entry, agent)
	if err != nil {
		return nil, err
	}

	created, err := g.store.Create(doc)
	if err != nil {
		return nil, err
	}
	g.indexBestEffort(ctx, created)
	return created, nil
}

// Regenerate re-extracts a document from the current transcript, keeping
// its ID and renumbering parts.
func (g *Generator) Regenerate(ctx context.Context, id, sessionPath string) (*knowledge.Knowledge, error) {
	existing, err := g.store.Get(id, "")
	if err != nil {
		return nil, err
	}
	entry, err := g.sessions.Load(ctx, sessionPath)
	if err != nil {
		return nil, err
	}
	agent := entry.FindSubAgent(existing.SourceAgentID)
	if agent == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, existing.SourceAgentID)
	}
	rebuilt, err := g.build(entry, agent)
	if err != nil {
		return nil, err
	}

	updated, err := g.store.Update(id, knowledge.Patch{
		Title: &rebuilt.Title,
		Type:  &rebuilt.Type,
		Parts: &rebuilt.Parts,
	})
	if err != nil {
		return nil, err
	}
	if g.indexer != nil {
		if err := g.indexer.RemoveKnowledge(ctx, id); err != nil {
			g.logger.Debug("removing stale vectors", zap.String("id", id), zap.Error(err))
		}
	}
	g.indexBestEffort(ctx, updated)
	return updated, nil
}

// build runs the quality gate and extraction for one sub-agent.
func (g *Generator) build(entry *session.Entry, agent *session.SubAgent) (*knowledge.Knowledge, error) {
	if !strings.EqualFold(agent.Type, "explore") {
		return nil, fmt.Errorf("%w: type %q", ErrNotExplore, agent.Type)
	}
	if agent.Status != "completed" {
		return nil, fmt.Errorf("%w: status %q", ErrNotCompleted, agent.Status)
	}
	if err := g.qualityGate(agent.Result); err != nil {
		return nil, err
	}

	title := deriveTitle(agent.Description, agent.Prompt)
	parts := extractSections(agent.Result)
	docType := detectType(title, parts)

	sourceTimestamp := ""
	if agent.CompletedAt != nil {
		sourceTimestamp = agent.CompletedAt.UTC().Format(time.RFC3339)
	}

	project := entry.CWD
	return &knowledge.Knowledge{
		Title:           title,
		Type:            docType,
		Project:         project,
		Status:          knowledge.StatusActive,
		SourceSessionID: entry.SessionID,
		SourceAgentID:   agent.AgentID,
		SourceTimestamp: sourceTimestamp,
		Parts:           parts,
	}, nil
}

func (g *Generator) qualityGate(result string) error {
	trimmed := strings.TrimSpace(result)
	if len(trimmed) < g.cfg.MinResultLength {
		return fmt.Errorf("%w: %d chars", ErrLowQuality, len(trimmed))
	}
	firstLine := trimmed
	if i := strings.IndexByte(firstLine, '\n'); i >= 0 {
		firstLine = firstLine[:i]
	}
	lower := strings.ToLower(strings.TrimSpace(firstLine))
	for _, pattern := range g.cfg.JunkPatterns {
		if strings.HasPrefix(lower, pattern) {
			return fmt.Errorf("%w: junk pattern %q", ErrLowQuality, pattern)
		}
	}
	return nil
}

func (g *Generator) indexBestEffort(ctx context.Context, doc *knowledge.Knowledge) {
	if g.indexer == nil {
		return
	}
	if err := g.indexer.IndexKnowledge(ctx, doc); err != nil {
		// Retrieval still works without vectors; the next rebuild repairs.
		g.logger.Warn("indexing knowledge failed", zap.String("id", doc.ID), zap.Error(err))
	}
}

// GenerateAll iterates the sessions of one project (or all projects when
// project is empty) and generates a document per completed explore
// sub-agent that does not already have one. Strictly sequential; the stop
// flag is consulted between documents, never mid-document.
func (g *Generator) GenerateAll(ctx context.Context, project string) (*BatchResult, error) {
	g.mu.Lock()
	if g.status.Running {
		g.mu.Unlock()
		return nil, errors.New("generation already running")
	}
	g.status = Status{Running: true}
	g.stopRequested = false
	g.mu.Unlock()

	result := &BatchResult{Errors: []string{}}
	defer func() {
		g.mu.Lock()
		g.status.Running = false
		g.status.Generated = result.Generated
		g.status.Errors = result.Errors
		g.status.Stopped = result.Stopped
		g.mu.Unlock()
	}()

	for _, sessionPath := range g.sessionPaths(project) {
		if g.checkStop(ctx) {
			result.Stopped = true
			return result, nil
		}
		entry, err := g.sessions.Load(ctx, sessionPath)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", sessionPath, err))
			continue
		}
		for i := range entry.SubAgents {
			if g.checkStop(ctx) {
				result.Stopped = true
				return result, nil
			}
			agent := &entry.SubAgents[i]
			if !strings.EqualFold(agent.Type, "explore") || agent.Status != "completed" {
				continue
			}
			if g.store.FindByAgentID(agent.AgentID) != nil {
				continue
			}
			doc, err := g.build(entry, agent)
			if err != nil {
				if !errors.Is(err, ErrLowQuality) {
					result.Errors = append(result.Errors, fmt.Sprintf("%s/%s: %v", entry.SessionID, agent.AgentID, err))
				}
				continue
			}
			created, err := g.store.Create(doc)
			if err != nil {
				if !errors.Is(err, knowledge.ErrDuplicate) {
					result.Errors = append(result.Errors, fmt.Sprintf("%s/%s: %v", entry.SessionID, agent.AgentID, err))
				}
				continue
			}
			g.indexBestEffort(ctx, created)
			result.Generated++
		}
	}
	return result, nil
}

// Stop sets the in-process stop flag. In-flight work on a single document
// runs to completion.
func (g *Generator) Stop() {
	g.mu.Lock()
	g.stopRequested = true
	g.mu.Unlock()
}

// Status returns a copy of the current generator state.
func (g *Generator) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

func (g *Generator) checkStop(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopRequested
}

// sessionPaths lists transcript files for one project (or all). Transcripts
// live under {root}/projects/{encoded-project}/*.jsonl.
func (g *Generator) sessionPaths(project string) []string {
	projectsDir := filepath.Join(g.root, "projects")
	var dirs []string
	if project != "" {
		dirs = []string{filepath.Join(projectsDir, paths.EncodeProject(project))}
		// Legacy encodings are still readable.
		legacy := filepath.Join(projectsDir, strings.ReplaceAll(project, "/", "-"))
		if _, err := os.Stat(legacy); err == nil {
			dirs = append(dirs, legacy)
		}
	} else {
		entries, err := os.ReadDir(projectsDir)
		if err != nil {
			return nil
		}
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, filepath.Join(projectsDir, e.Name()))
			}
		}
	}

	var out []string
	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
		if err != nil {
			continue
		}
		out = append(out, matches...)
	}
	return out
}
