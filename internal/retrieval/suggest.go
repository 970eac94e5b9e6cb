package retrieval

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/lmassist/internal/knowledge"
	"github.com/fyrsmithlabs/lmassist/internal/paths"
	"github.com/fyrsmithlabs/lmassist/internal/session"
	"github.com/fyrsmithlabs/lmassist/internal/vectorstore"
	"go.uber.org/zap"
)

const (
	maxSummaryLength         = 120
	maxSynthTitleLength      = 80
	minSubstantialPromptSize = 15

	contextHeader = "## Context from previous sessions\n\n"
	contextFooter = "\nUse the knowledge MCP tools to read a full document by ID when a line above is relevant.\n"
)

// SuggestOptions are the effective injection options after merging user
// settings over configured defaults.
type SuggestOptions struct {
	InjectKnowledge  bool
	InjectMilestones bool
	KnowledgeCount   int
	MilestoneCount   int
}

// Suggestion is the payload injected at prompt submit.
type Suggestion struct {
	Context string   `json:"context"`
	Tokens  int      `json:"tokens"`
	Sources []string `json:"sources"`
}

// Suggester assembles context suggestions. Suggest never fails: anything
// going wrong degrades to an empty suggestion so the prompt hook stays
// non-blocking.
type Suggester struct {
	engine      *Engine
	vectors     *vectorstore.Store
	store       *knowledge.Store
	sessions    *session.Cache
	sessionRoot string
	defaults    SuggestOptions
	logger      *zap.Logger
}

// NewSuggester creates a suggester with configured default options.
func NewSuggester(engine *Engine, vectors *vectorstore.Store, store *knowledge.Store, sessions *session.Cache, sessionRoot string, defaults SuggestOptions, logger *zap.Logger) *Suggester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Suggester{
		engine:      engine,
		vectors:     vectors,
		store:       store,
		sessions:    sessions,
		sessionRoot: sessionRoot,
		defaults:    defaults,
		logger:      logger,
	}
}

// options merges stored user settings over the configured defaults.
func (s *Suggester) options() SuggestOptions {
	opts := s.defaults
	settings, err := s.store.LoadSettings()
	if err != nil {
		s.logger.Warn("loading settings failed, using defaults", zap.Error(err))
		return opts
	}
	if settings.ContextInjectKnowledge != nil {
		opts.InjectKnowledge = *settings.ContextInjectKnowledge
	}
	if settings.ContextInjectMilestones != nil {
		opts.InjectMilestones = *settings.ContextInjectMilestones
	}
	if settings.ContextInjectKnowledgeCount != nil {
		opts.KnowledgeCount = *settings.ContextInjectKnowledgeCount
	}
	if settings.ContextInjectMilestoneCount != nil {
		opts.MilestoneCount = *settings.ContextInjectMilestoneCount
	}
	return opts
}

// Suggest builds the injection payload for one prompt.
func (s *Suggester) Suggest(ctx context.Context, prompt, sessionID, project string) *Suggestion {
	ctx, span := tracer.Start(ctx, "retrieval.Suggest")
	defer span.End()

	empty := &Suggestion{Sources: []string{}}

	opts := s.options()
	wantKnowledge := opts.InjectKnowledge && opts.KnowledgeCount > 0
	wantMilestones := opts.InjectMilestones && opts.MilestoneCount > 0
	if !wantKnowledge && !wantMilestones {
		return empty
	}
	if s.vectors.Count() == 0 {
		return empty
	}

	var lines []string
	var sources []string
	now := time.Now()

	if wantKnowledge {
		hits, err := s.engine.SearchKnowledge(ctx, prompt, opts.KnowledgeCount, "")
		if err != nil {
			s.logger.Warn("knowledge suggestion failed", zap.Error(err))
			return empty
		}
		for _, h := range hits {
			partID := h.Row.PartID
			if partID == "" {
				partID = h.Row.KnowledgeID
			}
			summary := h.PartSummary
			if len(summary) > maxSummaryLength {
				summary = summary[:maxSummaryLength]
			}
			lines = append(lines, fmt.Sprintf("- [%s] (%s) %s → %s: %s",
				partID, timeAgo(h.Row.Timestamp, now), h.KnowledgeTitle, h.PartTitle, summary))
			sources = append(sources, partID)
		}
	}

	if wantMilestones {
		hits, err := s.engine.SearchMilestones(ctx, prompt, opts.MilestoneCount, project)
		if err != nil {
			s.logger.Warn("milestone suggestion failed", zap.Error(err))
			return empty
		}
		for _, h := range hits {
			marker := ""
			if h.Row.Phase == 1 {
				marker = " (auto)"
			}
			lines = append(lines, fmt.Sprintf("- [%s] %s%s: %s",
				h.Row.EntityKey(), timeAgo(h.Row.Timestamp, now), marker, s.milestoneTitle(ctx, &h.Row)))
		}
	}

	if len(lines) == 0 {
		return empty
	}

	text := contextHeader + strings.Join(lines, "\n") + "\n" + contextFooter
	return &Suggestion{
		Context: text,
		Tokens:  (len(text) + 3) / 4,
		Sources: sources,
	}
}

// milestoneTitle prefers the row's own text (LLM-enriched milestones embed
// their title). Heuristic-only milestones get a title synthesized from the
// session's first substantial prompt.
func (s *Suggester) milestoneTitle(ctx context.Context, row *vectorstore.Row) string {
	if t := strings.TrimSpace(row.Text); t != "" && row.Phase != 1 {
		return t
	}

	if row.SessionID != "" && row.ProjectPath != "" {
		path := filepath.Join(s.sessionRoot, "projects", paths.EncodeProject(row.ProjectPath), row.SessionID+".jsonl")
		if entry, err := s.sessions.Load(ctx, path); err == nil {
			for _, prompt := range entry.Prompts {
				if len(prompt) <= minSubstantialPromptSize {
					continue
				}
				if len(prompt) > maxSynthTitleLength {
					prompt = strings.TrimSpace(prompt[:maxSynthTitleLength])
				}
				return prompt
			}
		}
	}
	if t := strings.TrimSpace(row.Text); t != "" {
		return t
	}
	return "Session activity"
}

// timeAgo renders a compact relative timestamp: 5m ago, 3h ago, 2d ago.
func timeAgo(ts string, now time.Time) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return "recently"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
