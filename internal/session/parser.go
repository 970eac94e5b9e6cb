package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxLineSize bounds one transcript line. Tool results with large file
// contents can run into the megabytes.
const maxLineSize = 16 * 1024 * 1024

// Parser turns transcript files into Entry snapshots.
type Parser struct {
	cost   *CostCalculator
	logger *zap.Logger
}

// NewParser creates a parser. cost may be nil to skip cost calculation.
func NewParser(cost *CostCalculator, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{cost: cost, logger: logger}
}

// ParseFile parses one transcript file into an Entry. Unreadable files
// return an error; malformed lines inside a readable file are skipped.
func (p *Parser) ParseFile(path string) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening transcript %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat transcript %s: %w", path, err)
	}

	entry := &Entry{
		Path:      path,
		SessionID: strings.TrimSuffix(filepath.Base(path), ".jsonl"),
		FileMtime: info.ModTime(),
	}

	// Per-model usage so cost can be computed against the rate table.
	usageByModel := make(map[string]*Usage)
	var resultCost *float64
	pendingAgents := make(map[string]int) // tool_use_id -> SubAgents index
	malformed := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			malformed++
			continue
		}
		p.applyRecord(entry, &rec, usageByModel, pendingAgents, &resultCost)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading transcript %s: %w", path, err)
	}
	if malformed > 0 {
		p.logger.Warn("skipped malformed transcript lines",
			zap.String("path", path),
			zap.Int("count", malformed),
		)
	}

	p.attachSubAgentTranscripts(entry, path)
	p.finishCost(entry, usageByModel, resultCost)
	return entry, nil
}

func (p *Parser) applyRecord(entry *Entry, rec *Record, usageByModel map[string]*Usage, pendingAgents map[string]int, resultCost **float64) {
	if entry.CWD == "" && rec.CWD != "" {
		entry.CWD = rec.CWD
	}
	if rec.ForkedFromSessionID != "" {
		entry.ForkedFromSessionID = rec.ForkedFromSessionID
	}
	if rec.ForkPointUUID != "" {
		entry.ForkPointUUID = rec.ForkPointUUID
	}

	switch rec.Type {
	case "system":
		if rec.Subtype == "init" && entry.Model == "" && rec.Model != "" {
			entry.Model = rec.Model
		}

	case "user":
		entry.TurnCount++
		if prompt, ok := realUserPrompt(rec); ok {
			entry.Prompts = append(entry.Prompts, prompt)
		}
		p.collectToolResults(entry, rec, pendingAgents)

	case "assistant":
		if rec.Message != nil {
			model := rec.Message.Model
			if entry.Model == "" && model != "" {
				entry.Model = model
			}
			if rec.Message.Usage != nil {
				if model == "" {
					model = entry.Model
				}
				u, ok := usageByModel[model]
				if !ok {
					u = &Usage{}
					usageByModel[model] = u
				}
				u.Add(rec.Message.Usage)
				entry.Usage.Add(rec.Message.Usage)
			}
			p.collectToolUses(entry, rec, pendingAgents)
		}

	case "result":
		if rec.TotalCostUSD != nil {
			*resultCost = rec.TotalCostUSD
		}
	}
}

// collectToolUses scans assistant content blocks for sub-agent launches and
// task-list updates.
func (p *Parser) collectToolUses(entry *Entry, rec *Record, pendingAgents map[string]int) {
	blocks, ok := contentBlocks(rec.Message.Content)
	if !ok {
		return
	}
	ts := parseTimestamp(rec.Timestamp)
	for _, b := range blocks {
		if b.Type != "tool_use" {
			continue
		}
		switch b.Name {
		case "Task":
			var input struct {
				SubagentType string `json:"subagent_type"`
				Description  string `json:"description"`
				Prompt       string `json:"prompt"`
			}
			if err := json.Unmarshal(b.Input, &input); err != nil {
				continue
			}
			agent := SubAgent{
				AgentID:     b.ID,
				Type:        input.SubagentType,
				Description: input.Description,
				Prompt:      input.Prompt,
				Status:      "running",
				StartedAt:   ts,
			}
			entry.SubAgents = append(entry.SubAgents, agent)
			// Indices stay valid across appends; pointers into the
			// slice would not.
			pendingAgents[b.ID] = len(entry.SubAgents) - 1

		case "TodoWrite":
			var input struct {
				Todos []Task `json:"todos"`
			}
			if err := json.Unmarshal(b.Input, &input); err != nil {
				continue
			}
			// Last write wins: the tool always sends the full list.
			entry.Tasks = input.Todos
		}
	}
}

// collectToolResults matches user-side tool results back to launched
// sub-agents and records their output.
func (p *Parser) collectToolResults(entry *Entry, rec *Record, pendingAgents map[string]int) {
	if rec.Message == nil {
		return
	}
	blocks, ok := contentBlocks(rec.Message.Content)
	if !ok {
		return
	}
	ts := parseTimestamp(rec.Timestamp)
	for _, b := range blocks {
		if b.Type != "tool_result" || b.ToolUseID == "" {
			continue
		}
		idx, ok := pendingAgents[b.ToolUseID]
		if !ok {
			continue
		}
		agent := &entry.SubAgents[idx]
		agent.Result = textFromContent(b.Content)
		agent.Status = "completed"
		agent.CompletedAt = ts
		delete(pendingAgents, b.ToolUseID)
	}
}

// attachSubAgentTranscripts merges timing from adjacent
// {session}/subagents/{agentId}.jsonl files when present.
func (p *Parser) attachSubAgentTranscripts(entry *Entry, path string) {
	dir := filepath.Join(strings.TrimSuffix(path, ".jsonl"), "subagents")
	for i := range entry.SubAgents {
		agent := &entry.SubAgents[i]
		agentPath := filepath.Join(dir, agent.AgentID+".jsonl")
		info, err := os.Stat(agentPath)
		if err != nil {
			continue
		}
		if agent.CompletedAt == nil {
			mtime := info.ModTime()
			agent.CompletedAt = &mtime
		}
	}
}

func (p *Parser) finishCost(entry *Entry, usageByModel map[string]*Usage, resultCost *float64) {
	if resultCost != nil {
		// The assistant's own accounting overrides the rate table.
		entry.TotalCostUSD = *resultCost
		return
	}
	if p.cost == nil {
		return
	}
	total := 0.0
	for model, usage := range usageByModel {
		total += p.cost.Cost(model, usage)
	}
	entry.TotalCostUSD = total
}

// realUserPrompt reports whether a user record carries a prompt typed by the
// user, returning its text. Synthetic records (tool results, command output
// wrappers, interruption notices, plan-mode replies) are excluded on text
// shape alone, never on position.
func realUserPrompt(rec *Record) (string, bool) {
	if rec.Message == nil {
		return "", false
	}
	text, hasText := userText(rec.Message.Content)
	if !hasText {
		return "", false
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}
	switch {
	case strings.HasPrefix(trimmed, "<command-name>"),
		strings.HasPrefix(trimmed, "<command-message>"),
		strings.HasPrefix(trimmed, "<local-command-stdout>"),
		strings.HasPrefix(trimmed, "<system-reminder>"),
		strings.HasPrefix(trimmed, "[Request interrupted"),
		strings.HasPrefix(trimmed, "Caveat:"),
		strings.HasPrefix(trimmed, "User approved Claude's plan"),
		strings.HasPrefix(trimmed, "User rejected Claude's plan"):
		return "", false
	}
	return trimmed, true
}

// userText extracts the typed text from message content, which is either a
// bare string or an array of content blocks. Records whose blocks are all
// tool results carry no prompt.
func userText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	blocks, ok := contentBlocks(raw)
	if !ok {
		return "", false
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "tool_result" {
			return "", false
		}
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

func contentBlocks(raw json.RawMessage) ([]ContentBlock, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// textFromContent flattens tool_result content (string or block array).
func textFromContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	blocks, ok := contentBlocks(raw)
	if !ok {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func parseTimestamp(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
