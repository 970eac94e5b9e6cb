// Package session parses and caches the assistant's append-only session
// transcripts.
//
// Transcripts are line-delimited JSON files written by the coding assistant,
// one per session, grouped under {sessionRoot}/projects/{encoded-project}/.
// Files are immutable-tail: once a byte is written it is never rewritten, so
// a parsed snapshot stays valid until the file's mtime advances.
package session

import (
	"encoding/json"
	"time"
)

// Record is one line of a session transcript. Unknown fields are ignored;
// malformed lines are skipped entirely.
type Record struct {
	Type       string   `json:"type"`
	Subtype    string   `json:"subtype,omitempty"`
	UUID       string   `json:"uuid,omitempty"`
	ParentUUID string   `json:"parentUuid,omitempty"`
	SessionID  string   `json:"sessionId,omitempty"`
	Message    *Message `json:"message,omitempty"`
	CWD        string   `json:"cwd,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`

	// system.init carries the model at the top level.
	Model string `json:"model,omitempty"`

	// result records may carry an authoritative cost.
	TotalCostUSD *float64 `json:"total_cost_usd,omitempty"`

	ForkedFromSessionID string `json:"forkedFromSessionId,omitempty"`
	ForkPointUUID       string `json:"forkPointUuid,omitempty"`

	ToolUseResult json.RawMessage `json:"toolUseResult,omitempty"`
}

// Message is the content payload of a user/assistant record.
type Message struct {
	Role    string          `json:"role,omitempty"`
	Model   string          `json:"model,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// Usage holds token counters accumulated across assistant records.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// Add accumulates counters from another usage block.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
}

// ContentBlock is one element of a structured message content array.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// SubAgent summarizes one child assistant run spawned from a session.
type SubAgent struct {
	AgentID     string     `json:"agentId"`
	Type        string     `json:"type"`
	Prompt      string     `json:"prompt"`
	Description string     `json:"description,omitempty"`
	Result      string     `json:"result,omitempty"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Task is one entry of the session's task list, taken from the most recent
// task-list tool invocation.
type Task struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// Entry is the parsed snapshot of one transcript file.
type Entry struct {
	Path      string `json:"path"`
	SessionID string `json:"sessionId"`
	CWD       string `json:"cwd,omitempty"`
	Model     string `json:"model,omitempty"`

	// Prompts are the "real" user prompts, in order. Synthetic tool and
	// command replies are excluded.
	Prompts []string `json:"prompts"`

	Tasks     []Task     `json:"tasks,omitempty"`
	SubAgents []SubAgent `json:"subAgents,omitempty"`

	TurnCount    int     `json:"turnCount"`
	Usage        Usage   `json:"usage"`
	TotalCostUSD float64 `json:"totalCostUsd"`

	ForkedFromSessionID string `json:"forkedFromSessionId,omitempty"`
	ForkPointUUID       string `json:"forkPointUuid,omitempty"`

	// FileMtime validates the snapshot against the file on disk.
	FileMtime time.Time `json:"fileMtime"`
}

// FindSubAgent returns the sub-agent with the given ID, or nil.
func (e *Entry) FindSubAgent(agentID string) *SubAgent {
	for i := range e.SubAgents {
		if e.SubAgents[i].AgentID == agentID {
			return &e.SubAgents[i]
		}
	}
	return nil
}
