// Package knowledge owns knowledge documents and their comments on disk.
//
// A document is a single Markdown file with a YAML-like front matter block
// and a body of "## K001.n: title" part sections. Local documents live at
// the store root; documents synced from peers live under remote/{machineId}.
// A JSON index file carries lightweight metadata and the monotonic ID
// allocator so list operations never touch document files.
package knowledge

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("knowledge not found")

	// ErrDuplicate is returned when a create collides with an existing
	// document; the message names the existing ID.
	ErrDuplicate = errors.New("duplicate knowledge")

	// ErrInvalidID indicates a malformed knowledge ID.
	ErrInvalidID = errors.New("invalid knowledge id")

	// ErrParse indicates a malformed document file.
	ErrParse = errors.New("knowledge parse error")
)

// Type classifies what a document captures.
type Type string

const (
	TypeAlgorithm Type = "algorithm"
	TypeContract  Type = "contract"
	TypeSchema    Type = "schema"
	TypeWiring    Type = "wiring"
	TypeInvariant Type = "invariant"
	TypeFlow      Type = "flow"
)

// Types lists all document types in canonical order. The order doubles as
// the deterministic tie-break for type detection.
func Types() []Type {
	return []Type{TypeAlgorithm, TypeContract, TypeSchema, TypeWiring, TypeInvariant, TypeFlow}
}

// ValidType reports whether t is a known document type.
func ValidType(t Type) bool {
	switch t {
	case TypeAlgorithm, TypeContract, TypeSchema, TypeWiring, TypeInvariant, TypeFlow:
		return true
	}
	return false
}

// Status is the lifecycle state of a document.
type Status string

const (
	StatusActive   Status = "active"
	StatusOutdated Status = "outdated"
	StatusArchived Status = "archived"
)

// OriginRemote marks documents synced from a peer workstation.
const OriginRemote = "remote"

// localIDPattern matches local document IDs.
var localIDPattern = regexp.MustCompile(`^K\d+$`)

// ValidLocalID reports whether id is a well-formed local document ID.
func ValidLocalID(id string) bool {
	return localIDPattern.MatchString(id)
}

// FormatID renders the nth allocated ID as a zero-padded local ID.
func FormatID(n int) string {
	return fmt.Sprintf("K%03d", n)
}

// Part is one section of a document.
type Part struct {
	// PartID is always "{docID}.{1-based index}"; renumbered on any write
	// to the parts list.
	PartID  string `json:"partId"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Content string `json:"content"`
}

// Knowledge is a structured knowledge document.
type Knowledge struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Type    Type   `json:"type"`
	Project string `json:"project"`
	Status  Status `json:"status"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	SourceSessionID string `json:"sourceSessionId,omitempty"`
	SourceAgentID   string `json:"sourceAgentId,omitempty"`
	SourceTimestamp string `json:"sourceTimestamp,omitempty"`

	// Origin is "remote" with machine fields set for synced documents.
	Origin          string `json:"origin,omitempty"`
	MachineID       string `json:"machineId,omitempty"`
	MachineHostname string `json:"machineHostname,omitempty"`
	MachineOS       string `json:"machineOS,omitempty"`

	Parts []Part `json:"parts"`
}

// IsRemote reports whether the document was synced from a peer.
func (k *Knowledge) IsRemote() bool {
	return k.Origin == OriginRemote
}

// RenumberParts rewrites every partId to "{id}.{i+1}". Called on every
// parts write to hold the numbering invariant.
func (k *Knowledge) RenumberParts() {
	for i := range k.Parts {
		k.Parts[i].PartID = fmt.Sprintf("%s.%d", k.ID, i+1)
	}
}

// FindPart returns the part with the given partId, or nil.
func (k *Knowledge) FindPart(partID string) *Part {
	for i := range k.Parts {
		if k.Parts[i].PartID == partID {
			return &k.Parts[i]
		}
	}
	return nil
}

// Clone returns a deep copy. Updates write through clones so a failed write
// never corrupts the cached document.
func (k *Knowledge) Clone() *Knowledge {
	clone := *k
	clone.Parts = make([]Part, len(k.Parts))
	copy(clone.Parts, k.Parts)
	return &clone
}

// IndexKey returns the map key for this document: the bare ID for local
// documents, "{machineId}:{id}" for remote ones.
func (k *Knowledge) IndexKey() string {
	return IndexKey(k.ID, k.MachineID)
}

// IndexKey builds an index key from an ID and optional machine ID.
func IndexKey(id, machineID string) string {
	if machineID == "" {
		return id
	}
	return machineID + ":" + id
}

// CommentType classifies reviewer feedback on a document or part.
type CommentType string

const (
	CommentRemove   CommentType = "remove"
	CommentUpdate   CommentType = "update"
	CommentOutdated CommentType = "outdated"
	CommentExpand   CommentType = "expand"
	CommentGeneral  CommentType = "general"
)

// CommentSource identifies who raised a comment.
type CommentSource string

const (
	CommentSourceLLM      CommentSource = "llm"
	CommentSourceUser     CommentSource = "user"
	CommentSourceReviewer CommentSource = "reviewer"
)

// CommentState tracks whether a comment has been acted on.
type CommentState string

const (
	CommentNotAddressed CommentState = "not_addressed"
	CommentAddressed    CommentState = "addressed"
)

// Comment belongs to one document. Comments are append-only; the only
// mutation is the transition to addressed.
type Comment struct {
	ID          int           `json:"id"`
	PartID      string        `json:"partId,omitempty"`
	Type        CommentType   `json:"type"`
	Content     string        `json:"content"`
	Source      CommentSource `json:"source"`
	State       CommentState  `json:"state"`
	CreatedAt   time.Time     `json:"createdAt"`
	AddressedAt *time.Time    `json:"addressedAt,omitempty"`
}
