package knowledge

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// partHeadingPattern matches "## K001.1: Title" part section headings.
var partHeadingPattern = regexp.MustCompile(`^##\s+(K\w+\.\d+):\s+(.+)$`)

// RenderMarkdown serializes a document to its on-disk Markdown form.
func RenderMarkdown(k *Knowledge) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "id: %s\n", k.ID)
	fmt.Fprintf(&b, "title: %s\n", quoteValue(k.Title))
	fmt.Fprintf(&b, "type: %s\n", k.Type)
	fmt.Fprintf(&b, "project: %s\n", k.Project)
	fmt.Fprintf(&b, "status: %s\n", k.Status)
	fmt.Fprintf(&b, "createdAt: %s\n", k.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "updatedAt: %s\n", k.UpdatedAt.UTC().Format(time.RFC3339))
	if k.SourceSessionID != "" {
		fmt.Fprintf(&b, "sourceSessionId: %s\n", k.SourceSessionID)
	}
	if k.SourceAgentID != "" {
		fmt.Fprintf(&b, "sourceAgentId: %s\n", k.SourceAgentID)
	}
	if k.SourceTimestamp != "" {
		fmt.Fprintf(&b, "sourceTimestamp: %s\n", k.SourceTimestamp)
	}
	if k.Origin != "" {
		fmt.Fprintf(&b, "origin: %s\n", k.Origin)
	}
	if k.MachineID != "" {
		fmt.Fprintf(&b, "machineId: %s\n", k.MachineID)
	}
	if k.MachineHostname != "" {
		fmt.Fprintf(&b, "machineHostname: %s\n", k.MachineHostname)
	}
	if k.MachineOS != "" {
		fmt.Fprintf(&b, "machineOS: %s\n", k.MachineOS)
	}
	b.WriteString("---\n\n")

	fmt.Fprintf(&b, "# %s: %s\n", k.ID, k.Title)
	for _, part := range k.Parts {
		fmt.Fprintf(&b, "\n## %s: %s\n", part.PartID, part.Title)
		if part.Summary != "" {
			b.WriteString(part.Summary)
			b.WriteString("\n")
		}
		if part.Content != "" {
			b.WriteString("\n")
			b.WriteString(part.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// ParseMarkdown parses the on-disk Markdown form back into a document.
// Returns ErrParse on a missing or unterminated front matter block.
func ParseMarkdown(md string) (*Knowledge, error) {
	lines := strings.Split(md, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return nil, fmt.Errorf("%w: missing front matter", ErrParse)
	}

	k := &Knowledge{}
	i := 1
	closed := false
	for ; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "---" {
			closed = true
			i++
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		applyFrontMatter(k, strings.TrimSpace(key), unquoteValue(strings.TrimSpace(value)))
	}
	if !closed {
		return nil, fmt.Errorf("%w: unterminated front matter", ErrParse)
	}
	if k.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrParse)
	}

	k.Parts = parseParts(lines[i:])
	return k, nil
}

func applyFrontMatter(k *Knowledge, key, value string) {
	switch key {
	case "id":
		k.ID = value
	case "title":
		k.Title = value
	case "type":
		k.Type = Type(value)
	case "project":
		k.Project = value
	case "status":
		k.Status = Status(value)
	case "createdAt":
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			k.CreatedAt = t
		}
	case "updatedAt":
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			k.UpdatedAt = t
		}
	case "sourceSessionId":
		k.SourceSessionID = value
	case "sourceAgentId":
		k.SourceAgentID = value
	case "sourceTimestamp":
		k.SourceTimestamp = value
	case "origin":
		k.Origin = value
	case "machineId":
		k.MachineID = value
	case "machineHostname":
		k.MachineHostname = value
	case "machineOS":
		k.MachineOS = value
	}
}

// parseParts extracts part sections from the document body. The first
// non-empty paragraph after a heading is the summary; everything after the
// next blank line is content.
func parseParts(lines []string) []Part {
	var parts []Part
	var current *Part
	var body []string

	flush := func() {
		if current == nil {
			return
		}
		summary, content := splitSummary(body)
		current.Summary = summary
		current.Content = content
		parts = append(parts, *current)
		current = nil
		body = nil
	}

	for _, line := range lines {
		if m := partHeadingPattern.FindStringSubmatch(line); m != nil {
			flush()
			current = &Part{PartID: m[1], Title: strings.TrimSpace(m[2])}
			continue
		}
		if current != nil {
			body = append(body, line)
		}
	}
	flush()
	return parts
}

// splitSummary splits a part body into its first paragraph and the rest.
func splitSummary(body []string) (summary, content string) {
	// Skip leading blanks.
	start := 0
	for start < len(body) && strings.TrimSpace(body[start]) == "" {
		start++
	}
	end := start
	for end < len(body) && strings.TrimSpace(body[end]) != "" {
		end++
	}
	summary = strings.Join(body[start:end], "\n")

	rest := end
	for rest < len(body) && strings.TrimSpace(body[rest]) == "" {
		rest++
	}
	content = strings.TrimRight(strings.Join(body[rest:], "\n"), "\n")
	return summary, content
}

// quoteValue double-quotes a front matter value, escaping " and \.
func quoteValue(s string) string {
	escaped := strings.ReplaceAll(s, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

// unquoteValue reverses quoteValue; unquoted values pass through.
func unquoteValue(s string) string {
	if len(s) < 2 || !strings.HasPrefix(s, `"`) || !strings.HasSuffix(s, `"`) {
		return s
	}
	inner := s[1 : len(s)-1]
	var b strings.Builder
	escaped := false
	for _, r := range inner {
		if escaped {
			b.WriteRune(r)
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
