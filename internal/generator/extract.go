// Package generator distills completed explore sub-agent transcripts into
// knowledge documents.
package generator

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/lmassist/internal/knowledge"
)

const (
	// minSectionLength folds a shorter section into its successor.
	minSectionLength = 50

	// minPreambleLength keeps content before the first heading as an
	// "Overview" section only when it says something.
	minPreambleLength = 100

	maxTitleLength = 120
	minDescLength  = 5
)

var (
	h2Pattern = regexp.MustCompile(`^##\s+(.+)$`)
	h3Pattern = regexp.MustCompile(`^###\s+(.+)$`)

	politenessPrefixes = []string{
		"please ", "could you ", "can you ", "would you ", "i need to ",
		"i need you to ", "i want to ", "i'd like to ", "help me ",
	}
	intentVerbs = []string{
		"research ", "investigate ", "explore ", "find out ", "figure out ",
		"look into ", "analyze ", "analyse ", "understand ", "examine ",
		"determine ", "check ", "study ",
	}

	boldPattern = regexp.MustCompile(`\*\*(.*?)\*\*`)
	linkPattern = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
)

// rawSection is a heading plus the lines under it, before folding.
type rawSection struct {
	title string
	body  []string
}

// extractSections splits an explore result into part-sized sections.
//
// Heading level is chosen from the counts outside fenced code blocks: "###"
// wins when it has at least 3 matches and at least twice as many as "##";
// otherwise "##" when it yields 2 or more; otherwise "###" when it yields 2
// or more; otherwise whichever has more; otherwise the whole result is one
// "Overview" section.
func extractSections(result string) []knowledge.Part {
	lines := strings.Split(result, "\n")
	fenced := fencedLines(lines)

	h2s, h3s := 0, 0
	for i, line := range lines {
		if fenced[i] {
			continue
		}
		if h3Pattern.MatchString(line) {
			h3s++
		} else if h2Pattern.MatchString(line) {
			h2s++
		}
	}

	var pattern *regexp.Regexp
	switch {
	case h3s >= 3 && h3s >= 2*h2s:
		pattern = h3Pattern
	case h2s >= 2:
		pattern = h2Pattern
	case h3s >= 2:
		pattern = h3Pattern
	case h2s > h3s && h2s > 0:
		pattern = h2Pattern
	case h3s > 0:
		pattern = h3Pattern
	}

	if pattern == nil {
		return []knowledge.Part{sectionToPart("Overview", lines)}
	}

	var sections []rawSection
	var preamble []string
	var current *rawSection
	for i, line := range lines {
		if !fenced[i] {
			if m := pattern.FindStringSubmatch(line); m != nil {
				if current != nil {
					sections = append(sections, *current)
				}
				current = &rawSection{title: cleanHeading(m[1])}
				continue
			}
		}
		if current == nil {
			preamble = append(preamble, line)
		} else {
			current.body = append(current.body, line)
		}
	}
	if current != nil {
		sections = append(sections, *current)
	}

	if text := strings.TrimSpace(strings.Join(preamble, "\n")); len(text) > minPreambleLength {
		sections = append([]rawSection{{title: "Overview", body: preamble}}, sections...)
	}

	sections = foldShortSections(sections)

	parts := make([]knowledge.Part, 0, len(sections))
	for _, sec := range sections {
		parts = append(parts, sectionToPart(sec.title, sec.body))
	}
	if len(parts) == 0 {
		parts = []knowledge.Part{sectionToPart("Overview", lines)}
	}
	return parts
}

// fencedLines marks lines inside fenced code blocks. A fence is any line
// whose first non-whitespace characters are ```.
func fencedLines(lines []string) []bool {
	marked := make([]bool, len(lines))
	inside := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			marked[i] = true // fence lines themselves never count as headings
			inside = !inside
			continue
		}
		marked[i] = inside
	}
	return marked
}

// foldShortSections folds each section shorter than minSectionLength into
// the next one, carrying its heading along as bold text.
func foldShortSections(sections []rawSection) []rawSection {
	var out []rawSection
	var carry []string
	for i, sec := range sections {
		body := strings.TrimSpace(strings.Join(sec.body, "\n"))
		if len(body) < minSectionLength && i < len(sections)-1 {
			carry = append(carry, "**"+sec.title+"**")
			if body != "" {
				carry = append(carry, body)
			}
			continue
		}
		if len(carry) > 0 {
			sec.body = append(append([]string{}, carry...), sec.body...)
			carry = nil
		}
		out = append(out, sec)
	}
	if len(carry) > 0 && len(out) > 0 {
		last := &out[len(out)-1]
		last.body = append(last.body, carry...)
	}
	return out
}

// sectionToPart splits a section body into summary (first non-empty
// paragraph) and content (the rest).
func sectionToPart(title string, body []string) knowledge.Part {
	start := 0
	for start < len(body) && strings.TrimSpace(body[start]) == "" {
		start++
	}
	end := start
	for end < len(body) && strings.TrimSpace(body[end]) != "" {
		end++
	}
	summary := strings.TrimSpace(strings.Join(body[start:end], "\n"))

	rest := end
	for rest < len(body) && strings.TrimSpace(body[rest]) == "" {
		rest++
	}
	content := strings.TrimSpace(strings.Join(body[rest:], "\n"))

	return knowledge.Part{Title: title, Summary: summary, Content: content}
}

// cleanHeading strips bold markers, backticks, and Markdown links.
func cleanHeading(h string) string {
	h = boldPattern.ReplaceAllString(h, "$1")
	h = linkPattern.ReplaceAllString(h, "$1")
	h = strings.ReplaceAll(h, "`", "")
	return strings.TrimSpace(h)
}

// deriveTitle picks the document title: the description when it has a
// reasonable length, otherwise the prompt's first line with politeness
// prefixes and intent verbs stripped.
func deriveTitle(description, prompt string) string {
	desc := strings.TrimSpace(description)
	if len(desc) >= minDescLength && len(desc) <= maxTitleLength {
		return desc
	}

	line := strings.TrimSpace(prompt)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}

	lower := strings.ToLower(line)
	for changed := true; changed; {
		changed = false
		for _, p := range politenessPrefixes {
			if strings.HasPrefix(lower, p) {
				line = line[len(p):]
				lower = lower[len(p):]
				changed = true
			}
		}
		for _, v := range intentVerbs {
			if strings.HasPrefix(lower, v) {
				line = line[len(v):]
				lower = lower[len(v):]
				changed = true
			}
		}
	}

	line = strings.TrimSpace(line)
	line = strings.TrimSuffix(line, ".")
	if line == "" {
		return "Untitled exploration"
	}
	// Capitalize the first letter only.
	line = strings.ToUpper(line[:1]) + line[1:]
	if len(line) > maxTitleLength {
		line = strings.TrimSpace(line[:maxTitleLength])
	}
	return line
}

// typeKeywords scores documents into a type. Iteration follows the
// canonical type order so ties break deterministically.
var typeKeywords = map[knowledge.Type][]string{
	knowledge.TypeAlgorithm: {"algorithm", "computes", "complexity", "sorting", "scoring", "heuristic", "calculation"},
	knowledge.TypeContract:  {"api", "endpoint", "interface", "contract", "request", "response", "returns", "accepts"},
	knowledge.TypeSchema:    {"schema", "table", "column", "field", "model", "migration", "database", "json"},
	knowledge.TypeWiring:    {"wiring", "component", "module", "depends", "imports", "initializes", "registers", "config"},
	knowledge.TypeInvariant: {"invariant", "must", "never", "always", "guarantee", "constraint", "assert"},
	knowledge.TypeFlow:      {"flow", "pipeline", "sequence", "lifecycle", "step", "then", "process", "stage"},
}

// detectType scores the title plus part titles and summaries against the
// keyword table. The highest score wins; the default is wiring.
func detectType(title string, parts []knowledge.Part) knowledge.Type {
	var b strings.Builder
	b.WriteString(title)
	for _, p := range parts {
		b.WriteString(" ")
		b.WriteString(p.Title)
		b.WriteString(" ")
		b.WriteString(p.Summary)
	}
	text := strings.ToLower(b.String())

	best := knowledge.TypeWiring
	bestScore := 0
	for _, typ := range knowledge.Types() {
		score := 0
		for _, kw := range typeKeywords[typ] {
			score += strings.Count(text, kw)
		}
		if score > bestScore {
			bestScore = score
			best = typ
		}
	}
	return best
}
