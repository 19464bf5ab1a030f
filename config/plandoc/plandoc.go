// Package plandoc parses and mutates plan markdown files: an H1 title,
// free-form descriptive sections, and an ordered checkbox TODO list.
package plandoc

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Todo is a single checkbox entry in a plan.
type Todo struct {
	Index   int    // position in the plan, 0-based
	Text    string // text after the checkbox marker
	Done    bool   // [x]
	Blocked bool   // [B]; lowercase [b] normalises to blocked as well
	Context string // indented continuation lines under the checkbox
}

// Document is a parsed plan.
type Document struct {
	Path  string
	Title string
	Todos []Todo

	raw string
}

var (
	titleRe = regexp.MustCompile(`(?m)^#\s+(.+)\s*$`)
	// Markers: space (open), x/X (done), b/B (blocked). Both cases of the
	// blocked marker mean blocked; lowercase is the normalised form.
	todoRe = regexp.MustCompile(`(?m)^- \[([ xXbB])\]\s*(.*)$`)
)

// Parse extracts the title and TODO list from plan markdown content.
func Parse(content string) *Document {
	doc := &Document{raw: content}

	if m := titleRe.FindStringSubmatch(content); len(m) > 1 {
		doc.Title = strings.TrimSpace(m[1])
	}

	matches := todoRe.FindAllStringSubmatchIndex(content, -1)
	for i, tm := range matches {
		marker := content[tm[2]:tm[3]]
		text := strings.TrimSpace(content[tm[4]:tm[5]])

		// Context: indented lines between this checkbox and the next
		// non-indented line.
		ctxStart := tm[1]
		var ctxEnd int
		if i+1 < len(matches) {
			ctxEnd = matches[i+1][0]
		} else {
			ctxEnd = len(content)
		}
		context := collectContext(content[ctxStart:ctxEnd])

		doc.Todos = append(doc.Todos, Todo{
			Index:   i,
			Text:    text,
			Done:    marker == "x" || marker == "X",
			Blocked: marker == "b" || marker == "B",
			Context: context,
		})
	}
	return doc
}

// ParseFile reads and parses a plan file.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	doc := Parse(string(data))
	doc.Path = path
	return doc, nil
}

// collectContext gathers indented lines from the region following a checkbox.
func collectContext(region string) string {
	var lines []string
	for _, line := range strings.Split(region, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, "  ") || strings.HasPrefix(line, "\t") {
			lines = append(lines, strings.TrimSpace(line))
			continue
		}
		break
	}
	return strings.Join(lines, "\n")
}

// Raw returns the markdown content the document was parsed from.
func (d *Document) Raw() string {
	return d.raw
}

// ExtractBody returns the markdown below the H1 title line, trimmed. When no
// title exists the whole document is the body.
func (d *Document) ExtractBody() string {
	loc := titleRe.FindStringIndex(d.raw)
	if loc == nil {
		return strings.TrimSpace(d.raw)
	}
	return strings.TrimSpace(d.raw[loc[1]:])
}

// FindNextUnchecked returns the first TODO that is not done. Blocked entries
// are still returned; the caller decides how to react to them.
func (d *Document) FindNextUnchecked() (Todo, bool) {
	for _, t := range d.Todos {
		if !t.Done {
			return t, true
		}
	}
	return Todo{}, false
}

// UncheckedCount returns the number of TODOs not yet done.
func (d *Document) UncheckedCount() int {
	n := 0
	for _, t := range d.Todos {
		if !t.Done {
			n++
		}
	}
	return n
}

// AllDone reports whether the plan has at least one TODO and all are done.
func (d *Document) AllDone() bool {
	return len(d.Todos) > 0 && d.UncheckedCount() == 0
}

// SetTodoDone rewrites the checkbox marker of the TODO at index and writes
// the file back. A false value reopens a completed entry.
func SetTodoDone(path string, index int, done bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	content := string(data)

	matches := todoRe.FindAllStringSubmatchIndex(content, -1)
	if index < 0 || index >= len(matches) {
		return fmt.Errorf("todo index %d out of range (%d todos)", index, len(matches))
	}
	tm := matches[index]
	marker := " "
	if done {
		marker = "x"
	}
	content = content[:tm[2]] + marker + content[tm[3]:]
	return os.WriteFile(path, []byte(content), 0o644)
}

// AddTodos appends new unchecked entries after the last existing checkbox.
// When the plan has no checkboxes yet, a TODOs section is created at the end.
func AddTodos(path string, texts []string) error {
	if len(texts) == 0 {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	content := string(data)

	var sb strings.Builder
	for _, text := range texts {
		sb.WriteString("- [ ] " + strings.TrimSpace(text) + "\n")
	}

	matches := todoRe.FindAllStringIndex(content, -1)
	if len(matches) == 0 {
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		content += "\n## TODOs\n\n" + sb.String()
	} else {
		last := matches[len(matches)-1]
		// Insert after the last checkbox line, including its newline if present.
		insertAt := last[1]
		if insertAt < len(content) && content[insertAt] == '\n' {
			insertAt++
		}
		content = content[:insertAt] + sb.String() + content[insertAt:]
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// Slugify converts a human name to a lowercase, hyphen-separated slug.
// "My Cool Feature!" → "my-cool-feature"
func Slugify(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	result := make([]rune, 0, len(name))
	inHyphen := false
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			result = append(result, r)
			inHyphen = false
		} else if !inHyphen && len(result) > 0 {
			result = append(result, '-')
			inHyphen = true
		}
	}
	for len(result) > 0 && result[len(result)-1] == '-' {
		result = result[:len(result)-1]
	}
	return string(result)
}

// AppendProgressLog appends a timestamped entry under the Progress Log
// section, creating the section at the end of the file if missing.
func AppendProgressLog(path, text string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	content := string(data)
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if !strings.Contains(content, "\n## Progress Log") {
		content += "\n## Progress Log\n"
	}
	content += "\n" + strings.TrimSpace(text) + "\n"
	return os.WriteFile(path, []byte(content), 0o644)
}
