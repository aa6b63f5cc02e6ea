// Package importer ingests a folder of Markdown notes (an Obsidian
// vault or any plain note tree) as documents, one per file. Frontmatter
// and wiki links become document metadata so relations survive the
// import.
package importer

import (
	"bufio"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Note is one parsed Markdown file.
type Note struct {
	// RelativePath is the path under the import root.
	RelativePath string
	// Title comes from frontmatter, the first H1, or the filename.
	Title string
	// Body is the Markdown content with frontmatter stripped and wiki
	// links flattened to their display text.
	Body string
	// Tags merges frontmatter tags with inline #hashtags.
	Tags []string
	// Links are the [[wiki-link]] targets the note references.
	Links []string
	// CreatedAt is the frontmatter date when present.
	CreatedAt time.Time
}

// ParseNote parses one Markdown file.
func ParseNote(content []byte, relativePath string) (*Note, error) {
	fm, body, err := splitFrontmatter(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", relativePath, err)
	}

	title := frontmatterString(fm, "title")
	if title == "" {
		title = firstHeading(body)
	}
	if title == "" {
		title = titleFromPath(relativePath)
	}

	links := extractWikiLinks(body)

	return &Note{
		RelativePath: relativePath,
		Title:        title,
		Body:         strings.TrimSpace(stripWikiLinks(body)),
		Tags:         mergeTags(frontmatterTags(fm), inlineTags(body)),
		Links:        links,
		CreatedAt:    frontmatterDate(fm),
	}, nil
}

// splitFrontmatter separates YAML frontmatter between --- delimiters
// from the body. Files without frontmatter pass through untouched.
func splitFrontmatter(text string) (map[string]any, string, error) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return map[string]any{}, text, nil
	}

	closeIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closeIdx = i
			break
		}
	}
	if closeIdx == -1 {
		return map[string]any{}, text, nil
	}

	fm := map[string]any{}
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:closeIdx], "\n")), &fm); err != nil {
		return nil, "", fmt.Errorf("invalid frontmatter: %w", err)
	}
	return fm, strings.Join(lines[closeIdx+1:], "\n"), nil
}

func titleFromPath(rel string) string {
	base := filepath.Base(rel)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.ReplaceAll(name, "-", " ")
	name = strings.ReplaceAll(name, "_", " ")
	return strings.TrimSpace(name)
}

func firstHeading(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return ""
}

func frontmatterString(fm map[string]any, key string) string {
	if s, ok := fm[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// frontmatterTags accepts both YAML list and comma-separated string forms.
func frontmatterTags(fm map[string]any) []string {
	switch v := fm["tags"].(type) {
	case []any:
		var tags []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				tags = append(tags, s)
			}
		}
		return tags
	case string:
		var tags []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		return tags
	}
	return nil
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func frontmatterDate(fm map[string]any) time.Time {
	for _, key := range []string{"date", "created", "created_at"} {
		switch v := fm[key].(type) {
		case time.Time:
			return v
		case string:
			for _, layout := range dateLayouts {
				if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
					return t
				}
			}
		}
	}
	return time.Time{}
}

var inlineTagRe = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)

func inlineTags(body string) []string {
	var tags []string
	for _, m := range inlineTagRe.FindAllStringSubmatch(body, -1) {
		tags = append(tags, m[1])
	}
	return tags
}

// mergeTags deduplicates case-insensitively, keeping first spelling.
func mergeTags(a, b []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tag := range append(a, b...) {
		lower := strings.ToLower(tag)
		if !seen[lower] {
			seen[lower] = true
			out = append(out, tag)
		}
	}
	return out
}
