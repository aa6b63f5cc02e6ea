package importer

import (
	"regexp"
	"strings"
)

// wikilinkRe matches [[target]] and [[target|alias]].
var wikilinkRe = regexp.MustCompile(`\[\[([^\[\]|]+?)(?:\|([^\[\]]+?))?\]\]`)

// extractWikiLinks returns the distinct link targets in order of first
// appearance.
func extractWikiLinks(body string) []string {
	seen := make(map[string]bool)
	var targets []string
	for _, m := range wikilinkRe.FindAllStringSubmatch(body, -1) {
		target := strings.TrimSpace(m[1])
		key := strings.ToLower(target)
		if seen[key] {
			continue
		}
		seen[key] = true
		targets = append(targets, target)
	}
	return targets
}

// stripWikiLinks flattens [[links]] to their display text so embeddings
// see prose, not markup.
func stripWikiLinks(body string) string {
	return wikilinkRe.ReplaceAllStringFunc(body, func(match string) string {
		parts := wikilinkRe.FindStringSubmatch(match)
		if len(parts) >= 3 && strings.TrimSpace(parts[2]) != "" {
			return strings.TrimSpace(parts[2])
		}
		if len(parts) >= 2 {
			return strings.TrimSpace(parts[1])
		}
		return match
	})
}
