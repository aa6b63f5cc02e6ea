package processing

import (
	"strings"

	"github.com/momohq/momo/pkg/types"
)

// MarkdownChunker splits markdown at heading boundaries so each chunk is a
// coherent section. The heading stays with its section; oversized sections
// fall back to sentence chunking with the heading prefixed onto every
// piece so search hits keep their place in the document.
type MarkdownChunker struct{}

// ChunkDocument implements Chunker.
func (MarkdownChunker) ChunkDocument(doc *types.Document, opts Options) ([]string, error) {
	sections := splitSections(doc.Content)
	if len(sections) == 0 {
		return nil, nil
	}

	var chunks []string
	for _, sec := range sections {
		if EstimateTokens(sec.body) <= opts.ChunkSize {
			chunk := strings.TrimSpace(sec.heading + "\n" + sec.body)
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			continue
		}
		for _, piece := range chunkText(sec.body, opts) {
			if sec.heading != "" {
				piece = sec.heading + "\n" + piece
			}
			chunks = append(chunks, piece)
		}
	}
	return chunks, nil
}

type section struct {
	heading string
	body    string
}

// splitSections breaks markdown into heading-led sections. Content before
// the first heading becomes a headingless section. Fenced code blocks are
// opaque; a "#" inside one is not a heading.
func splitSections(content string) []section {
	lines := strings.Split(content, "\n")

	var (
		sections []section
		current  section
		body     []string
		inFence  bool
	)
	flush := func() {
		current.body = strings.TrimSpace(strings.Join(body, "\n"))
		if current.heading != "" || current.body != "" {
			sections = append(sections, current)
		}
		body = body[:0]
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
		}
		if !inFence && isHeading(trimmed) {
			flush()
			current = section{heading: trimmed}
			continue
		}
		body = append(body, line)
	}
	flush()
	return sections
}

func isHeading(line string) bool {
	if !strings.HasPrefix(line, "#") {
		return false
	}
	hashes := 0
	for hashes < len(line) && line[hashes] == '#' {
		hashes++
	}
	return hashes <= 6 && hashes < len(line) && line[hashes] == ' '
}
