package processing

import (
	"strings"

	"github.com/momohq/momo/pkg/types"
)

// WebpageChunker strips HTML down to its text, approximating markdown for
// headings so section structure survives, then chunks sentence-wise.
// Script, style, and head content is dropped entirely.
type WebpageChunker struct{}

// ChunkDocument implements Chunker.
func (WebpageChunker) ChunkDocument(doc *types.Document, opts Options) ([]string, error) {
	text := StripHTML(doc.Content)
	if text == "" {
		return nil, nil
	}
	if looksLikeMarkdown(text) {
		return MarkdownChunker{}.ChunkDocument(&types.Document{Content: text}, opts)
	}
	return chunkText(text, opts), nil
}

// skippedTags contain no user-visible text.
var skippedTags = map[string]bool{
	"script": true, "style": true, "head": true, "noscript": true,
	"svg": true, "template": true,
}

// headingLevels maps HTML heading tags to markdown prefixes.
var headingLevels = map[string]string{
	"h1": "# ", "h2": "## ", "h3": "### ",
	"h4": "#### ", "h5": "##### ", "h6": "###### ",
}

// StripHTML converts HTML to plain text with markdown-style headings.
// It is a tag scanner, not a parser; malformed markup degrades to keeping
// the text rather than losing it.
func StripHTML(html string) string {
	var (
		b        strings.Builder
		i        int
		skipTag  string
		pending  string // markdown heading prefix for the open heading tag
	)

	for i < len(html) {
		c := html[i]
		if c != '<' {
			if skipTag == "" {
				b.WriteByte(c)
			}
			i++
			continue
		}

		end := strings.IndexByte(html[i:], '>')
		if end == -1 {
			break
		}
		tag := html[i+1 : i+end]
		i += end + 1

		name, closing := tagName(tag)
		switch {
		case skipTag != "":
			if closing && name == skipTag {
				skipTag = ""
			}
		case skippedTags[name]:
			if !closing && !strings.HasSuffix(tag, "/") {
				skipTag = name
			}
		case headingLevels[name] != "":
			if closing {
				b.WriteString("\n")
				pending = ""
			} else {
				b.WriteString("\n" + headingLevels[name])
				pending = name
			}
		case name == "br" || name == "p" || name == "div" || name == "li" || name == "tr":
			if pending == "" {
				b.WriteString("\n")
			}
		}
	}

	return collapseWhitespace(b.String())
}

func tagName(tag string) (name string, closing bool) {
	tag = strings.TrimSpace(tag)
	if strings.HasPrefix(tag, "/") {
		closing = true
		tag = tag[1:]
	}
	end := strings.IndexFunc(tag, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '/' || r == '>'
	})
	if end == -1 {
		end = len(tag)
	}
	return strings.ToLower(tag[:end]), closing
}

func collapseWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
