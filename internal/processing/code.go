package processing

import (
	"fmt"
	"strings"

	"github.com/momohq/momo/pkg/types"
)

// declarationKeywords start a top-level declaration in the supported
// languages. Matching is per-line at zero indentation, which holds for
// every mainstream formatter.
var declarationKeywords = []string{
	"func ", "type ", "var ", "const ", // go
	"fn ", "pub fn ", "impl ", "struct ", "enum ", "trait ", "pub struct ", "pub enum ", // rust
	"def ", "class ", "async def ", // python
	"function ", "export function ", "export default ", "export const ", "export class ", // js/ts
	"public ", "private ", "protected ", "static ", "interface ", // java/c#
}

// CodeChunker splits source files per top-level declaration. Each chunk
// carries a context header (file, imports, sibling declaration names) so
// an isolated chunk still tells the reader where it lives and what it can
// reference.
type CodeChunker struct{}

// ChunkDocument implements Chunker.
func (CodeChunker) ChunkDocument(doc *types.Document, opts Options) ([]string, error) {
	sourcePath := doc.Metadata.GetString("source_path")
	if sourcePath == "" {
		sourcePath = doc.Title
	}

	decls, imports := splitDeclarations(doc.Content)
	if len(decls) == 0 {
		// no recognizable structure, chunk as text
		return chunkText(doc.Content, opts), nil
	}

	names := make([]string, 0, len(decls))
	for _, d := range decls {
		if d.name != "" {
			names = append(names, d.name)
		}
	}

	var chunks []string
	for _, d := range decls {
		header := buildCodeHeader(sourcePath, imports, names, d.name)
		body := strings.TrimRight(d.body, "\n")
		if EstimateTokens(header+body) <= opts.ChunkSize {
			chunks = append(chunks, header+body)
			continue
		}
		// oversized declaration: split its lines, repeating the header
		for _, piece := range chunkLines(body, opts.ChunkSize-EstimateTokens(header)) {
			chunks = append(chunks, header+piece)
		}
	}
	return chunks, nil
}

type declaration struct {
	name string
	body string
}

// splitDeclarations walks the file line by line, starting a new
// declaration at every zero-indent declaration keyword. Leading comments
// directly above a declaration stay attached to it. Import lines are
// collected separately for the context header.
func splitDeclarations(content string) ([]declaration, []string) {
	lines := strings.Split(content, "\n")

	var (
		decls   []declaration
		imports []string
		current []string
		name    string
	)
	flush := func() {
		body := strings.TrimSpace(strings.Join(current, "\n"))
		if body != "" && name != "" {
			decls = append(decls, declaration{name: name, body: body + "\n"})
		}
		current = current[:0]
	}

	inImportBlock := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "import") || strings.HasPrefix(trimmed, "use ") ||
			strings.HasPrefix(trimmed, "from ") || strings.HasPrefix(trimmed, "#include") {
			imports = append(imports, trimmed)
			inImportBlock = strings.HasSuffix(trimmed, "(")
			continue
		}
		if inImportBlock {
			if trimmed == ")" {
				inImportBlock = false
			} else if trimmed != "" {
				imports = append(imports, trimmed)
			}
			continue
		}

		if n := declarationName(line); n != "" {
			lead := popTrailingComments(&current)
			flush()
			name = n
			current = append(current, lead...)
		}
		current = append(current, line)
	}
	flush()
	return decls, imports
}

// popTrailingComments removes the comment lines sitting directly above a
// declaration so they travel with it instead of the previous block.
func popTrailingComments(lines *[]string) []string {
	ls := *lines
	cut := len(ls)
	for cut > 0 {
		t := strings.TrimSpace(ls[cut-1])
		if strings.HasPrefix(t, "//") || strings.HasPrefix(t, "#") ||
			strings.HasPrefix(t, "*") || strings.HasPrefix(t, "/*") ||
			strings.HasPrefix(t, "--") {
			cut--
			continue
		}
		break
	}
	lead := append([]string(nil), ls[cut:]...)
	*lines = ls[:cut]
	return lead
}

// declarationName returns the identifier a zero-indent declaration line
// introduces, or "".
func declarationName(line string) string {
	if line == "" || line[0] == ' ' || line[0] == '\t' {
		return ""
	}
	for _, kw := range declarationKeywords {
		if !strings.HasPrefix(line, kw) {
			continue
		}
		rest := strings.TrimSpace(line[len(kw):])
		// strip a Go method receiver
		if strings.HasPrefix(rest, "(") {
			if end := strings.Index(rest, ")"); end >= 0 {
				rest = strings.TrimSpace(rest[end+1:])
			}
		}
		end := strings.IndexFunc(rest, func(r rune) bool {
			return !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
		})
		if end == -1 {
			end = len(rest)
		}
		if end == 0 {
			return ""
		}
		return rest[:end]
	}
	return ""
}

// buildCodeHeader renders the comment block prefixed onto every code
// chunk.
func buildCodeHeader(path string, imports, siblings []string, self string) string {
	var b strings.Builder
	if path != "" {
		fmt.Fprintf(&b, "# File: %s\n", path)
	}
	if len(imports) > 0 {
		shown := imports
		if len(shown) > 10 {
			shown = shown[:10]
		}
		fmt.Fprintf(&b, "# Imports: %s\n", strings.Join(shown, "; "))
	}
	var others []string
	for _, s := range siblings {
		if s != self {
			others = append(others, s)
		}
	}
	if len(others) > 0 {
		if len(others) > 20 {
			others = others[:20]
		}
		fmt.Fprintf(&b, "# Sibling definitions: %s\n", strings.Join(others, ", "))
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	return b.String()
}

// chunkLines splits text into pieces of at most budget tokens along line
// boundaries.
func chunkLines(text string, budget int) []string {
	if budget < 1 {
		budget = 1
	}
	var (
		chunks  []string
		current []string
		tokens  int
	)
	for _, line := range strings.Split(text, "\n") {
		lt := EstimateTokens(line)
		if tokens+lt > budget && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, "\n"))
			current = current[:0]
			tokens = 0
		}
		current = append(current, line)
		tokens += lt
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, "\n"))
	}
	return chunks
}
