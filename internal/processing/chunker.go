// Package processing implements document ingestion: type-specific
// chunkers, content extraction, and the worker pipeline that moves
// documents through the queued -> extracting -> chunking -> embedding ->
// indexing -> done state machine.
package processing

import (
	"strings"

	"github.com/momohq/momo/pkg/types"
)

// Options controls chunk sizing. Sizes are in estimated tokens.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
}

// Chunker splits a document's content into indexable pieces.
type Chunker interface {
	ChunkDocument(doc *types.Document, opts Options) ([]string, error)
}

// EstimateTokens approximates the token count of text as ceil(len/4).
// Good enough for chunk sizing across the models in use.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// abbreviations that end with a period but do not end a sentence.
var abbreviations = map[string]bool{
	"mr.": true, "mrs.": true, "ms.": true, "dr.": true, "prof.": true,
	"sr.": true, "jr.": true, "st.": true, "vs.": true, "etc.": true,
	"e.g.": true, "i.e.": true, "cf.": true, "al.": true, "fig.": true,
	"no.": true, "inc.": true, "ltd.": true, "dept.": true, "approx.": true,
}

// TextChunker splits plain text into sentence-aligned chunks. Sentences
// are never split; a chunk grows whole sentences until the size budget,
// and consecutive chunks share trailing sentences up to the overlap
// budget so no statement loses its context at a boundary.
type TextChunker struct{}

// ChunkDocument implements Chunker.
func (TextChunker) ChunkDocument(doc *types.Document, opts Options) ([]string, error) {
	return chunkText(doc.Content, opts), nil
}

func chunkText(content string, opts Options) []string {
	sentences := SplitSentences(content)
	if len(sentences) == 0 {
		return nil
	}

	var (
		chunks  []string
		current []string
		tokens  int
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, strings.TrimSpace(strings.Join(current, " ")))

		// carry trailing sentences into the next chunk as overlap
		var carry []string
		carryTokens := 0
		for i := len(current) - 1; i >= 0; i-- {
			st := EstimateTokens(current[i])
			if carryTokens+st > opts.ChunkOverlap {
				break
			}
			carry = append([]string{current[i]}, carry...)
			carryTokens += st
		}
		current = carry
		tokens = carryTokens
	}

	for _, sentence := range sentences {
		st := EstimateTokens(sentence)
		if tokens+st > opts.ChunkSize && len(current) > 0 {
			flush()
		}
		current = append(current, sentence)
		tokens += st
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.TrimSpace(strings.Join(current, " ")))
	}
	return chunks
}

// SplitSentences breaks text on sentence-ending punctuation, keeping the
// punctuation with the sentence. Known abbreviations and single-initial
// periods ("J. Smith") do not end a sentence.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	start := 0
	runes := []rune(text)

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		// a terminator only counts when followed by whitespace or EOF
		if i+1 < len(runes) && !isSpace(runes[i+1]) {
			continue
		}
		if c == '.' && isAbbreviationEnd(runes, start, i) {
			continue
		}
		sentence := strings.TrimSpace(string(runes[start : i+1]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = i + 1
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// isAbbreviationEnd reports whether the period at idx terminates an
// abbreviation or a single initial rather than a sentence.
func isAbbreviationEnd(runes []rune, start, idx int) bool {
	wordStart := idx
	for wordStart > start && !isSpace(runes[wordStart-1]) {
		wordStart--
	}
	word := strings.ToLower(string(runes[wordStart : idx+1]))
	if abbreviations[word] {
		return true
	}
	// dotted acronym: "U.S."
	if strings.Count(word, ".") > 1 {
		return true
	}
	// single capital initial: "J."
	return len(word) == 2 && word[0] >= 'a' && word[0] <= 'z'
}
