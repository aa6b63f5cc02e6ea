package llm

import (
	"fmt"
	"strings"
)

// Prompt builders for memory enrichment. Every prompt demands raw JSON and
// every caller still runs the response through ExtractJSON, because models
// add prose around the JSON no matter what the prompt says.

// BuildRelationshipPrompt asks the model to classify how a new memory
// relates to one existing memory.
func BuildRelationshipPrompt(newMemory, existingMemory string) string {
	return fmt.Sprintf(`You are analyzing the relationship between two memories about the same user.

New memory: %q
Existing memory: %q

Classify the relationship:
- "updates": the new memory supersedes the existing one; they cannot both be true
- "extends": the new memory adds detail while the existing one stays valid
- "none": the memories are unrelated or merely similar

Respond with ONLY a JSON object, no other text:
{"relationship": "updates|extends|none", "confidence": 0.0-1.0}`,
		newMemory, existingMemory)
}

// BuildContradictionPrompt asks the model whether two statements can both
// be true. Used only inside the heuristic detector's ambiguous band.
func BuildContradictionPrompt(a, b string) string {
	return fmt.Sprintf(`Do these two statements about the same user contradict each other?

Statement A: %q
Statement B: %q

Two statements contradict when they cannot both be true at the same time.
"User lives in Berlin" and "User lives in Paris" contradict.
"User likes coffee" and "User likes tea" do not.

Respond with ONLY a JSON object, no other text:
{"contradicts": true|false, "confidence": 0.0-1.0}`, a, b)
}

// BuildInferencePrompt asks the model to synthesize at most one new insight
// from a seed memory and its related context.
func BuildInferencePrompt(seed string, related []string) string {
	var b strings.Builder
	b.WriteString("You derive non-obvious insights from a user's stored memories.\n\n")
	b.WriteString("Seed memory: " + seed + "\n\nRelated memories:\n")
	for i, r := range related {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r)
	}
	b.WriteString(`
If the memories together imply something that none of them states directly,
produce it as one short factual sentence. If nothing non-obvious follows, or
the conclusion would merely restate an input, produce no inference.

Respond with ONLY a JSON object, no other text:
{"inference": "the derived insight or empty string", "confidence": 0.0-1.0}`)
	return b.String()
}

// BuildMemoryExtractionPrompt asks the model to pull durable user-relevant
// memories out of a document.
func BuildMemoryExtractionPrompt(content string) string {
	return fmt.Sprintf(`Extract durable memories about the user or their world from this document.
Only extract statements worth remembering long-term: stable facts, stated
preferences, and significant events. Skip filler, boilerplate, and anything
about the document itself.

Document:
%s

Respond with ONLY a JSON object, no other text:
{"memories": [{"content": "...", "type": "fact|preference|episode", "confidence": 0.0-1.0, "context": "short quote or note on where this came from"}]}
Return {"memories": []} when nothing qualifies.`, content)
}

// BuildQueryRewritePrompt asks the model to expand a terse search query.
func BuildQueryRewritePrompt(query string) string {
	return fmt.Sprintf(`Rewrite this search query to improve semantic retrieval over a personal
memory store. Expand abbreviations, resolve vague references, and add the
obvious synonyms. Keep it one sentence. Do not change the meaning.

Query: %q

Respond with ONLY a JSON object, no other text:
{"rewritten": "the expanded query"}`, query)
}

// BuildContainerFilterPrompt asks the model whether a document belongs in a
// container, per the container's own filter instructions.
func BuildContainerFilterPrompt(filterInstructions, content string) string {
	preview := content
	if len(preview) > 4000 {
		preview = preview[:4000]
	}
	return fmt.Sprintf(`You decide whether a document should be ingested into a memory container.

Container rule: %s

Document (may be truncated):
%s

Respond with ONLY a JSON object, no other text:
{"ingest": true|false, "reason": "one short sentence"}`, filterInstructions, preview)
}

// BuildProfileNarrativePrompt asks the model for a prose summary of a
// user's memories.
func BuildProfileNarrativePrompt(static, dynamic []string) string {
	var b strings.Builder
	b.WriteString("Write a short third-person narrative profile of this user from their stored memories.\n")
	b.WriteString("Two to four sentences, plain prose, no headers, no speculation beyond the memories.\n\n")
	if len(static) > 0 {
		b.WriteString("Core facts:\n")
		for _, s := range static {
			b.WriteString("- " + s + "\n")
		}
	}
	if len(dynamic) > 0 {
		b.WriteString("Recent memories:\n")
		for _, s := range dynamic {
			b.WriteString("- " + s + "\n")
		}
	}
	b.WriteString("\nRespond with the narrative text only.")
	return b.String()
}
