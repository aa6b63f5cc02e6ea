package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RelationshipResponse is the parsed relationship classification.
type RelationshipResponse struct {
	Relationship string  `json:"relationship"`
	Confidence   float64 `json:"confidence"`
}

// ContradictionResponse is the parsed contradiction confirmation.
type ContradictionResponse struct {
	Contradicts bool    `json:"contradicts"`
	Confidence  float64 `json:"confidence"`
}

// InferenceResponse is the parsed inference result. An empty Inference
// string means the model declined to infer anything.
type InferenceResponse struct {
	Inference  string  `json:"inference"`
	Confidence float64 `json:"confidence"`
}

// ExtractedMemory is one memory pulled from a document.
type ExtractedMemory struct {
	Content    string  `json:"content"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Context    string  `json:"context,omitempty"`
}

// ExtractionResponse is the parsed memory extraction result.
type ExtractionResponse struct {
	Memories []ExtractedMemory `json:"memories"`
}

// RewriteResponse is the parsed query rewrite.
type RewriteResponse struct {
	Rewritten string `json:"rewritten"`
}

// FilterResponse is the parsed container-filter decision.
type FilterResponse struct {
	Ingest bool   `json:"ingest"`
	Reason string `json:"reason"`
}

// ExtractJSON extracts the first complete JSON object from text that may
// contain extra prose. Models add explanations before and after the JSON
// despite explicit instructions, so every response goes through here.
func ExtractJSON(text string) string {
	// strip markdown code fences first
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return text // no JSON found, let the caller's parser fail with context
	}

	braceCount := 0
	inString := false
	escape := false

	for i := start; i < len(text); i++ {
		char := text[i]

		if escape {
			escape = false
			continue
		}
		if char == '\\' {
			escape = true
			continue
		}
		if char == '"' {
			inString = !inString
			continue
		}

		if !inString {
			switch char {
			case '{':
				braceCount++
			case '}':
				braceCount--
				if braceCount == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	// unbalanced braces, return from the first brace on and let the parser
	// report the real problem
	return text[start:]
}

// ParseRelationship parses a relationship classification response. The
// relationship value is lowercased; anything unrecognized becomes "none".
func ParseRelationship(raw string) (*RelationshipResponse, error) {
	var resp RelationshipResponse
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &resp); err != nil {
		return nil, fmt.Errorf("parse relationship response: %w", err)
	}
	resp.Relationship = strings.ToLower(strings.TrimSpace(resp.Relationship))
	switch resp.Relationship {
	case "updates", "extends", "none":
	default:
		resp.Relationship = "none"
	}
	resp.Confidence = clampConfidence(resp.Confidence)
	return &resp, nil
}

// ParseContradiction parses a contradiction confirmation response.
func ParseContradiction(raw string) (*ContradictionResponse, error) {
	var resp ContradictionResponse
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &resp); err != nil {
		return nil, fmt.Errorf("parse contradiction response: %w", err)
	}
	resp.Confidence = clampConfidence(resp.Confidence)
	return &resp, nil
}

// ParseInference parses an inference response.
func ParseInference(raw string) (*InferenceResponse, error) {
	var resp InferenceResponse
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &resp); err != nil {
		return nil, fmt.Errorf("parse inference response: %w", err)
	}
	resp.Inference = strings.TrimSpace(resp.Inference)
	resp.Confidence = clampConfidence(resp.Confidence)
	return &resp, nil
}

// ParseExtraction parses a memory extraction response, dropping entries
// with empty content.
func ParseExtraction(raw string) (*ExtractionResponse, error) {
	var resp ExtractionResponse
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &resp); err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}
	kept := resp.Memories[:0]
	for _, m := range resp.Memories {
		m.Content = strings.TrimSpace(m.Content)
		if m.Content == "" {
			continue
		}
		m.Confidence = clampConfidence(m.Confidence)
		kept = append(kept, m)
	}
	resp.Memories = kept
	return &resp, nil
}

// ParseRewrite parses a query rewrite response.
func ParseRewrite(raw string) (*RewriteResponse, error) {
	var resp RewriteResponse
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &resp); err != nil {
		return nil, fmt.Errorf("parse rewrite response: %w", err)
	}
	resp.Rewritten = strings.TrimSpace(resp.Rewritten)
	return &resp, nil
}

// ParseFilter parses a container-filter decision.
func ParseFilter(raw string) (*FilterResponse, error) {
	var resp FilterResponse
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &resp); err != nil {
		return nil, fmt.Errorf("parse filter response: %w", err)
	}
	resp.Reason = strings.TrimSpace(resp.Reason)
	return &resp, nil
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
