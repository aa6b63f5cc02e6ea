package processing

import (
	"path/filepath"
	"strings"

	"github.com/momohq/momo/pkg/types"
)

// languageByExtension maps source file extensions to language names.
// Extensions are matched case-insensitively.
var languageByExtension = map[string]string{
	".rs":   "rust",
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".go":   "go",
	".java": "java",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".hpp":  "cpp",
	".cc":   "cpp",
	".cxx":  "cpp",
}

// DetectLanguage returns the programming language for a file path, or ""
// when the extension is not a recognized source language.
func DetectLanguage(path string) string {
	return languageByExtension[strings.ToLower(filepath.Ext(path))]
}

// DocTypeForFile infers the document type for a file path from its
// extension. Used by the watch-folder ingester and batch upload.
func DocTypeForFile(path string) types.DocumentType {
	ext := strings.ToLower(filepath.Ext(path))
	if languageByExtension[ext] != "" {
		return types.DocCode
	}
	switch ext {
	case ".md", ".markdown":
		return types.DocMarkdown
	case ".csv":
		return types.DocCSV
	case ".pdf":
		return types.DocPDF
	case ".docx":
		return types.DocDocx
	case ".pptx":
		return types.DocPptx
	case ".xlsx":
		return types.DocXlsx
	case ".html", ".htm":
		return types.DocWebpage
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return types.DocImage
	case ".mp3", ".wav", ".flac", ".m4a":
		return types.DocAudio
	case ".mp4", ".mov", ".mkv", ".webm":
		return types.DocVideo
	case ".txt", ".text", ".log":
		return types.DocText
	default:
		return types.DocUnknown
	}
}

// RefineDocType sniffs content to upgrade a generic document type.
// Refinement never downgrades: a document submitted as code or markdown
// stays that way even when the sniffer sees only plain text.
func RefineDocType(current types.DocumentType, content, sourcePath string) types.DocumentType {
	if current == types.DocCode || current == types.DocMarkdown {
		return current
	}
	if sourcePath != "" {
		if t := DocTypeForFile(sourcePath); t != types.DocUnknown && t != types.DocText {
			return t
		}
	}
	if current != types.DocText && current != types.DocUnknown {
		return current
	}
	if looksLikeMarkdown(content) {
		return types.DocMarkdown
	}
	if current == types.DocUnknown {
		return types.DocText
	}
	return current
}

func looksLikeMarkdown(content string) bool {
	headings := 0
	for _, line := range strings.Split(content, "\n") {
		if isHeading(strings.TrimSpace(line)) {
			headings++
		}
		if headings >= 2 {
			return true
		}
	}
	return false
}
