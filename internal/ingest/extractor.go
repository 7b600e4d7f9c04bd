package ingest

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Extractor converts raw document bytes into plain text.
type Extractor interface {
	Extract(ctx context.Context, raw []byte, contentType string) (string, error)
}

// TextExtractor handles plain-text family content. Invalid UTF-8 sequences
// are replaced rather than rejected, since partially mangled documents are
// common in practice.
type TextExtractor struct{}

// NewTextExtractor creates a plain-text extractor.
func NewTextExtractor() *TextExtractor {
	return &TextExtractor{}
}

// Extract implements Extractor.
func (e *TextExtractor) Extract(_ context.Context, raw []byte, contentType string) (string, error) {
	if !supportsContentType(contentType) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedContentType, contentType)
	}

	text := string(raw)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	// Null bytes break Postgres text columns.
	text = strings.ReplaceAll(text, "\x00", "")
	return text, nil
}

func supportsContentType(contentType string) bool {
	base, _, _ := strings.Cut(contentType, ";")
	base = strings.TrimSpace(strings.ToLower(base))
	if strings.HasPrefix(base, "text/") {
		return true
	}
	switch base {
	case "application/json", "application/xml", "application/yaml",
		"application/x-yaml", "application/toml", "application/javascript",
		"application/x-sh":
		return true
	}
	return false
}
