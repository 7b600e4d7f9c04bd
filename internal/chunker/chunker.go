// Package chunker splits normalized document text into overlapping,
// boundary-aware segments sized for embedding.
package chunker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	// ErrInvalidConfig indicates invalid chunking parameters.
	ErrInvalidConfig = errors.New("invalid chunker configuration")
)

const (
	// DefaultMaxSize is the default maximum chunk size in characters.
	DefaultMaxSize = 800

	// DefaultOverlap is the default overlap between consecutive chunks.
	DefaultOverlap = 150

	// maxHeadingLen is the longest first line still treated as a heading.
	maxHeadingLen = 120
)

var (
	paragraphBreakRe = regexp.MustCompile(`\n{2,}`)
	sentenceEndRe    = regexp.MustCompile(`[.!?]["'”’)\]}]*\s`)
	newlineRe        = regexp.MustCompile(`\r\n?`)
)

// Config holds chunking parameters.
type Config struct {
	// MaxSize is the maximum chunk size in characters.
	MaxSize int

	// Overlap is the number of characters shared between consecutive chunks.
	Overlap int
}

// NewDefaultConfig returns the default chunking parameters.
func NewDefaultConfig() Config {
	return Config{MaxSize: DefaultMaxSize, Overlap: DefaultOverlap}
}

// Validate checks the chunking parameters.
func (c Config) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("%w: max size must be positive, got %d", ErrInvalidConfig, c.MaxSize)
	}
	if c.Overlap < 0 {
		return fmt.Errorf("%w: overlap cannot be negative, got %d", ErrInvalidConfig, c.Overlap)
	}
	if c.Overlap >= c.MaxSize {
		return fmt.Errorf("%w: overlap %d must be smaller than max size %d", ErrInvalidConfig, c.Overlap, c.MaxSize)
	}
	return nil
}

// Chunk is one contiguous slice of normalized document text.
type Chunk struct {
	// Index is the zero-based position in the chunk sequence.
	Index int

	// Text is the chunk content with trailing whitespace trimmed.
	Text string

	// StartOffset is the inclusive start in the normalized text.
	StartOffset int

	// EndOffset is the exclusive end in the normalized text, after trimming.
	EndOffset int

	// Heading is inferred from the chunk's first line, if any.
	Heading string

	// Metadata carries inherited document-level tags.
	Metadata map[string]any
}

// Chunker splits text into boundary-aware segments.
type Chunker struct {
	cfg Config
}

// New creates a Chunker, validating the configuration.
func New(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

// Split segments text into ordered chunks covering the input. Returns an
// empty slice when the trimmed, newline-normalized input is empty. The
// docMeta map is copied into every chunk's metadata.
func (c *Chunker) Split(text string, docMeta map[string]any) ([]Chunk, error) {
	normalized := newlineRe.ReplaceAllString(text, "\n")
	if strings.TrimSpace(normalized) == "" {
		return []Chunk{}, nil
	}

	var chunks []Chunk
	offset := 0
	prevEnd := -1

	for offset < len(normalized) {
		hardEnd := offset + c.cfg.MaxSize
		if hardEnd > len(normalized) {
			hardEnd = len(normalized)
		}

		end := hardEnd
		if hardEnd < len(normalized) {
			end = c.findBoundary(normalized, offset, hardEnd)
		}

		slice := strings.TrimRight(normalized[offset:end], " \t\n")
		if len(slice) == 0 {
			// Pathological whitespace run: advance to the hard limit
			// without emitting so the scan always makes progress.
			offset = hardEnd
			for offset < len(normalized) && !utf8.RuneStart(normalized[offset]) {
				offset++
			}
			continue
		}

		chunkEnd := offset + len(slice)
		if chunkEnd <= prevEnd {
			// Overlap produced a regressive chunk; skip past it.
			offset = end
			continue
		}

		chunks = append(chunks, Chunk{
			Index:       len(chunks),
			Text:        slice,
			StartOffset: offset,
			EndOffset:   chunkEnd,
			Heading:     inferHeading(slice),
			Metadata:    copyMeta(docMeta),
		})
		prevEnd = chunkEnd

		if end >= len(normalized) {
			break
		}
		offset = nextStart(offset, end, c.cfg.Overlap)
		// The overlap step counts bytes, so realign to a rune start.
		for offset < len(normalized) && !utf8.RuneStart(normalized[offset]) {
			offset++
		}
	}

	return chunks, nil
}

// findBoundary picks the chunk end for a window that does not reach the end
// of the text. Preference order: last paragraph break inside the window,
// last sentence boundary inside the window, first sentence boundary up to
// maxSize+overlap past the start, hard cut.
func (c *Chunker) findBoundary(text string, offset, hardEnd int) int {
	window := text[offset:hardEnd]

	// Last paragraph break, separator characters included so the next
	// chunk never starts on blank lines.
	if locs := paragraphBreakRe.FindAllStringIndex(window, -1); len(locs) > 0 {
		last := locs[len(locs)-1]
		if last[0] > 0 {
			end := offset + last[1]
			// Consume any newline run continuing past the window edge.
			for end < len(text) && text[end] == '\n' {
				end++
			}
			return end
		}
	}

	// Last sentence-ending punctuation followed by whitespace.
	if locs := sentenceEndRe.FindAllStringIndex(window, -1); len(locs) > 0 {
		last := locs[len(locs)-1]
		if last[0] > 0 {
			// End before the trailing whitespace the pattern consumed.
			return offset + last[1] - 1
		}
	}

	// No boundary inside the hard window: look forward for the first
	// sentence boundary so abnormally long sentences are not chopped.
	searchEnd := offset + c.cfg.MaxSize + c.cfg.Overlap
	if searchEnd > len(text) {
		searchEnd = len(text)
	}
	if searchEnd > hardEnd {
		if loc := sentenceEndRe.FindStringIndex(text[hardEnd:searchEnd]); loc != nil {
			return hardEnd + loc[1] - 1
		}
	}

	// Hard cut, backed off so a multibyte rune is never split.
	for hardEnd > offset && !utf8.RuneStart(text[hardEnd]) {
		hardEnd--
	}
	return hardEnd
}

// nextStart computes the next scan offset, clamped to guarantee forward
// progress even when the overlap would step backward.
func nextStart(start, end, overlap int) int {
	next := end - overlap
	if next <= start {
		next = start + 1
	}
	return next
}

// inferHeading returns the chunk's first line when it looks like a heading:
// short and starting with '#' or an uppercase letter.
func inferHeading(text string) string {
	line := text
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		line = text[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" || len(line) > maxHeadingLen {
		return ""
	}
	first := []rune(line)[0]
	if first == '#' || unicode.IsUpper(first) {
		return line
	}
	return ""
}

func copyMeta(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
