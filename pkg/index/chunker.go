// Package index maintains the search index and its memo cache: text
// chunking, tokenization delegation, and the content-hash-keyed store
// that decouples expensive computation from business identity.
package index

import (
	"strings"
	"unicode"
)

// Default chunking parameters.
const (
	DefaultChunkSize    = 800
	DefaultChunkOverlap = 100
)

// ChunkText splits text into sliding windows of size runes with the
// given overlap. A remainder shorter than half the window is folded
// into the previous chunk rather than emitted alone. Empty input
// produces no chunks.
func ChunkText(text string, size, overlap int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 8
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	step := size - overlap
	var chunks []string
	start := 0
	for start+size <= len(runes) {
		chunks = append(chunks, string(runes[start:start+size]))
		start += step
	}

	if start < len(runes) {
		tail := len(runes) - start
		if tail < size/2 && len(chunks) > 0 {
			// Fold the short remainder into the last window.
			lastStart := start - step
			chunks[len(chunks)-1] = string(runes[lastStart:])
		} else {
			chunks = append(chunks, string(runes[start:]))
		}
	}

	return chunks
}

// ChunkSentences accumulates whole sentences up to maxSize runes per
// chunk instead of cutting mid-sentence. Sentences longer than maxSize
// become chunks of their own. Empty input produces no chunks.
func ChunkSentences(text string, maxSize int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if maxSize <= 0 {
		maxSize = DefaultChunkSize
	}

	sentences := splitSentences(text)

	var chunks []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if currentLen > 0 {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
			currentLen = 0
		}
	}

	for _, sentence := range sentences {
		n := len([]rune(sentence))
		if currentLen > 0 && currentLen+n+1 > maxSize {
			flush()
		}
		if currentLen > 0 {
			current.WriteByte(' ')
			currentLen++
		}
		current.WriteString(sentence)
		currentLen += n
	}
	flush()

	return chunks
}

// splitSentences cuts text at sentence-ending punctuation followed by
// whitespace, and at blank lines.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)

		terminal := r == '.' || r == '!' || r == '?' || r == '\n'
		if !terminal {
			continue
		}
		if r != '\n' && i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}

		if s := strings.TrimSpace(current.String()); s != "" {
			sentences = append(sentences, s)
		}
		current.Reset()
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}

	return sentences
}
