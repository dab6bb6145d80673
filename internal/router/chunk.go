package router

import (
	"strings"
	"unicode/utf8"
)

// maxMessageLen is the byte budget for one outbound text message. The
// vendor rejects longer bodies; 3500 leaves headroom for markup.
const maxMessageLen = 3500

// splitMessage splits a long message into chunks that fit within maxLen.
// It tries to split at natural boundaries: paragraphs, then lines, then
// sentences, then words.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	remaining := text

	for len(remaining) > 0 {
		if len(remaining) <= maxLen {
			chunks = append(chunks, remaining)
			break
		}

		splitAt := findSplitPoint(remaining, maxLen)
		chunk := strings.TrimSpace(remaining[:splitAt])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimSpace(remaining[splitAt:])
	}

	return chunks
}

// sentenceEnds are boundaries preferred over a mid-sentence cut. The CJK
// full stops carry no trailing space.
var sentenceEnds = []string{". ", "! ", "? ", "。", "！", "？"}

// findSplitPoint finds the best position to split text, preferring
// natural boundaries. The returned offset never lands inside a UTF-8
// sequence.
func findSplitPoint(text string, maxLen int) int {
	if len(text) <= maxLen {
		return len(text)
	}

	// Pull the cut back to a rune start so the hard-split fallback and
	// the search window both end on a boundary.
	for maxLen > 0 && !utf8.RuneStart(text[maxLen]) {
		maxLen--
	}
	searchArea := text[:maxLen]

	// Paragraph boundary first.
	if idx := strings.LastIndex(searchArea, "\n\n"); idx > maxLen/2 {
		return idx + 2
	}

	if idx := strings.LastIndex(searchArea, "\n"); idx > maxLen/2 {
		return idx + 1
	}

	for _, sep := range sentenceEnds {
		if idx := strings.LastIndex(searchArea, sep); idx > maxLen/2 {
			return idx + len(sep)
		}
	}

	if idx := strings.LastIndex(searchArea, " "); idx > maxLen/2 {
		return idx + 1
	}

	// Hard split at maxLen.
	return maxLen
}
