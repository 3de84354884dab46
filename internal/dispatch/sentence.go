package dispatch

import (
	"strings"
	"unicode"
)

// sentenceSplitter incrementally slices a token stream into sentence chunks.
// A chunk is flushed as soon as a sentence terminator (".", "?", "!") is
// followed by whitespace, or when the word cap is reached — whichever comes
// first. The cap bounds time-to-first-audio for downstream synthesis when the
// model produces a long run without punctuation.
//
// Not safe for concurrent use; the dispatcher feeds it from a single
// goroutine.
type sentenceSplitter struct {
	buf     strings.Builder
	wordCap int
}

// newSentenceSplitter creates a splitter with the given word cap. The cap
// must be positive.
func newSentenceSplitter(wordCap int) *sentenceSplitter {
	return &sentenceSplitter{wordCap: wordCap}
}

// feed appends streamed text and returns any complete sentence chunks, in
// order. Returned chunks are trimmed of surrounding whitespace.
func (s *sentenceSplitter) feed(text string) []string {
	s.buf.WriteString(text)

	var out []string
	for {
		chunk, rest, ok := s.split(s.buf.String())
		if !ok {
			break
		}
		s.buf.Reset()
		s.buf.WriteString(rest)
		if chunk != "" {
			out = append(out, chunk)
		}
	}
	return out
}

// flush returns whatever is buffered as a final chunk, trimmed. Call once
// after the stream ends.
func (s *sentenceSplitter) flush() string {
	chunk := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return chunk
}

// split finds the earliest flush point in text. Returns the trimmed chunk,
// the remaining text, and whether a flush point was found.
func (s *sentenceSplitter) split(text string) (chunk, rest string, ok bool) {
	runes := []rune(text)
	words := 0
	inWord := false

	for i, r := range runes {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			inWord = true
			words++
		}

		if !isTerminator(r) {
			continue
		}
		// A period between digits is a decimal point, not a boundary.
		if r == '.' && i > 0 && i+1 < len(runes) &&
			unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1]) {
			continue
		}
		// Only split when the terminator is known to end the sentence: the
		// next rune is whitespace. A terminator at the very end of the
		// buffer may still grow ("1.", then "5 percent"), so it waits for
		// more input or the final flush.
		if i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			return strings.TrimSpace(string(runes[:i+1])), string(runes[i+1:]), true
		}
	}

	// Word cap: flush at the last whitespace boundary.
	if words > s.wordCap {
		if cut := strings.LastIndexFunc(text, unicode.IsSpace); cut > 0 {
			return strings.TrimSpace(text[:cut]), text[cut+1:], true
		}
	}

	return "", text, false
}

func isTerminator(r rune) bool {
	return r == '.' || r == '?' || r == '!'
}
