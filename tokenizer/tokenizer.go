// Package tokenizer turns source text into searchable terms.
//
// Alphanumeric runs are terms. The characters $ @ # - and _ extend a term
// instead of splitting it, so "$variable", "@decorator", "->get" (as "-" and
// "get") and "snake_case" stay recognisable. Every other byte is a separator.
// Terms are lower-cased with the same rule at index and query time.
package tokenizer

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Version identifies the tokenization rules. It is stored with every index so
// that postings produced by different rules are never mixed.
const Version = 1

// binarySniffLen is how much of a file is inspected by IsBinary.
const binarySniffLen = 8192

// binaryRatio is the share of non-printable bytes above which content is binary.
const binaryRatio = 0.30

// Token is a single term with its position in the source text.
type Token struct {
	Term   string
	Offset int // byte offset of the first byte of the term
	Line   int // 1-based line number
}

// Stream lazily yields the tokens of a text. It is finite and can be
// restarted with Reset.
type Stream struct {
	text string
	pos  int
	line int
}

// New returns a stream positioned at the start of text.
func New(text string) *Stream {
	return &Stream{text: text, line: 1}
}

// Reset rewinds the stream to the beginning of its text.
func (s *Stream) Reset() {
	s.pos = 0
	s.line = 1
}

// Next returns the next token. The boolean is false once the text is exhausted.
func (s *Stream) Next() (Token, bool) {
	for s.pos < len(s.text) {
		r, size := utf8.DecodeRuneInString(s.text[s.pos:])
		if r == '\n' {
			s.line++
			s.pos += size
			continue
		}
		if !IsTermRune(r) {
			s.pos += size
			continue
		}

		start := s.pos
		for s.pos < len(s.text) {
			r, size = utf8.DecodeRuneInString(s.text[s.pos:])
			if !IsTermRune(r) {
				break
			}
			s.pos += size
		}
		return Token{
			Term:   Normalize(s.text[start:s.pos]),
			Offset: start,
			Line:   s.line,
		}, true
	}
	return Token{}, false
}

// IsTermRune reports whether r belongs inside a term.
func IsTermRune(r rune) bool {
	switch r {
	case '$', '@', '#', '-', '_':
		return true
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Normalize applies the case-folding policy to a raw term.
func Normalize(term string) string {
	return strings.ToLower(term)
}

// Terms returns only the terms of text, in order.
func Terms(text string) []string {
	var terms []string
	s := New(text)
	for {
		tok, ok := s.Next()
		if !ok {
			return terms
		}
		terms = append(terms, tok.Term)
	}
}

// HasSeparatorPunct reports whether text contains punctuation that the
// tokenizer drops. Such queries need a literal check on top of term matching.
func HasSeparatorPunct(text string) bool {
	for _, r := range text {
		if unicode.IsSpace(r) || IsTermRune(r) {
			continue
		}
		return true
	}
	return false
}

// IsBinary classifies content as binary when its first bytes contain a NUL or
// too many non-printable bytes.
func IsBinary(data []byte) bool {
	if len(data) > binarySniffLen {
		data = data[:binarySniffLen]
	}
	if len(data) == 0 {
		return false
	}

	nonPrintable := 0
	for _, b := range data {
		switch {
		case b == 0:
			return true
		case b == '\n' || b == '\r' || b == '\t' || b == '\f' || b == '\v':
		case b < 0x20 || b == 0x7f:
			nonPrintable++
		}
	}
	return float64(nonPrintable)/float64(len(data)) > binaryRatio
}
