package language

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	xlang "golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

var (
	lower = cases.Lower(xlang.Und)

	apostrophes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'", "`", "'")
)

// Normalize returns text in NFC, lower-cased, trimmed, with typographic
// apostrophes folded to ASCII.
func Normalize(text string) string {
	s := norm.NFC.String(text)
	s = apostrophes.Replace(s)
	return strings.TrimSpace(lower.String(s))
}

// Tokenize splits normalized text into tokens: runs of letters and
// digits, with every Han character standing alone.
func Tokenize(s string) []string {
	var tokens []string
	start := -1
	for i, r := range s {
		switch {
		case unicode.Is(unicode.Han, r):
			if start >= 0 {
				tokens = append(tokens, s[start:i])
				start = -1
			}
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r):
			if start < 0 {
				start = i
			}
		default:
			if start >= 0 {
				tokens = append(tokens, s[start:i])
				start = -1
			}
		}
	}
	if start >= 0 {
		tokens = append(tokens, s[start:])
	}
	return tokens
}

// Text is a normalized, tokenized utterance prepared for term matching.
type Text struct {
	Raw    string
	Tokens []string

	set    map[string]struct{}
	padded string
}

// NewText normalizes and tokenizes raw.
func NewText(raw string) *Text {
	tokens := Tokenize(Normalize(raw))
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return &Text{
		Raw:    raw,
		Tokens: tokens,
		set:    set,
		padded: " " + strings.Join(tokens, " ") + " ",
	}
}

// Empty reports whether the text has no letters at all.
func (t *Text) Empty() bool {
	for _, tok := range t.Tokens {
		for _, r := range tok {
			if unicode.IsLetter(r) {
				return false
			}
		}
	}
	return true
}

// Has reports whether term occurs in the text. Single-token terms match
// whole tokens; multi-token terms match a contiguous token sequence.
func (t *Text) Has(term Term) bool {
	switch len(term.tokens) {
	case 0:
		return false
	case 1:
		_, ok := t.set[term.tokens[0]]
		return ok
	default:
		return strings.Contains(t.padded, term.padded)
	}
}

// CountAny returns how many of terms occur in the text.
func (t *Text) CountAny(terms []Term) int {
	n := 0
	for _, term := range terms {
		if t.Has(term) {
			n++
		}
	}
	return n
}

// Matches returns the source form of every term that occurs in the text.
func (t *Text) Matches(terms []Term) []string {
	var out []string
	for _, term := range terms {
		if t.Has(term) {
			out = append(out, term.Source)
		}
	}
	return out
}

// ASCIIAlphabet reports whether every letter in the text is a-z and
// there is at least one.
func (t *Text) ASCIIAlphabet() bool {
	seen := false
	for _, tok := range t.Tokens {
		for _, r := range tok {
			if unicode.IsDigit(r) {
				continue
			}
			if r < 'a' || r > 'z' {
				return false
			}
			seen = true
		}
	}
	return seen
}

// Term is a lexicon entry prepared for matching.
type Term struct {
	Source string

	tokens []string
	padded string
}

// NewTerm tokenizes a lexicon entry the same way utterances are.
func NewTerm(s string) Term {
	tokens := Tokenize(Normalize(s))
	return Term{
		Source: strings.TrimSpace(s),
		tokens: tokens,
		padded: " " + strings.Join(tokens, " ") + " ",
	}
}

// NewTerms converts entries, skipping those that tokenize to nothing.
func NewTerms(entries []string) []Term {
	out := make([]Term, 0, len(entries))
	for _, e := range entries {
		if term := NewTerm(e); len(term.tokens) > 0 {
			out = append(out, term)
		}
	}
	return out
}

// Within reports whether t is a contiguous part of other and not equal to it.
func (t Term) Within(other Term) bool {
	return len(t.tokens) < len(other.tokens) && strings.Contains(other.padded, t.padded)
}
