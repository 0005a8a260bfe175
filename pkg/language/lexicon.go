package language

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed data/languages.yaml
var defaultLexicon []byte

// Context categories.
const (
	ContextMedical     = "medical"
	ContextAppointment = "appointment"
	ContextEmergency   = "emergency"
	ContextNoText      = "no_text"
)

var ErrEmptyLexicon = errors.New("lexicon defines no languages")

// Profile per-language lexical data.
type Profile struct {
	Code           string
	Name           string
	Weight         float64
	Keywords       []Term
	Greetings      []Term
	Common         []Term
	Healthcare     []Term
	MedicalPhrases []Term
}

// Lexicon is a versioned set of language profiles plus the shared
// category -> language -> terms context table.
type Lexicon struct {
	Version  int
	Profiles map[string]*Profile
	Contexts map[string]map[string][]Term
}

type profileDoc struct {
	Name       string   `yaml:"name"`
	Weight     float64  `yaml:"weight"`
	Keywords   []string `yaml:"keywords"`
	Greetings  []string `yaml:"greetings"`
	Common     []string `yaml:"common"`
	Healthcare []string `yaml:"healthcare"`
	Phrases    []string `yaml:"phrases"`
}

type lexiconDoc struct {
	Version   int                            `yaml:"version"`
	Languages map[string]profileDoc          `yaml:"languages"`
	Contexts  map[string]map[string][]string `yaml:"contexts"`
}

// LoadLexicon parses a YAML lexicon document.
func LoadLexicon(r io.Reader) (*Lexicon, error) {
	var doc lexiconDoc
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode lexicon: %w", err)
	}
	if len(doc.Languages) == 0 {
		return nil, ErrEmptyLexicon
	}

	lex := &Lexicon{
		Version:  doc.Version,
		Profiles: make(map[string]*Profile, len(doc.Languages)),
		Contexts: make(map[string]map[string][]Term, len(doc.Contexts)),
	}
	for code, p := range doc.Languages {
		weight := p.Weight
		if weight <= 0 {
			weight = 1.0
		}
		lex.Profiles[code] = &Profile{
			Code:           code,
			Name:           p.Name,
			Weight:         weight,
			Keywords:       NewTerms(p.Keywords),
			Greetings:      NewTerms(p.Greetings),
			Common:         NewTerms(p.Common),
			Healthcare:     NewTerms(p.Healthcare),
			MedicalPhrases: NewTerms(p.Phrases),
		}
	}
	for category, perLang := range doc.Contexts {
		m := make(map[string][]Term, len(perLang))
		for code, terms := range perLang {
			if _, ok := lex.Profiles[code]; !ok {
				return nil, fmt.Errorf("context %q references unknown language %q", category, code)
			}
			m[code] = NewTerms(terms)
		}
		lex.Contexts[category] = m
	}
	return lex, nil
}

// DefaultLexicon returns the embedded lexicon.
func DefaultLexicon() *Lexicon {
	lex, err := LoadLexicon(bytes.NewReader(defaultLexicon))
	if err != nil {
		panic(fmt.Sprintf("embedded lexicon: %v", err))
	}
	return lex
}

// Codes returns the supported language codes in sorted order.
func (l *Lexicon) Codes() []string {
	codes := make([]string, 0, len(l.Profiles))
	for code := range l.Profiles {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Supports reports whether code has a profile.
func (l *Lexicon) Supports(code string) bool {
	_, ok := l.Profiles[code]
	return ok
}

func (l *Lexicon) categories() []string {
	out := make([]string, 0, len(l.Contexts))
	for c := range l.Contexts {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
