package emergency

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/code-100-precent/carevoice/pkg/language"
	"gopkg.in/yaml.v3"
)

//go:embed data/patterns.yaml
var defaultPatterns []byte

var ErrNoPatterns = errors.New("pattern set defines no languages")

// Pattern a phrase with its tier and category.
type Pattern struct {
	Term     language.Term
	Tier     Tier
	Category Category
}

// Table one language's patterns.
type Table struct {
	Language      string
	Patterns      []Pattern
	Progression   []language.Term
	TimeUrgency   []language.Term
	Intensity     []language.Term
	Emphasis      []language.Term
	Fear          []language.Term
	Behavioral    []language.Term
	Escalation    []language.Term
	HealthConcern []language.Term
	SymptomGroups map[string][]language.Term
	Vitals        map[string][]language.Term
	Messages      map[Severity]string

	vitalValues map[string]*regexp.Regexp
}

// Patterns versioned pattern set for all languages.
type Patterns struct {
	Version         int
	Tables          map[string]*Table
	Cooccurrence    [][2]string
	Recommendations map[Severity][]string
	Fallback        []string
}

type tierDoc struct {
	Symptoms        []string `yaml:"symptoms"`
	UrgencyWords    []string `yaml:"urgency_words"`
	ContextualClues []string `yaml:"contextual_clues"`
}

type tableDoc struct {
	Tiers         map[string]tierDoc  `yaml:"tiers"`
	Progression   []string            `yaml:"progression"`
	TimeUrgency   []string            `yaml:"time_urgency"`
	Intensity     []string            `yaml:"intensity"`
	Emphasis      []string            `yaml:"emphasis"`
	Fear          []string            `yaml:"fear"`
	Behavioral    []string            `yaml:"behavioral"`
	Escalation    []string            `yaml:"escalation"`
	HealthConcern []string            `yaml:"health_concern"`
	SymptomGroups map[string][]string `yaml:"symptom_groups"`
	Vitals        map[string][]string `yaml:"vitals"`
	Messages      map[string]string   `yaml:"messages"`
}

type patternsDoc struct {
	Version         int                 `yaml:"version"`
	Fallback        []string            `yaml:"fallback_keywords"`
	Cooccurrence    [][]string          `yaml:"cooccurrence"`
	Recommendations map[string][]string `yaml:"recommendations"`
	Languages       map[string]tableDoc `yaml:"languages"`
}

// LoadPatterns parses a YAML pattern document.
func LoadPatterns(r io.Reader) (*Patterns, error) {
	var doc patternsDoc
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode patterns: %w", err)
	}
	if len(doc.Languages) == 0 {
		return nil, ErrNoPatterns
	}

	p := &Patterns{
		Version:         doc.Version,
		Tables:          make(map[string]*Table, len(doc.Languages)),
		Recommendations: make(map[Severity][]string, len(doc.Recommendations)),
		Fallback:        doc.Fallback,
	}
	for _, pair := range doc.Cooccurrence {
		if len(pair) != 2 {
			return nil, fmt.Errorf("co-occurrence entry %v must name exactly two groups", pair)
		}
		p.Cooccurrence = append(p.Cooccurrence, [2]string{pair[0], pair[1]})
	}
	for sev, recs := range doc.Recommendations {
		p.Recommendations[Severity(sev)] = recs
	}

	for code, td := range doc.Languages {
		t := &Table{
			Language:      code,
			Progression:   language.NewTerms(td.Progression),
			TimeUrgency:   language.NewTerms(td.TimeUrgency),
			Intensity:     language.NewTerms(td.Intensity),
			Emphasis:      language.NewTerms(td.Emphasis),
			Fear:          language.NewTerms(td.Fear),
			Behavioral:    language.NewTerms(td.Behavioral),
			Escalation:    language.NewTerms(td.Escalation),
			HealthConcern: language.NewTerms(td.HealthConcern),
			SymptomGroups: make(map[string][]language.Term, len(td.SymptomGroups)),
			Vitals:        make(map[string][]language.Term, len(td.Vitals)),
			Messages:      make(map[Severity]string, len(td.Messages)),
			vitalValues:   make(map[string]*regexp.Regexp, len(td.Vitals)),
		}
		for _, tier := range []Tier{TierCritical, TierHigh, TierMedium} {
			tdoc := td.Tiers[string(tier)]
			t.Patterns = appendPatterns(t.Patterns, tdoc.Symptoms, tier, CategorySymptom)
			t.Patterns = appendPatterns(t.Patterns, tdoc.UrgencyWords, tier, CategoryUrgencyWord)
			t.Patterns = appendPatterns(t.Patterns, tdoc.ContextualClues, tier, CategoryContextualClue)
		}
		for group, terms := range td.SymptomGroups {
			t.SymptomGroups[group] = language.NewTerms(terms)
		}
		for kind, terms := range td.Vitals {
			t.Vitals[kind] = language.NewTerms(terms)
			build := vitalValueRegexp
			if kind == VitalBloodPressure {
				build = bloodPressureRegexp
			}
			re, err := build(terms)
			if err != nil {
				return nil, fmt.Errorf("vital %s/%s: %w", code, kind, err)
			}
			t.vitalValues[kind] = re
		}
		for sev, msg := range td.Messages {
			t.Messages[Severity(sev)] = strings.TrimSpace(msg)
		}
		p.Tables[code] = t
	}
	return p, nil
}

// DefaultPatterns returns the embedded pattern set.
func DefaultPatterns() *Patterns {
	p, err := LoadPatterns(bytes.NewReader(defaultPatterns))
	if err != nil {
		panic(fmt.Sprintf("embedded patterns: %v", err))
	}
	return p
}

// Languages returns the languages with a pattern table, sorted.
func (p *Patterns) Languages() []string {
	out := make([]string, 0, len(p.Tables))
	for code := range p.Tables {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func appendPatterns(dst []Pattern, entries []string, tier Tier, cat Category) []Pattern {
	for _, term := range language.NewTerms(entries) {
		dst = append(dst, Pattern{Term: term, Tier: tier, Category: cat})
	}
	return dst
}

// vitalValueRegexp matches an indicator keyword followed closely by a
// number, capturing the number.
func vitalValueRegexp(keywords []string) (*regexp.Regexp, error) {
	alt := keywordAlternation(keywords)
	if alt == "" {
		return nil, nil
	}
	return regexp.Compile(alt + `\D{0,20}?(\d{2,3}(?:[.,]\d+)?)`)
}

// bloodPressureRegexp matches a blood pressure keyword followed closely by
// a systolic/diastolic pair, capturing both numbers.
func bloodPressureRegexp(keywords []string) (*regexp.Regexp, error) {
	alt := keywordAlternation(keywords)
	if alt == "" {
		return nil, nil
	}
	return regexp.Compile(alt + `\D{0,20}?(\d{2,3})\s*(?:/|over|sobre|sur)\s*(\d{2,3})(?:\D|$)`)
}

// keywordAlternation builds a non-capturing alternation of the normalized
// keywords. Keywords that start or end with a non-Han rune must sit at a
// word edge, so "temp" does not match inside "temple".
func keywordAlternation(keywords []string) string {
	if len(keywords) == 0 {
		return ""
	}
	sorted := append([]string(nil), keywords...)
	// longest first so "spo2" wins over "o2"
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	parts := make([]string, 0, len(sorted))
	for _, k := range sorted {
		k = language.Normalize(k)
		if k == "" {
			continue
		}
		part := regexp.QuoteMeta(k)
		first, _ := utf8.DecodeRuneInString(k)
		last, _ := utf8.DecodeLastRuneInString(k)
		if !unicode.Is(unicode.Han, first) {
			part = `(?:^|[^\p{L}\p{N}])` + part
		}
		if !unicode.Is(unicode.Han, last) {
			part += `(?:[^\p{L}\p{N}]|$)`
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return ""
	}
	return `(?:` + strings.Join(parts, "|") + `)`
}
