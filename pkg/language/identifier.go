package language

import (
	"fmt"
	"math"
	"sort"

	"github.com/code-100-precent/carevoice/pkg/events"
	"github.com/code-100-precent/carevoice/pkg/metrics"
	"go.uber.org/zap"
)

// Scoring weights per term class.
const (
	keywordWeight    = 2.0
	greetingWeight   = 3.0
	commonWeight     = 1.0
	healthcareWeight = 2.5
	phraseWeight     = 4.0

	contextBonus = 0.1

	defaultBaseline = 0.3
	medicalBaseline = 0.15

	presenceThreshold = 0.2
	codeSwitchPenalty = 0.8

	acceptThreshold        = 0.3
	medicalAcceptThreshold = 0.2
)

// Response styles and urgencies recommended to the conversation layer.
const (
	StyleUrgent       = "urgent"
	StyleEmpathetic   = "empathetic"
	StyleProfessional = "professional"
	StyleFriendly     = "friendly"

	UrgencyHigh   = "high"
	UrgencyNormal = "normal"
	UrgencyLow    = "low"
)

// Response recommended reply register.
type Response struct {
	Style   string `json:"style"`
	Urgency string `json:"urgency"`
}

// Result language identification outcome.
type Result struct {
	Language      string             `json:"language"`
	Confidence    float64            `json:"confidence"`
	Scores        map[string]float64 `json:"scores"`
	Contexts      []string           `json:"contexts"`
	CodeSwitching bool               `json:"codeSwitching"`
	Languages     []string           `json:"languages"`
	Response      Response           `json:"response"`
}

// HasContext reports whether category was detected.
func (r *Result) HasContext(category string) bool {
	for _, c := range r.Contexts {
		if c == category {
			return true
		}
	}
	return false
}

// Context optional detection context.
type Context struct {
	// Current session language; preferred when scores tie.
	Current string
}

// IdentifierOption construction parameters. Zero values select the
// embedded lexicon, "en" as default and no analytics.
type IdentifierOption struct {
	Lexicon *Lexicon
	Default string
	Tracker events.Tracker
	Metrics *metrics.Collector
}

// Identifier scores utterances against language profiles.
type Identifier struct {
	lex         *Lexicon
	defaultLang string
	tracker     events.Tracker
	metrics     *metrics.Collector
	logger      *zap.Logger
}

func NewIdentifier(opt *IdentifierOption, logger *zap.Logger) (*Identifier, error) {
	if opt == nil {
		opt = &IdentifierOption{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	lex := opt.Lexicon
	if lex == nil {
		lex = DefaultLexicon()
	}
	def := opt.Default
	if def == "" {
		def = "en"
	}
	if !lex.Supports(def) {
		return nil, fmt.Errorf("default language %q not in lexicon %v", def, lex.Codes())
	}
	tracker := opt.Tracker
	if tracker == nil {
		tracker = events.Nop{}
	}
	return &Identifier{
		lex:         lex,
		defaultLang: def,
		tracker:     tracker,
		metrics:     opt.Metrics,
		logger:      logger.Named("language"),
	}, nil
}

// Default returns the fallback language.
func (id *Identifier) Default() string {
	return id.defaultLang
}

// Supported returns the supported language codes.
func (id *Identifier) Supported() []string {
	return id.lex.Codes()
}

// Detect identifies the language of text. It never fails: empty input
// yields the default language with confidence 0 and context "no_text",
// and internal failures yield the same default with the failure logged.
func (id *Identifier) Detect(text string, ctx *Context) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			id.logger.Error("language detection failed", zap.Any("panic", r))
			result = id.fallback()
		}
	}()

	t := NewText(text)
	if t.Empty() {
		result = id.fallback()
	} else {
		result = id.score(t, ctx)
	}

	id.metrics.LanguageDetected(result.Language)
	id.tracker.Track(events.LanguageDetected, map[string]interface{}{
		"language":      result.Language,
		"confidence":    result.Confidence,
		"scores":        result.Scores,
		"contexts":      result.Contexts,
		"codeSwitching": result.CodeSwitching,
		"languages":     result.Languages,
		"style":         result.Response.Style,
	})
	return result
}

func (id *Identifier) fallback() *Result {
	return &Result{
		Language:   id.defaultLang,
		Confidence: 0,
		Scores:     map[string]float64{},
		Contexts:   []string{ContextNoText},
		Languages:  []string{id.defaultLang},
		Response:   Response{Style: StyleFriendly, Urgency: UrgencyLow},
	}
}

func (id *Identifier) score(t *Text, ctx *Context) *Result {
	// 1. contextual intent, per category and per language
	var contexts []string
	langContexts := make(map[string]int)
	for _, category := range id.lex.categories() {
		matched := false
		for code, terms := range id.lex.Contexts[category] {
			if t.CountAny(terms) > 0 {
				langContexts[code]++
				matched = true
			}
		}
		if matched {
			contexts = append(contexts, category)
		}
	}
	res := &Result{Contexts: contexts}
	medical := res.HasContext(ContextMedical) || res.HasContext(ContextEmergency)

	// 2. lexical score per language, normalized by token count
	tokens := float64(len(t.Tokens))
	scores := make(map[string]float64, len(id.lex.Profiles))
	for code, p := range id.lex.Profiles {
		raw := float64(t.CountAny(p.Keywords))*keywordWeight +
			float64(t.CountAny(p.Greetings))*greetingWeight +
			float64(t.CountAny(p.Common))*commonWeight +
			float64(t.CountAny(p.Healthcare))*healthcareWeight +
			float64(t.CountAny(p.MedicalPhrases))*phraseWeight
		scores[code] = raw*p.Weight/tokens + float64(langContexts[code])*contextBonus
	}

	// 3. default-alphabet baseline; presence is judged on lexical
	// evidence only so the baseline alone never signals code switching
	present := make(map[string]bool, len(scores))
	for code, s := range scores {
		present[code] = s > presenceThreshold
	}
	if t.ASCIIAlphabet() {
		if medical {
			scores[id.defaultLang] += medicalBaseline
		} else {
			scores[id.defaultLang] += defaultBaseline
		}
	}
	for code, s := range scores {
		scores[code] = round(s)
	}
	res.Scores = scores

	// 4. winner and code switching
	preferred := id.defaultLang
	if ctx != nil && id.lex.Supports(ctx.Current) {
		preferred = ctx.Current
	}
	ranked := rank(scores, preferred, id.defaultLang)
	for _, code := range ranked {
		if present[code] {
			res.Languages = append(res.Languages, code)
		}
	}
	res.CodeSwitching = len(res.Languages) > 1

	winner := ranked[0]
	threshold := acceptThreshold
	if medical {
		threshold = medicalAcceptThreshold
	}
	if scores[winner] < threshold {
		winner = id.defaultLang
	}
	res.Language = winner
	res.Confidence = math.Min(scores[winner], 1.0)
	if res.CodeSwitching {
		res.Confidence *= codeSwitchPenalty
	}
	res.Confidence = round(res.Confidence)
	if len(res.Languages) == 0 {
		res.Languages = []string{winner}
	}

	res.Response = responseFor(res)
	return res
}

// rank orders languages by descending score; ties go to preferred, then
// the default, then alphabetical order.
func rank(scores map[string]float64, preferred, def string) []string {
	codes := make([]string, 0, len(scores))
	for code := range scores {
		codes = append(codes, code)
	}
	priority := func(code string) int {
		switch code {
		case preferred:
			return 0
		case def:
			return 1
		}
		return 2
	}
	sort.Slice(codes, func(i, j int) bool {
		a, b := codes[i], codes[j]
		if scores[a] != scores[b] {
			return scores[a] > scores[b]
		}
		if priority(a) != priority(b) {
			return priority(a) < priority(b)
		}
		return a < b
	})
	return codes
}

func responseFor(r *Result) Response {
	switch {
	case r.HasContext(ContextEmergency):
		return Response{Style: StyleUrgent, Urgency: UrgencyHigh}
	case r.HasContext(ContextMedical):
		return Response{Style: StyleEmpathetic, Urgency: UrgencyNormal}
	case r.HasContext(ContextAppointment):
		return Response{Style: StyleProfessional, Urgency: UrgencyNormal}
	}
	return Response{Style: StyleFriendly, Urgency: UrgencyLow}
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
