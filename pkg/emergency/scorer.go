package emergency

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/code-100-precent/carevoice/pkg/events"
	"github.com/code-100-precent/carevoice/pkg/language"
	"github.com/code-100-precent/carevoice/pkg/metrics"
	"github.com/code-100-precent/carevoice/pkg/notification"
	"go.uber.org/zap"
)

// Factor weights. Each bonus is applied at most once per utterance unless
// the name says "weight", which is per occurrence.
const (
	multiSymptomBonus    = 2.0
	pairedSymptomBonus   = 1.0
	progressionBonus     = 1.5
	timeUrgencyBonus     = 1.2
	intensityBonus       = 1.8
	offHoursBonus        = 0.5
	priorConcernBonus    = 1.0
	repeatedSymptomBonus = 0.8
	cooccurrenceBonus    = 2.5
	emphasisWeight       = 0.3
	emphasisCap          = 2.0
	capsRunWeight        = 0.5
	vitalWeight          = 3.5
	abnormalVitalWeight  = vitalWeight * 1.5
	behavioralWeight     = 1.9
	escalationWeight     = 2.5
	sessionRiskBonus     = 2.0
	sessionRiskLevel     = 5.0

	confidenceScale  = 15.0
	minConfidence    = 0.2
	maxConfidence    = 0.99
	notifyConfidence = 0.8

	riskWindow  = 3
	historyCap  = 10
	recentTurns = 3
)

var errNoTable = errors.New("no pattern table for language")

// LanguageDetector resolves the language of an utterance.
type LanguageDetector interface {
	Detect(text string, ctx *language.Context) *language.Result
}

// Notifier accepts hospital alerts without blocking.
type Notifier interface {
	Dispatch(payload notification.Payload)
}

// Context optional analysis context.
type Context struct {
	SessionID string
	// PreviousMessages earlier user utterances, oldest first.
	PreviousMessages []string
	// Detection the language already resolved for this text; nil makes
	// the scorer detect it.
	Detection *language.Result
}

// Advanced secondary findings.
type Advanced struct {
	VitalSigns        bool     `json:"vitalSigns"`
	Behavioral        bool     `json:"behavioral"`
	RiskFactors       []string `json:"riskFactors"`
	VitalIndicators   []string `json:"vitalIndicators,omitempty"`
	AbnormalVitals    []string `json:"abnormalVitals,omitempty"`
	BehavioralMarkers []string `json:"behavioralMarkers,omitempty"`
}

// Result emergency analysis of one utterance.
type Result struct {
	Detected        bool     `json:"detected"`
	Severity        Severity `json:"severity"`
	Score           float64  `json:"score"`
	Confidence      float64  `json:"confidence"`
	Symptoms        []string `json:"symptoms"`
	UrgencyWords    []string `json:"urgencyWords"`
	ContextClues    []string `json:"contextClues"`
	Advanced        Advanced `json:"advanced"`
	Recommendations []string `json:"recommendations"`
	Message         *string  `json:"message"`
	Language        string   `json:"language"`
	// Fallback is set when the keyword fallback produced the result.
	Fallback bool `json:"fallback,omitempty"`
}

// ScorerOption construction parameters. Detector is required.
type ScorerOption struct {
	Patterns        *Patterns
	Detector        LanguageDetector
	DefaultLanguage string
	Notifier        Notifier
	Tracker         events.Tracker
	Metrics         *metrics.Collector
	Now             func() time.Time
}

type sessionRisk struct {
	emergencies int
	history     []float64
}

// Scorer multi-factor emergency risk scoring engine. Per-session risk
// state is keyed by session id and lives until ResetSession.
type Scorer struct {
	patterns    *Patterns
	detector    LanguageDetector
	defaultLang string
	notifier    Notifier
	tracker     events.Tracker
	metrics     *metrics.Collector
	now         func() time.Time
	logger      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*sessionRisk
}

func NewScorer(opt *ScorerOption, logger *zap.Logger) (*Scorer, error) {
	if opt == nil || opt.Detector == nil {
		return nil, errors.New("emergency scorer requires a language detector")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scorer{
		patterns:    opt.Patterns,
		detector:    opt.Detector,
		defaultLang: opt.DefaultLanguage,
		notifier:    opt.Notifier,
		tracker:     opt.Tracker,
		metrics:     opt.Metrics,
		now:         opt.Now,
		logger:      logger.Named("emergency"),
		sessions:    make(map[string]*sessionRisk),
	}
	if s.patterns == nil {
		s.patterns = DefaultPatterns()
	}
	if s.defaultLang == "" {
		s.defaultLang = "en"
	}
	if s.tracker == nil {
		s.tracker = events.Nop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if _, ok := s.patterns.Tables[s.defaultLang]; !ok {
		return nil, fmt.Errorf("no pattern table for default language %q", s.defaultLang)
	}
	return s, nil
}

// Analyze scores text for medical emergency risk. It never panics and
// never fails: internal errors are logged and a keyword fallback result
// is returned instead.
func (s *Scorer) Analyze(text string, actx *Context) *Result {
	if actx == nil {
		actx = &Context{}
	}
	res := s.safeAnalyze(text, actx)
	s.finish(res, actx)
	return res
}

func (s *Scorer) safeAnalyze(text string, actx *Context) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			s.recovered(actx, "analyze", fmt.Errorf("panic: %v", r))
			res = s.fallback(text)
		}
	}()
	res, err := s.analyze(text, actx)
	if err != nil {
		s.recovered(actx, "analyze", err)
		return s.fallback(text)
	}
	return res
}

func (s *Scorer) recovered(actx *Context, stage string, cause error) {
	err := &AnalysisError{SessionID: actx.SessionID, Stage: stage, Cause: cause}
	s.logger.Error("emergency analysis degraded to fallback", zap.Error(err))
	s.metrics.AnalysisFallback()
}

func (s *Scorer) analyze(text string, actx *Context) (*Result, error) {
	// 1. resolve language and its pattern table
	det := actx.Detection
	if det == nil {
		det = s.detector.Detect(text, nil)
	}
	table := s.patterns.Tables[det.Language]
	if table == nil {
		table = s.patterns.Tables[s.defaultLang]
	}
	if table == nil {
		return nil, fmt.Errorf("%w %q", errNoTable, det.Language)
	}

	t := language.NewText(text)
	normalized := language.Normalize(text)
	res := &Result{Language: table.Language}
	var factors []string
	var score float64

	// 2. tiered patterns
	var symptomTerms []language.Term
	seen := make(map[string]bool)
	for _, hit := range matchPatterns(t, table.Patterns) {
		score += hit.Tier.multiplier() * hit.Category.weight()
		if seen[hit.Term.Source] {
			continue
		}
		seen[hit.Term.Source] = true
		switch hit.Category {
		case CategorySymptom:
			res.Symptoms = append(res.Symptoms, hit.Term.Source)
			symptomTerms = append(symptomTerms, hit.Term)
		case CategoryUrgencyWord:
			res.UrgencyWords = append(res.UrgencyWords, hit.Term.Source)
		case CategoryContextualClue:
			res.ContextClues = append(res.ContextClues, hit.Term.Source)
		}
	}
	tierScore := score

	// 3. advanced patterns
	switch n := len(res.Symptoms); {
	case n >= 3:
		score += multiSymptomBonus
		factors = append(factors, "multiple_symptoms")
	case n >= 2:
		score += pairedSymptomBonus
		factors = append(factors, "paired_symptoms")
	}
	if t.CountAny(table.Progression) > 0 {
		score += progressionBonus
		factors = append(factors, "progression")
	}
	if t.CountAny(table.TimeUrgency) > 0 {
		score += timeUrgencyBonus
		factors = append(factors, "time_urgency")
	}
	if t.CountAny(table.Intensity) > 0 {
		score += intensityBonus
		factors = append(factors, "intensity")
	}

	// 4. contextual factors
	hour := s.now().Hour()
	offHours := hour < 6 || hour > 22
	if offHours {
		score += offHoursBonus
		factors = append(factors, "off_hours")
	}
	recent := recentMessages(actx.PreviousMessages)
	priorConcern := hasPriorConcern(recent, table)
	if priorConcern {
		score += priorConcernBonus
		factors = append(factors, "prior_health_concern")
	}
	if repeatsSymptoms(recent, symptomTerms) {
		score += repeatedSymptomBonus
		factors = append(factors, "symptom_progression")
	}

	// 5. high-risk co-occurrence
	groups := matchedGroups(t, table)
	for _, pair := range s.patterns.Cooccurrence {
		if groups[pair[0]] && groups[pair[1]] {
			score += cooccurrenceBonus
			factors = append(factors, "cooccurrence:"+pair[0]+"+"+pair[1])
		}
	}

	// 6. language intensity
	emphasis := float64(t.CountAny(table.Emphasis)+t.CountAny(table.Fear)+strings.Count(text, "!")) * emphasisWeight
	score += math.Min(emphasis, emphasisCap)
	score += float64(capsRuns(text)) * capsRunWeight

	// 7. vital signs
	vitals := scanVitals(t, normalized, table)
	score += float64(len(vitals.Indicators))*vitalWeight + float64(len(vitals.Abnormal))*abnormalVitalWeight
	res.Advanced.VitalIndicators = vitals.Indicators
	res.Advanced.AbnormalVitals = vitals.Abnormal
	res.Advanced.VitalSigns = len(vitals.Indicators) > 0
	if len(vitals.Abnormal) > 0 {
		factors = append(factors, "abnormal_vitals")
	}

	// 8. behavioral markers
	markers := t.Matches(table.Behavioral)
	score += float64(len(markers)) * behavioralWeight
	res.Advanced.BehavioralMarkers = markers
	res.Advanced.Behavioral = len(markers) > 0

	// 9. risk escalation
	if n := t.CountAny(table.Escalation); n > 0 {
		score += float64(n) * escalationWeight
		factors = append(factors, "escalation")
	}
	if s.RiskLevel(actx.SessionID) > sessionRiskLevel {
		score += sessionRiskBonus
		factors = append(factors, "elevated_session_risk")
	}

	// 10. severity
	res.Score = round(score)
	res.Severity = SeverityFromScore(res.Score)
	res.Detected = res.Severity != SeverityNone
	res.Advanced.RiskFactors = factors

	// 11. confidence
	res.Confidence = calibrate(res, det.Confidence, priorConcern, offHours)

	// 12-13. recommendations and localized message
	res.Recommendations = s.recommendations(res.Severity)
	res.Message = s.message(table, res.Severity)

	s.logger.Debug("emergency analysis completed",
		zap.String("sessionId", actx.SessionID),
		zap.String("language", res.Language),
		zap.Float64("tierScore", tierScore),
		zap.Float64("score", res.Score),
		zap.String("severity", string(res.Severity)),
		zap.Float64("confidence", res.Confidence),
		zap.Strings("riskFactors", factors))
	return res, nil
}

// calibrate maps score and supporting evidence to a bounded confidence.
func calibrate(res *Result, languageConfidence float64, priorConcern, offHours bool) float64 {
	base := math.Min(res.Score/confidenceScale, 1.0)

	consistency := 0.5
	switch n := len(res.Symptoms); {
	case n >= 3:
		consistency = 0.9
	case n >= 1:
		consistency = 0.7
	}

	support := 0.8
	if priorConcern {
		support += 0.1
	}
	if offHours {
		support += 0.05
	}
	support = math.Min(support, 1.0)

	conf := base * consistency * support * historicalAccuracy(res.Severity) * math.Max(0.8, languageConfidence)
	return round(clamp(conf, minConfidence, maxConfidence))
}

func historicalAccuracy(sev Severity) float64 {
	switch sev {
	case SeverityCritical:
		return 0.98
	case SeverityHigh:
		return 0.95
	case SeverityMedium:
		return 0.93
	}
	return 0.92
}

func (s *Scorer) recommendations(sev Severity) []string {
	return append([]string(nil), s.patterns.Recommendations[sev]...)
}

// message returns the localized emergency message for medium and above.
func (s *Scorer) message(table *Table, sev Severity) *string {
	if sev.Rank() < SeverityMedium.Rank() {
		return nil
	}
	msg, ok := table.Messages[sev]
	if !ok || msg == "" {
		if def := s.patterns.Tables[s.defaultLang]; def != nil {
			msg = def.Messages[sev]
		}
	}
	if msg == "" {
		return nil
	}
	return &msg
}

var builtinFallback = []string{"emergency", "help", "pain", "bleeding", "can't breathe"}

// fallback is the degraded answer: containment over a tiny keyword list.
func (s *Scorer) fallback(text string) *Result {
	keywords := s.patterns.Fallback
	if len(keywords) == 0 {
		keywords = builtinFallback
	}
	res := &Result{
		Language:   s.defaultLang,
		Severity:   SeverityNone,
		Confidence: minConfidence,
		Fallback:   true,
	}
	normalized := language.Normalize(text)
	for _, kw := range keywords {
		if strings.Contains(normalized, language.Normalize(kw)) {
			res.UrgencyWords = append(res.UrgencyWords, kw)
		}
	}
	if len(res.UrgencyWords) > 0 {
		res.Detected = true
		res.Severity = SeverityMedium
		res.Score = mediumThreshold
		res.Confidence = 0.5
	}
	res.Recommendations = s.recommendations(res.Severity)
	if table := s.patterns.Tables[s.defaultLang]; table != nil {
		res.Message = s.message(table, res.Severity)
	}
	return res
}

// finish updates session risk state, raises the hospital alert and emits
// analytics. Failures here are logged and never reach the caller.
func (s *Scorer) finish(res *Result, actx *Context) {
	defer func() {
		if r := recover(); r != nil {
			s.recovered(actx, "finish", fmt.Errorf("panic: %v", r))
		}
	}()

	s.metrics.EmergencyAnalyzed(string(res.Severity))

	if actx.SessionID != "" {
		s.mu.Lock()
		st := s.session(actx.SessionID)
		if res.Detected {
			st.emergencies++
		}
		st.history = append(st.history, res.Score)
		if len(st.history) > historyCap {
			st.history = st.history[len(st.history)-historyCap:]
		}
		s.mu.Unlock()
	}

	if res.Severity == SeverityCritical && res.Confidence >= notifyConfidence && s.notifier != nil {
		action := ""
		if len(res.Recommendations) > 0 {
			action = res.Recommendations[0]
		}
		s.notifier.Dispatch(notification.Payload{
			Timestamp:         s.now().UTC(),
			Severity:          string(res.Severity),
			Confidence:        res.Confidence,
			Symptoms:          append([]string{}, res.Symptoms...),
			Language:          res.Language,
			SessionID:         actx.SessionID,
			RecommendedAction: action,
		})
	}

	s.tracker.Track(events.EmergencyAnalyzed, map[string]interface{}{
		"sessionId":   actx.SessionID,
		"detected":    res.Detected,
		"severity":    string(res.Severity),
		"score":       res.Score,
		"confidence":  res.Confidence,
		"symptoms":    res.Symptoms,
		"language":    res.Language,
		"riskFactors": res.Advanced.RiskFactors,
		"fallback":    res.Fallback,
	})
}

func (s *Scorer) session(id string) *sessionRisk {
	st, ok := s.sessions[id]
	if !ok {
		st = &sessionRisk{}
		s.sessions[id] = st
	}
	return st
}

// RiskLevel is the mean score of the session's last three analyses.
func (s *Scorer) RiskLevel(sessionID string) float64 {
	if sessionID == "" {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok || len(st.history) == 0 {
		return 0
	}
	window := st.history
	if len(window) > riskWindow {
		window = window[len(window)-riskWindow:]
	}
	var sum float64
	for _, v := range window {
		sum += v
	}
	return sum / float64(len(window))
}

// EmergencyCount returns how many detections the session has had.
func (s *Scorer) EmergencyCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok {
		return st.emergencies
	}
	return 0
}

// ResetSession drops all risk state of a session.
func (s *Scorer) ResetSession(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// matchPatterns returns the patterns found in t, dropping any whose
// phrase is part of a longer matched phrase.
func matchPatterns(t *language.Text, patterns []Pattern) []Pattern {
	var hits []Pattern
	for _, p := range patterns {
		if t.Has(p.Term) {
			hits = append(hits, p)
		}
	}
	out := make([]Pattern, 0, len(hits))
	for i, h := range hits {
		subsumed := false
		for j, o := range hits {
			if i != j && h.Term.Within(o.Term) {
				subsumed = true
				break
			}
		}
		if !subsumed {
			out = append(out, h)
		}
	}
	return out
}

func matchedGroups(t *language.Text, table *Table) map[string]bool {
	groups := make(map[string]bool, len(table.SymptomGroups))
	for name, terms := range table.SymptomGroups {
		if t.CountAny(terms) > 0 {
			groups[name] = true
		}
	}
	return groups
}

func recentMessages(prev []string) []*language.Text {
	if len(prev) > recentTurns {
		prev = prev[len(prev)-recentTurns:]
	}
	out := make([]*language.Text, 0, len(prev))
	for _, m := range prev {
		out = append(out, language.NewText(m))
	}
	return out
}

func hasPriorConcern(recent []*language.Text, table *Table) bool {
	for _, m := range recent {
		if m.CountAny(table.HealthConcern) > 0 {
			return true
		}
		for _, p := range table.Patterns {
			if p.Category == CategorySymptom && m.Has(p.Term) {
				return true
			}
		}
	}
	return false
}

func repeatsSymptoms(recent []*language.Text, symptoms []language.Term) bool {
	for _, m := range recent {
		for _, term := range symptoms {
			if m.Has(term) {
				return true
			}
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
