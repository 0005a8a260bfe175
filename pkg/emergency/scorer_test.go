package emergency

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/code-100-precent/carevoice/pkg/events"
	"github.com/code-100-precent/carevoice/pkg/language"
	"github.com/code-100-precent/carevoice/pkg/notification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeNotifier struct {
	mu       sync.Mutex
	payloads []notification.Payload
}

func (f *fakeNotifier) Dispatch(p notification.Payload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

type countingTracker struct {
	mu    sync.Mutex
	names []string
}

func (c *countingTracker) Track(name string, _ map[string]interface{}) {
	c.mu.Lock()
	c.names = append(c.names, name)
	c.mu.Unlock()
}

type panickingDetector struct{}

func (panickingDetector) Detect(string, *language.Context) *language.Result {
	panic("lexicon corrupted")
}

type countingDetector struct {
	mu    sync.Mutex
	calls int
	next  LanguageDetector
}

func (c *countingDetector) Detect(text string, ctx *language.Context) *language.Result {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.next.Detect(text, ctx)
}

func clockAt(hour int) func() time.Time {
	return func() time.Time {
		return time.Date(2024, 3, 14, hour, 30, 0, 0, time.Local)
	}
}

func newTestScorer(t *testing.T, hour int) (*Scorer, *fakeNotifier) {
	t.Helper()
	id, err := language.NewIdentifier(nil, nil)
	require.NoError(t, err)
	n := &fakeNotifier{}
	s, err := NewScorer(&ScorerOption{Detector: id, Notifier: n, Now: clockAt(hour)}, nil)
	require.NoError(t, err)
	return s, n
}

func TestSeverityFromScore(t *testing.T) {
	cases := map[float64]Severity{
		0:     SeverityNone,
		1.999: SeverityNone,
		2:     SeverityLow,
		3:     SeverityLow,
		4:     SeverityMedium,
		6:     SeverityMedium,
		8:     SeverityHigh,
		10:    SeverityHigh,
		12.0:  SeverityCritical,
		13:    SeverityCritical,
	}
	for score, want := range cases {
		assert.Equal(t, want, SeverityFromScore(score), "score %v", score)
	}

	prev := -1
	for score := 0.0; score <= 20; score += 0.25 {
		r := SeverityFromScore(score).Rank()
		assert.GreaterOrEqual(t, r, prev)
		prev = r
	}
}

func TestAnalyze_ChestPainIsCritical(t *testing.T) {
	s, _ := newTestScorer(t, 12)

	res := s.Analyze("I have severe chest pain and can't breathe properly", nil)
	assert.True(t, res.Detected)
	assert.Equal(t, SeverityCritical, res.Severity)
	assert.Equal(t, "en", res.Language)
	assert.ElementsMatch(t, []string{"chest pain", "can't breathe"}, res.Symptoms)
	assert.Contains(t, res.Advanced.RiskFactors, "cooccurrence:chest_pain+breathing")
	assert.Contains(t, res.Advanced.RiskFactors, "intensity")
	require.NotNil(t, res.Message)
	assert.Contains(t, *res.Message, "911")
	assert.NotEmpty(t, res.Recommendations)
	assert.GreaterOrEqual(t, res.Confidence, minConfidence)
	assert.LessOrEqual(t, res.Confidence, maxConfidence)
}

func TestAnalyze_AppointmentIsNotEmergency(t *testing.T) {
	s, n := newTestScorer(t, 12)

	res := s.Analyze("I want to book an appointment for next week", nil)
	assert.False(t, res.Detected)
	assert.Equal(t, SeverityNone, res.Severity)
	assert.Nil(t, res.Message)
	assert.Zero(t, n.count())
}

func TestAnalyze_CooccurrenceBonus(t *testing.T) {
	s, _ := newTestScorer(t, 12)

	pairs := [][3]string{
		{"I have a headache", "I have blurred vision", "I have a headache and blurred vision"},
		{"I have chest pain", "I can't breathe", "I have chest pain and I can't breathe"},
	}
	for _, p := range pairs {
		a := s.Analyze(p[0], nil).Score
		b := s.Analyze(p[1], nil).Score
		both := s.Analyze(p[2], nil).Score
		assert.GreaterOrEqual(t, both, a+cooccurrenceBonus, p[2])
		assert.GreaterOrEqual(t, both, b+cooccurrenceBonus, p[2])
	}
}

func TestAnalyze_Multilingual(t *testing.T) {
	s, _ := newTestScorer(t, 12)

	es := s.Analyze("Tengo dolor de pecho y no puedo respirar", nil)
	assert.Equal(t, "es", es.Language)
	assert.Equal(t, SeverityCritical, es.Severity)
	require.NotNil(t, es.Message)
	assert.Contains(t, *es.Message, "emergencia")

	zh := s.Analyze("我胸口痛，喘不过气", nil)
	assert.Equal(t, "zh", zh.Language)
	assert.Equal(t, SeverityCritical, zh.Severity)

	fr := s.Analyze("Bonjour, j'ai une douleur à la poitrine", nil)
	assert.Equal(t, "fr", fr.Language)
	assert.Equal(t, SeverityHigh, fr.Severity)
}

func TestAnalyze_VitalSigns(t *testing.T) {
	s, _ := newTestScorer(t, 12)

	res := s.Analyze("My blood pressure is 190/125 and my pulse is 135", nil)
	assert.True(t, res.Advanced.VitalSigns)
	assert.ElementsMatch(t, []string{VitalBloodPressure, VitalPulse}, res.Advanced.VitalIndicators)
	assert.ElementsMatch(t, []string{VitalBloodPressure, VitalPulse}, res.Advanced.AbnormalVitals)
	assert.InDelta(t, 2*vitalWeight+2*abnormalVitalWeight, res.Score, 1e-9)

	res = s.Analyze("my temperature is 37", nil)
	assert.Equal(t, []string{VitalTemperature}, res.Advanced.VitalIndicators)
	assert.Empty(t, res.Advanced.AbnormalVitals)
	assert.Equal(t, SeverityLow, res.Severity)

	res = s.Analyze("oxygen is 85% and temperature of 40.2", nil)
	assert.ElementsMatch(t, []string{VitalOxygen, VitalTemperature}, res.Advanced.AbnormalVitals)
}

func TestAnalyze_DatesAreNotBloodPressure(t *testing.T) {
	s, _ := newTestScorer(t, 12)

	for _, in := range []string{
		"I want to book an appointment on 10/15",
		"Can I come in 12/03 at 3pm",
		"my daughter is 12 over 18 months now",
	} {
		res := s.Analyze(in, nil)
		assert.False(t, res.Detected, in)
		assert.Equal(t, SeverityNone, res.Severity, in)
		assert.Empty(t, res.Advanced.VitalIndicators, in)
		assert.Empty(t, res.Advanced.AbnormalVitals, in)
	}

	res := s.Analyze("my bp is 190/120", nil)
	assert.Equal(t, []string{VitalBloodPressure}, res.Advanced.AbnormalVitals)

	res = s.Analyze("Tengo dolor de cabeza y mi presión arterial es 200 sobre 110", nil)
	require.Equal(t, "es", res.Language)
	assert.Contains(t, res.Advanced.AbnormalVitals, VitalBloodPressure)

	// implausible pair next to a keyword is a mention, not an abnormal value
	res = s.Analyze("my blood pressure was checked on 10/15", nil)
	assert.Equal(t, []string{VitalBloodPressure}, res.Advanced.VitalIndicators)
	assert.Empty(t, res.Advanced.AbnormalVitals)
}

func TestAnalyze_VitalKeywordsAtWordEdges(t *testing.T) {
	s, _ := newTestScorer(t, 12)

	res := s.Analyze("the temple is 25 minutes away and sugary drinks cost 300", nil)
	assert.Empty(t, res.Advanced.AbnormalVitals)

	res = s.Analyze("my co2 reading said 85", nil)
	assert.Empty(t, res.Advanced.AbnormalVitals)

	res = s.Analyze("sugar level is 350", nil)
	assert.Equal(t, []string{VitalGlucose}, res.Advanced.AbnormalVitals)
}

func TestAnalyze_UsesProvidedDetection(t *testing.T) {
	id, err := language.NewIdentifier(nil, nil)
	require.NoError(t, err)
	det := &countingDetector{next: id}
	s, err := NewScorer(&ScorerOption{Detector: det, Now: clockAt(12)}, nil)
	require.NoError(t, err)

	text := "Tengo dolor de pecho y no puedo respirar"
	resolved := id.Detect(text, nil)
	res := s.Analyze(text, &Context{SessionID: "s", Detection: resolved})
	assert.Equal(t, "es", res.Language)
	assert.Zero(t, det.calls)

	s.Analyze(text, &Context{SessionID: "s"})
	assert.Equal(t, 1, det.calls)
}

func TestAnalyze_BehavioralAndIntensity(t *testing.T) {
	s, _ := newTestScorer(t, 12)

	res := s.Analyze("He is confused and agitated, not making sense", nil)
	assert.True(t, res.Advanced.Behavioral)
	assert.Len(t, res.Advanced.BehavioralMarkers, 3)
	assert.InDelta(t, 3*behavioralWeight, res.Score, 1e-9)

	// help (medium urgency) + emphasis word + two exclamation marks + one caps run
	res = s.Analyze("HELP ME NOW please!!", nil)
	assert.InDelta(t, 2.5+0.9+0.5, res.Score, 1e-9)

	// emphasis never contributes more than its cap
	res = s.Analyze("please please!!!!!!!!!!", nil)
	assert.InDelta(t, emphasisCap, res.Score, 1e-9)
}

func TestAnalyze_ContextualFactors(t *testing.T) {
	day, _ := newTestScorer(t, 12)
	night, _ := newTestScorer(t, 23)

	text := "I have a headache"
	assert.InDelta(t, offHoursBonus, night.Analyze(text, nil).Score-day.Analyze(text, nil).Score, 1e-9)

	prev := &Context{PreviousMessages: []string{"I had a headache yesterday", "it is getting worse"}}
	res := day.Analyze(text, prev)
	assert.Contains(t, res.Advanced.RiskFactors, "prior_health_concern")
	assert.Contains(t, res.Advanced.RiskFactors, "symptom_progression")
	assert.InDelta(t, 3.0+priorConcernBonus+repeatedSymptomBonus, res.Score, 1e-9)
}

func TestAnalyze_SessionRiskEscalates(t *testing.T) {
	s, _ := newTestScorer(t, 12)
	ctx := &Context{SessionID: "sess-1"}

	for i := 0; i < 3; i++ {
		s.Analyze("I have chest pain", ctx)
	}
	assert.Equal(t, 3, s.EmergencyCount("sess-1"))
	// 9, then 9+2 twice once the running level passes 5
	assert.InDelta(t, 31.0/3, s.RiskLevel("sess-1"), 1e-9)

	res := s.Analyze("I have a headache", ctx)
	assert.Contains(t, res.Advanced.RiskFactors, "elevated_session_risk")
	assert.InDelta(t, 3.0+sessionRiskBonus, res.Score, 1e-9)

	s.ResetSession("sess-1")
	assert.Zero(t, s.EmergencyCount("sess-1"))
	assert.Zero(t, s.RiskLevel("sess-1"))
}

func TestAnalyze_CriticalHighConfidenceNotifies(t *testing.T) {
	s, n := newTestScorer(t, 23)

	res := s.Analyze("I have crushing chest pain, I am sweating and I can't breathe", &Context{
		SessionID:        "sess-9",
		PreviousMessages: []string{"my chest hurts since this morning"},
	})
	require.Equal(t, SeverityCritical, res.Severity)
	require.GreaterOrEqual(t, res.Confidence, notifyConfidence)

	require.Equal(t, 1, n.count())
	p := n.payloads[0]
	assert.Equal(t, "critical", p.Severity)
	assert.Equal(t, "sess-9", p.SessionID)
	assert.Equal(t, "en", p.Language)
	assert.Equal(t, res.Confidence, p.Confidence)
	assert.ElementsMatch(t, res.Symptoms, p.Symptoms)
	assert.Equal(t, res.Recommendations[0], p.RecommendedAction)
}

func TestAnalyze_CriticalLowConfidenceDoesNotNotify(t *testing.T) {
	s, n := newTestScorer(t, 12)

	res := s.Analyze("I have severe chest pain and can't breathe properly", &Context{SessionID: "s"})
	require.Equal(t, SeverityCritical, res.Severity)
	require.Less(t, res.Confidence, notifyConfidence)
	assert.Zero(t, n.count())
	assert.Equal(t, 1, s.EmergencyCount("s"))
}

func TestAnalyze_ConfidenceBounds(t *testing.T) {
	s, _ := newTestScorer(t, 3)

	inputs := []string{
		"", "hello", "pain", "help!!!", "I have severe chest pain and can't breathe properly",
		"My blood pressure is 190/125 and my pulse is 135 and oxygen 80",
		strings.Repeat("chest pain can't breathe seizure stroke ", 20),
		"我胸口痛，喘不过气，救命", "Tengo fiebre", "CAN'T BREATHE HELP",
	}
	for _, in := range inputs {
		res := s.Analyze(in, &Context{SessionID: "bounds", PreviousMessages: []string{"I feel sick"}})
		assert.GreaterOrEqual(t, res.Confidence, 0.2, in)
		assert.LessOrEqual(t, res.Confidence, 0.99, in)
		assert.Equal(t, SeverityFromScore(res.Score), res.Severity, in)
	}
}

func TestAnalyze_RecoversWithFallback(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	tr := &countingTracker{}
	s, err := NewScorer(&ScorerOption{Detector: panickingDetector{}, Tracker: tr}, zap.New(core))
	require.NoError(t, err)

	var res *Result
	require.NotPanics(t, func() {
		res = s.Analyze("there is so much bleeding", &Context{SessionID: "x"})
	})
	assert.True(t, res.Fallback)
	assert.True(t, res.Detected)
	assert.Equal(t, SeverityMedium, res.Severity)
	assert.Equal(t, []string{"bleeding"}, res.UrgencyWords)

	res = s.Analyze("what time is it", nil)
	assert.True(t, res.Fallback)
	assert.False(t, res.Detected)
	assert.Equal(t, SeverityNone, res.Severity)

	assert.Equal(t, 2, logs.FilterMessage("emergency analysis degraded to fallback").Len())
	assert.Equal(t, []string{events.EmergencyAnalyzed, events.EmergencyAnalyzed}, tr.names)
}

func TestLoadPatterns_Errors(t *testing.T) {
	_, err := LoadPatterns(strings.NewReader("version: 1\n"))
	assert.ErrorIs(t, err, ErrNoPatterns)

	_, err = LoadPatterns(strings.NewReader(`
languages:
  en: {}
cooccurrence:
  - [a, b, c]
`))
	assert.Error(t, err)

	p := DefaultPatterns()
	assert.Equal(t, []string{"en", "es", "fr", "zh"}, p.Languages())
	assert.Greater(t, p.Version, 0)
}

func TestNewScorer_RequiresDetector(t *testing.T) {
	_, err := NewScorer(&ScorerOption{}, nil)
	assert.Error(t, err)
}

func TestCapsRuns(t *testing.T) {
	assert.Equal(t, 0, capsRuns("I am fine"))
	assert.Equal(t, 1, capsRuns("HELP ME NOW"))
	assert.Equal(t, 2, capsRuns("HELP please NOW"))
	assert.Equal(t, 1, capsRuns("it HURTS, SO BAD"))
}
