package voice

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/code-100-precent/carevoice/pkg/audio"
	"github.com/code-100-precent/carevoice/pkg/emergency"
	"github.com/code-100-precent/carevoice/pkg/language"
	"github.com/code-100-precent/carevoice/pkg/notification"
	"github.com/code-100-precent/carevoice/pkg/realtime"
	"github.com/code-100-precent/carevoice/pkg/tools"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	events chan realtime.ServerEvent
	done   chan struct{}
	noAck  bool
	reject *realtime.ErrorDetail

	mu        sync.Mutex
	err       error
	closed    bool
	calls     []string
	updates   []realtime.SessionConfig
	items     []realtime.Item
	responses []*realtime.ResponseConfig
	audio     int
	audioErr  error
	once      sync.Once
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		events: make(chan realtime.ServerEvent, 64),
		done:   make(chan struct{}),
	}
}

func (f *fakeBackend) Events() <-chan realtime.ServerEvent { return f.events }
func (f *fakeBackend) Done() <-chan struct{}               { return f.done }

func (f *fakeBackend) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeBackend) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeBackend) UpdateSession(_ context.Context, cfg realtime.SessionConfig) error {
	f.mu.Lock()
	f.calls = append(f.calls, "update")
	f.updates = append(f.updates, cfg)
	f.mu.Unlock()
	switch {
	case f.reject != nil:
		f.events <- realtime.ServerEvent{Type: realtime.TypeError, Error: f.reject}
	case !f.noAck:
		f.events <- realtime.ServerEvent{Type: realtime.TypeSessionUpdated, Session: &cfg}
	}
	return nil
}

func (f *fakeBackend) SendAudio(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.audioErr != nil {
		return f.audioErr
	}
	f.audio++
	return nil
}

func (f *fakeBackend) CommitAudio(context.Context) error {
	f.record("commit")
	return nil
}

func (f *fakeBackend) CreateItem(_ context.Context, item realtime.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "item")
	f.items = append(f.items, item)
	return nil
}

func (f *fakeBackend) CreateResponse(_ context.Context, cfg *realtime.ResponseConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "response")
	f.responses = append(f.responses, cfg)
	return nil
}

func (f *fakeBackend) CancelResponse(context.Context) error {
	f.record("cancel")
	return nil
}

func (f *fakeBackend) Close() error {
	f.shutdown(nil)
	return nil
}

// shutdown ends the read side the way the realtime client does.
func (f *fakeBackend) shutdown(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.err = err
		f.mu.Unlock()
		close(f.events)
		close(f.done)
	})
}

func (f *fakeBackend) snapshot() (calls []string, updates []realtime.SessionConfig, items []realtime.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...),
		append([]realtime.SessionConfig(nil), f.updates...),
		append([]realtime.Item(nil), f.items...)
}

type discardQueue struct{}

func (discardQueue) Enqueue(notification.Payload) error { return nil }

type fakeStream struct {
	sys *fakeAudio
}

func (s *fakeStream) Close() error {
	s.sys.mu.Lock()
	defer s.sys.mu.Unlock()
	s.sys.open--
	s.sys.onFrame = nil
	return nil
}

type fakeAudio struct {
	caps    audio.Capabilities
	capsErr error
	openErr error

	mu      sync.Mutex
	open    int
	opened  int
	onFrame audio.FrameFunc
}

func newFakeAudio() *fakeAudio {
	return &fakeAudio{caps: audio.Capabilities{Capture: true, Playback: true, Decode: true}}
}

func (a *fakeAudio) Capabilities() (audio.Capabilities, error) {
	return a.caps, a.capsErr
}

func (a *fakeAudio) OpenCapture(_ audio.Format, fn audio.FrameFunc) (audio.Stream, error) {
	if a.openErr != nil {
		return nil, a.openErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open++
	a.opened++
	a.onFrame = fn
	return &fakeStream{sys: a}, nil
}

func (a *fakeAudio) frame(samples []float32) {
	a.mu.Lock()
	fn := a.onFrame
	a.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

func (a *fakeAudio) counts() (open, opened int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open, a.opened
}

type stubIdentifier struct {
	mu      sync.Mutex
	results map[string]*language.Result
}

func (s *stubIdentifier) Detect(text string, ctx *language.Context) *language.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.results[text]; ok {
		return r
	}
	return &language.Result{Language: ctx.Current, Confidence: 0.9}
}

type stubScorer struct {
	mu      sync.Mutex
	results map[string]*emergency.Result
	seen    []emergency.Context
	resets  []string
}

func (s *stubScorer) Analyze(text string, actx *emergency.Context) *emergency.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, *actx)
	if r, ok := s.results[text]; ok {
		return r
	}
	return &emergency.Result{Severity: emergency.SeverityNone, Confidence: 0.2, Language: "en"}
}

func (s *stubScorer) ResetSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, id)
}

type recorder struct {
	ch chan Event
}

func newRecorder(m *Manager) *recorder {
	r := &recorder{ch: make(chan Event, 256)}
	m.Subscribe(func(ev Event) { r.ch <- ev })
	return r
}

// next returns the next event of type typ, skipping others.
func (r *recorder) next(t *testing.T, typ EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", typ)
			return Event{}
		}
	}
}

type harness struct {
	m          *Manager
	backend    *fakeBackend
	audio      *fakeAudio
	scorer     *stubScorer
	identifier *stubIdentifier
	events     *recorder
}

func newHarness(t *testing.T, mutate func(*ManagerOption)) *harness {
	t.Helper()
	h := &harness{
		backend:    newFakeBackend(),
		audio:      newFakeAudio(),
		scorer:     &stubScorer{results: map[string]*emergency.Result{}},
		identifier: &stubIdentifier{results: map[string]*language.Result{}},
	}
	ins, err := DefaultInstructions(Facility{Hospital: "City General", Hours: "24/7"}, "en")
	require.NoError(t, err)
	opt := &ManagerOption{
		Dial:         func(context.Context) (Backend, error) { return h.backend, nil },
		Audio:        h.audio,
		Identifier:   h.identifier,
		Scorer:       h.scorer,
		Instructions: ins,
	}
	if mutate != nil {
		mutate(opt)
	}
	h.m, err = NewManager(opt, nil)
	require.NoError(t, err)
	h.events = newRecorder(h.m)
	t.Cleanup(func() { _ = h.m.Close() })
	return h
}

func (h *harness) connect(t *testing.T) Session {
	t.Helper()
	require.NoError(t, h.m.Connect(context.Background()))
	h.events.next(t, EventConnected)
	return h.m.Session()
}

func TestInitialize_MissingCapabilities(t *testing.T) {
	h := newHarness(t, func(o *ManagerOption) { o.Dial = nil })
	h.audio.caps.Decode = false

	err := h.m.Initialize()
	var ce *CapabilityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"decode", "streaming transport"}, ce.Missing)
	assert.Equal(t, StateIdle, h.m.State())

	ev := h.events.next(t, EventError)
	assert.Contains(t, ev.Text, "decode")
}

func TestInitialize_AudioProbeError(t *testing.T) {
	h := newHarness(t, nil)
	h.audio.capsErr = errors.New("no backend")

	err := h.m.Initialize()
	var ce *CapabilityError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Missing, "capture")
	assert.EqualError(t, errors.Unwrap(err), "no backend")
}

func TestConnect_SendsSessionConfiguration(t *testing.T) {
	reg := tools.NewRegistry(nil, nil)
	require.NoError(t, tools.RegisterBuiltins(reg, &tools.BuiltinOption{
		Booker:    tools.NewMemoryBooker(),
		Alerter:   &tools.NotifierAlerter{Queue: discardQueue{}},
		Directory: &tools.StaticDirectory{Name: "City General"},
	}))
	h := newHarness(t, func(o *ManagerOption) { o.Functions = reg })

	sess := h.connect(t)
	assert.NotEmpty(t, sess.ID)
	assert.NotEmpty(t, sess.ConversationID)
	assert.NotEqual(t, sess.ID, sess.ConversationID)
	assert.Equal(t, "en", sess.Language)
	assert.Equal(t, StateConnected, h.m.State())

	_, updates, _ := h.backend.snapshot()
	require.Len(t, updates, 1)
	cfg := updates[0]
	assert.Equal(t, []string{"text", "audio"}, cfg.Modalities)
	assert.Equal(t, "pcm16", cfg.InputAudioFormat)
	assert.Equal(t, "pcm16", cfg.OutputAudioFormat)
	assert.Equal(t, "alloy", cfg.Voice)
	require.NotNil(t, cfg.TurnDetection)
	assert.Equal(t, "server_vad", cfg.TurnDetection.Type)
	assert.Equal(t, 500, cfg.TurnDetection.SilenceDurationMs)
	require.NotNil(t, cfg.InputAudioTranscription)
	assert.Contains(t, cfg.Instructions, "City General")
	assert.Contains(t, cfg.Instructions, "No markdown")
	assert.Equal(t, "auto", cfg.ToolChoice)

	var names []string
	for _, tool := range cfg.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{tools.BookAppointment, tools.EmergencyAlert, tools.GetHospitalInfo}, names)
}

func TestConnect_Twice(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	assert.ErrorIs(t, h.m.Connect(context.Background()), ErrAlreadyConnected)
}

func TestConnect_Timeout(t *testing.T) {
	h := newHarness(t, func(o *ManagerOption) { o.ConnectTimeout = 50 * time.Millisecond })
	h.backend.noAck = true

	err := h.m.Connect(context.Background())
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Timeout)
	assert.Equal(t, StateIdle, h.m.State())
	assert.True(t, h.backend.isClosed())

	ev := h.events.next(t, EventError)
	assert.Contains(t, ev.Text, "did not respond")
}

func TestConnect_BackendRejectsAuth(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.reject = &realtime.ErrorDetail{Type: "invalid_request_error", Code: "invalid_api_key", Message: "Incorrect API key provided"}

	err := h.m.Connect(context.Background())
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Unauthorized)
	assert.Equal(t, "Incorrect API key provided", ce.Reason)

	ev := h.events.next(t, EventError)
	assert.Contains(t, ev.Text, "Authentication")
}

func TestConnect_DialUnauthorized(t *testing.T) {
	h := newHarness(t, func(o *ManagerOption) {
		o.Dial = func(context.Context) (Backend, error) {
			return nil, &realtime.DialError{URL: "wss://example", StatusCode: 401, Err: errors.New("bad handshake")}
		}
	})

	err := h.m.Connect(context.Background())
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Unauthorized)
	assert.False(t, ce.Timeout)
	assert.Equal(t, StateIdle, h.m.State())
}

func TestRecording_RequiresConnection(t *testing.T) {
	h := newHarness(t, nil)
	err := h.m.StartRecording()
	var re *RecordingError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, ErrNotConnected)

	open, _ := h.audio.counts()
	assert.Zero(t, open)
}

func TestRecording_PermissionDenied(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	h.audio.openErr = errors.New("permission denied")

	err := h.m.StartRecording()
	var re *RecordingError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, StateConnected, h.m.State())
}

func TestRecording_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	require.NoError(t, h.m.StartRecording())
	require.NoError(t, h.m.StartRecording())
	_, opened := h.audio.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, StateRecording, h.m.State())

	h.audio.frame([]float32{0, 0.5, -0.5})
	h.audio.frame([]float32{0.25})

	require.NoError(t, h.m.StopRecording())
	require.NoError(t, h.m.StopRecording())
	open, _ := h.audio.counts()
	assert.Zero(t, open)

	calls, _, _ := h.backend.snapshot()
	commits := 0
	for _, c := range calls {
		if c == "commit" {
			commits++
		}
	}
	assert.Equal(t, 1, commits)
	h.backend.mu.Lock()
	assert.Equal(t, 2, h.backend.audio)
	h.backend.mu.Unlock()
	assert.Equal(t, uint64(2), h.m.Metrics().FramesCaptured)
}

func TestRecording_CountsSilentFrames(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	require.NoError(t, h.m.StartRecording())

	h.audio.frame([]float32{0, 0.001, -0.002})
	h.audio.frame([]float32{0.4, -0.4})
	h.audio.frame(nil)

	m := h.m.Metrics()
	assert.Equal(t, uint64(3), m.FramesCaptured)
	assert.Equal(t, uint64(2), m.FramesSilent)
}

func TestRecording_DropsFramesWhenSendBufferFull(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	require.NoError(t, h.m.StartRecording())

	h.backend.mu.Lock()
	h.backend.audioErr = realtime.ErrSendBufferFull
	h.backend.mu.Unlock()
	h.audio.frame([]float32{0.1})

	m := h.m.Metrics()
	assert.Equal(t, uint64(1), m.FramesDropped)
	assert.Zero(t, m.FramesCaptured)
}

func TestDisconnect_ReleasesMicrophoneAndResets(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.connect(t)
	require.NoError(t, h.m.StartRecording())

	require.NoError(t, h.m.Disconnect())

	open, _ := h.audio.counts()
	assert.Zero(t, open)
	assert.Equal(t, StateIdle, h.m.State())
	assert.False(t, h.m.Session().Active())
	assert.True(t, h.backend.isClosed())

	ev := h.events.next(t, EventDisconnected)
	assert.Equal(t, 1000, ev.Code)
	assert.Equal(t, sess.ID, ev.SessionID)

	h.scorer.mu.Lock()
	assert.Equal(t, []string{sess.ID}, h.scorer.resets)
	h.scorer.mu.Unlock()

	m := h.m.Metrics()
	assert.Equal(t, 1, m.TotalSessions)
	assert.Equal(t, 1, m.Languages["en"])

	// second disconnect is a no-op
	require.NoError(t, h.m.Disconnect())
	assert.Equal(t, 1, h.m.Metrics().TotalSessions)
}

func TestDisconnect_RepeatedCycles(t *testing.T) {
	var backends []*fakeBackend
	var mu sync.Mutex
	h := newHarness(t, nil)
	h.m.opt.Dial = func(context.Context) (Backend, error) {
		mu.Lock()
		defer mu.Unlock()
		b := newFakeBackend()
		backends = append(backends, b)
		return b, nil
	}

	for i := 0; i < 3; i++ {
		h.connect(t)
		require.NoError(t, h.m.StartRecording())
		require.NoError(t, h.m.Disconnect())
		h.events.next(t, EventDisconnected)
	}

	open, opened := h.audio.counts()
	assert.Zero(t, open)
	assert.Equal(t, 3, opened)
	for _, b := range backends {
		assert.True(t, b.isClosed())
	}
	assert.Equal(t, 3, h.m.Metrics().TotalSessions)
}

func TestUnexpectedClose_GoesIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	require.NoError(t, h.m.StartRecording())

	h.backend.shutdown(errors.New("connection reset by peer"))

	ev := h.events.next(t, EventDisconnected)
	assert.Equal(t, 1006, ev.Code)
	assert.Equal(t, "connection reset by peer", ev.Reason)
	assert.Equal(t, StateIdle, h.m.State())
	open, _ := h.audio.counts()
	assert.Zero(t, open)

	// no reconnection; disconnect stays a no-op
	require.NoError(t, h.m.Disconnect())
	assert.Equal(t, 1, h.m.Metrics().TotalSessions)
}

func TestTranscript_SpeechStartedPrecedesTranscript(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	h.backend.events <- realtime.ServerEvent{Type: realtime.TypeSpeechStarted}
	h.backend.events <- realtime.ServerEvent{Type: realtime.TypeTranscriptionCompleted, Transcript: "  hello there  "}

	var order []EventType
	for len(order) < 2 {
		ev := <-h.events.ch
		if ev.Type == EventSpeechStarted || ev.Type == EventTranscript {
			order = append(order, ev.Type)
			if ev.Type == EventTranscript {
				assert.Equal(t, "hello there", ev.Text)
			}
		}
	}
	assert.Equal(t, []EventType{EventSpeechStarted, EventTranscript}, order)

	sess := h.m.Session()
	assert.Equal(t, 1, sess.Turns)
	assert.Equal(t, "hello there", sess.LastTranscript)
}

func TestTranscript_PassesRecentHistory(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.connect(t)

	for _, text := range []string{"one", "two", "three", "four", "five"} {
		h.backend.events <- realtime.ServerEvent{Type: realtime.TypeTranscriptionCompleted, Transcript: text}
		h.events.next(t, EventTranscript)
	}
	require.Eventually(t, func() bool {
		h.scorer.mu.Lock()
		defer h.scorer.mu.Unlock()
		return len(h.scorer.seen) == 5
	}, time.Second, 5*time.Millisecond)

	h.scorer.mu.Lock()
	last := h.scorer.seen[4]
	h.scorer.mu.Unlock()
	assert.Equal(t, sess.ID, last.SessionID)
	assert.Equal(t, []string{"two", "three", "four"}, last.PreviousMessages)
}

func TestTranscript_ScorerReusesDetection(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	det := &language.Result{Language: "es", Confidence: 0.4}
	h.identifier.results["me duele"] = det

	h.backend.events <- realtime.ServerEvent{Type: realtime.TypeTranscriptionCompleted, Transcript: "me duele"}
	h.events.next(t, EventTranscript)
	require.Eventually(t, func() bool {
		h.scorer.mu.Lock()
		defer h.scorer.mu.Unlock()
		return len(h.scorer.seen) == 1
	}, time.Second, 5*time.Millisecond)

	h.scorer.mu.Lock()
	defer h.scorer.mu.Unlock()
	assert.Same(t, det, h.scorer.seen[0].Detection)
}

func TestEmergency_NonCriticalCounts(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	h.scorer.results["my chest hurts a bit"] = &emergency.Result{Detected: true, Severity: emergency.SeverityMedium, Confidence: 0.5, Language: "en"}

	h.backend.events <- realtime.ServerEvent{Type: realtime.TypeTranscriptionCompleted, Transcript: "my chest hurts a bit"}
	ev := h.events.next(t, EventEmergency)
	assert.Equal(t, emergency.SeverityMedium, ev.Emergency.Severity)

	sess := h.m.Session()
	assert.True(t, sess.EmergencyDetected)
	assert.Equal(t, 1, sess.EmergencyCount)
	assert.Equal(t, 1, h.m.Metrics().EmergencyDetections)

	calls, _, _ := h.backend.snapshot()
	assert.NotContains(t, calls, "cancel")
	assert.NotContains(t, calls, "item")
}

func TestEmergency_CriticalInterruptsResponse(t *testing.T) {
	id, err := language.NewIdentifier(&language.IdentifierOption{}, nil)
	require.NoError(t, err)
	scorer, err := emergency.NewScorer(&emergency.ScorerOption{
		Detector: id,
		Now:      func() time.Time { return time.Date(2026, 3, 2, 14, 0, 0, 0, time.Local) },
	}, nil)
	require.NoError(t, err)
	h := newHarness(t, func(o *ManagerOption) {
		o.Identifier = id
		o.Scorer = scorer
	})
	h.connect(t)

	h.backend.events <- realtime.ServerEvent{Type: realtime.TypeResponseCreated, Response: &realtime.Response{ID: "resp_1"}}
	h.backend.events <- realtime.ServerEvent{Type: realtime.TypeTranscriptionCompleted, Transcript: "I have severe chest pain and can't breathe properly"}

	ev := h.events.next(t, EventEmergency)
	assert.Equal(t, emergency.SeverityCritical, ev.Emergency.Severity)
	crit := h.events.next(t, EventCriticalEmergency)
	assert.Contains(t, crit.Text, "911")
	require.Eventually(t, func() bool { return !h.m.EmergencyInterrupt() }, time.Second, 5*time.Millisecond)

	calls, _, items := h.backend.snapshot()
	assert.Equal(t, []string{"update", "cancel", "item", "response"}, calls)
	require.Len(t, items, 1)
	assert.Equal(t, "assistant", items[0].Role)
	assert.Equal(t, crit.Text, items[0].Content[0].Text)
	assert.Equal(t, 1, h.m.Session().EmergencyCount)
	assert.Equal(t, "en", h.m.Session().Language)
}

func TestEmergency_CriticalWithoutActiveResponseSkipsCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	h.scorer.results["help"] = &emergency.Result{Detected: true, Severity: emergency.SeverityCritical, Confidence: 0.9, Language: "es"}

	h.backend.events <- realtime.ServerEvent{Type: realtime.TypeResponseCreated}
	h.backend.events <- realtime.ServerEvent{Type: realtime.TypeResponseDone}
	h.backend.events <- realtime.ServerEvent{Type: realtime.TypeTranscriptionCompleted, Transcript: "help"}

	crit := h.events.next(t, EventCriticalEmergency)
	// falls back to the localized message when the analysis carries none
	assert.Equal(t, h.m.opt.Instructions.EmergencyMessage("es"), crit.Text)
	assert.Equal(t, "es", crit.Language)

	calls, _, _ := h.backend.snapshot()
	assert.NotContains(t, calls, "cancel")
}

func TestLanguageSwitch_Threshold(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	h.identifier.results["hola quizás"] = &language.Result{Language: "es", Confidence: 0.7}
	h.identifier.results["hola necesito una cita"] = &language.Result{Language: "es", Confidence: 0.92}

	h.backend.events <- realtime.ServerEvent{Type: realtime.TypeTranscriptionCompleted, Transcript: "hola quizás"}
	h.backend.events <- realtime.ServerEvent{Type: realtime.TypeTranscriptionCompleted, Transcript: "hola necesito una cita"}

	ev := h.events.next(t, EventLanguageSwitched)
	assert.Equal(t, "es", ev.Language)
	assert.Equal(t, 0.92, ev.Detection.Confidence)

	sess := h.m.Session()
	assert.Equal(t, "es", sess.Language)
	assert.Equal(t, 1, sess.Switches)
	assert.Equal(t, []string{"en", "es"}, sess.Languages)

	_, updates, _ := h.backend.snapshot()
	require.Len(t, updates, 2)
	assert.Contains(t, updates[1].Instructions, "español")
	assert.Contains(t, updates[1].Instructions, h.m.opt.Instructions.languages["es"].SwitchNotice)
	assert.Empty(t, updates[1].Tools)

	require.NoError(t, h.m.Disconnect())
	m := h.m.Metrics()
	assert.Equal(t, 1, m.LanguageSwitches)
	assert.Equal(t, 1, m.Languages["en"])
	assert.Equal(t, 1, m.Languages["es"])
}

func TestLanguageSwitch_SubThresholdNeverSwitches(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	h.identifier.results["bonjour"] = &language.Result{Language: "fr", Confidence: 0.69}

	h.backend.events <- realtime.ServerEvent{Type: realtime.TypeTranscriptionCompleted, Transcript: "bonjour"}
	h.events.next(t, EventTranscript)
	h.backend.events <- realtime.ServerEvent{Type: realtime.TypeResponseDone}
	h.events.next(t, EventResponseDone)

	assert.Equal(t, "en", h.m.Session().Language)
	_, updates, _ := h.backend.snapshot()
	assert.Len(t, updates, 1)
}

func TestFunctionCall_ReturnsOutputWithCallID(t *testing.T) {
	reg := tools.NewRegistry(nil, nil)
	var got tools.Session
	require.NoError(t, reg.Register(openai.FunctionDefinition{Name: "echo_session"},
		func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			got = tools.SessionFromContext(ctx)
			return map[string]string{"status": "ok"}, nil
		}))
	h := newHarness(t, func(o *ManagerOption) { o.Functions = reg })
	sess := h.connect(t)

	h.backend.events <- realtime.ServerEvent{Type: realtime.TypeOutputItemAdded, Item: &realtime.Item{Type: "function_call", CallID: "call_9", Name: "echo_session"}}
	h.backend.events <- realtime.ServerEvent{Type: realtime.TypeFunctionArgumentsDone, CallID: "call_9", Arguments: `{}`}

	ev := h.events.next(t, EventFunctionCall)
	require.NotNil(t, ev.Function)
	assert.Equal(t, "echo_session", ev.Function.Name)
	assert.NoError(t, ev.Function.Err)
	assert.Equal(t, sess.ID, got.ID)

	calls, _, items := h.backend.snapshot()
	assert.Equal(t, []string{"update", "item", "response"}, calls)
	require.Len(t, items, 1)
	assert.Equal(t, "function_call_output", items[0].Type)
	assert.Equal(t, "call_9", items[0].CallID)
	assert.JSONEq(t, `{"status":"ok"}`, items[0].Output)
}

func TestFunctionCall_UnknownFunction(t *testing.T) {
	h := newHarness(t, func(o *ManagerOption) { o.Functions = tools.NewRegistry(nil, nil) })
	h.connect(t)

	h.backend.events <- realtime.ServerEvent{Type: realtime.TypeFunctionArgumentsDone, CallID: "call_1", Name: "teleport", Arguments: `{}`}

	ev := h.events.next(t, EventFunctionCall)
	assert.ErrorIs(t, ev.Function.Err, tools.ErrUnknownFunction)
	_, _, items := h.backend.snapshot()
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Output, `"success":false`)
}

func TestPlayback_DecodesAudioDeltasInOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	h.backend.events <- realtime.ServerEvent{Type: realtime.TypeResponseAudioDelta, Delta: audio.Base64PCM16([]float32{0.5})}
	h.backend.events <- realtime.ServerEvent{Type: realtime.TypeResponseAudioDelta, Delta: audio.Base64PCM16([]float32{-0.5, 0.25})}

	first := <-h.m.Playback()
	second := <-h.m.Playback()
	assert.Less(t, first.Seq, second.Seq)
	assert.Len(t, first.Samples, 1)
	assert.Len(t, second.Samples, 2)
	assert.InDelta(t, 0.5, first.Samples[0], 0.001)
}

func TestClose_StopsEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	require.NoError(t, h.m.StartRecording())

	require.NoError(t, h.m.Close())
	assert.ErrorIs(t, h.m.Connect(context.Background()), ErrClosed)
	_, ok := <-h.m.Playback()
	assert.False(t, ok)
}
