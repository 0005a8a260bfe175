package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/code-100-precent/carevoice/pkg/audio"
	"github.com/code-100-precent/carevoice/pkg/emergency"
	"github.com/code-100-precent/carevoice/pkg/events"
	"github.com/code-100-precent/carevoice/pkg/language"
	"github.com/code-100-precent/carevoice/pkg/metrics"
	"github.com/code-100-precent/carevoice/pkg/realtime"
	"github.com/code-100-precent/carevoice/pkg/tools"
	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	historySize  = 3
	sendTimeout  = 2 * time.Second
	// capture frames below this RMS level count as silent
	silenceLevel = 0.01
)

// Identifier language detection used on every transcript.
type Identifier interface {
	Detect(text string, ctx *language.Context) *language.Result
}

// Scorer emergency analysis used on every transcript.
type Scorer interface {
	Analyze(text string, actx *emergency.Context) *emergency.Result
	ResetSession(sessionID string)
}

// FunctionDispatcher executes functions the backend asks for.
type FunctionDispatcher interface {
	Definitions() []openai.FunctionDefinition
	Dispatch(ctx context.Context, name, arguments string) (string, error)
}

// Backend an open speech-backend connection; *realtime.Client satisfies it.
type Backend interface {
	Events() <-chan realtime.ServerEvent
	Done() <-chan struct{}
	Err() error
	UpdateSession(ctx context.Context, cfg realtime.SessionConfig) error
	SendAudio(b64 string) error
	CommitAudio(ctx context.Context) error
	CreateItem(ctx context.Context, item realtime.Item) error
	CreateResponse(ctx context.Context, cfg *realtime.ResponseConfig) error
	CancelResponse(ctx context.Context) error
	Close() error
}

// DialFunc opens a backend connection.
type DialFunc func(ctx context.Context) (Backend, error)

// RealtimeDialer dials the realtime websocket API.
func RealtimeDialer(opt *realtime.ClientOption, logger *zap.Logger) DialFunc {
	return func(ctx context.Context) (Backend, error) {
		c, err := realtime.Dial(ctx, opt, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// ManagerOption construction parameters. Identifier, Scorer and
// Instructions are required.
type ManagerOption struct {
	Dial         DialFunc
	Audio        audio.System
	Format       audio.Format
	Identifier   Identifier
	Scorer       Scorer
	Functions    FunctionDispatcher
	Instructions *Instructions

	Voice              string
	Temperature        float64
	TranscriptionModel string
	VAD                realtime.TurnDetection
	DefaultLanguage    string
	SwitchThreshold    float64
	ConnectTimeout     time.Duration
	DecodeBuffer       int

	Tracker events.Tracker
	Metrics *metrics.Collector
	Now     func() time.Time
}

type liveBackend struct {
	b Backend
}

// Manager runs one voice session at a time: the backend connection, the
// capture pipeline, transcript analysis and playback decoding.
type Manager struct {
	opt     ManagerOption
	log     *zap.Logger
	decoder *audio.Decoder
	emitter *emitter

	// capture callback path, read without mu
	live           atomic.Pointer[liveBackend]
	framesCaptured atomic.Uint64
	framesDropped  atomic.Uint64
	framesSilent   atomic.Uint64

	mu             sync.Mutex
	state          State
	initialized    bool
	closed         bool
	interrupt      bool
	responseActive bool
	session        Session
	lifetime       Metrics
	backend        Backend
	capture        audio.Stream
	loopDone       chan struct{}
	calls          map[string]string
	history        []string
}

func NewManager(opt *ManagerOption, logger *zap.Logger) (*Manager, error) {
	if opt == nil {
		return nil, errors.New("manager option is required")
	}
	if opt.Identifier == nil || opt.Scorer == nil {
		return nil, errors.New("identifier and scorer are required")
	}
	if opt.Instructions == nil {
		return nil, errors.New("instructions are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := *opt
	if !o.Format.Valid() {
		o.Format = audio.Format{SampleRate: 24000, Channels: 1, FrameMs: 40}
	}
	if o.Voice == "" {
		o.Voice = "alloy"
	}
	if o.TranscriptionModel == "" {
		o.TranscriptionModel = "whisper-1"
	}
	if o.VAD.Type == "" {
		o.VAD = realtime.TurnDetection{Type: "server_vad", Threshold: 0.5, PrefixPaddingMs: 300, SilenceDurationMs: 500}
	}
	if o.DefaultLanguage == "" {
		o.DefaultLanguage = "en"
	}
	if o.SwitchThreshold <= 0 {
		o.SwitchThreshold = 0.7
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.Tracker == nil {
		o.Tracker = events.Nop{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	log := logger.Named("voice")
	return &Manager{
		opt:      o,
		log:      log,
		decoder:  audio.NewDecoder(o.DecodeBuffer, log),
		emitter:  newEmitter(log),
		lifetime: Metrics{Languages: make(map[string]int)},
	}, nil
}

// Subscribe registers fn for every session event. Events are delivered in
// order on a single goroutine; fn must not block for long.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	return m.emitter.subscribe(fn)
}

// Playback decoded response audio in arrival order. Closed by Close.
func (m *Manager) Playback() <-chan audio.Frame {
	return m.decoder.Frames()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EmergencyInterrupt reports whether a critical emergency message is
// being queued ahead of the conversation.
func (m *Manager) EmergencyInterrupt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interrupt
}

// Session snapshot of the open session; zero when idle.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.clone()
}

// Metrics snapshot of the lifetime counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	out := m.lifetime.clone()
	m.mu.Unlock()

	out.FramesCaptured = m.framesCaptured.Load()
	out.FramesDropped = m.framesDropped.Load()
	out.FramesSilent = m.framesSilent.Load()
	st := m.decoder.Stats()
	out.ChunksDecoded = st.Decoded
	out.ChunksDropped = st.Dropped
	out.DecodeErrors = st.Errors
	return out
}

// Initialize checks the capture, streaming and decode capabilities.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateIdle {
		m.mu.Unlock()
		return nil
	}
	m.setState(StateInitializing)
	m.mu.Unlock()

	var (
		missing []string
		cause   error
	)
	if m.opt.Audio == nil {
		missing = append(missing, "capture", "decode")
	} else if caps, err := m.opt.Audio.Capabilities(); err != nil {
		missing = append(missing, "capture", "decode")
		cause = err
	} else {
		if !caps.Capture {
			missing = append(missing, "capture")
		}
		if !caps.Decode {
			missing = append(missing, "decode")
		}
	}
	if m.opt.Dial == nil {
		missing = append(missing, "streaming transport")
	}

	m.mu.Lock()
	m.initialized = len(missing) == 0
	m.setState(StateIdle)
	m.mu.Unlock()

	if len(missing) > 0 {
		err := &CapabilityError{Missing: missing, Cause: cause}
		m.log.Error("audio capabilities missing", zap.Strings("missing", missing), zap.Error(cause))
		m.emitError(err)
		return err
	}
	m.log.Info("audio capabilities verified")
	return nil
}

// Connect opens the backend connection and configures the session. It
// returns once the backend confirms the configuration.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	ready := m.initialized
	m.mu.Unlock()

	if !ready {
		if err := m.Initialize(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.setState(StateConnecting)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opt.ConnectTimeout)
	defer cancel()

	lang := m.opt.DefaultLanguage
	backend, err := m.opt.Dial(ctx)
	if err != nil {
		return m.connectFailed(dialError(ctx, err))
	}
	if err := backend.UpdateSession(ctx, m.sessionConfig(lang)); err != nil {
		_ = backend.Close()
		return m.connectFailed(&ConnectionError{Reason: "send session configuration", Cause: err})
	}
	if err := awaitConfirmation(ctx, backend); err != nil {
		_ = backend.Close()
		return m.connectFailed(err.(*ConnectionError))
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.session = Session{
		ID:             uuid.NewString(),
		ConversationID: uuid.NewString(),
		StartedAt:      m.opt.Now(),
	}
	m.session.useLanguage(lang)
	m.backend = backend
	m.loopDone = done
	m.calls = make(map[string]string)
	m.history = nil
	m.interrupt = false
	m.responseActive = false
	m.setState(StateConnected)
	sess := m.session.clone()
	m.mu.Unlock()

	m.live.Store(&liveBackend{b: backend})
	go m.loop(sessCtx, sessCancel, backend, done)

	m.opt.Metrics.SessionStarted()
	m.opt.Tracker.Track(events.SessionStarted, map[string]interface{}{
		"sessionId":      sess.ID,
		"conversationId": sess.ConversationID,
		"language":       sess.Language,
	})
	m.log.Info("voice session connected", zap.String("session_id", sess.ID), zap.String("language", sess.Language))
	m.emitter.emit(Event{Type: EventConnected, Time: m.opt.Now(), SessionID: sess.ID, Language: sess.Language})
	return nil
}

func dialError(ctx context.Context, err error) *ConnectionError {
	ce := &ConnectionError{Reason: "dial speech backend", Cause: err}
	var de *realtime.DialError
	if errors.As(err, &de) && de.Unauthorized() {
		ce.Reason = "authentication rejected"
		ce.Unauthorized = true
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		ce.Reason = "handshake timed out"
		ce.Timeout = true
	}
	return ce
}

func awaitConfirmation(ctx context.Context, b Backend) error {
	for {
		select {
		case ev, ok := <-b.Events():
			if !ok {
				return &ConnectionError{Reason: "connection closed before session confirmation", Cause: b.Err()}
			}
			switch ev.Type {
			case realtime.TypeSessionUpdated:
				return nil
			case realtime.TypeError:
				return backendError(ev.Error)
			}
		case <-ctx.Done():
			return &ConnectionError{
				Reason:  "no session confirmation",
				Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
				Cause:   ctx.Err(),
			}
		}
	}
}

func backendError(detail *realtime.ErrorDetail) *ConnectionError {
	if detail == nil {
		return &ConnectionError{Reason: "backend error"}
	}
	ce := &ConnectionError{Reason: detail.Message, Cause: fmt.Errorf("%s: %s", detail.Type, detail.Code)}
	switch detail.Code {
	case "invalid_api_key", "unauthorized", "authentication_error":
		ce.Unauthorized = true
	}
	return ce
}

func (m *Manager) connectFailed(err *ConnectionError) error {
	m.mu.Lock()
	m.setState(StateIdle)
	m.mu.Unlock()
	m.log.Warn("voice connect failed", zap.Error(err))
	m.emitError(err)
	return err
}

// sessionConfig the full session.update sent on connect.
func (m *Manager) sessionConfig(lang string) realtime.SessionConfig {
	vad := m.opt.VAD
	cfg := realtime.SessionConfig{
		Modalities:              []string{"text", "audio"},
		Instructions:            m.opt.Instructions.For(lang, false),
		Voice:                   m.opt.Voice,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &realtime.Transcription{Model: m.opt.TranscriptionModel},
		TurnDetection:           &vad,
		Temperature:             m.opt.Temperature,
	}
	if m.opt.Functions != nil {
		if defs := m.opt.Functions.Definitions(); len(defs) > 0 {
			cfg.Tools = realtime.ToolsFromFunctions(defs)
			cfg.ToolChoice = "auto"
		}
	}
	return cfg
}

// StartRecording opens the capture device and streams frames to the
// backend. A no-op while already recording.
func (m *Manager) StartRecording() error {
	m.mu.Lock()
	switch m.state {
	case StateRecording:
		m.mu.Unlock()
		return nil
	case StateConnected:
	default:
		m.mu.Unlock()
		err := &RecordingError{Reason: "no open connection", Cause: ErrNotConnected}
		m.emitError(err)
		return err
	}
	m.mu.Unlock()

	if m.opt.Audio == nil {
		err := &RecordingError{Reason: "no capture device", Cause: audio.ErrNoCaptureDevice}
		m.emitError(err)
		return err
	}
	stream, err := m.opt.Audio.OpenCapture(m.opt.Format, m.onFrame)
	if err != nil {
		rerr := &RecordingError{Reason: "capture device unavailable", Cause: err}
		m.log.Warn("open capture failed", zap.Error(err))
		m.emitError(rerr)
		return rerr
	}

	m.mu.Lock()
	switch m.state {
	case StateConnected:
	case StateRecording:
		m.mu.Unlock()
		_ = stream.Close()
		return nil
	default:
		m.mu.Unlock()
		_ = stream.Close()
		return &RecordingError{Reason: "no open connection", Cause: ErrNotConnected}
	}
	m.capture = stream
	m.setState(StateRecording)
	sid := m.session.ID
	m.mu.Unlock()

	m.opt.Tracker.Track(events.RecordingStarted, map[string]interface{}{"sessionId": sid})
	m.emitter.emit(Event{Type: EventRecordingStarted, Time: m.opt.Now(), SessionID: sid})
	return nil
}

// onFrame runs on the audio thread: encode and enqueue only.
func (m *Manager) onFrame(samples []float32) {
	lb := m.live.Load()
	if lb == nil {
		return
	}
	if err := lb.b.SendAudio(audio.Base64PCM16(samples)); err != nil {
		m.framesDropped.Add(1)
		m.opt.Metrics.AudioFrame("in", "dropped")
		return
	}
	m.framesCaptured.Add(1)
	if audio.RMS(samples) < silenceLevel {
		m.framesSilent.Add(1)
	}
	m.opt.Metrics.AudioFrame("in", "sent")
}

// StopRecording releases the capture device and commits the buffered
// utterance. A no-op when not recording.
func (m *Manager) StopRecording() error {
	m.mu.Lock()
	if m.state != StateRecording {
		m.mu.Unlock()
		return nil
	}
	stream := m.capture
	m.capture = nil
	m.setState(StateConnected)
	b := m.backend
	sid := m.session.ID
	m.mu.Unlock()

	var err error
	if cerr := stream.Close(); cerr != nil {
		err = &RecordingError{Reason: "release capture device", Cause: cerr}
		m.log.Warn("close capture failed", zap.Error(cerr))
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if cerr := b.CommitAudio(ctx); cerr != nil {
		m.log.Debug("commit audio buffer failed", zap.Error(cerr))
	}

	m.opt.Tracker.Track(events.RecordingStopped, map[string]interface{}{"sessionId": sid})
	m.emitter.emit(Event{Type: EventRecordingStopped, Time: m.opt.Now(), SessionID: sid})
	return err
}

// Disconnect stops recording, closes the connection and folds the session
// into the lifetime metrics. A no-op when idle.
func (m *Manager) Disconnect() error {
	if err := m.StopRecording(); err != nil {
		m.log.Warn("stop recording on disconnect", zap.Error(err))
	}

	m.mu.Lock()
	switch m.state {
	case StateConnected, StateRecording:
	case StateDisconnecting:
		done := m.loopDone
		m.mu.Unlock()
		if done != nil {
			<-done
		}
		return nil
	default:
		m.mu.Unlock()
		return nil
	}
	stream := m.capture
	m.capture = nil
	m.setState(StateDisconnecting)
	b := m.backend
	done := m.loopDone
	m.mu.Unlock()

	m.live.Store(nil)
	if stream != nil {
		_ = stream.Close()
	}
	err := b.Close()
	if err != nil {
		m.log.Debug("close backend", zap.Error(err))
	}
	<-done
	m.finish(1000, "client disconnect", "completed")
	return nil
}

// Close disconnects and stops playback decoding and event delivery.
func (m *Manager) Close() error {
	err := m.Disconnect()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return err
	}
	m.closed = true
	m.mu.Unlock()
	m.decoder.Close()
	m.emitter.close()
	return err
}

func (m *Manager) loop(ctx context.Context, cancel context.CancelFunc, b Backend, done chan struct{}) {
	var calls sync.WaitGroup
	for ev := range b.Events() {
		m.handle(ctx, b, ev, &calls)
	}
	cancel()
	calls.Wait()

	m.mu.Lock()
	expected := m.state == StateDisconnecting
	var stream audio.Stream
	if !expected {
		stream = m.capture
		m.capture = nil
		m.setState(StateDisconnecting)
	}
	m.mu.Unlock()

	if !expected {
		m.live.Store(nil)
		if stream != nil {
			_ = stream.Close()
		}
		code, reason := realtime.CloseStatus(b.Err())
		m.log.Warn("voice session dropped", zap.Int("code", code), zap.String("reason", reason))
		m.finish(code, reason, "dropped")
	}
	close(done)
}

// finish resets the session and reports it.
func (m *Manager) finish(code int, reason, status string) {
	now := m.opt.Now()
	m.mu.Lock()
	sess := m.session
	dur := now.Sub(sess.StartedAt)
	m.lifetime.fold(sess, dur)
	m.session = Session{}
	m.backend = nil
	m.calls = nil
	m.history = nil
	m.interrupt = false
	m.responseActive = false
	m.setState(StateIdle)
	m.mu.Unlock()

	m.decoder.Flush()
	m.opt.Scorer.ResetSession(sess.ID)
	m.opt.Metrics.SessionEnded(status, dur, sess.Turns)
	m.opt.Tracker.Track(events.SessionEnded, map[string]interface{}{
		"sessionId":      sess.ID,
		"conversationId": sess.ConversationID,
		"duration":       dur.Seconds(),
		"turns":          sess.Turns,
		"language":       sess.Language,
		"emergencies":    sess.EmergencyCount,
		"status":         status,
	})
	m.log.Info("voice session ended",
		zap.String("session_id", sess.ID),
		zap.Duration("duration", dur),
		zap.Int("turns", sess.Turns),
		zap.String("status", status))
	m.emitter.emit(Event{Type: EventDisconnected, Time: now, SessionID: sess.ID, Code: code, Reason: reason})
}

func (m *Manager) handle(ctx context.Context, b Backend, ev realtime.ServerEvent, calls *sync.WaitGroup) {
	switch ev.Type {
	case realtime.TypeSpeechStarted:
		// caller barged in; drop assistant audio not yet played
		m.decoder.Flush()
		m.emit(Event{Type: EventSpeechStarted})
	case realtime.TypeSpeechStopped:
		m.emit(Event{Type: EventSpeechStopped})
	case realtime.TypeTranscriptionCompleted:
		m.onTranscript(ctx, b, ev.Transcript)
	case realtime.TypeResponseCreated:
		m.mu.Lock()
		m.responseActive = true
		m.mu.Unlock()
	case realtime.TypeResponseDone:
		m.mu.Lock()
		m.responseActive = false
		m.mu.Unlock()
		m.emit(Event{Type: EventResponseDone})
	case realtime.TypeResponseAudioDelta:
		if m.decoder.Enqueue(ev.Delta) {
			m.opt.Metrics.AudioFrame("out", "queued")
		} else {
			m.opt.Metrics.AudioFrame("out", "dropped")
		}
	case realtime.TypeResponseTextDelta, realtime.TypeAudioTranscriptDelta:
		m.emit(Event{Type: EventResponseText, Text: ev.Delta})
	case realtime.TypeResponseTextDone:
		m.emit(Event{Type: EventResponseText, Text: ev.Text, Final: true})
	case realtime.TypeAudioTranscriptDone:
		m.emit(Event{Type: EventResponseText, Text: ev.Transcript, Final: true})
	case realtime.TypeOutputItemAdded:
		if ev.Item != nil && ev.Item.Type == "function_call" && ev.Item.CallID != "" {
			m.mu.Lock()
			if m.calls != nil {
				m.calls[ev.Item.CallID] = ev.Item.Name
			}
			m.mu.Unlock()
		}
	case realtime.TypeFunctionArgumentsDone:
		m.onFunctionCall(ctx, b, ev, calls)
	case realtime.TypeError:
		msg := "speech backend error"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		m.log.Warn("backend reported error", zap.String("message", msg))
		m.emit(Event{Type: EventError, Text: msg})
	}
}

func (m *Manager) onTranscript(ctx context.Context, b Backend, transcript string) {
	text := strings.TrimSpace(transcript)
	if text == "" {
		return
	}
	m.mu.Lock()
	if !m.state.Live() {
		m.mu.Unlock()
		return
	}
	m.session.Turns++
	m.session.LastTranscript = text
	sid := m.session.ID
	current := m.session.Language
	prev := append([]string(nil), m.history...)
	m.history = append(m.history, text)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
	m.mu.Unlock()

	m.emit(Event{Type: EventTranscript, Text: text, Language: current})

	det := m.opt.Identifier.Detect(text, &language.Context{Current: current})
	res := m.opt.Scorer.Analyze(text, &emergency.Context{SessionID: sid, PreviousMessages: prev, Detection: det})

	if res != nil && res.Detected {
		m.mu.Lock()
		m.session.EmergencyDetected = true
		m.session.EmergencyCount++
		m.lifetime.EmergencyDetections++
		m.mu.Unlock()

		m.opt.Tracker.Track(events.EmergencyDetected, map[string]interface{}{
			"sessionId":  sid,
			"severity":   string(res.Severity),
			"confidence": res.Confidence,
			"symptoms":   res.Symptoms,
		})
		m.emit(Event{Type: EventEmergency, Text: text, Language: res.Language, Emergency: res})
		if res.Severity == emergency.SeverityCritical {
			m.interruptFor(ctx, b, res, current)
		}
	}
	if det != nil {
		m.maybeSwitch(ctx, b, det)
	}
}

// interruptFor cancels the in-flight reply and speaks the emergency
// message ahead of anything else.
func (m *Manager) interruptFor(ctx context.Context, b Backend, res *emergency.Result, current string) {
	m.mu.Lock()
	m.interrupt = true
	active := m.responseActive
	m.responseActive = false
	sid := m.session.ID
	m.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if active {
		if err := b.CancelResponse(sctx); err != nil {
			m.log.Warn("cancel response failed", zap.Error(err))
		}
	}
	m.decoder.Flush()

	lang := res.Language
	if lang == "" {
		lang = current
	}
	msg := m.opt.Instructions.EmergencyMessage(lang)
	if res.Message != nil && *res.Message != "" {
		msg = *res.Message
	}
	if err := b.CreateItem(sctx, realtime.AssistantText(msg)); err != nil {
		m.log.Error("queue emergency message failed", zap.Error(err))
	} else if err := b.CreateResponse(sctx, &realtime.ResponseConfig{
		Modalities:   []string{"text", "audio"},
		Instructions: "Say the following to the caller exactly, then stay on the line: " + msg,
	}); err != nil {
		m.log.Error("request emergency speech failed", zap.Error(err))
	}

	m.opt.Tracker.Track(events.CriticalEmergency, map[string]interface{}{
		"sessionId":  sid,
		"confidence": res.Confidence,
		"language":   lang,
	})
	m.log.Warn("critical emergency interrupt", zap.String("session_id", sid), zap.Float64("score", res.Score))
	m.emit(Event{Type: EventCriticalEmergency, Text: msg, Language: lang, Emergency: res})

	m.mu.Lock()
	m.interrupt = false
	m.mu.Unlock()
}

func (m *Manager) maybeSwitch(ctx context.Context, b Backend, det *language.Result) {
	m.mu.Lock()
	if !m.session.Active() || det.Language == m.session.Language || det.Confidence <= m.opt.SwitchThreshold {
		m.mu.Unlock()
		return
	}
	from := m.session.Language
	m.session.useLanguage(det.Language)
	m.session.Switches++
	m.lifetime.LanguageSwitches++
	sid := m.session.ID
	m.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := b.UpdateSession(sctx, realtime.SessionConfig{Instructions: m.opt.Instructions.For(det.Language, true)}); err != nil {
		m.log.Warn("send language switch failed", zap.Error(err))
	}

	m.opt.Metrics.LanguageSwitched(det.Language)
	m.opt.Tracker.Track(events.LanguageSwitched, map[string]interface{}{
		"sessionId":  sid,
		"from":       from,
		"to":         det.Language,
		"confidence": det.Confidence,
	})
	m.log.Info("session language switched", zap.String("from", from), zap.String("to", det.Language))
	m.emit(Event{Type: EventLanguageSwitched, Language: det.Language, Detection: det})
}

func (m *Manager) onFunctionCall(ctx context.Context, b Backend, ev realtime.ServerEvent, calls *sync.WaitGroup) {
	m.mu.Lock()
	name := ev.Name
	if name == "" {
		name = m.calls[ev.CallID]
	}
	delete(m.calls, ev.CallID)
	ts := tools.Session{ID: m.session.ID, Language: m.session.Language}
	m.mu.Unlock()

	calls.Add(1)
	go func() {
		defer calls.Done()
		call := &FunctionCall{CallID: ev.CallID, Name: name, Arguments: ev.Arguments}
		if m.opt.Functions == nil {
			call.Err = tools.ErrUnknownFunction
			call.Output = `{"success":false,"error":"no functions available"}`
		} else {
			call.Output, call.Err = m.opt.Functions.Dispatch(tools.WithSession(ctx, ts), name, ev.Arguments)
		}
		if call.Err != nil {
			m.log.Warn("function call failed", zap.String("name", name), zap.Error(call.Err))
		}

		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		if err := b.CreateItem(sctx, realtime.FunctionOutput(ev.CallID, call.Output)); err != nil {
			m.log.Warn("send function output failed", zap.Error(err))
			return
		}
		if err := b.CreateResponse(sctx, nil); err != nil {
			m.log.Warn("request response after function call failed", zap.Error(err))
		}
		m.emit(Event{Type: EventFunctionCall, Function: call})
	}()
}

// setState must be called with mu held.
func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.emitter.emit(Event{Type: EventStateChanged, Time: m.opt.Now(), SessionID: m.session.ID, State: s})
}

func (m *Manager) emit(ev Event) {
	ev.Time = m.opt.Now()
	m.mu.Lock()
	ev.SessionID = m.session.ID
	m.mu.Unlock()
	m.emitter.emit(ev)
}

func (m *Manager) emitError(err error) {
	m.emit(Event{Type: EventError, Text: userMessage(err), Err: err})
}
