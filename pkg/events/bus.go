package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Well-known analytics event names emitted by the core.
const (
	LanguageDetected     = "language_detected"
	LanguageSwitched     = "language_switched"
	EmergencyAnalyzed    = "emergency_analyzed"
	EmergencyDetected    = "emergency_detected"
	CriticalEmergency    = "critical_emergency"
	SessionStarted       = "session_started"
	SessionEnded         = "session_ended"
	RecordingStarted     = "recording_started"
	RecordingStopped     = "recording_stopped"
	NotificationSent     = "notification_sent"
	NotificationFailed   = "notification_failed"
	FunctionCallExecuted = "function_call_executed"
)

// Event analytics event
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Source    string                 `json:"source"`
}

// Handler event handler function
type Handler func(event Event) error

// Tracker is the write-only analytics sink used by the scoring and
// session services. Implementations must not block the caller.
type Tracker interface {
	Track(name string, data map[string]interface{})
}

// Nop discards every event.
type Nop struct{}

func (Nop) Track(string, map[string]interface{}) {}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus in-process publish/subscribe bus. Handlers run on their own
// goroutine so Publish never waits on a slow consumer.
type Bus struct {
	source string
	log    *zap.Logger

	mu             sync.RWMutex
	nextID         uint64
	handlers       map[string][]subscription
	publishedTypes map[string]time.Time
	wg             sync.WaitGroup
}

// NewBus creates a bus; source is stamped on events published via Track.
func NewBus(source string, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		source:         source,
		log:            log.Named("events"),
		handlers:       make(map[string][]subscription),
		publishedTypes: make(map[string]time.Time),
	}
}

// Subscribe registers handler for eventType ("*" matches all) and returns
// a function that removes exactly this registration.
func (b *Bus) Subscribe(eventType string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	b.log.Debug("event handler subscribed", zap.String("eventType", eventType))

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.handlers[eventType]
			for i, s := range subs {
				if s.id == id {
					b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.handlers[eventType]) == 0 {
				delete(b.handlers, eventType)
			}
		})
	}
}

// Publish publishes an event
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	if _, exists := b.publishedTypes[event.Type]; !exists {
		b.publishedTypes[event.Type] = event.Timestamp
	}
	subs := make([]subscription, 0, len(b.handlers[event.Type])+len(b.handlers["*"]))
	subs = append(subs, b.handlers[event.Type]...)
	subs = append(subs, b.handlers["*"]...)
	b.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	for _, s := range subs {
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("event handler panicked", zap.String("eventType", event.Type), zap.Any("panic", r))
				}
			}()
			if err := h(event); err != nil {
				b.log.Error("event handler failed",
					zap.String("eventType", event.Type),
					zap.Error(err))
			}
		}(s.handler)
	}
}

// Track implements Tracker.
func (b *Bus) Track(name string, data map[string]interface{}) {
	b.Publish(Event{Type: name, Data: data, Source: b.source})
}

// Wait blocks until every handler started so far has returned.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// PublishedTypes returns every event type published so far with its
// first publish time.
func (b *Bus) PublishedTypes() map[string]time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make(map[string]time.Time, len(b.publishedTypes))
	for k, v := range b.publishedTypes {
		result[k] = v
	}
	return result
}
