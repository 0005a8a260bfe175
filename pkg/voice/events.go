package voice

import (
	"sync"
	"time"

	"github.com/code-100-precent/carevoice/pkg/emergency"
	"github.com/code-100-precent/carevoice/pkg/language"
	"go.uber.org/zap"
)

// EventType session event kinds delivered to observers.
type EventType string

const (
	EventStateChanged      EventType = "state_changed"
	EventConnected         EventType = "connected"
	EventDisconnected      EventType = "disconnected"
	EventRecordingStarted  EventType = "recording_started"
	EventRecordingStopped  EventType = "recording_stopped"
	EventSpeechStarted     EventType = "speech_started"
	EventSpeechStopped     EventType = "speech_stopped"
	EventTranscript        EventType = "transcript"
	EventEmergency         EventType = "emergency"
	EventCriticalEmergency EventType = "critical_emergency"
	EventLanguageSwitched  EventType = "language_switched"
	EventResponseText      EventType = "response_text"
	EventResponseDone      EventType = "response_done"
	EventFunctionCall      EventType = "function_call"
	EventError             EventType = "error"
)

// FunctionCall one executed remote function.
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments string
	Output    string
	Err       error
}

// Event a session notification. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType
	Time      time.Time
	SessionID string
	State     State
	// Text transcript, response text, emergency message or error message.
	Text string
	// Final marks a completed response text rather than a delta.
	Final     bool
	Language  string
	Emergency *emergency.Result
	Detection *language.Result
	Function  *FunctionCall
	Code      int
	Reason    string
	Err       error
}

type observer struct {
	id uint64
	fn func(Event)
}

// emitter delivers events to observers from one goroutine in emit order.
type emitter struct {
	log *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Event
	observers []observer
	nextID    uint64
	closed    bool
	done      chan struct{}
}

func newEmitter(log *zap.Logger) *emitter {
	e := &emitter{log: log, done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

func (e *emitter) subscribe(fn func(Event)) (unsubscribe func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.observers = append(e.observers, observer{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, o := range e.observers {
				if o.id == id {
					e.observers = append(e.observers[:i:i], e.observers[i+1:]...)
					return
				}
			}
		})
	}
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, ev)
	e.cond.Signal()
}

func (e *emitter) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		ev := e.queue[0]
		e.queue[0] = Event{}
		e.queue = e.queue[1:]
		observers := append([]observer(nil), e.observers...)
		e.mu.Unlock()

		for _, o := range observers {
			e.deliver(o, ev)
		}
	}
}

func (e *emitter) deliver(o observer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("event observer panicked", zap.String("event", string(ev.Type)), zap.Any("panic", r))
		}
	}()
	o.fn(ev)
}

// close delivers what is queued, then stops.
func (e *emitter) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()
	<-e.done
}
