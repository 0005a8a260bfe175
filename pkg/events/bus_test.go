package events

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestBus_TrackDeliversToTypedAndWildcard(t *testing.T) {
	bus := NewBus("test", nil)

	var mu sync.Mutex
	var got []string
	record := func(tag string) Handler {
		return func(e Event) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, tag+":"+e.Type)
			assert.Equal(t, "test", e.Source)
			assert.False(t, e.Timestamp.IsZero())
			return nil
		}
	}

	bus.Subscribe(LanguageDetected, record("typed"))
	bus.Subscribe("*", record("all"))

	bus.Track(LanguageDetected, map[string]interface{}{"language": "es"})
	bus.Track(SessionStarted, nil)
	bus.Wait()

	assert.ElementsMatch(t, []string{
		"typed:" + LanguageDetected,
		"all:" + LanguageDetected,
		"all:" + SessionStarted,
	}, got)
	assert.Contains(t, bus.PublishedTypes(), SessionStarted)
}

func TestBus_UnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	bus := NewBus("test", nil)

	var mu sync.Mutex
	counts := map[string]int{}
	unsubA := bus.Subscribe(SessionEnded, func(Event) error {
		mu.Lock()
		counts["a"]++
		mu.Unlock()
		return nil
	})
	bus.Subscribe(SessionEnded, func(Event) error {
		mu.Lock()
		counts["b"]++
		mu.Unlock()
		return nil
	})

	bus.Track(SessionEnded, nil)
	bus.Wait()
	unsubA()
	unsubA()
	bus.Track(SessionEnded, nil)
	bus.Wait()

	assert.Equal(t, 1, counts["a"])
	assert.Equal(t, 2, counts["b"])
}

func TestBus_HandlerErrorsAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	bus := NewBus("test", zap.New(core))

	bus.Subscribe("*", func(Event) error { return errors.New("sink down") })
	bus.Subscribe("*", func(Event) error { panic("boom") })

	require.NotPanics(t, func() { bus.Track(RecordingStarted, nil) })
	bus.Wait()

	assert.Equal(t, 1, logs.FilterMessage("event handler failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("event handler panicked").Len())
}

func TestNop(t *testing.T) {
	var tr Tracker = Nop{}
	assert.NotPanics(t, func() { tr.Track("x", nil) })
}
