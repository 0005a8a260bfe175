package voice

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestEmitter_OrderAndUnsubscribe(t *testing.T) {
	e := newEmitter(zap.NewNop())

	var mu sync.Mutex
	var first, second []string
	unsub := e.subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		first = append(first, ev.Text)
	})
	e.subscribe(func(ev Event) {
		if ev.Text == "boom" {
			panic("observer bug")
		}
		mu.Lock()
		defer mu.Unlock()
		second = append(second, ev.Text)
	})

	for _, s := range []string{"a", "b", "boom", "c"} {
		e.emit(Event{Text: s})
	}
	e.close()

	assert.Equal(t, []string{"a", "b", "boom", "c"}, first)
	assert.Equal(t, []string{"a", "b", "c"}, second)

	unsub()
	unsub()
	e.emit(Event{Text: "late"})
	assert.Len(t, first, 4)
}

func TestMetricsFold_RunningAverage(t *testing.T) {
	var m Metrics
	m.fold(Session{Languages: []string{"en"}}, 10)
	m.fold(Session{Languages: []string{"en", "es"}}, 20)
	m.fold(Session{Languages: []string{"zh"}}, 30)

	assert.Equal(t, 3, m.TotalSessions)
	assert.EqualValues(t, 20, m.AverageDuration)
	assert.Equal(t, map[string]int{"en": 2, "es": 1, "zh": 1}, m.Languages)

	c := m.clone()
	c.Languages["en"] = 99
	assert.Equal(t, 2, m.Languages["en"])
}
