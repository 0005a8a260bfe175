package audio

import (
	"encoding/base64"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Frame decoded playback audio. Seq increases in arrival order.
type Frame struct {
	Seq     uint64
	Samples []float32
}

// DecoderStats audio-quality counters.
type DecoderStats struct {
	Decoded uint64
	Dropped uint64
	Errors  uint64
}

// Decoder turns base64 PCM16 response chunks into frames on one worker
// goroutine, preserving arrival order. Enqueue never blocks; when the
// input buffer is full the chunk is dropped and counted.
type Decoder struct {
	in   chan string
	out  chan Frame
	quit chan struct{}
	log  *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	seq     uint64
	decoded atomic.Uint64
	dropped atomic.Uint64
	errors  atomic.Uint64
}

func NewDecoder(buffer int, logger *zap.Logger) *Decoder {
	if buffer <= 0 {
		buffer = 128
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Decoder{
		in:   make(chan string, buffer),
		out:  make(chan Frame, buffer),
		quit: make(chan struct{}),
		log:  logger.Named("decoder"),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Enqueue hands a chunk to the worker; false when dropped or closed.
func (d *Decoder) Enqueue(chunk string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.in <- chunk:
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// Frames is closed by Close.
func (d *Decoder) Frames() <-chan Frame {
	return d.out
}

// Flush discards chunks not yet decoded.
func (d *Decoder) Flush() int {
	n := 0
	for {
		select {
		case <-d.in:
			n++
		default:
			return n
		}
	}
}

func (d *Decoder) Stats() DecoderStats {
	return DecoderStats{
		Decoded: d.decoded.Load(),
		Dropped: d.dropped.Load(),
		Errors:  d.errors.Load(),
	}
}

// Close stops the worker; chunks still queued are discarded.
func (d *Decoder) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.quit)
	close(d.in)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Decoder) run() {
	defer d.wg.Done()
	defer close(d.out)
	for chunk := range d.in {
		pcm, err := base64.StdEncoding.DecodeString(chunk)
		if err != nil {
			d.errors.Add(1)
			d.log.Warn("drop undecodable audio chunk", zap.Error(err))
			continue
		}
		if len(pcm) < 2 {
			continue
		}
		d.seq++
		select {
		case d.out <- Frame{Seq: d.seq, Samples: DecodePCM16(pcm)}:
			d.decoded.Add(1)
		case <-d.quit:
			return
		}
	}
}
