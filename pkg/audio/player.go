package audio

import (
	"sync"
)

// PCMQueue byte FIFO between decoded response audio and the speaker
// callback. When full, the oldest audio is discarded.
type PCMQueue struct {
	mu       sync.Mutex
	buf      []byte
	maxBytes int
	dropped  uint64
}

func NewPCMQueue(maxBytes int) *PCMQueue {
	if maxBytes <= 0 {
		maxBytes = 24000 * 2 * 10
	}
	return &PCMQueue{maxBytes: maxBytes}
}

func (q *PCMQueue) Write(samples []float32) {
	pcm := EncodePCM16(samples)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = append(q.buf, pcm...)
	if over := len(q.buf) - q.maxBytes; over > 0 {
		over += over % 2
		q.buf = q.buf[over:]
		q.dropped += uint64(over)
	}
}

// Read fills p, padding with silence; it returns the number of real bytes.
func (q *PCMQueue) Read(p []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := copy(p, q.buf)
	q.buf = q.buf[n:]
	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	return n
}

// Flush discards pending audio, e.g. when a response is cancelled.
func (q *PCMQueue) Flush() {
	q.mu.Lock()
	q.buf = q.buf[:0]
	q.mu.Unlock()
}

func (q *PCMQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *PCMQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Player feeds frames from a channel into a playback stream until the
// channel closes or Close is called.
type Player struct {
	queue  *PCMQueue
	stream Stream
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPlayer opens the speaker on sys and starts consuming frames.
func NewPlayer(sys *MalgoSystem, format Format, frames <-chan Frame) (*Player, error) {
	queue := NewPCMQueue(format.SampleRate * format.Channels * 2 * 10)
	stream, err := sys.OpenPlayback(format, queue)
	if err != nil {
		return nil, err
	}
	p := &Player{queue: queue, stream: stream, done: make(chan struct{})}
	p.wg.Add(1)
	go p.run(frames)
	return p, nil
}

func (p *Player) run(frames <-chan Frame) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			p.queue.Write(f.Samples)
		}
	}
}

// Flush drops audio not yet played.
func (p *Player) Flush() {
	p.queue.Flush()
}

func (p *Player) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		p.wg.Wait()
		err = p.stream.Close()
	})
	return err
}
