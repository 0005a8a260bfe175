package realtime

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// writer owns every write to the connection; gorilla connections allow
// one concurrent writer.
type writer struct {
	conn  Conn
	queue chan []byte
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
	log   *zap.Logger
}

func newWriter(conn Conn, size int, log *zap.Logger) *writer {
	w := &writer{
		conn:  conn,
		queue: make(chan []byte, size),
		quit:  make(chan struct{}),
		log:   log,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *writer) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.quit:
			w.drain()
			return
		case msg := <-w.queue:
			if !w.write(msg) {
				w.once.Do(func() { close(w.quit) })
				return
			}
		}
	}
}

// drain writes whatever is still queued so a commit sent just before
// Close reaches the backend.
func (w *writer) drain() {
	for {
		select {
		case msg := <-w.queue:
			if !w.write(msg) {
				return
			}
		default:
			return
		}
	}
}

func (w *writer) write(msg []byte) bool {
	err := w.conn.WriteMessage(websocket.TextMessage, msg)
	if err == nil {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		w.log.Debug("connection closed, stop writing", zap.Error(err))
	} else {
		w.log.Error("write realtime event failed", zap.Error(err))
	}
	return false
}

func (w *writer) send(ctx context.Context, msg []byte) error {
	select {
	case <-w.quit:
		return ErrClosed
	default:
	}
	select {
	case w.queue <- msg:
		return nil
	case <-w.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *writer) trySend(msg []byte) error {
	select {
	case <-w.quit:
		return ErrClosed
	default:
	}
	select {
	case w.queue <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// stop ends the loop after writing what is already queued.
func (w *writer) stop() {
	w.once.Do(func() { close(w.quit) })
	w.wg.Wait()
}
