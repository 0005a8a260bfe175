package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrSendBufferFull = errors.New("realtime send buffer full")
	ErrClosed         = errors.New("realtime connection closed")
)

// Conn the subset of *websocket.Conn the client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens the backend connection.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Conn, error)
}

// DialError a failed handshake. StatusCode is set when the server answered.
type DialError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dial %s: handshake rejected with status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dial %s: %v", e.URL, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// Unauthorized reports a rejected API key.
func (e *DialError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// WebsocketDialer gorilla/websocket implementation of Dialer.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) DialContext(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		de := &DialError{URL: rawURL, Err: err}
		if resp != nil {
			de.StatusCode = resp.StatusCode
		}
		return nil, de
	}
	return conn, nil
}

// ClientOption connection parameters.
type ClientOption struct {
	URL         string
	APIKey      string
	Model       string
	Dialer      Dialer
	SendBuffer  int
	EventBuffer int
}

// Client one realtime connection: a read loop decoding server events and
// a single writer goroutine serializing client events.
type Client struct {
	conn   Conn
	writer *writer
	events chan ServerEvent
	done   chan struct{}
	log    *zap.Logger

	mu      sync.Mutex
	closing bool
	err     error
	once    sync.Once
}

// Dial connects and starts the read and write loops.
func Dial(ctx context.Context, opt *ClientOption, logger *zap.Logger) (*Client, error) {
	if opt == nil || opt.URL == "" {
		return nil, errors.New("realtime URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	target, err := endpoint(opt.URL, opt.Model)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if opt.APIKey != "" {
		header.Set("Authorization", "Bearer "+opt.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := opt.Dialer
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	conn, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		return nil, err
	}

	sendBuffer := opt.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	eventBuffer := opt.EventBuffer
	if eventBuffer <= 0 {
		eventBuffer = 64
	}
	log := logger.Named("realtime")
	c := &Client{
		conn:   conn,
		writer: newWriter(conn, sendBuffer, log),
		events: make(chan ServerEvent, eventBuffer),
		done:   make(chan struct{}),
		log:    log,
	}
	go c.readLoop()
	return c, nil
}

func endpoint(raw, model string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid realtime URL: %w", err)
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Events delivers server events in arrival order; closed when the
// connection ends.
func (c *Client) Events() <-chan ServerEvent {
	return c.events
}

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err the error that ended the connection, nil after a local Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if !c.closing {
				c.err = err
			}
			closing := c.closing
			c.mu.Unlock()
			if closing || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("connection closed", zap.Error(err))
			} else {
				c.log.Warn("connection lost", zap.Error(err))
			}
			c.writer.stop()
			return
		}
		var ev ServerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn("drop malformed server event", zap.Error(err))
			continue
		}
		c.events <- ev
	}
}

// Send queues a control event, waiting for buffer space.
func (c *Client) Send(ctx context.Context, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode realtime event: %w", err)
	}
	return c.writer.send(ctx, data)
}

// SendAudio queues one input_audio_buffer.append without blocking.
func (c *Client) SendAudio(b64 string) error {
	data, err := json.Marshal(AudioAppend{Type: TypeInputAudioBufferAppend, Audio: b64})
	if err != nil {
		return err
	}
	return c.writer.trySend(data)
}

func (c *Client) UpdateSession(ctx context.Context, cfg SessionConfig) error {
	return c.Send(ctx, SessionUpdate{Type: TypeSessionUpdate, Session: cfg})
}

func (c *Client) CommitAudio(ctx context.Context) error {
	return c.Send(ctx, Bare{Type: TypeInputAudioBufferCommit})
}

func (c *Client) CreateItem(ctx context.Context, item Item) error {
	return c.Send(ctx, ItemCreate{Type: TypeConversationItemCreate, Item: item})
}

func (c *Client) CreateResponse(ctx context.Context, cfg *ResponseConfig) error {
	return c.Send(ctx, ResponseCreate{Type: TypeResponseCreate, Response: cfg})
}

func (c *Client) CancelResponse(ctx context.Context) error {
	return c.Send(ctx, Bare{Type: TypeResponseCancel})
}

// Close writes queued events, sends a normal close frame and waits for the
// read loop to finish.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()

		c.writer.stop()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
		err = c.conn.Close()
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			c.log.Warn("read loop did not exit after close")
		}
	})
	return err
}

// CloseStatus extracts the websocket close code and reason from err, or
// 1006 (abnormal closure) for transport errors.
func CloseStatus(err error) (code int, reason string) {
	if err == nil {
		return websocket.CloseNormalClosure, ""
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
