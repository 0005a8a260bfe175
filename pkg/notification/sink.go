package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Sink delivers one payload.
type Sink interface {
	Send(ctx context.Context, p Payload) error
}

// HTTPSinkOption hospital endpoint parameters.
type HTTPSinkOption struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// HTTPSink posts payloads as JSON to the hospital alert endpoint.
type HTTPSink struct {
	endpoint string
	client   *resty.Client
}

func NewHTTPSink(opt *HTTPSinkOption) (*HTTPSink, error) {
	if opt == nil || opt.Endpoint == "" {
		return nil, errors.New("notification endpoint is required")
	}
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "carevoice-notifier/1.0")
	if opt.APIKey != "" {
		client.SetAuthToken(opt.APIKey)
	}
	return &HTTPSink{endpoint: opt.Endpoint, client: client}, nil
}

// Send posts p; transport errors and non-2xx responses become *DispatchError.
func (s *HTTPSink) Send(ctx context.Context, p Payload) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(p).
		Post(s.endpoint)
	if err != nil {
		return &DispatchError{Sink: "http", SessionID: p.SessionID, Cause: err}
	}
	if resp.IsError() {
		return &DispatchError{
			Sink:       "http",
			SessionID:  p.SessionID,
			StatusCode: resp.StatusCode(),
			Cause:      fmt.Errorf("unexpected response: %s", resp.Status()),
		}
	}
	return nil
}

// MultiSink sends to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Send(ctx context.Context, p Payload) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes alerts to the log only. Used when no endpoint or mail
// relay is configured so alerts are never silently lost.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Send(_ context.Context, p Payload) error {
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log.Warn("hospital alert",
		zap.String("session_id", p.SessionID),
		zap.String("severity", p.Severity),
		zap.Float64("confidence", p.Confidence),
		zap.Strings("symptoms", p.Symptoms),
		zap.String("language", p.Language),
		zap.String("recommended_action", p.RecommendedAction))
	return nil
}
