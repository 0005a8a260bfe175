package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/code-100-precent/carevoice/pkg/events"
	"github.com/code-100-precent/carevoice/pkg/metrics"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"
)

// DispatcherOption tunes the alert queue. RateLimit <= 0 disables the
// per-session limiter. A nil RateStore keeps counters in memory.
type DispatcherOption struct {
	Sink        Sink
	QueueSize   int
	Workers     int
	RateLimit   int64
	RatePeriod  time.Duration
	RateStore   limiter.Store
	SendTimeout time.Duration
	Metrics     *metrics.Collector
	Tracker     events.Tracker
	OnResult    func(Result)
}

// Dispatcher queues hospital alerts and delivers them from a small worker
// pool so the conversation path never waits on the network.
type Dispatcher struct {
	sink        Sink
	queue       chan Payload
	limiter     *limiter.Limiter
	sendTimeout time.Duration
	metrics     *metrics.Collector
	tracker     events.Tracker
	onResult    func(Result)
	log         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(opt *DispatcherOption, logger *zap.Logger) (*Dispatcher, error) {
	if opt == nil || opt.Sink == nil {
		return nil, errors.New("notification sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	queueSize := opt.QueueSize
	if queueSize <= 0 {
		queueSize = 32
	}
	workers := opt.Workers
	if workers <= 0 {
		workers = 1
	}
	sendTimeout := opt.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	tracker := opt.Tracker
	if tracker == nil {
		tracker = events.Nop{}
	}

	d := &Dispatcher{
		sink:        opt.Sink,
		queue:       make(chan Payload, queueSize),
		sendTimeout: sendTimeout,
		metrics:     opt.Metrics,
		tracker:     tracker,
		onResult:    opt.OnResult,
		log:         logger.Named("notification"),
	}
	if opt.RateLimit > 0 {
		period := opt.RatePeriod
		if period <= 0 {
			period = 5 * time.Minute
		}
		store := opt.RateStore
		if store == nil {
			store = memory.NewStore()
		}
		d.limiter = limiter.New(store, limiter.Rate{Period: period, Limit: opt.RateLimit})
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d, nil
}

// Dispatch enqueues p and returns immediately. Rejections are reported
// through metrics, the tracker and OnResult.
func (d *Dispatcher) Dispatch(p Payload) {
	_ = d.Enqueue(p)
}

// Enqueue is Dispatch with the rejection reason returned.
func (d *Dispatcher) Enqueue(p Payload) error {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	outcome, err := d.enqueue(p)
	if err != nil {
		d.report(Result{Payload: p, Outcome: outcome, Err: err})
	}
	return err
}

func (d *Dispatcher) enqueue(p Payload) (Outcome, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return OutcomeDropped, ErrDispatcherClosed
	}

	if d.limiter != nil {
		key := p.SessionID
		if key == "" {
			key = "anonymous"
		}
		lctx, err := d.limiter.Get(d.ctx, key)
		if err != nil {
			d.log.Warn("rate limiter unavailable, sending anyway", zap.Error(err))
		} else if lctx.Reached {
			return OutcomeSuppressed, ErrRateLimited
		}
	}

	select {
	case d.queue <- p:
		return "", nil
	default:
		return OutcomeDropped, ErrQueueFull
	}
}

// Close stops accepting alerts and drains the queue. If ctx expires first,
// in-flight sends are cancelled and ctx.Err() is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for p := range d.queue {
		d.deliver(p)
	}
}

func (d *Dispatcher) deliver(p Payload) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("notification sink panicked", zap.String("sessionId", p.SessionID), zap.Any("panic", r))
			d.report(Result{Payload: p, Outcome: OutcomeFailed, Err: errors.New("sink panicked")})
		}
	}()

	ctx, cancel := context.WithTimeout(d.ctx, d.sendTimeout)
	defer cancel()

	start := time.Now()
	err := d.sink.Send(ctx, p)
	res := Result{Payload: p, Outcome: OutcomeSent, Err: err, Duration: time.Since(start)}
	if err != nil {
		res.Outcome = OutcomeFailed
	}
	d.report(res)
}

func (d *Dispatcher) report(res Result) {
	p := res.Payload
	fields := []zap.Field{
		zap.String("sessionId", p.SessionID),
		zap.String("severity", p.Severity),
		zap.String("outcome", string(res.Outcome)),
	}
	data := map[string]interface{}{
		"sessionId": p.SessionID,
		"severity":  p.Severity,
		"outcome":   string(res.Outcome),
	}

	switch res.Outcome {
	case OutcomeSent:
		d.log.Info("hospital notified", append(fields, zap.Duration("took", res.Duration))...)
		d.tracker.Track(events.NotificationSent, data)
	case OutcomeSuppressed:
		d.log.Info("hospital notification suppressed by rate limit", fields...)
	default:
		d.log.Warn("hospital notification failed", append(fields, zap.Error(res.Err))...)
		data["error"] = res.Err.Error()
		d.tracker.Track(events.NotificationFailed, data)
	}

	d.metrics.Notification(string(res.Outcome))
	if d.onResult != nil {
		d.onResult(res)
	}
}
