package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/code-100-precent/carevoice/pkg/events"
	"github.com/code-100-precent/carevoice/pkg/metrics"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

var (
	ErrUnknownFunction  = errors.New("unknown function")
	ErrInvalidArguments = errors.New("invalid function arguments")
	ErrDuplicateTool    = errors.New("tool already registered")
)

// Handler runs one function call. The returned value must be JSON
// serializable.
type Handler func(ctx context.Context, args json.RawMessage) (interface{}, error)

type tool struct {
	def     openai.FunctionDefinition
	handler Handler
}

// RegistryOption observability hooks for the registry.
type RegistryOption struct {
	Metrics *metrics.Collector
	Tracker events.Tracker
}

// Registry holds the functions the speech backend may invoke, in
// registration order.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]tool
	order   []string
	metrics *metrics.Collector
	tracker events.Tracker
	log     *zap.Logger
}

func NewRegistry(opt *RegistryOption, logger *zap.Logger) *Registry {
	if opt == nil {
		opt = &RegistryOption{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tracker := opt.Tracker
	if tracker == nil {
		tracker = events.Nop{}
	}
	return &Registry{
		tools:   make(map[string]tool),
		metrics: opt.Metrics,
		tracker: tracker,
		log:     logger.Named("tools"),
	}
}

// Register adds a function. Names are unique.
func (r *Registry) Register(def openai.FunctionDefinition, handler Handler) error {
	if def.Name == "" || handler == nil {
		return errors.New("tool name and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	r.tools[def.Name] = tool{def: def, handler: handler}
	r.order = append(r.order, def.Name)
	r.log.Info("registered tool", zap.String("name", def.Name))
	return nil
}

// Definitions returns the schemas advertised in session configuration.
func (r *Registry) Definitions() []openai.FunctionDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]openai.FunctionDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Dispatch runs the named function with its raw JSON arguments. The
// returned output is always a JSON document that can be sent back to the
// backend, including when err is non-nil.
func (r *Registry) Dispatch(ctx context.Context, name, arguments string) (output string, err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("function %s panicked: %v", name, rec)
			output = errorOutput(err)
		}
		r.metrics.FunctionCall(name, err)
		data := map[string]interface{}{
			"name":     name,
			"success":  err == nil,
			"duration": time.Since(start).Milliseconds(),
		}
		if id := SessionFromContext(ctx).ID; id != "" {
			data["sessionId"] = id
		}
		r.tracker.Track(events.FunctionCallExecuted, data)
		if err != nil {
			r.log.Warn("function call failed", zap.String("name", name), zap.Error(err))
		}
	}()

	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownFunction, name)
		return errorOutput(err), err
	}

	args := json.RawMessage(arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		err = fmt.Errorf("%w for %s", ErrInvalidArguments, name)
		return errorOutput(err), err
	}

	result, err := t.handler(ctx, args)
	if err != nil {
		return errorOutput(err), err
	}
	b, err := json.Marshal(result)
	if err != nil {
		err = fmt.Errorf("encode %s result: %w", name, err)
		return errorOutput(err), err
	}
	return string(b), nil
}

func errorOutput(err error) string {
	b, _ := json.Marshal(map[string]interface{}{"success": false, "error": err.Error()})
	return string(b)
}

type sessionKey struct{}

// Session identifies the conversation a function call belongs to.
type Session struct {
	ID       string
	Language string
}

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func SessionFromContext(ctx context.Context) Session {
	if ctx == nil {
		return Session{}
	}
	s, _ := ctx.Value(sessionKey{}).(Session)
	return s
}
