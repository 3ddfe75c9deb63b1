package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/stepflow/fetch"
	"github.com/c360studio/stepflow/step"
)

// Call is what an operation receives for one attempt.
type Call struct {
	WorkflowID string
	TaskID     string
	Title      string
	Params     map[string]any
}

// OperationFunc implements a named plan operation. Returning a
// step.FatalError stops retries; a step.RetryableError may carry a delay hint.
type OperationFunc func(ctx context.Context, call Call) (any, error)

// Registry maps operation names to implementations. It is safe for
// concurrent use.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]OperationFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]OperationFunc)}
}

// Register adds an operation. Names must be unique.
func (r *Registry) Register(name string, fn OperationFunc) error {
	if name == "" || fn == nil {
		return errors.New("operation name and function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[name]; exists {
		return fmt.Errorf("operation %q already registered", name)
	}
	r.ops[name] = fn
	return nil
}

// Lookup returns the operation registered under name.
func (r *Registry) Lookup(name string) (OperationFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.ops[name]
	return fn, ok
}

// Names returns the registered operation names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterBuiltins adds echo, sleep, fail, and (when fetcher is not nil) fetch.
func RegisterBuiltins(r *Registry, fetcher *fetch.Fetcher) error {
	builtins := map[string]OperationFunc{
		"echo":  echo,
		"sleep": sleep,
		"fail":  fail,
	}
	if fetcher != nil {
		builtins["fetch"] = fetchPage(fetcher)
	}
	for name, fn := range builtins {
		if err := r.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// echo returns params.message, or all params when no message is set.
func echo(_ context.Context, call Call) (any, error) {
	if msg, ok := call.Params["message"]; ok {
		return msg, nil
	}
	return call.Params, nil
}

// sleep waits for params.duration and returns it.
func sleep(ctx context.Context, call Call) (any, error) {
	d, err := durationParam(call.Params, "duration")
	if err != nil {
		return nil, step.NewFatalError(err)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return d.String(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fail always fails with params.message; params.fatal stops retries.
func fail(_ context.Context, call Call) (any, error) {
	msg, _ := call.Params["message"].(string)
	if msg == "" {
		msg = "task failed"
	}
	err := errors.New(msg)
	if fatal, _ := call.Params["fatal"].(bool); fatal {
		return nil, step.NewFatalError(err)
	}
	return nil, err
}

func fetchPage(f *fetch.Fetcher) OperationFunc {
	return func(ctx context.Context, call Call) (any, error) {
		url, err := stringParam(call.Params, "url")
		if err != nil {
			return nil, step.NewFatalError(err)
		}
		page, err := f.Fetch(ctx, url)
		if err != nil {
			return nil, err
		}
		return page, nil
	}
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing param %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("param %q must be a non-empty string", key)
	}
	return s, nil
}

func durationParam(params map[string]any, key string) (time.Duration, error) {
	s, err := stringParam(params, key)
	if err != nil {
		return 0, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("param %q: %w", key, err)
	}
	return d, nil
}
