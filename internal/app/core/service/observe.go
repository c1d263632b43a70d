package service

import "context"

// Tracer instruments a unit of work with a start/finish span pair. Finish
// receives the operation's error, if any.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(err error))
}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string, _ map[string]string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// NoopTracer discards all spans; it is the default for components not
// wired to an observability backend.
var NoopTracer Tracer = noopTracer{}

// ObservationHooks lets a component report discrete events (success,
// failure, skip) without depending on a specific metrics backend.
type ObservationHooks struct {
	OnSuccess func(op string)
	OnFailure func(op string, err error)
	OnSkip    func(op string, reason string)
}

func (h ObservationHooks) success(op string) {
	if h.OnSuccess != nil {
		h.OnSuccess(op)
	}
}

func (h ObservationHooks) failure(op string, err error) {
	if h.OnFailure != nil {
		h.OnFailure(op, err)
	}
}

func (h ObservationHooks) skip(op string, reason string) {
	if h.OnSkip != nil {
		h.OnSkip(op, reason)
	}
}

// Observe reports the outcome of fn through hooks, returning fn's result.
func (h ObservationHooks) Observe(op string, fn func() error) error {
	err := fn()
	if err != nil {
		h.failure(op, err)
	} else {
		h.success(op)
	}
	return err
}

// NoopObservationHooks is the zero value; all callbacks are nil and safe
// to invoke.
var NoopObservationHooks = ObservationHooks{}
