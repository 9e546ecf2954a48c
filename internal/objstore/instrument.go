package objstore

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Instrumented wraps a Store and observes the latency of every operation.
type Instrumented struct {
	Store
	backend  string
	duration *prometheus.HistogramVec
}

// Instrument wraps s so that each operation is observed on duration with
// the labels {backend, op}. A nil duration returns s unchanged.
func Instrument(s Store, backend string, duration *prometheus.HistogramVec) Store {
	if duration == nil {
		return s
	}
	return &Instrumented{Store: s, backend: backend, duration: duration}
}

func (i *Instrumented) observe(op string) func() {
	timer := prometheus.NewTimer(i.duration.WithLabelValues(i.backend, op))
	return func() { timer.ObserveDuration() }
}

// Get implements Store.
func (i *Instrumented) Get(ctx context.Context, key string) (Object, error) {
	defer i.observe("get")()
	return i.Store.Get(ctx, key)
}

// Put implements Store.
func (i *Instrumented) Put(ctx context.Context, key string, body []byte, metadata map[string]string, pre Precondition) (Token, error) {
	defer i.observe("put")()
	return i.Store.Put(ctx, key, body, metadata, pre)
}

// List implements Store.
func (i *Instrumented) List(ctx context.Context, prefix string) ([]string, error) {
	defer i.observe("list")()
	return i.Store.List(ctx, prefix)
}

// Delete implements Store.
func (i *Instrumented) Delete(ctx context.Context, key string) error {
	defer i.observe("delete")()
	return i.Store.Delete(ctx, key)
}
