// Package traffic aggregates transferred-byte counts from every data path
// (legacy proxy, direct fetch, tunnel reads/writes) into monotonic totals.
package traffic

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Observer receives the running totals after every delta. Implementations
// must not block; they are invoked from data-path goroutines.
type Observer interface {
	TrafficUpdate(bytesIn, bytesOut uint64)
}

type noopObserver struct{}

func (noopObserver) TrafficUpdate(uint64, uint64) {}

type Counter struct {
	in  atomic.Uint64
	out atomic.Uint64

	observer Observer

	promIn  prometheus.Counter
	promOut prometheus.Counter
}

// NewCounter registers the byte counters with reg. A nil observer is
// replaced by a no-op; a nil registerer gets a private registry so the
// Prometheus plumbing stays optional.
func NewCounter(reg prometheus.Registerer, observer Observer) *Counter {
	if observer == nil {
		observer = noopObserver{}
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Counter{
		observer: observer,
		promIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "peer_agent_bytes_in_total",
			Help: "Bytes received from upstream targets on behalf of the relay.",
		}),
		promOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "peer_agent_bytes_out_total",
			Help: "Bytes sent to upstream targets on behalf of the relay.",
		}),
	}
}

// Add records a delta and notifies the observer with the new totals.
// Zero-only deltas are dropped to keep observer chatter down.
func (c *Counter) Add(bytesIn, bytesOut int) {
	if bytesIn <= 0 && bytesOut <= 0 {
		return
	}
	var in, out uint64
	if bytesIn > 0 {
		in = c.in.Add(uint64(bytesIn))
		c.promIn.Add(float64(bytesIn))
	} else {
		in = c.in.Load()
	}
	if bytesOut > 0 {
		out = c.out.Add(uint64(bytesOut))
		c.promOut.Add(float64(bytesOut))
	} else {
		out = c.out.Load()
	}
	c.observer.TrafficUpdate(in, out)
}

func (c *Counter) Totals() (bytesIn, bytesOut uint64) {
	return c.in.Load(), c.out.Load()
}
