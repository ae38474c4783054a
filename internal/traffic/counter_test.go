package traffic

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu      sync.Mutex
	updates [][2]uint64
}

func (r *recordingObserver) TrafficUpdate(in, out uint64) {
	r.mu.Lock()
	r.updates = append(r.updates, [2]uint64{in, out})
	r.mu.Unlock()
}

func TestCounterTotalsMonotonic(t *testing.T) {
	obs := &recordingObserver{}
	c := NewCounter(prometheus.NewRegistry(), obs)

	c.Add(10, 0)
	c.Add(0, 7)
	c.Add(3, 4)

	in, out := c.Totals()
	assert.Equal(t, uint64(13), in)
	assert.Equal(t, uint64(11), out)

	require.Len(t, obs.updates, 3)
	// Observer sees running totals, never deltas.
	assert.Equal(t, [2]uint64{13, 11}, obs.updates[2])

	var prevIn, prevOut uint64
	for _, u := range obs.updates {
		assert.GreaterOrEqual(t, u[0], prevIn)
		assert.GreaterOrEqual(t, u[1], prevOut)
		prevIn, prevOut = u[0], u[1]
	}
}

func TestCounterIgnoresEmptyDeltas(t *testing.T) {
	obs := &recordingObserver{}
	c := NewCounter(nil, obs)

	c.Add(0, 0)
	c.Add(-5, 0)
	assert.Empty(t, obs.updates)

	in, out := c.Totals()
	assert.Zero(t, in)
	assert.Zero(t, out)
}

func TestCounterConcurrentAdds(t *testing.T) {
	c := NewCounter(prometheus.NewRegistry(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Add(1, 2)
			}
		}()
	}
	wg.Wait()

	in, out := c.Totals()
	assert.Equal(t, uint64(5000), in)
	assert.Equal(t, uint64(10000), out)
}
