package relay

import (
	"testing"

	"github.com/bolivian-peru/peer-sdk/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingResolveIsExactlyOnce(t *testing.T) {
	p := newPendingTable()
	entry := p.register("r1")
	require.Equal(t, 1, p.size())

	ok := p.resolve(proto.ProxyResponse{RequestID: "r1", StatusCode: 200})
	assert.True(t, ok)
	assert.Zero(t, p.size())

	resp := <-entry.ch
	assert.Equal(t, 200, resp.StatusCode)

	// A duplicate or late response for a resolved id is a no-op.
	assert.False(t, p.resolve(proto.ProxyResponse{RequestID: "r1", StatusCode: 500}))
	select {
	case <-entry.ch:
		t.Fatal("duplicate response delivered")
	default:
	}
}

func TestPendingResolveUnknownIDIsNoop(t *testing.T) {
	p := newPendingTable()
	assert.False(t, p.resolve(proto.ProxyResponse{RequestID: "ghost"}))
}

func TestPendingTakeWinsOverResolve(t *testing.T) {
	p := newPendingTable()
	p.register("r1")

	// The timeout path removes the entry first; the response then misses.
	require.NotNil(t, p.take("r1"))
	assert.Nil(t, p.take("r1"))
	assert.False(t, p.resolve(proto.ProxyResponse{RequestID: "r1"}))
}

func TestPendingFailAllEmptiesTable(t *testing.T) {
	p := newPendingTable()
	p.register("a")
	p.register("b")
	require.Equal(t, 2, p.size())

	p.failAll()
	assert.Zero(t, p.size())
	assert.Nil(t, p.take("a"))
}
