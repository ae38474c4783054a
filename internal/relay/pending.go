package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/bolivian-peru/peer-sdk/internal/proto"
	"github.com/google/uuid"
)

var (
	// ErrNotConnected means no relay connection is currently up.
	ErrNotConnected = errors.New("relay: not connected")
	// ErrRequestTimeout means no http_response arrived within the deadline.
	ErrRequestTimeout = errors.New("relay: request timed out")
	// ErrClosed means the client was stopped permanently.
	ErrClosed = errors.New("relay: client closed")
)

// pendingEntry is one outstanding http_request awaiting its correlated
// http_response. The channel is buffered so the resolver never blocks.
type pendingEntry struct {
	ch chan proto.ProxyResponse
}

// pendingTable maps requestId to its completion slot. Exactly one of
// {resolve, timeout, teardown} takes each entry; take is remove-and-return
// under the lock so duplicates are no-ops.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingEntry)}
}

func (p *pendingTable) register(id string) *pendingEntry {
	e := &pendingEntry{ch: make(chan proto.ProxyResponse, 1)}
	p.mu.Lock()
	p.entries[id] = e
	p.mu.Unlock()
	return e
}

// take removes and returns the entry, or nil if it was already taken.
func (p *pendingTable) take(id string) *pendingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[id]
	if e != nil {
		delete(p.entries, id)
	}
	return e
}

// resolve delivers a response to its waiter. Unknown or already-resolved
// ids are ignored.
func (p *pendingTable) resolve(resp proto.ProxyResponse) bool {
	e := p.take(resp.RequestID)
	if e == nil {
		return false
	}
	e.ch <- resp
	return true
}

// failAll empties the table; waiters observe the connection's closed
// channel instead of a response.
func (p *pendingTable) failAll() {
	p.mu.Lock()
	p.entries = make(map[string]*pendingEntry)
	p.mu.Unlock()
}

func (p *pendingTable) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// SendHTTPRequest forwards an HTTP request through the relay and waits for
// the correlated http_response. Exactly one of response or error occurs;
// on timeout the registration is removed before the error surfaces, so a
// late response cannot resurrect it.
func (c *Client) SendHTTPRequest(ctx context.Context, method, rawurl string, headers map[string]string, body []byte) (proto.ProxyResponse, error) {
	cn := c.currentConn()
	if cn == nil || c.State() != StateConnected {
		return proto.ProxyResponse{}, ErrNotConnected
	}

	id := uuid.NewString()
	entry := cn.pending.register(id)

	env, err := proto.NewEnvelope(proto.TypeHTTPRequest, proto.ProxyRequest{
		RequestID: id,
		Method:    method,
		URL:       rawurl,
		Headers:   headers,
		Body:      body,
	})
	if err != nil {
		cn.pending.take(id)
		return proto.ProxyResponse{}, err
	}
	if err := cn.WriteEnvelope(env); err != nil {
		cn.pending.take(id)
		return proto.ProxyResponse{}, ErrNotConnected
	}

	timer := c.clk.Timer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-entry.ch:
		return resp, nil
	case <-timer.C:
		if cn.pending.take(id) != nil {
			return proto.ProxyResponse{}, ErrRequestTimeout
		}
		// The response won the race with the timer; it is already in the
		// buffered channel.
		return <-entry.ch, nil
	case <-cn.closedCh:
		if cn.pending.take(id) == nil {
			select {
			case resp := <-entry.ch:
				return resp, nil
			default:
			}
		}
		return proto.ProxyResponse{}, ErrNotConnected
	case <-ctx.Done():
		cn.pending.take(id)
		return proto.ProxyResponse{}, ctx.Err()
	}
}
