package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bolivian-peru/peer-sdk/internal/proto"
	"github.com/bolivian-peru/peer-sdk/internal/traffic"
	"github.com/sirupsen/logrus"
)

type tunnelState int

const (
	tunnelConnecting tunnelState = iota
	tunnelOpen
	tunnelClosed
)

// tunnelSession is one raw TCP stream multiplexed onto the control
// connection. Until the dial completes it only buffers inbound chunks;
// once open, socket writes are serialized by writeMu.
type tunnelSession struct {
	id    string
	state tunnelState
	sock  net.Conn
	buf   [][]byte

	writeMu sync.Mutex
}

// tunnelTable owns every tunnel session for one connection. The table lock
// guards membership and state transitions; presence with state tunnelOpen
// is the sole authority for "this session owns an open socket".
type tunnelTable struct {
	mu       sync.Mutex
	sessions map[string]*tunnelSession

	wire        envelopeWriter
	counter     *traffic.Counter
	log         *logrus.Entry
	dialTimeout time.Duration
	wg          *sync.WaitGroup
}

func newTunnelTable(wire envelopeWriter, counter *traffic.Counter, log *logrus.Entry, dialTimeout time.Duration, wg *sync.WaitGroup) *tunnelTable {
	return &tunnelTable{
		sessions:    make(map[string]*tunnelSession),
		wire:        wire,
		counter:     counter,
		log:         log,
		dialTimeout: dialTimeout,
		wg:          wg,
	}
}

// HandleConnect dials host:port and promotes the session to open, draining
// any chunks buffered before the dial completed. On dial failure exactly
// one tunnel_closed is emitted and the session is not registered.
func (t *tunnelTable) HandleConnect(ctx context.Context, sessionID, host string, port int) {
	t.mu.Lock()
	sess := t.sessions[sessionID]
	if sess == nil {
		sess = &tunnelSession{id: sessionID, state: tunnelConnecting}
		t.sessions[sessionID] = sess
	} else if sess.state != tunnelConnecting {
		t.mu.Unlock()
		t.log.WithField("session_id", sessionID).Debug("duplicate tunnel_connect ignored")
		return
	}
	t.mu.Unlock()

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	dialer := net.Dialer{Timeout: t.dialTimeout}
	sock, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.mu.Lock()
		delete(t.sessions, sessionID)
		t.mu.Unlock()
		t.sendClosed(sessionID, err.Error())
		return
	}

	t.mu.Lock()
	if sess.state != tunnelConnecting {
		// Closed while dialing (tunnel_close raced in).
		t.mu.Unlock()
		_ = sock.Close()
		return
	}
	// Hold the session write lock across the open transition so chunks
	// that observe the open state cannot overtake the buffered replay.
	sess.writeMu.Lock()
	sess.sock = sock
	sess.state = tunnelOpen
	buffered := sess.buf
	sess.buf = nil
	t.mu.Unlock()

	replayErr := false
	for _, chunk := range buffered {
		if _, err := sock.Write(chunk); err != nil {
			replayErr = true
			break
		}
		t.counter.Add(0, len(chunk))
	}
	sess.writeMu.Unlock()
	if replayErr {
		t.closeSession(sessionID, "write failed", true)
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.forwardLoop(sess.id, sock)
	}()
}

// HandleData writes a chunk to an open session, or buffers it in arrival
// order while the session is still connecting. Data for a closed session
// is discarded.
func (t *tunnelTable) HandleData(sessionID string, data []byte) {
	t.mu.Lock()
	sess := t.sessions[sessionID]
	if sess == nil {
		// Data ahead of its tunnel_connect: start a buffering-only entry.
		t.sessions[sessionID] = &tunnelSession{
			id:    sessionID,
			state: tunnelConnecting,
			buf:   [][]byte{data},
		}
		t.mu.Unlock()
		return
	}
	switch sess.state {
	case tunnelConnecting:
		sess.buf = append(sess.buf, data)
		t.mu.Unlock()
		return
	case tunnelClosed:
		t.mu.Unlock()
		return
	}
	sock := sess.sock
	t.mu.Unlock()

	sess.writeMu.Lock()
	_, err := sock.Write(data)
	sess.writeMu.Unlock()
	if err != nil {
		t.closeSession(sessionID, "write failed", true)
		return
	}
	t.counter.Add(0, len(data))
}

// HandleClose tears down a session at the relay's request.
func (t *tunnelTable) HandleClose(sessionID string) {
	t.closeSession(sessionID, "", true)
}

// forwardLoop pumps socket bytes to the relay as tunnel_data until EOF or
// error, then closes the session.
func (t *tunnelTable) forwardLoop(sessionID string, sock net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := sock.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			env, encErr := proto.NewEnvelope(proto.TypeTunnelData, proto.TunnelData{
				SessionID: sessionID,
				Data:      chunk,
			})
			if encErr != nil {
				break
			}
			if sendErr := t.wire.WriteEnvelope(env); sendErr != nil {
				break
			}
			t.counter.Add(n, 0)
		}
		if err != nil {
			break
		}
	}
	t.closeSession(sessionID, "", true)
}

// closeSession transitions a session to closed exactly once. The closed
// entry remains as a tombstone so late tunnel_data is discarded rather than
// re-buffered; tombstones are dropped with the connection.
func (t *tunnelTable) closeSession(sessionID, reason string, notify bool) {
	t.mu.Lock()
	sess := t.sessions[sessionID]
	if sess == nil || sess.state == tunnelClosed {
		t.mu.Unlock()
		return
	}
	sock := sess.sock
	sess.sock = nil
	sess.buf = nil
	sess.state = tunnelClosed
	t.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	if notify {
		t.sendClosed(sessionID, reason)
	}
}

func (t *tunnelTable) sendClosed(sessionID, reason string) {
	env, err := proto.NewEnvelope(proto.TypeTunnelClosed, proto.TunnelClosed{
		SessionID: sessionID,
		Error:     reason,
	})
	if err != nil {
		return
	}
	if err := t.wire.WriteEnvelope(env); err != nil {
		t.log.WithField("session_id", sessionID).WithError(err).Debug("send tunnel_closed failed")
	}
}

// CloseAll tears down every session and empties the table, tombstones
// included. Used on connection loss and permanent shutdown.
func (t *tunnelTable) CloseAll(notify bool) {
	type closing struct {
		id   string
		sock net.Conn
		live bool
	}
	t.mu.Lock()
	list := make([]closing, 0, len(t.sessions))
	for _, sess := range t.sessions {
		list = append(list, closing{id: sess.id, sock: sess.sock, live: sess.state != tunnelClosed})
		// Mark closed under the lock so an in-flight dial cannot promote
		// a session the teardown has already abandoned.
		sess.sock = nil
		sess.buf = nil
		sess.state = tunnelClosed
	}
	t.sessions = make(map[string]*tunnelSession)
	t.mu.Unlock()

	for _, s := range list {
		if s.sock != nil {
			_ = s.sock.Close()
		}
		if notify && s.live {
			t.sendClosed(s.id, "")
		}
	}
}

// openCount reports sessions currently owning a socket.
func (t *tunnelTable) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, sess := range t.sessions {
		if sess.state == tunnelOpen {
			n++
		}
	}
	return n
}

// size reports table entries of any state, tombstones included.
func (t *tunnelTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
