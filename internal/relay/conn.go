package relay

import (
	"context"
	"sync"
	"time"

	"github.com/bolivian-peru/peer-sdk/internal/proto"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// envelopeWriter sends one envelope to the relay. Satisfied by conn; tests
// substitute a recorder.
type envelopeWriter interface {
	WriteEnvelope(env proto.Envelope) error
}

// conn is the per-connection state: the websocket, serialized writes, and
// the two multiplexer tables. A fresh conn is built for every (re)connect.
type conn struct {
	c  *Client
	ws *websocket.Conn

	writeMu sync.Mutex

	pending *pendingTable
	tunnels *tunnelTable

	wg sync.WaitGroup

	closedCh  chan struct{}
	closeOnce sync.Once
}

func newConn(c *Client, ws *websocket.Conn) *conn {
	cn := &conn{
		c:        c,
		ws:       ws,
		pending:  newPendingTable(),
		closedCh: make(chan struct{}),
	}
	cn.tunnels = newTunnelTable(cn, c.counter, c.log, c.tunnelDialTimeout, &cn.wg)
	return cn
}

// WriteEnvelope serializes and sends one envelope. Writes are serialized so
// concurrent handlers never interleave websocket frames.
func (cn *conn) WriteEnvelope(env proto.Envelope) error {
	b, err := env.Encode()
	if err != nil {
		return err
	}
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	_ = cn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return cn.ws.WriteMessage(websocket.TextMessage, b)
}

func (cn *conn) run(ctx context.Context) error {
	cn.ws.SetReadLimit(wsReadLimitBytes)
	_ = cn.ws.SetReadDeadline(time.Now().Add(readIdleTimeout))

	// Ensure Stop / ctx cancellation unblocks ReadMessage promptly.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		cn.interrupt()
	}()

	cn.sendDeviceInfo(connCtx)

	cn.wg.Add(1)
	go func() {
		defer cn.wg.Done()
		cn.heartbeatLoop(connCtx)
	}()

	return cn.readLoop(connCtx)
}

// interrupt forces the blocked ReadMessage to return.
func (cn *conn) interrupt() {
	cn.closeOnce.Do(func() {
		close(cn.closedCh)
		cn.writeMu.Lock()
		_ = cn.ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_ = cn.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "agent shutting down"),
			time.Now().Add(2*time.Second),
		)
		cn.writeMu.Unlock()
		_ = cn.ws.SetReadDeadline(time.Now())
		_ = cn.ws.Close()
	})
}

// sendDeviceInfo resolves the public IP (best effort, bounded) and sends
// the handshake envelope.
func (cn *conn) sendDeviceInfo(ctx context.Context) {
	lookupCtx, cancel := context.WithTimeout(ctx, ipLookupTimeout)
	currentIP := cn.c.resolver.PublicIP(lookupCtx)
	cancel()

	var di DeviceInfo
	if cn.c.cfg.Device != nil {
		di = cn.c.cfg.Device.DeviceInfo()
	}
	env := proto.MustEnvelope(proto.TypeDeviceInfo, proto.DeviceInfo{
		Country:   di.Country,
		Carrier:   di.Carrier,
		Model:     di.Model,
		OSVersion: di.OSVersion,
		CurrentIP: currentIP,
	})
	if err := cn.WriteEnvelope(env); err != nil {
		cn.c.log.WithError(err).Warn("send device_info failed")
	}
}

func (cn *conn) heartbeatLoop(ctx context.Context) {
	ticker := cn.c.clk.Ticker(cn.c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cn.closedCh:
			return
		case <-ticker.C:
			if err := cn.WriteEnvelope(proto.Envelope{Type: proto.TypeHeartbeat}); err != nil {
				return
			}
		}
	}
}

func (cn *conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		mt, msg, err := cn.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = cn.ws.SetReadDeadline(time.Now().Add(readIdleTimeout))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		env, err := proto.DecodeEnvelope(msg)
		if err != nil {
			cn.c.log.WithError(err).Debug("dropping malformed envelope")
			continue
		}
		// Each envelope is handled off the read path so one slow handler
		// never stalls receipt of the next message.
		cn.wg.Add(1)
		go func() {
			defer cn.wg.Done()
			cn.handle(ctx, env)
		}()
	}
}

func (cn *conn) handle(ctx context.Context, env proto.Envelope) {
	switch env.Type {
	case proto.TypeConnected:
		cn.handleConnected(env)
	case proto.TypeProxyRequest:
		var p proto.ProxyRequest
		if err := env.DecodePayload(&p); err != nil {
			cn.c.log.WithError(err).Debug("bad proxy_request payload")
			return
		}
		cn.c.serveLegacyProxy(ctx, p, cn)
	case proto.TypeProxyHTTPRequest:
		var p proto.ProxyRequest
		if err := env.DecodePayload(&p); err != nil {
			cn.c.log.WithError(err).Debug("bad proxy_http_request payload")
			return
		}
		cn.c.serveFetch(ctx, p, cn)
	case proto.TypeTunnelConnect:
		var p proto.TunnelConnect
		if err := env.DecodePayload(&p); err != nil {
			cn.c.log.WithError(err).Debug("bad tunnel_connect payload")
			return
		}
		cn.tunnels.HandleConnect(ctx, p.SessionID, p.Host, p.Port)
	case proto.TypeTunnelData:
		var p proto.TunnelData
		if err := env.DecodePayload(&p); err != nil {
			cn.c.log.WithError(err).Debug("bad tunnel_data payload")
			return
		}
		cn.tunnels.HandleData(p.SessionID, p.Data)
	case proto.TypeTunnelClose:
		var p proto.TunnelClose
		if err := env.DecodePayload(&p); err != nil {
			cn.c.log.WithError(err).Debug("bad tunnel_close payload")
			return
		}
		cn.tunnels.HandleClose(p.SessionID)
	case proto.TypeTunnelOpen, proto.TypeHeartbeatAck:
		// Informational, no state change.
	case proto.TypeHTTPResponse:
		var p proto.ProxyResponse
		if err := env.DecodePayload(&p); err != nil {
			cn.c.log.WithError(err).Debug("bad http_response payload")
			return
		}
		cn.pending.resolve(p)
	case proto.TypeError:
		var p proto.ErrorMessage
		_ = env.DecodePayload(&p)
		cn.c.log.WithField("message", p.Message).Warn("relay reported error")
	default:
		cn.c.log.WithField("type", env.Type).Debug("ignoring unknown envelope type")
	}
}

func (cn *conn) handleConnected(env proto.Envelope) {
	var p proto.Connected
	if err := env.DecodePayload(&p); err != nil || p.DeviceID == "" {
		cn.c.log.WithError(err).Error("connected envelope missing deviceId")
		return
	}
	cn.c.log.WithFields(logrus.Fields{"device_id": p.DeviceID}).Info("registered with relay")
	cn.c.events.Connected(p.DeviceID)
}

// teardown closes every tunnel session, fails pending requests, and waits
// for all per-connection goroutines. Called exactly once, after run returns.
func (cn *conn) teardown() {
	cn.closeOnce.Do(func() {
		close(cn.closedCh)
	})
	cn.tunnels.CloseAll(true)
	cn.pending.failAll()
	cn.wg.Wait()
	_ = cn.ws.Close()
}
