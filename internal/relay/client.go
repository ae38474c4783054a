// Package relay implements the tunnel client core: one persistent websocket
// to the relay carrying JSON envelopes, multiplexing request/response pairs
// and raw TCP tunnel sessions, with reconnect and byte accounting.
package relay

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bolivian-peru/peer-sdk/internal/netinfo"
	"github.com/bolivian-peru/peer-sdk/internal/proto"
	"github.com/bolivian-peru/peer-sdk/internal/shared"
	"github.com/bolivian-peru/peer-sdk/internal/traffic"
	"github.com/gorilla/websocket"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// State is the transport connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// DeviceInfo describes the host device, supplied by the embedder.
type DeviceInfo struct {
	Country   string
	Carrier   string
	Model     string
	OSVersion string
}

// DeviceInfoProvider supplies device details for the connect handshake.
type DeviceInfoProvider interface {
	DeviceInfo() DeviceInfo
}

// Events receives connection lifecycle notifications. Implementations must
// not block; callbacks run on transport goroutines.
type Events interface {
	Connected(deviceID string)
	Disconnected()
}

type noopEvents struct{}

func (noopEvents) Connected(string) {}
func (noopEvents) Disconnected()    {}

// RequestHandler serves the legacy proxy_request path.
type RequestHandler interface {
	HandleProxyRequest(ctx context.Context, req proto.ProxyRequest) (proto.ProxyResponse, error)
}

// Config carries the collaborator-supplied inputs for a Client.
type Config struct {
	// RelayURL is the ws:// or wss:// control endpoint. The auth token is
	// appended as a query parameter on dial.
	RelayURL string
	Token    string
	Device   DeviceInfoProvider
}

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultRequestTimeout    = 30 * time.Second
	defaultTunnelDialTimeout = 30 * time.Second
	dialHandshakeTimeout     = 10 * time.Second
	writeTimeout             = 10 * time.Second
	readIdleTimeout          = 90 * time.Second
	ipLookupTimeout          = 3 * time.Second
	wsReadLimitBytes         = 10 << 20
)

// Client owns the single logical relay connection. Construct with New,
// drive with Start, and tear down permanently with Stop.
type Client struct {
	cfg      Config
	dialURL  string
	log      *logrus.Entry
	clk      clock.Clock
	events   Events
	counter  *traffic.Counter
	handler  RequestHandler
	resolver *netinfo.Resolver

	httpClient    *http.Client
	httpTransport *http.Transport

	heartbeatInterval time.Duration
	requestTimeout    time.Duration
	tunnelDialTimeout time.Duration

	state atomic.Int32

	mu      sync.Mutex
	cur     *conn
	started bool
	stopped bool
	cancel  context.CancelFunc
	runDone chan struct{}
}

// Option customizes a Client.
type Option func(*Client)

func WithLogger(l *logrus.Logger) Option {
	return func(c *Client) { c.log = l.WithField("component", "relay") }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clk = clk }
}

func WithEvents(ev Events) Option {
	return func(c *Client) { c.events = ev }
}

func WithTrafficCounter(tc *traffic.Counter) Option {
	return func(c *Client) { c.counter = tc }
}

func WithRequestHandler(h RequestHandler) Option {
	return func(c *Client) { c.handler = h }
}

func WithIPResolver(r *netinfo.Resolver) Option {
	return func(c *Client) { c.resolver = r }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

func WithTunnelDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.tunnelDialTimeout = d }
}

// New validates the config and builds a Client. The returned client shares
// one HTTP transport across both proxy paths, mirroring a browser-ish
// connection pool toward upstream targets.
func New(cfg Config, opts ...Option) (*Client, error) {
	dialURL, err := BuildRelayURL(cfg.RelayURL, cfg.Token)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	c := &Client{
		cfg:               cfg,
		dialURL:           dialURL,
		log:               logrus.StandardLogger().WithField("component", "relay"),
		clk:               clock.New(),
		events:            noopEvents{},
		handler:           nil,
		resolver:          netinfo.NewResolver(),
		httpTransport:     transport,
		httpClient:        &http.Client{Transport: transport},
		heartbeatInterval: defaultHeartbeatInterval,
		requestTimeout:    defaultRequestTimeout,
		tunnelDialTimeout: defaultTunnelDialTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.counter == nil {
		c.counter = traffic.NewCounter(nil, nil)
	}
	return c, nil
}

// BuildRelayURL normalizes endpoint to a ws/wss URL and appends the auth
// token as a query parameter.
func BuildRelayURL(endpoint, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", oops.Wrapf(err, "parse relay url %q", endpoint)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", oops.Errorf("relay url %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", oops.Errorf("relay url %q: missing host", endpoint)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SetRequestHandler installs the legacy proxy_request handler. Call before
// Start.
func (c *Client) SetRequestHandler(h RequestHandler) {
	c.handler = h
}

// State reports the current transport state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Connected reports whether the control connection is currently up.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Start launches the connect/reconnect loop in the background.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrClosed
	}
	if c.started {
		return oops.Errorf("relay client already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.started = true
	c.runDone = make(chan struct{})
	go func() {
		defer close(c.runDone)
		c.run(ctx)
	}()
	return nil
}

// Stop permanently disconnects: no further reconnection, all tunnel
// sessions closed, pending requests failed. It blocks until every
// background goroutine has drained.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		done := c.runDone
		c.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	c.stopped = true
	cancel := c.cancel
	cur := c.cur
	done := c.runDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cur != nil {
		cur.interrupt()
	}
	if done != nil {
		<-done
	}
	c.setState(StateDisconnected)
}

func (c *Client) setConn(cn *conn) {
	c.mu.Lock()
	c.cur = cn
	c.mu.Unlock()
}

func (c *Client) currentConn() *conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *Client) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		c.setState(StateConnecting)

		dialer := websocket.Dialer{HandshakeTimeout: dialHandshakeTimeout}
		ws, _, err := dialer.DialContext(ctx, c.dialURL, nil)
		if err != nil {
			attempt++
			wait := reconnectDelay(attempt)
			c.log.WithFields(logrus.Fields{"attempt": attempt, "wait": wait}).
				WithError(err).Warn("relay dial failed")
			c.setState(StateReconnecting)
			if !c.sleep(ctx, wait) {
				c.setState(StateDisconnected)
				return
			}
			continue
		}

		// Reset backoff after a successful open.
		attempt = 0

		cn := newConn(c, ws)
		c.setConn(cn)
		c.setState(StateConnected)
		c.log.Info("relay connected")

		err = cn.run(ctx)
		c.setConn(nil)
		cn.teardown()
		c.httpTransport.CloseIdleConnections()
		c.events.Disconnected()

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}

		attempt++
		wait := reconnectDelay(attempt)
		fields := logrus.Fields{"attempt": attempt, "wait": wait}
		if code, text, ok := shared.CloseFromErr(err); ok {
			fields["close_code"] = code
			fields["close_text"] = text
		}
		c.log.WithFields(fields).WithError(err).Warn("relay disconnected")
		c.setState(StateReconnecting)
		if !c.sleep(ctx, wait) {
			c.setState(StateDisconnected)
			return
		}
	}
}

// reconnectDelay is linear, 5s per failed attempt, capped at 30s.
func reconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(attempt) * 5 * time.Second
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	t := c.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
