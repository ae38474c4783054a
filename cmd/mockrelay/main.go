// Command mockrelay is a development stand-in for the relay backend. It
// accepts one agent connection, completes the connected handshake, answers
// heartbeats and http_requests, and can push fetch or tunnel work at the
// agent to exercise it end to end.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bolivian-peru/peer-sdk/internal/proto"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type relayServer struct {
	token     string
	fetchURL  string
	tunnelTo  string
	deviceSeq int

	writeMu sync.Mutex
	ws      *websocket.Conn
}

func main() {
	listen := flag.String("listen", "127.0.0.1:18080", "listen address")
	token := flag.String("token", "dev", "expected auth token")
	fetchURL := flag.String("fetch-url", "", "push a proxy_http_request for this URL after connect")
	tunnelTo := flag.String("tunnel", "", "push a tunnel_connect to this host:port after connect")
	flag.Parse()

	s := &relayServer{token: *token, fetchURL: *fetchURL, tunnelTo: *tunnelTo}
	mux := http.NewServeMux()
	mux.HandleFunc("/relay", s.handleAgent)

	log.Printf("[mockrelay] listening on %s", *listen)
	srv := &http.Server{Addr: *listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Fatal(srv.ListenAndServe())
}

func (s *relayServer) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[mockrelay] upgrade failed: %v", err)
		return
	}
	defer func() { _ = ws.Close() }()

	s.writeMu.Lock()
	s.ws = ws
	s.deviceSeq++
	deviceID := fmt.Sprintf("dev-%d", s.deviceSeq)
	s.writeMu.Unlock()

	log.Printf("[mockrelay] agent connected, assigning %s", deviceID)

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			log.Printf("[mockrelay] agent gone: %v", err)
			return
		}
		env, err := proto.DecodeEnvelope(msg)
		if err != nil {
			log.Printf("[mockrelay] bad envelope: %v", err)
			continue
		}
		s.handle(env, deviceID)
	}
}

func (s *relayServer) handle(env proto.Envelope, deviceID string) {
	switch env.Type {
	case proto.TypeDeviceInfo:
		var di proto.DeviceInfo
		_ = env.DecodePayload(&di)
		log.Printf("[mockrelay] device_info country=%q carrier=%q model=%q os=%q ip=%q",
			di.Country, di.Carrier, di.Model, di.OSVersion, di.CurrentIP)
		s.send(proto.MustEnvelope(proto.TypeConnected, proto.Connected{DeviceID: deviceID}))
		if s.fetchURL != "" {
			s.pushFetch()
		}
		if s.tunnelTo != "" {
			s.pushTunnel()
		}
	case proto.TypeHeartbeat:
		s.send(proto.Envelope{Type: proto.TypeHeartbeatAck})
	case proto.TypeHTTPRequest:
		var req proto.ProxyRequest
		if err := env.DecodePayload(&req); err != nil {
			return
		}
		go s.answerHTTPRequest(req)
	case proto.TypeTunnelData:
		var td proto.TunnelData
		_ = env.DecodePayload(&td)
		log.Printf("[mockrelay] tunnel_data session=%s bytes=%d", td.SessionID, len(td.Data))
	case proto.TypeTunnelClosed:
		var tc proto.TunnelClosed
		_ = env.DecodePayload(&tc)
		log.Printf("[mockrelay] tunnel_closed session=%s err=%q", tc.SessionID, tc.Error)
	case proto.TypeProxyResponse, proto.TypeProxyError:
		log.Printf("[mockrelay] %s: %s", env.Type, compact(env.Payload))
	default:
		log.Printf("[mockrelay] unhandled %s", env.Type)
	}
}

// answerHTTPRequest plays the relay's egress role for agent-originated
// requests: fetch the URL and return the result as http_response.
func (s *relayServer) answerHTTPRequest(req proto.ProxyRequest) {
	client := &http.Client{Timeout: 25 * time.Second}
	var body io.Reader
	if len(req.Body) > 0 {
		body = strings.NewReader(string(req.Body))
	}
	httpReq, err := http.NewRequest(req.Method, req.URL, body)
	if err != nil {
		s.send(proto.MustEnvelope(proto.TypeError, proto.ErrorMessage{Message: err.Error()}))
		return
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		s.send(proto.MustEnvelope(proto.TypeHTTPResponse, proto.ProxyResponse{
			RequestID:  req.RequestID,
			StatusCode: http.StatusBadGateway,
			Body:       []byte(err.Error()),
		}))
		return
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, _ := io.ReadAll(resp.Body)
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	s.send(proto.MustEnvelope(proto.TypeHTTPResponse, proto.ProxyResponse{
		RequestID:  req.RequestID,
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       respBody,
	}))
}

func (s *relayServer) pushFetch() {
	sessionID := uuid.NewString()
	log.Printf("[mockrelay] pushing proxy_http_request session=%s url=%s", sessionID, s.fetchURL)
	s.send(proto.MustEnvelope(proto.TypeProxyHTTPRequest, proto.ProxyRequest{
		SessionID: sessionID,
		Method:    http.MethodGet,
		URL:       s.fetchURL,
	}))
}

func (s *relayServer) pushTunnel() {
	host, portStr, ok := strings.Cut(s.tunnelTo, ":")
	if !ok {
		log.Printf("[mockrelay] bad --tunnel value %q", s.tunnelTo)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Printf("[mockrelay] bad --tunnel port %q", portStr)
		return
	}
	sessionID := uuid.NewString()
	log.Printf("[mockrelay] pushing tunnel_connect session=%s target=%s", sessionID, s.tunnelTo)
	s.send(proto.MustEnvelope(proto.TypeTunnelConnect, proto.TunnelConnect{
		SessionID: sessionID,
		Host:      host,
		Port:      port,
	}))
}

func (s *relayServer) send(env proto.Envelope) {
	b, err := env.Encode()
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.ws == nil {
		return
	}
	_ = s.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		log.Printf("[mockrelay] write failed: %v", err)
	}
}

func compact(raw json.RawMessage) string {
	if len(raw) > 200 {
		return string(raw[:200]) + "..."
	}
	return string(raw)
}
