package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/bolivian-peru/peer-sdk/internal/proto"
	"github.com/bolivian-peru/peer-sdk/internal/shared"
)

// serveFetch performs the fetch directly and emits the whole response as
// one raw HTTP/1.1 blob framed as tunnel_data, so the relay handles simple
// fetches and tunnels uniformly. Failures synthesize a 502 with the error
// text as body.
func (c *Client) serveFetch(ctx context.Context, p proto.ProxyRequest, wire envelopeWriter) {
	if p.SessionID == "" {
		c.log.Debug("proxy_http_request missing sessionId")
		return
	}

	status, header, body, err := c.fetch(ctx, p)
	if err != nil {
		status = http.StatusBadGateway
		header = http.Header{"Content-Type": []string{"text/plain"}}
		body = []byte(err.Error())
	} else {
		c.counter.Add(len(body), len(p.Body))
	}

	raw := renderRawResponse(status, header, body)
	out, encErr := proto.NewEnvelope(proto.TypeTunnelData, proto.TunnelData{
		SessionID: p.SessionID,
		Data:      raw,
	})
	if encErr != nil {
		return
	}
	if sendErr := wire.WriteEnvelope(out); sendErr != nil {
		c.log.WithError(sendErr).Debug("send fetch response failed")
	}
}

// serveLegacyProxy is the whole-body legacy path: the registered handler
// produces the response, which goes back as proxy_response (or proxy_error
// on failure).
func (c *Client) serveLegacyProxy(ctx context.Context, p proto.ProxyRequest, wire envelopeWriter) {
	var resp proto.ProxyResponse
	var err error
	if c.handler == nil {
		err = fmt.Errorf("no request handler registered")
	} else {
		resp, err = c.handler.HandleProxyRequest(ctx, p)
	}
	if err != nil {
		out := proto.MustEnvelope(proto.TypeProxyError, proto.ProxyError{
			RequestID: p.RequestID,
			Error:     err.Error(),
		})
		_ = wire.WriteEnvelope(out)
		return
	}

	resp.RequestID = p.RequestID
	c.counter.Add(len(resp.Body), len(p.Body))
	out, encErr := proto.NewEnvelope(proto.TypeProxyResponse, resp)
	if encErr != nil {
		return
	}
	if sendErr := wire.WriteEnvelope(out); sendErr != nil {
		c.log.WithError(sendErr).Debug("send proxy_response failed")
	}
}

// fetch performs one upstream HTTP request with a fully buffered body.
func (c *Client) fetch(ctx context.Context, p proto.ProxyRequest) (int, http.Header, []byte, error) {
	var bodyReader io.Reader
	if len(p.Body) > 0 {
		bodyReader = bytes.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, bodyReader)
	if err != nil {
		return 0, nil, nil, err
	}
	for k, v := range p.Headers {
		if shared.IsHopByHopHeaderKey(k) {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	header := resp.Header.Clone()
	shared.StripConnectionHeaders(header)
	return resp.StatusCode, header, body, nil
}

// renderRawResponse serializes a response as HTTP/1.1 bytes: status line,
// header lines with a recomputed Content-Length, blank line, body.
func renderRawResponse(status int, header http.Header, body []byte) []byte {
	text := http.StatusText(status)
	if text == "" {
		text = "Status"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, text)

	keys := make([]string, 0, len(header))
	for k := range header {
		ck := http.CanonicalHeaderKey(k)
		if ck == "Content-Length" || ck == "Transfer-Encoding" || ck == "Connection" {
			continue
		}
		keys = append(keys, ck)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range header.Values(k) {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Connection: close\r\n\r\n")
	b.Write(body)
	return b.Bytes()
}

// DirectHandler serves proxy_request by fetching the URL itself, which is
// what a peer egress device does with the legacy path.
type DirectHandler struct {
	c *Client
}

// NewDirectHandler builds the default legacy-path handler backed by the
// client's shared HTTP transport.
func NewDirectHandler(c *Client) *DirectHandler {
	return &DirectHandler{c: c}
}

func (h *DirectHandler) HandleProxyRequest(ctx context.Context, req proto.ProxyRequest) (proto.ProxyResponse, error) {
	status, header, body, err := h.c.fetch(ctx, req)
	if err != nil {
		return proto.ProxyResponse{}, err
	}
	headers := make(map[string]string, len(header))
	for k := range header {
		headers[k] = header.Get(k)
	}
	return proto.ProxyResponse{
		RequestID:  req.RequestID,
		StatusCode: status,
		Headers:    headers,
		Body:       body,
	}, nil
}
