package proto

// DeviceInfo is sent once per connection, right after the websocket opens.
type DeviceInfo struct {
	Country   string `json:"country"`
	Carrier   string `json:"carrier"`
	Model     string `json:"model"`
	OSVersion string `json:"osVersion"`
	CurrentIP string `json:"currentIp"`
}

// Connected acknowledges the handshake and assigns the device id.
type Connected struct {
	DeviceID string `json:"deviceId"`
}

// ProxyRequest is carried by proxy_request, proxy_http_request and
// http_request envelopes. For proxy_http_request the relay also sets
// SessionID so the response can be framed as tunnel_data.
type ProxyRequest struct {
	RequestID string            `json:"requestId,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
}

// ProxyResponse is carried by proxy_response and http_response envelopes.
type ProxyResponse struct {
	RequestID  string            `json:"requestId"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

type ProxyError struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
}

type TunnelConnect struct {
	SessionID string `json:"sessionId"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
}

type TunnelData struct {
	SessionID string `json:"sessionId"`
	Data      []byte `json:"data"`
}

type TunnelClose struct {
	SessionID string `json:"sessionId"`
}

type TunnelClosed struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error,omitempty"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}
