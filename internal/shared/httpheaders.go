package shared

import (
	"net/http"
	"strings"
)

var hopByHopHeaderKeys = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"TE":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func IsHopByHopHeaderKey(k string) bool {
	_, ok := hopByHopHeaderKeys[http.CanonicalHeaderKey(k)]
	return ok
}

func StripConnectionHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			k := http.CanonicalHeaderKey(strings.TrimSpace(token))
			if k == "" {
				continue
			}
			h.Del(k)
		}
	}
	for k := range hopByHopHeaderKeys {
		h.Del(k)
	}
}

// LowerHeaderMap flattens an http.Header into the lower-cased single-value
// map the relay protocol carries.
func LowerHeaderMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[strings.ToLower(k)] = h.Get(k)
	}
	return out
}
