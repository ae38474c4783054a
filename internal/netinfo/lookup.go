// Package netinfo resolves the device's public IP address. The lookup is
// best effort: the relay handshake proceeds with an empty value on failure.
package netinfo

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 256

// Resolver queries plain-text "what is my IP" endpoints in order and
// returns the first parseable answer.
type Resolver struct {
	Client    *http.Client
	Endpoints []string
}

func NewResolver() *Resolver {
	return &Resolver{
		Client: &http.Client{Timeout: 3 * time.Second},
		Endpoints: []string{
			"https://api.ipify.org",
			"https://ifconfig.me/ip",
		},
	}
}

// PublicIP returns the public IP, or "" if no endpoint answered within the
// context deadline. It never returns an error: callers treat the value as
// advisory.
func (r *Resolver) PublicIP(ctx context.Context) string {
	for _, endpoint := range r.Endpoints {
		if ctx.Err() != nil {
			return ""
		}
		if ip := r.query(ctx, endpoint); ip != "" {
			return ip
		}
	}
	return ""
}

func (r *Resolver) query(ctx context.Context, endpoint string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ""
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return ""
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return ""
	}
	ip := strings.TrimSpace(string(b))
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
