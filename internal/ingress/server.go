// Package ingress runs the local HTTP listener through which the embedding
// process sends requests out over the relay connection.
package ingress

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bolivian-peru/peer-sdk/internal/proto"
	"github.com/bolivian-peru/peer-sdk/internal/relay"
	"github.com/bolivian-peru/peer-sdk/internal/shared"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// Forwarder sends a request over the relay and reports connectivity.
// *relay.Client satisfies it.
type Forwarder interface {
	SendHTTPRequest(ctx context.Context, method, url string, headers map[string]string, body []byte) (proto.ProxyResponse, error)
	Connected() bool
}

type Server struct {
	listenAddr string
	forwarder  Forwarder
	log        *logrus.Entry
}

func New(listenAddr string, forwarder Forwarder, log *logrus.Logger) *Server {
	return &Server{
		listenAddr: listenAddr,
		forwarder:  forwarder,
		log:        log.WithField("component", "ingress"),
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.listenAddr,
		Handler:           http.HandlerFunc(s.handle),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)

	go func() {
		s.log.WithField("listen", s.listenAddr).Info("ingress listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return oops.Wrapf(err, "ingress listen failed")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return oops.Wrapf(err, "ingress shutdown failed")
		}
		return ctx.Err()
	}
}

// handle buffers the request body, forwards through the relay, and
// translates the relayed response back into a plain HTTP response.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if !s.forwarder.Connected() {
		http.Error(w, "no relay connection", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}

	resp, err := s.forwarder.SendHTTPRequest(r.Context(), r.Method, r.URL.String(), shared.LowerHeaderMap(r.Header), body)
	if err != nil {
		s.log.WithFields(logrus.Fields{"method": r.Method, "url": r.URL.String()}).
			WithError(err).Warn("relay forward failed")
		if errors.Is(err, relay.ErrNotConnected) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	h := w.Header()
	for k, v := range resp.Headers {
		ck := http.CanonicalHeaderKey(k)
		// Recomputed by the HTTP stack from the decoded body.
		if ck == "Content-Length" || ck == "Transfer-Encoding" || ck == "Content-Encoding" || ck == "Connection" {
			continue
		}
		h.Set(ck, v)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}
