package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bolivian-peru/peer-sdk/internal/ingress"
	"github.com/bolivian-peru/peer-sdk/internal/relay"
	"github.com/bolivian-peru/peer-sdk/internal/traffic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type agentConfig struct {
	RelayURL    string
	Token       string
	IngressAddr string
	MetricsAddr string
	Device      relay.DeviceInfo
	LogLevel    string
	LogFormat   string
}

func newAgentConfig(v *viper.Viper) (*agentConfig, error) {
	cfg := &agentConfig{
		RelayURL:    v.GetString("relay-url"),
		Token:       v.GetString("token"),
		IngressAddr: v.GetString("ingress-addr"),
		MetricsAddr: v.GetString("metrics-addr"),
		Device: relay.DeviceInfo{
			Country:   v.GetString("country"),
			Carrier:   v.GetString("carrier"),
			Model:     v.GetString("model"),
			OSVersion: v.GetString("os-version"),
		},
		LogLevel:  v.GetString("log-level"),
		LogFormat: v.GetString("log-format"),
	}
	if cfg.RelayURL == "" {
		return nil, oops.Errorf("relay-url is required")
	}
	if cfg.Token == "" {
		return nil, oops.Errorf("token is required")
	}
	return cfg, nil
}

func newLogger(cfg *agentConfig) (*logrus.Logger, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, oops.Wrapf(err, "parse log level %q", cfg.LogLevel)
	}
	log.SetLevel(level)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log, nil
}

// staticDevice satisfies relay.DeviceInfoProvider from config values.
type staticDevice struct {
	info relay.DeviceInfo
}

func (d staticDevice) DeviceInfo() relay.DeviceInfo { return d.info }

// hostEvents is the embedding side of the core's observer interfaces.
type hostEvents struct {
	log *logrus.Entry
}

func (e *hostEvents) Connected(deviceID string) {
	e.log.WithField("device_id", deviceID).Info("agent online")
}

func (e *hostEvents) Disconnected() {
	e.log.Info("agent offline")
}

func (e *hostEvents) TrafficUpdate(bytesIn, bytesOut uint64) {
	e.log.WithFields(logrus.Fields{"bytes_in": bytesIn, "bytes_out": bytesOut}).
		Trace("traffic totals")
}

func runAgent(ctx context.Context, cfg *agentConfig) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	events := &hostEvents{log: log.WithField("component", "host")}
	counter := traffic.NewCounter(prometheus.DefaultRegisterer, events)

	client, err := relay.New(
		relay.Config{
			RelayURL: cfg.RelayURL,
			Token:    cfg.Token,
			Device:   staticDevice{info: cfg.Device},
		},
		relay.WithLogger(log),
		relay.WithEvents(events),
		relay.WithTrafficCounter(counter),
	)
	if err != nil {
		return err
	}
	client.SetRequestHandler(relay.NewDirectHandler(client))

	prometheus.DefaultRegisterer.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "peer_agent_connection_state",
			Help: "Relay connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting).",
		},
		func() float64 { return float64(client.State()) },
	))

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, log)
	}

	if err := client.Start(); err != nil {
		return err
	}
	defer client.Stop()

	srv := ingress.New(cfg.IngressAddr, client, log)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	log.WithField("listen", addr).Info("metrics listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Warn("metrics server stopped")
	}
}
