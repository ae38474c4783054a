// Command peer-agent runs the bandwidth-sharing agent: it keeps a control
// connection to the relay, serves the local ingress port, and exposes
// optional Prometheus metrics.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "peer-agent",
		Short:         "peer bandwidth-sharing agent",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runAgent(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "optional YAML config file")
	flags.String("relay-url", "", "relay control endpoint (ws:// or wss://)")
	flags.String("token", "", "opaque auth token issued by the backend")
	flags.String("ingress-addr", "127.0.0.1:18091", "local ingress listen address")
	flags.String("metrics-addr", "", "Prometheus metrics listen address (disabled when empty)")
	flags.String("country", "", "device country code")
	flags.String("carrier", "", "mobile carrier name")
	flags.String("model", "", "device model")
	flags.String("os-version", "", "host OS version")
	flags.String("log-level", "info", "log level (trace..error)")
	flags.String("log-format", "text", "log format (text|json)")

	return cmd
}

func loadConfig(cmd *cobra.Command) (*agentConfig, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	v.SetEnvPrefix("PEER_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	return newAgentConfig(v)
}
