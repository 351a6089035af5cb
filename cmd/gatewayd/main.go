// gatewayd runs the decryption gateway: it generates the engine's key
// material at startup and serves ping, key, and decrypt requests over vsock
// or TCP.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/caarlos0/env/v6"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/veilbid-io/sealedauction/fhe"
	"github.com/veilbid-io/sealedauction/gateway"
)

type config struct {
	ListenMode     string `env:"GATEWAY_LISTEN_MODE" envDefault:"tcp"`
	TCPAddr        string `env:"GATEWAY_TCP_ADDR" envDefault:"127.0.0.1:5000"`
	VSockPort      uint32 `env:"GATEWAY_VSOCK_PORT" envDefault:"5000"`
	Workers        int    `env:"GATEWAY_MAX_WORKERS" envDefault:"8"`
	MetricsAddr    string `env:"GATEWAY_METRICS_ADDR"`
	LogLevel       string `env:"GATEWAY_LOG_LEVEL" envDefault:"info"`
	RequireEnclave bool   `env:"GATEWAY_REQUIRE_ENCLAVE" envDefault:"false"`
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "gatewayd",
		Short:        "Decryption gateway for the sealed auction engine",
		SilenceUsage: true,
	}
	cmd.AddCommand(serveCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	var cfg config

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve decryption requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, cfg)
		},
	}

	if err := env.Parse(&cfg); err != nil {
		panic(fmt.Sprintf("parse environment: %v", err))
	}
	flags := cmd.Flags()
	flags.StringVar(&cfg.ListenMode, "listen-mode", cfg.ListenMode, "transport to listen on: tcp or vsock")
	flags.StringVar(&cfg.TCPAddr, "tcp-addr", cfg.TCPAddr, "TCP listen address")
	flags.Uint32Var(&cfg.VSockPort, "vsock-port", cfg.VSockPort, "vsock listen port")
	flags.IntVar(&cfg.Workers, "workers", cfg.Workers, "max concurrent connections")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics address (disabled when empty)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flags.BoolVar(&cfg.RequireEnclave, "require-enclave", cfg.RequireEnclave, "refuse to start without NSM attestation")
	return cmd
}

func serve(cmd *cobra.Command, cfg config) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	engine, err := fhe.NewSecureEngine()
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	keys, err := gateway.NewKeyManager(engine)
	if err != nil {
		return fmt.Errorf("initialize key manager: %w", err)
	}
	logger.Info().Msg("key manager initialized")

	attester, err := gateway.NitroAttester()
	if err != nil {
		if cfg.RequireEnclave {
			return fmt.Errorf("enclave required: %w", err)
		}
		logger.Warn().Err(err).Msg("running without enclave attestation")
		attester = nil
	}

	var metrics *gateway.Metrics
	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		metrics = gateway.NewMetrics(registry)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	server := gateway.NewServer(engine, keys, gateway.Config{
		Workers:  cfg.Workers,
		Attester: attester,
		Metrics:  metrics,
		Logger:   logger,
	})

	switch cfg.ListenMode {
	case "vsock":
		return server.ListenVSock(cfg.VSockPort)
	case "tcp":
		return server.ListenTCP(cfg.TCPAddr)
	default:
		return fmt.Errorf("unknown listen mode %q", cfg.ListenMode)
	}
}
