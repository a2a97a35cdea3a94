package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/tether"
	"github.com/outofforest/tether/tap"
)

type serveConfig struct {
	Listen        string
	TapListen     string
	TapLog        string
	MetricsListen string
	Connection    tether.Config
}

func serveCmd() *cobra.Command {
	config := serveConfig{
		Connection: tether.DefaultConfig(),
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept peers and shadow their traffic",
		Long: `Accept peers, optionally streaming everything they send to tap subscribers
and exposing prometheus metrics.

Examples:
  tether serve
  tether serve --listen=:3883 --tap-listen=:3884 --tap-log=session.log
  tether serve --metrics-listen=:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), config)
		},
	}

	cmd.Flags().StringVar(&config.Listen, "listen", net.JoinHostPort("", "3883"), "Address to accept peers on")
	cmd.Flags().StringVar(&config.TapListen, "tap-listen", "", "Address to accept tap subscribers on")
	cmd.Flags().StringVar(&config.TapLog, "tap-log", "", "File the tap records every message to")
	cmd.Flags().StringVar(&config.MetricsListen, "metrics-listen", "", "Address to expose metrics on")
	addConnectionFlags(cmd, &config.Connection)

	return cmd
}

func runServe(ctx context.Context, config serveConfig) error {
	log := logger.Get(ctx)

	registry := prometheus.NewRegistry()
	config.Connection.Metrics = tether.NewMetrics(registry)

	ls, err := net.Listen("tcp", config.Listen)
	if err != nil {
		return errors.WithStack(err)
	}
	conn, err := tether.NewServer(ctx, ls, config.Connection)
	if err != nil {
		_ = ls.Close()
		return err
	}
	log.Info("Accepting peers", zap.Stringer("address", conn.Addr()))

	var tapServer *tap.Server
	var tapListener net.Listener
	if config.TapListen != "" {
		tapConfig := tap.DefaultServerConfig()
		tapConfig.LogFile = config.TapLog
		tapConfig.Registerer = registry
		if tapServer, err = tap.NewServer(tapConfig); err != nil {
			_ = conn.Close()
			return err
		}
		if tapListener, err = net.Listen("tcp", config.TapListen); err != nil {
			_ = conn.Close()
			return errors.WithStack(err)
		}
		if _, err := conn.RegisterHandler(tether.AnyType, tether.AnySender, tapServer.Handler(conn)); err != nil {
			_ = conn.Close()
			return err
		}
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("mainloop", parallel.Fail, func(ctx context.Context) error {
			defer conn.Close()

			return tether.Run(ctx, conn, mainloopTimeout)
		})

		if tapServer != nil {
			spawn("tap", parallel.Fail, func(ctx context.Context) error {
				return tapServer.Run(ctx, tapListener)
			})
		}

		if config.MetricsListen != "" {
			spawn("metrics", parallel.Fail, func(ctx context.Context) error {
				return serveMetrics(ctx, config.MetricsListen, registry)
			})
		}

		return nil
	})
}

func serveMetrics(ctx context.Context, address string, registry *prometheus.Registry) error {
	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("server", parallel.Fail, func(ctx context.Context) error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.WithStack(err)
			}
			return errors.WithStack(ctx.Err())
		})
		spawn("shutdown", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				return errors.WithStack(err)
			}
			return errors.WithStack(ctx.Err())
		})

		return nil
	})
}

func addConnectionFlags(cmd *cobra.Command, config *tether.Config) {
	cmd.Flags().IntVar(&config.MaxInboundMessages, "max-inbound", config.MaxInboundMessages,
		"Messages drained from one channel of a peer per mainloop call, 0 means unlimited")
	cmd.Flags().IntVar(&config.MaxOutboundBuffer, "max-outbound", config.MaxOutboundBuffer,
		"Size of the reliable outbound buffer of a peer")
	cmd.Flags().DurationVar(&config.PingInterval, "ping-interval", config.PingInterval,
		"Keep-alive period, 0 disables pings")
	cmd.Flags().DurationVar(&config.PeerTimeout, "peer-timeout", config.PeerTimeout,
		"Drop peers silent for that long, 0 disables it")
	cmd.Flags().BoolVar(&config.DisableUDP, "disable-udp", config.DisableUDP,
		"Send everything over the stream")
	cmd.Flags().BoolVar(&config.AllowRemoteLogging, "allow-remote-logging", config.AllowRemoteLogging,
		"Honour log requests of peers")
	cmd.Flags().StringVar(&config.Log.InFile, "log-in", "", "File to record incoming messages to")
	cmd.Flags().StringVar(&config.Log.OutFile, "log-out", "", "File to record outgoing messages to")
}
