package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/kazmanavt/birpc"
	"github.com/kazmanavt/birpc/config"
	"github.com/kazmanavt/birpc/transport/wsconn"
)

func serveCommand(env *peerEnv) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "accept sessions and serve the demo methods",
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, env)
		},
	}
}

// serve runs until ctx is done.
func serve(ctx context.Context, env *peerEnv) error {
	cfg, log := env.cfg, env.log

	l, err := listen(cfg, log)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	metrics := birpc.NewMetrics(cfg.Metrics.Namespace)
	var metricsSrv *http.Server
	if cfg.Metrics.Listen != "" {
		if metricsSrv, err = serveMetrics(cfg.Metrics.Listen, metrics, log); err != nil {
			_ = l.Close()
			return err
		}
	}

	reg, err := demoRegistry(log)
	if err != nil {
		_ = l.Close()
		return err
	}
	sessionOpts := append(cfg.SessionOptions(), birpc.WithMetrics(metrics))
	srv := birpc.NewServerListener(l,
		birpc.WithServerLogger(log),
		birpc.WithServerRegistry(reg),
		birpc.WithSessionOptions(sessionOpts...),
		birpc.OnSession(func(s *birpc.Session) {
			log.Info("session opened", slog.String("session", s.ID()))
		}),
	)
	log.Info("serving", slog.String("transport", cfg.Transport), slog.String("address", l.Addr().String()),
		slog.Any("methods", reg.Methods()))

	<-ctx.Done()
	log.Info("shutting down")
	err = srv.Close()
	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := metricsSrv.Shutdown(sctx); serr != nil {
			log.Warn("metrics server shutdown", slog.String("error", serr.Error()))
		}
	}
	return err
}

func listen(cfg *config.Config, log *slog.Logger) (net.Listener, error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		return wsconn.Listen(cfg.Address, cfg.Path, wsconn.WithLogger(log))
	default:
		return net.Listen(cfg.Transport, cfg.Address)
	}
}

func serveMetrics(addr string, m *birpc.Metrics, log *slog.Logger) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := m.Register(reg); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	log.Info("metrics available", slog.String("address", ln.Addr().String()))
	return srv, nil
}

// demoRegistry holds the methods served by the serve command.
func demoRegistry(log *slog.Logger) (*birpc.Registry, error) {
	reg := birpc.NewRegistry()
	handlers := map[string]any{
		"echo": func(args ...any) []any { return args },
		"add": func(nums ...float64) float64 {
			var sum float64
			for _, n := range nums {
				sum += n
			}
			return sum
		},
		"sleep": func(ctx context.Context, d string) (string, error) {
			dur, err := time.ParseDuration(d)
			if err != nil {
				return "", err
			}
			select {
			case <-time.After(dur):
				return "slept " + dur.String(), nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
		// callback makes the server call a method served by the caller
		"callback": func(ctx context.Context, peer *birpc.Peer, method string, args ...any) (*birpc.Pending, error) {
			return peer.Send(ctx, method, args...)
		},
	}
	for name, fn := range handlers {
		if err := reg.Register(name, fn); err != nil {
			return nil, fmt.Errorf("register %q: %w", name, err)
		}
	}
	err := reg.HandleFunc("log", func(_ context.Context, _ *birpc.Peer, args []any, params birpc.Params) (any, error) {
		log.Info("log notification", slog.Any("args", args), slog.Any("params", map[string]any(params)))
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}
