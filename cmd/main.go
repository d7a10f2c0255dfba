// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

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
	"strings"
	"syscall"
	"time"

	"github.com/absmach/meshgate"
	"github.com/absmach/meshgate/pkg/alert"
	"github.com/absmach/meshgate/pkg/api"
	"github.com/absmach/meshgate/pkg/breaker"
	"github.com/absmach/meshgate/pkg/broker"
	"github.com/absmach/meshgate/pkg/config"
	"github.com/absmach/meshgate/pkg/gateway"
	"github.com/absmach/meshgate/pkg/handler"
	"github.com/absmach/meshgate/pkg/health"
	"github.com/absmach/meshgate/pkg/metrics"
	"github.com/absmach/meshgate/pkg/notify"
	"github.com/absmach/meshgate/pkg/proxy"
	"github.com/absmach/meshgate/pkg/ratelimit"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const (
	envPrefix = "MESHGATE_"

	mqttPrefix   = "MESHGATE_MQTT_"
	mqttsPrefix  = "MESHGATE_MQTTS_"
	mqttWSPrefix = "MESHGATE_MQTT_WS_"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	cfg, err := meshgate.NewServiceConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error(fmt.Sprintf("meshgate terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("meshgate stopped")
}

func run(cfg meshgate.ServiceConfig, logger *slog.Logger) error {
	store, err := config.NewStore(cfg.PolicyFile, logger.With(slog.String("component", "policy")))
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	snap := store.Current()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sinkOpts := notify.Options{
		Breaker: breaker.Config{
			MaxFailures:      5,
			ResetTimeout:     time.Minute,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
		OnStateChange: func(sink string, from, to breaker.State) {
			m.BreakerState(sink, int(to))
			logger.Warn("notification circuit breaker state changed",
				slog.String("sink", sink),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		Logger: logger,
	}
	sinks, err := notify.Build(snap.Policy.Alerting.Providers, sinkOpts)
	if err != nil {
		logger.Warn("some notification providers are unusable", slog.String("error", err.Error()))
	}
	engine := alert.NewEngine(snap.Policy.Alerting, sinks, logger.With(slog.String("component", "alerts")), nil, cfg.AlertQueueSize)
	engine.OnResult = m.Alert

	svc := gateway.New(gateway.Deps{
		Policy:  store,
		Alerts:  engine,
		Metrics: m,
		Throttle: ratelimit.NewThrottle(ratelimit.ThrottleConfig{
			PerIPBurst:  cfg.ConnectBurst,
			PerIPRate:   cfg.ConnectRate,
			GlobalBurst: cfg.GlobalConnectBurst,
			GlobalRate:  cfg.GlobalConnectRate,
		}),
		Logger:      logger.With(slog.String("component", "gateway")),
		SaveBanlist: store.SaveBanlist,
	})
	svc.ApplyPolicy(snap)

	store.OnReload = func(err error) {
		m.Reload(err)
		if err != nil {
			engine.RecordError("policy", err)
		}
	}
	store.Subscribe(func(s *config.Snapshot) {
		svc.ApplyPolicy(s)
		sinks, err := notify.Build(s.Policy.Alerting.Providers, sinkOpts)
		if err != nil {
			logger.Warn("some notification providers are unusable", slog.String("error", err.Error()))
		}
		engine.UpdateSinks(sinks)
	})

	checker := health.NewChecker(5 * time.Second)
	checker.Register("policy", true, func(context.Context) error {
		if _, err := os.Stat(store.Path()); err != nil {
			return err
		}
		return nil
	})
	checker.Register("alerts", false, func(context.Context) error {
		if st := engine.Stats(); st.Dropped > 0 {
			return fmt.Errorf("%d alerts dropped on a full queue", st.Dropped)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return store.Watch(ctx) })
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return svc.RunSweeper(ctx, cfg.SweepInterval) })

	switch cfg.Mode {
	case meshgate.ModeBroker:
		if err := startBroker(ctx, g, cfg, svc, checker, logger); err != nil {
			return err
		}
	default:
		h := newLoggingHandler(gateway.NewHandler(svc), logger.With(slog.String("component", "proxy")))
		started := 0
		for _, prefix := range []string{mqttPrefix, mqttsPrefix} {
			ok, err := startMQTTProxy(ctx, g, prefix, cfg, h, checker, logger)
			if err != nil {
				return err
			}
			if ok {
				started++
			}
		}
		ok, err := startWebSocketProxy(ctx, g, mqttWSPrefix, cfg, h, logger)
		if err != nil {
			return err
		}
		if ok {
			started++
		}
		if started == 0 {
			return errors.New("no proxy listener configured, set MESHGATE_MQTT_PORT")
		}
	}

	apiServer := api.New(api.Config{
		Address:         cfg.HTTPAddress,
		JWTSecret:       cfg.JWTSecret,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger.With(slog.String("component", "api")),
	}, svc, store, checker, m, reg)
	g.Go(func() error { return apiServer.Listen(ctx) })

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	engine.ServiceRestarted("service started")
	logger.Info("meshgate started",
		slog.String("mode", cfg.Mode),
		slog.Uint64("policy_version", snap.Version),
		slog.Int("users", len(snap.Policy.Users)))

	err = g.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer closeCancel()
	if cerr := svc.Close(closeCtx); cerr != nil {
		logger.Warn("gateway did not drain in time", slog.String("error", cerr.Error()))
	}
	return err
}

func startMQTTProxy(ctx context.Context, g *errgroup.Group, prefix string, sc meshgate.ServiceConfig, h handler.Handler, checker *health.Checker, logger *slog.Logger) (bool, error) {
	cfg, err := meshgate.NewConfig(env.Options{Prefix: prefix})
	if err != nil {
		return false, fmt.Errorf("%s: %w", prefix, err)
	}
	if !cfg.Enabled() {
		logger.Debug("mqtt proxy not configured", slog.String("prefix", prefix))
		return false, nil
	}

	p, err := proxy.NewMQTT(proxy.MQTTConfig{
		Host:            cfg.Host,
		Port:            cfg.Port,
		TargetHost:      cfg.TargetHost,
		TargetPort:      cfg.TargetPort,
		TLSConfig:       cfg.TLSConfig,
		MaxConnections:  sc.MaxConnections,
		TCPKeepAlive:    sc.TCPKeepAlive,
		ShutdownTimeout: sc.ShutdownTimeout,
		Logger:          logger,
	}, h)
	if err != nil {
		return false, err
	}

	target := net.JoinHostPort(cfg.TargetHost, cfg.TargetPort)
	checker.Register("upstream "+target, false, func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", target)
		if err != nil {
			return err
		}
		return conn.Close()
	})

	g.Go(func() error {
		return p.Listen(ctx)
	})
	logger.Info("mqtt proxy started", slog.String("prefix", prefix), slog.Bool("tls", cfg.TLSConfig != nil))
	return true, nil
}

func startWebSocketProxy(ctx context.Context, g *errgroup.Group, prefix string, sc meshgate.ServiceConfig, h handler.Handler, logger *slog.Logger) (bool, error) {
	cfg, err := meshgate.NewConfig(env.Options{Prefix: prefix})
	if err != nil {
		return false, fmt.Errorf("%s: %w", prefix, err)
	}
	if !cfg.Enabled() {
		logger.Debug("websocket proxy not configured", slog.String("prefix", prefix))
		return false, nil
	}

	protocol := cfg.TargetProtocol
	if protocol == "" {
		protocol = "ws"
	}
	targetURL := fmt.Sprintf("%s://%s%s", protocol, net.JoinHostPort(cfg.TargetHost, cfg.TargetPort), cfg.TargetPath)

	var checkOrigin func(*http.Request) bool
	if allowed := sc.OriginChecker(); allowed != nil {
		checkOrigin = func(r *http.Request) bool {
			return allowed(strings.TrimSpace(r.Header.Get("Origin")))
		}
	}

	p, err := proxy.NewWebSocket(proxy.WebSocketConfig{
		Host:            cfg.Host,
		Port:            cfg.Port,
		TargetURL:       targetURL,
		TLSConfig:       cfg.TLSConfig,
		CheckOrigin:     checkOrigin,
		ShutdownTimeout: sc.ShutdownTimeout,
		Logger:          logger,
	}, h)
	if err != nil {
		return false, err
	}

	g.Go(func() error {
		return p.Listen(ctx)
	})
	logger.Info("websocket proxy started", slog.String("prefix", prefix), slog.String("target", targetURL))
	return true, nil
}

func startBroker(ctx context.Context, g *errgroup.Group, cfg meshgate.ServiceConfig, svc *gateway.Service, checker *health.Checker, logger *slog.Logger) error {
	tlsCfg, err := cfg.BrokerTLS()
	if err != nil {
		return fmt.Errorf("broker tls: %w", err)
	}
	b, err := broker.New(broker.Config{
		Address:    cfg.BrokerAddress,
		TLSAddress: cfg.BrokerTLSAddress,
		TLSConfig:  tlsCfg,
		WSAddress:  cfg.BrokerWSAddress,
		Logger:     logger.With(slog.String("component", "broker")),
	}, svc)
	if err != nil {
		return err
	}

	listening := make(chan struct{})
	checker.Register("broker", true, func(context.Context) error {
		select {
		case <-listening:
			return nil
		default:
			return errors.New("broker not serving")
		}
	})

	g.Go(func() error {
		close(listening)
		return b.Listen(ctx)
	})
	return nil
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// StopSignalHandler cancels ctx on SIGINT or SIGTERM.
func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		logger.Info("shutting down", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
