package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/events"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/rooms"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-signaling",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"config_file", cfg.ConfigFile,
		"allowed_origins", cfg.AllowedOrigins,
		"max_peers_per_room", cfg.MaxPeersPerRoom,
		"room_ttl", cfg.RoomTTL,
		"room_sweep_interval", cfg.RoomSweepInterval,
		"duplicate_peer_policy", cfg.DuplicatePeerPolicy,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"events_amqp_enabled", cfg.EventsAMQPURL != "",
	)

	logStartupSecurityWarnings(logger, cfg)

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	a, err := newApp(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	if err != nil {
		logger.Error("failed to start", "err", err)
		os.Exit(2)
	}
	defer a.close()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.run(ctx, ln); err != nil {
		logger.Error("server exited", "err", err)
		a.close()
		os.Exit(1)
	}
}

// app holds the wired service: one registry shared by the signaling endpoint,
// the expiry sweep and the HTTP stats routes.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	events  events.Publisher
	rooms   *rooms.Registry
	sig     *signaling.Server
	http    *httpserver.Server

	closeEvents func() error
}

func newApp(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) (*app, error) {
	m := metrics.New()

	a := &app{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		events:  events.Nop{},
	}

	if cfg.EventsAMQPURL != "" {
		pub, err := events.DialAMQP(events.AMQPConfig{
			URL:      cfg.EventsAMQPURL,
			Exchange: cfg.EventsAMQPExchange,
			Logger:   logger,
			Metrics:  m,
		})
		if err != nil {
			return nil, fmt.Errorf("room event feed: %w", err)
		}
		a.events = pub
		a.closeEvents = pub.Close
	}

	a.rooms = rooms.New(rooms.Config{
		MaxPeersPerRoom: cfg.MaxPeersPerRoom,
		RoomTTL:         cfg.RoomTTL,
		DuplicatePolicy: cfg.DuplicatePeerPolicy,
		Logger:          logger,
		Metrics:         m,
		Events:          a.events,
	})
	m.SetGauge(metrics.GaugeRooms, func() float64 { return float64(a.rooms.RoomCount()) })
	m.SetGauge(metrics.GaugePeers, func() float64 { return float64(a.rooms.TotalPeers()) })

	a.http = httpserver.New(cfg, logger, build,
		httpserver.WithMetrics(m),
		httpserver.WithStats(a.stats),
	)

	messagesPerSecond := cfg.MaxSignalingMessagesPerSecond
	if messagesPerSecond == 0 {
		// 0 means unlimited in config; the signaling server treats 0 as
		// "use the default" and negative as disabled.
		messagesPerSecond = -1
	}
	a.sig = signaling.NewServer(signaling.Config{
		Rooms:             a.rooms,
		Logger:            logger,
		Metrics:           m,
		CheckOrigin:       a.http.CheckOrigin,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: messagesPerSecond,
		MaxRateViolations: cfg.MaxRateViolations,
		SendQueue:         cfg.SignalingSendQueue,
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
		PingInterval:      cfg.SignalingWSPingInterval,
	})
	a.sig.RegisterRoutes(a.http.Mux())

	return a, nil
}

func (a *app) stats() httpserver.Stats {
	return httpserver.Stats{
		Connections: a.sig.ConnectionCount(),
		Rooms:       a.rooms.RoomCount(),
	}
}

// run serves HTTP on ln and sweeps expired rooms until ctx is cancelled or the
// server fails, then shuts down within the configured timeout.
func (a *app) run(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.rooms.Run(gctx, a.cfg.RoomSweepInterval)
		return nil
	})

	g.Go(func() error {
		err := a.http.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			a.log.Info("shutdown signal received")
		}

		timeout := a.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = config.DefaultShutdown
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		err := a.http.Shutdown(shutdownCtx)
		// Hijacked WebSocket connections are not tracked by http.Server.
		a.sig.Close()
		if err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func (a *app) close() {
	if a.closeEvents == nil {
		return
	}
	if err := a.closeEvents(); err != nil {
		a.log.Warn("failed to close room event feed", "err", err)
	}
	a.closeEvents = nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
