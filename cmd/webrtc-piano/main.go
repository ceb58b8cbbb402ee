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

	"github.com/pion/webrtc/v4"

	"github.com/lminiero/webrtc-piano/internal/audiosink"
	"github.com/lminiero/webrtc-piano/internal/config"
	"github.com/lminiero/webrtc-piano/internal/control"
	"github.com/lminiero/webrtc-piano/internal/httpserver"
	"github.com/lminiero/webrtc-piano/internal/janus"
	"github.com/lminiero/webrtc-piano/internal/metrics"
	"github.com/lminiero/webrtc-piano/internal/overlay"
	"github.com/lminiero/webrtc-piano/internal/piano"
	"github.com/lminiero/webrtc-piano/internal/ratelimit"
	"github.com/lminiero/webrtc-piano/internal/roster"
	"github.com/lminiero/webrtc-piano/internal/turnrest"
	"github.com/lminiero/webrtc-piano/internal/view"
	"github.com/lminiero/webrtc-piano/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	slog.SetDefault(logger)

	// Built up front so bad network settings fail before we touch the gateway.
	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		return 2
	}

	logger.Info("starting webrtc-piano",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"janus_url", cfg.JanusURL,
		"controller_plugin", cfg.ControllerPlugin,
		"streaming_plugin", cfg.StreamingPlugin,
		"stream_id", cfg.StreamID,
		"name", cfg.Name,
		"key_range", cfg.KeyRange.String(),
		"audio_output", cfg.AudioOutput,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", cfg.TURNREST.Enabled(),
	)
	logStartupWarnings(logger, cfg)

	var turn *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turn, err = turnrest.NewGenerator(cfg.TURNREST, nil)
		if err != nil {
			logger.Error("failed to configure turn credentials", "err", err)
			return 2
		}
	}

	app := newApp(cfg, api, turn, logger)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		return 1
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	if err := app.session.Start(ctx); err != nil {
		logger.Error("failed to join piano session", "err", err)
		exitCode = 1
	} else {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server exited", "err", err)
				exitCode = 1
			}
			app.close()
			return exitCode
		case <-app.session.Done():
			logger.Error("piano session ended", "err", app.session.Err())
			exitCode = 1
		case <-ctx.Done():
			logger.Info("shutdown signal received")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Subscribers hold hijacked connections Shutdown does not wait for.
	app.hub.Close()
	if err := app.srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	app.close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		exitCode = 1
	}
	return exitCode
}

type app struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	hub     *view.Hub
	roster  *roster.Roster
	channel *control.Channel
	sink    *audiosink.Sink
	session *piano.Session
	srv     *httpserver.Server
}

func newApp(cfg config.Config, api *webrtc.API, turn *turnrest.Generator, logger *slog.Logger) *app {
	m := metrics.New()
	hub := view.NewHub(view.HubConfig{Logger: logger.With("component", "view"), Metrics: m})
	kb := view.NewKeyboard(cfg.KeyRange, hub)
	players := roster.New(kb)
	renderer := overlay.NewRenderer(kb)

	channel := control.NewChannel(control.Config{
		Renderer: renderer,
		Roster:   players,
		Alerts:   kb,
		Metrics:  m,
		Logger:   logger.With("component", "control"),
	})
	sink := audiosink.New(audiosink.Config{
		Output:  cfg.AudioOutput,
		Logger:  logger.With("component", "audio"),
		Metrics: m,
	})

	session := piano.New(piano.Config{
		Janus: janus.Options{
			URL:               cfg.JanusURL,
			RequestTimeout:    cfg.JanusRequestTimeout,
			KeepAliveInterval: cfg.JanusKeepAliveInterval,
			Logger:            logger.With("component", "janus"),
			Metrics:           m,
		},
		API:              api,
		ICEServers:       cfg.ICEServers,
		GatherTimeout:    cfg.ICEGatheringTimeout,
		TURN:             turn,
		ControllerPlugin: cfg.ControllerPlugin,
		StreamingPlugin:  cfg.StreamingPlugin,
		StreamID:         cfg.StreamID,
		Name:             cfg.Name,
		Color:            cfg.Color,
		Channel:          channel,
		Sink:             sink,
		Alerts:           kb,
		Logger:           logger.With("component", "piano"),
		Metrics:          m,
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Options{
		Ready:   session.Ready,
		Metrics: m,
		Gauges: []metrics.Gauge{
			{Name: "players", Value: func() float64 { return float64(players.Len()) }},
			{Name: "held_keys", Value: func() float64 { return float64(len(channel.Held())) }},
			{Name: "view_subscribers", Value: func() float64 { return float64(hub.Subscribers()) }},
			{Name: "audio_packets", Value: func() float64 { return float64(sink.Packets()) }},
		},
	})

	var limiter *ratelimit.TokenBucket
	if cfg.MaxKeyEventsPerSecond > 0 {
		rate := int64(cfg.MaxKeyEventsPerSecond)
		limiter = ratelimit.NewTokenBucket(ratelimit.RealClock{}, rate, rate)
	}
	view.New(view.Config{
		Keyboard:       kb,
		Hub:            hub,
		Player:         channel,
		Audio:          sink,
		Name:           cfg.Name,
		Color:          cfg.Color,
		Limiter:        limiter,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger.With("component", "view"),
		Metrics:        m,
	}).Register(srv.Mux())

	return &app{
		log:     logger,
		metrics: m,
		hub:     hub,
		roster:  players,
		channel: channel,
		sink:    sink,
		session: session,
		srv:     srv,
	}
}

func (a *app) close() {
	if err := a.session.Close(); err != nil {
		a.log.Warn("piano session close", "err", err)
	}
	a.hub.Close()
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the VCS stamp from
	// `go build`.
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
