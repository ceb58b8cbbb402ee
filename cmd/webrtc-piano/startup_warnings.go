package main

import (
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/lminiero/webrtc-piano/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if !isLoopbackAddr(cfg.ListenAddr) {
		logger.Warn("startup warning: the view listens beyond loopback; anyone who can reach it can play as this participant",
			"warning_code", "listen_addr_not_loopback",
			"listen_addr", cfg.ListenAddr,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup warning: ALLOWED_ORIGINS contains '*' (any web page can press keys)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.JanusKeepAliveInterval >= config.JanusSessionTimeout {
		logger.Warn("startup warning: Janus keepalive interval is not below the gateway's default session timeout; the session may expire",
			"warning_code", "janus_keepalive_too_slow",
			"janus_keepalive_interval", cfg.JanusKeepAliveInterval,
			"janus_session_timeout", config.JanusSessionTimeout,
		)
	}

	if u, err := url.Parse(cfg.JanusURL); err == nil && u.Scheme == "ws" && !isLoopbackHost(u.Hostname()) {
		logger.Warn("startup warning: Janus URL is unencrypted ws:// to a remote host",
			"warning_code", "janus_url_plaintext",
			"janus_host", u.Host,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxKeyEventsPerSecond <= 0 {
		logger.Warn("startup warning: MAX_KEY_EVENTS_PER_SECOND is 0 (unlimited) while --mode=prod",
			"warning_code", "key_rate_unlimited_in_prod",
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /readyz will report not ready",
			"warning_code", "ice_config_invalid",
			"err", err,
		)
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	return isLoopbackHost(host)
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
