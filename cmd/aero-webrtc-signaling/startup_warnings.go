package main

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/rooms"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, origin.Wildcard) {
		logger.Warn("startup security warning: CORS_ORIGIN contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && containsString(cfg.AllowedOrigins, config.DefaultCORSOrigin) {
		logger.Warn("startup security warning: CORS_ORIGIN still allows the local dev origin while --mode=prod",
			"warning_code", "dev_origin_in_prod",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is 0 (unlimited) while --mode=prod",
			"warning_code", "signaling_rate_unlimited_in_prod",
			"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	// Peer ids are client-chosen, so replace lets any client evict another
	// from a room it knows the id of.
	if cfg.DuplicatePeerPolicy == rooms.DuplicateReplace {
		logger.Warn("startup security warning: DUPLICATE_PEER_POLICY=replace lets a client displace an existing peer by reusing its id",
			"warning_code", "duplicate_peer_policy_replace",
			"duplicate_peer_policy", cfg.DuplicatePeerPolicy,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.EventsAMQPURL != "" && !strings.HasPrefix(strings.ToLower(cfg.EventsAMQPURL), "amqps://") && cfg.Mode == config.ModeProd {
		logger.Warn("startup security warning: EVENTS_AMQP_URL is not amqps:// while --mode=prod (room events sent in cleartext)",
			"warning_code", "events_amqp_plaintext_in_prod",
			"events_amqp_host", safeURLHost(cfg.EventsAMQPURL),
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}

// safeURLHost returns only the host of raw so credentials never reach logs.
func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
