package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/rooms"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/signaling"
)

const (
	envVarConfigFile      = "SIGNALING_CONFIG_FILE"
	envVarPort            = "PORT"
	envVarListenAddr      = "SIGNALING_LISTEN_ADDR"
	envVarCORSOrigin      = "CORS_ORIGIN"
	envVarMode            = "SIGNALING_MODE"
	envVarLogFormat       = "SIGNALING_LOG_FORMAT"
	envVarLogLevel        = "SIGNALING_LOG_LEVEL"
	envVarShutdownTimeout = "SIGNALING_SHUTDOWN_TIMEOUT"

	// Room registry.
	envVarMaxPeersPerRoom     = "MAX_PEERS_PER_ROOM"
	envVarRoomTimeoutMS       = "ROOM_TIMEOUT_MS"
	envVarRoomSweepInterval   = "ROOM_SWEEP_INTERVAL"
	envVarDuplicatePeerPolicy = "DUPLICATE_PEER_POLICY"

	// Signaling WebSocket hardening.
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarMaxRateViolations             = "MAX_RATE_VIOLATIONS"
	envVarSignalingSendQueue            = "SIGNALING_SEND_QUEUE"

	// Room event feed.
	envVarEventsAMQPURL      = "EVENTS_AMQP_URL"
	envVarEventsAMQPExchange = "EVENTS_AMQP_EXCHANGE"

	DefaultListenAddr         = ":3001"
	DefaultCORSOrigin         = "http://localhost:5173"
	DefaultShutdown           = 15 * time.Second
	DefaultMode               = ModeDev
	DefaultRoomTimeoutMS      = int64(time.Hour / time.Millisecond)
	DefaultRoomSweepInterval  = rooms.DefaultSweepInterval
	DefaultEventsAMQPExchange = "aero.signaling.rooms"

	DefaultSignalingWSIdleTimeout        = signaling.DefaultIdleTimeout
	DefaultSignalingWSPingInterval       = signaling.DefaultPingInterval
	DefaultMaxSignalingMessageBytes      = int64(signaling.DefaultMaxMessageBytes)
	DefaultMaxSignalingMessagesPerSecond = signaling.DefaultMessagesPerSecond
	DefaultMaxRateViolations             = signaling.DefaultMaxRateViolations
	DefaultSignalingSendQueue            = signaling.DefaultSendQueue
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr string
	// AllowedOrigins holds normalized origins or origin.Wildcard. Empty means
	// same-host only.
	AllowedOrigins []string

	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	MaxPeersPerRoom     int
	RoomTTL             time.Duration
	RoomSweepInterval   time.Duration
	DuplicatePeerPolicy rooms.DuplicatePolicy

	SignalingWSIdleTimeout   time.Duration
	SignalingWSPingInterval  time.Duration
	MaxSignalingMessageBytes int64
	// MaxSignalingMessagesPerSecond is the per-connection inbound rate. 0
	// disables rate limiting.
	MaxSignalingMessagesPerSecond int
	MaxRateViolations             int
	SignalingSendQueue            int

	// EventsAMQPURL enables the AMQP room event feed when non-empty.
	EventsAMQPURL      string
	EventsAMQPExchange string

	// ConfigFile is the YAML file the settings were layered on, if any.
	ConfigFile string
}

// Load resolves configuration from defaults, an optional YAML file, the
// environment and command-line flags, in increasing order of precedence.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	configFile := envOrDefault(lookup, envVarConfigFile, "")
	if path, ok := configFlagValue(args); ok {
		configFile = path
	}

	file := fileConfig{}
	if configFile != "" {
		f, err := readFileConfig(configFile, lookup)
		if err != nil {
			return Config{}, err
		}
		file = f
	}

	envMode, _ := lookup(envVarMode)
	modeDefault := firstNonEmpty(envMode, file.Mode, string(DefaultMode))

	logFormatDefault := firstNonEmpty(envValue(lookup, envVarLogFormat), file.LogFormat)
	logFormatSet := logFormatDefault != ""
	if !logFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	logLevelDefault := firstNonEmpty(envValue(lookup, envVarLogLevel), file.LogLevel)
	logLevelSet := logLevelDefault != ""
	if !logLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := firstNonEmpty(file.ListenAddr, DefaultListenAddr)
	if port := envValue(lookup, envVarPort); port != "" {
		listenAddr = ":" + port
	}
	listenAddr = envOrDefault(lookup, envVarListenAddr, listenAddr)

	corsDefault := DefaultCORSOrigin
	if file.CORSOrigin != nil {
		corsDefault = *file.CORSOrigin
	}
	corsOrigin := corsDefault
	if v, ok := lookup(envVarCORSOrigin); ok {
		corsOrigin = v
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, durationOr(file.ShutdownTimeout, DefaultShutdown))
	if err != nil {
		return Config{}, err
	}

	maxPeersPerRoom, err := envIntOrDefault(lookup, envVarMaxPeersPerRoom, intOr(file.Rooms.MaxPeers, rooms.DefaultMaxPeersPerRoom))
	if err != nil {
		return Config{}, err
	}
	roomTimeoutMS, err := envInt64OrDefault(lookup, envVarRoomTimeoutMS, int64Or(file.Rooms.TimeoutMS, DefaultRoomTimeoutMS))
	if err != nil {
		return Config{}, err
	}
	roomSweepInterval, err := envDurationOrDefault(lookup, envVarRoomSweepInterval, durationOr(file.Rooms.SweepInterval, DefaultRoomSweepInterval))
	if err != nil {
		return Config{}, err
	}
	duplicatePolicyStr := envOrDefault(lookup, envVarDuplicatePeerPolicy, firstNonEmpty(file.Rooms.DuplicatePeerPolicy, string(rooms.DuplicateReject)))

	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, durationOr(file.Signaling.IdleTimeout, DefaultSignalingWSIdleTimeout))
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, durationOr(file.Signaling.PingInterval, DefaultSignalingWSPingInterval))
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes, err := envInt64OrDefault(lookup, envVarMaxSignalingMessageBytes, int64Or(file.Signaling.MaxMessageBytes, DefaultMaxSignalingMessageBytes))
	if err != nil {
		return Config{}, err
	}
	messagesPerSecondDefault := DefaultMaxSignalingMessagesPerSecond
	if file.Signaling.MessagesPerSecond != nil {
		messagesPerSecondDefault = *file.Signaling.MessagesPerSecond
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, messagesPerSecondDefault)
	if err != nil {
		return Config{}, err
	}
	maxRateViolations, err := envIntOrDefault(lookup, envVarMaxRateViolations, intOr(file.Signaling.MaxRateViolations, DefaultMaxRateViolations))
	if err != nil {
		return Config{}, err
	}
	signalingSendQueue, err := envIntOrDefault(lookup, envVarSignalingSendQueue, intOr(file.Signaling.SendQueue, DefaultSignalingSendQueue))
	if err != nil {
		return Config{}, err
	}

	eventsAMQPURL := envOrDefault(lookup, envVarEventsAMQPURL, file.Events.AMQPURL)
	eventsAMQPExchange := envOrDefault(lookup, envVarEventsAMQPExchange, firstNonEmpty(file.Events.Exchange, DefaultEventsAMQPExchange))

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs := flag.NewFlagSet("aero-webrtc-signaling", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&configFile, "config", configFile, "Optional YAML config file (env "+envVarConfigFile+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+" or "+envVarPort+")")
	fs.StringVar(&corsOrigin, "cors-origin", corsOrigin, "Comma-separated list of allowed browser origins, or * (env "+envVarCORSOrigin+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.IntVar(&maxPeersPerRoom, "max-peers-per-room", maxPeersPerRoom, "Maximum peers per room (env "+envVarMaxPeersPerRoom+")")
	fs.Int64Var(&roomTimeoutMS, "room-timeout-ms", roomTimeoutMS, "Remove rooms this many milliseconds after creation (env "+envVarRoomTimeoutMS+")")
	fs.DurationVar(&roomSweepInterval, "room-sweep-interval", roomSweepInterval, "Interval between expired-room sweeps (env "+envVarRoomSweepInterval+")")
	fs.StringVar(&duplicatePolicyStr, "duplicate-peer-policy", duplicatePolicyStr, "Joining with a peer id already in the room: reject or replace (env "+envVarDuplicatePeerPolicy+")")

	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second per connection (0 = unlimited; env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&maxRateViolations, "max-rate-violations", maxRateViolations, "Close a connection after this many consecutive rate-limited messages (env "+envVarMaxRateViolations+")")
	fs.IntVar(&signalingSendQueue, "signaling-send-queue", signalingSendQueue, "Outbound frames buffered per connection before dropping (env "+envVarSignalingSendQueue+")")

	fs.StringVar(&eventsAMQPURL, "events-amqp-url", eventsAMQPURL, "AMQP URL for the room event feed (empty = disabled; env "+envVarEventsAMQPURL+")")
	fs.StringVar(&eventsAMQPExchange, "events-amqp-exchange", eventsAMQPExchange, "AMQP topic exchange for room events (env "+envVarEventsAMQPExchange+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !logFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !logLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(corsOrigin)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", envVarCORSOrigin, corsOrigin, err)
	}

	duplicatePolicy, err := rooms.ParseDuplicatePolicy(duplicatePolicyStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVarDuplicatePeerPolicy, err)
	}

	if strings.TrimSpace(listenAddr) == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if maxPeersPerRoom <= 0 {
		return Config{}, fmt.Errorf("invalid %s %d (must be > 0)", envVarMaxPeersPerRoom, maxPeersPerRoom)
	}
	if roomTimeoutMS <= 0 {
		return Config{}, fmt.Errorf("invalid %s %d (must be > 0)", envVarRoomTimeoutMS, roomTimeoutMS)
	}
	if roomSweepInterval <= 0 {
		return Config{}, fmt.Errorf("invalid %s %s (must be > 0)", envVarRoomSweepInterval, roomSweepInterval)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("invalid %s %s (must be > 0)", envVarSignalingWSIdleTimeout, signalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 || signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("invalid %s %s (must be > 0 and < %s)", envVarSignalingWSPingInterval, signalingWSPingInterval, signalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("invalid %s %d (must be > 0)", envVarMaxSignalingMessageBytes, maxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("invalid %s %d (must be >= 0)", envVarMaxSignalingMessagesPerSecond, maxSignalingMessagesPerSecond)
	}
	if maxRateViolations <= 0 {
		return Config{}, fmt.Errorf("invalid %s %d (must be > 0)", envVarMaxRateViolations, maxRateViolations)
	}
	if signalingSendQueue <= 0 {
		return Config{}, fmt.Errorf("invalid %s %d (must be > 0)", envVarSignalingSendQueue, signalingSendQueue)
	}
	if eventsAMQPURL != "" && strings.TrimSpace(eventsAMQPExchange) == "" {
		return Config{}, fmt.Errorf("%s must not be empty when %s is set", envVarEventsAMQPExchange, envVarEventsAMQPURL)
	}

	return Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		MaxPeersPerRoom:     maxPeersPerRoom,
		RoomTTL:             time.Duration(roomTimeoutMS) * time.Millisecond,
		RoomSweepInterval:   roomSweepInterval,
		DuplicatePeerPolicy: duplicatePolicy,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		MaxRateViolations:             maxRateViolations,
		SignalingSendQueue:            signalingSendQueue,

		EventsAMQPURL:      eventsAMQPURL,
		EventsAMQPExchange: eventsAMQPExchange,

		ConfigFile: configFile,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// configFlagValue finds --config in args ahead of full flag parsing, since the
// file supplies the other flags' defaults.
func configFlagValue(args []string) (string, bool) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return "", false
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg || len(arg)-len(name) > 2 {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v, true
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

func envValue(lookup func(string) (string, bool), key string) string {
	v, _ := lookup(key)
	return strings.TrimSpace(v)
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func intOr(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func int64Or(v, fallback int64) int64 {
	if v != 0 {
		return v
	}
	return fallback
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v != 0 {
		return v
	}
	return fallback
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

// parseAllowedOrigins splits a comma-separated origin list, normalizing each
// entry. "*" is kept as a wildcard.
func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == origin.Wildcard {
			out = append(out, entry)
			continue
		}

		normalized, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}
