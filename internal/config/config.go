package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"

	"github.com/lminiero/webrtc-piano/internal/origin"
)

const (
	envVarListenAddr      = "WEBRTC_PIANO_LISTEN_ADDR"
	envVarAllowedOrigins  = "WEBRTC_PIANO_ALLOWED_ORIGINS"
	envVarLogFormat       = "WEBRTC_PIANO_LOG_FORMAT"
	envVarLogLevel        = "WEBRTC_PIANO_LOG_LEVEL"
	envVarShutdownTimeout = "WEBRTC_PIANO_SHUTDOWN_TIMEOUT"
	envVarMode            = "WEBRTC_PIANO_MODE"
	envVarEnvFile         = "WEBRTC_PIANO_ENV_FILE"

	// Janus gateway.
	envVarJanusURL               = "WEBRTC_PIANO_JANUS_URL"
	envVarJanusRequestTimeout    = "WEBRTC_PIANO_JANUS_REQUEST_TIMEOUT"
	envVarJanusKeepAliveInterval = "WEBRTC_PIANO_JANUS_KEEPALIVE_INTERVAL"
	envVarControllerPlugin       = "WEBRTC_PIANO_CONTROLLER_PLUGIN"
	envVarStreamingPlugin        = "WEBRTC_PIANO_STREAMING_PLUGIN"
	envVarStreamID               = "WEBRTC_PIANO_STREAM_ID"
	envVarICEGatheringTimeout    = "WEBRTC_PIANO_ICE_GATHERING_TIMEOUT"

	// Participant identity and local surface.
	envVarName                  = "WEBRTC_PIANO_NAME"
	envVarColor                 = "WEBRTC_PIANO_COLOR"
	envVarAudioOutput           = "WEBRTC_PIANO_AUDIO_OUTPUT"
	envVarKeyRange              = "WEBRTC_PIANO_KEY_RANGE"
	envVarMaxKeyEventsPerSecond = "WEBRTC_PIANO_MAX_KEY_EVENTS_PER_SECOND"

	// Ephemeral TURN credentials (coturn use-auth-secret).
	envVarTURNRESTSharedSecret   = "WEBRTC_PIANO_TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTL            = "WEBRTC_PIANO_TURN_REST_TTL"
	envVarTURNRESTUsernamePrefix = "WEBRTC_PIANO_TURN_REST_USERNAME_PREFIX"

	DefaultListenAddr                  = "127.0.0.1:8090"
	DefaultShutdown                    = 15 * time.Second
	DefaultMode                   Mode = ModeDev
	DefaultEnvFile                     = ".env"
	DefaultJanusURL                    = "ws://127.0.0.1:8188"
	DefaultJanusRequestTimeout         = 10 * time.Second
	DefaultJanusKeepAliveInterval      = 25 * time.Second
	DefaultControllerPlugin            = "janus.plugin.lua"
	DefaultStreamingPlugin             = "janus.plugin.streaming"
	DefaultStreamID                    = 2019
	DefaultICEGatherTimeout            = 2 * time.Second
	DefaultKeyRange                    = "48-83"
	DefaultMaxKeyEventsPerSecond       = 20
	DefaultTURNRESTTTL                 = time.Hour
	DefaultTURNRESTUsernamePrefix      = "webrtc-piano"

	// JanusSessionTimeout is the gateway's default session_timeout; keepalives
	// must be sent more often than this.
	JanusSessionTimeout = 60 * time.Second

	maxMIDINote = 127
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

// KeyRange is an inclusive range of MIDI note numbers.
type KeyRange struct {
	Low  int
	High int
}

func (r KeyRange) Contains(note int) bool {
	return note >= r.Low && note <= r.High
}

func (r KeyRange) String() string {
	return fmt.Sprintf("%d-%d", r.Low, r.High)
}

type Config struct {
	ListenAddr string
	// AllowedOrigins lists browser origins besides the view's own host that may
	// press keys and subscribe to events. "*" allows any.
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	JanusURL               string
	JanusRequestTimeout    time.Duration
	JanusKeepAliveInterval time.Duration
	ControllerPlugin       string
	StreamingPlugin        string
	StreamID               int
	ICEGatheringTimeout    time.Duration

	// Name and Color are announced to the other players on register.
	Name  string
	Color string

	// AudioOutput is an Ogg file the shared mix is recorded to. Empty discards
	// the audio after counting packets.
	AudioOutput string

	KeyRange              KeyRange
	MaxKeyEventsPerSecond int

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs configures pion to advertise these public IPs for ICE.
	// Values must be literal IPs (no hostnames).
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts which local interface address ICE binds UDP
	// sockets to. 0.0.0.0 means "use library default".
	WebRTCUDPListenIP net.IP

	ICEServers []webrtc.ICEServer

	// TURNREST, when enabled, mints credentials for TURN servers configured
	// without a username.
	TURNREST TURNRESTConfig

	iceConfigErr error
}

type TURNRESTConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
}

func (c TURNRESTConfig) Enabled() bool {
	return c.SharedSecret != ""
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// Load reads configuration from the process environment, an optional .env
// file, and command-line flags, in increasing order of precedence. Variables
// already set in the environment win over the file.
func Load(args []string) (Config, error) {
	lookup, err := withEnvFile(os.LookupEnv)
	if err != nil {
		return Config{}, err
	}
	return load(lookup, args)
}

func withEnvFile(lookup func(string) (string, bool)) (func(string) (string, bool), error) {
	path, explicit := lookup(envVarEnvFile)
	path = strings.TrimSpace(path)
	if path == "" {
		path, explicit = DefaultEnvFile, false
	}
	fileVals, err := godotenv.Read(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return lookup, nil
		}
		return nil, fmt.Errorf("%s %q: %w", envVarEnvFile, path, err)
	}
	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := fileVals[key]
		return v, ok
	}, nil
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	janusURL := envOrDefault(lookup, envVarJanusURL, DefaultJanusURL)
	controllerPlugin := envOrDefault(lookup, envVarControllerPlugin, DefaultControllerPlugin)
	streamingPlugin := envOrDefault(lookup, envVarStreamingPlugin, DefaultStreamingPlugin)
	name := envOrDefault(lookup, envVarName, "")
	color := envOrDefault(lookup, envVarColor, "")
	audioOutput := envOrDefault(lookup, envVarAudioOutput, "")
	keyRangeStr := envOrDefault(lookup, envVarKeyRange, DefaultKeyRange)
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	streamID, err := envIntOrDefault(lookup, envVarStreamID, DefaultStreamID)
	if err != nil {
		return Config{}, err
	}
	maxKeyEventsPerSecond, err := envIntOrDefault(lookup, envVarMaxKeyEventsPerSecond, DefaultMaxKeyEventsPerSecond)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	janusRequestTimeout, err := envDurationOrDefault(lookup, envVarJanusRequestTimeout, DefaultJanusRequestTimeout)
	if err != nil {
		return Config{}, err
	}
	janusKeepAliveInterval, err := envDurationOrDefault(lookup, envVarJanusKeepAliveInterval, DefaultJanusKeepAliveInterval)
	if err != nil {
		return Config{}, err
	}
	turnRESTTTL, err := envDurationOrDefault(lookup, envVarTURNRESTTTL, DefaultTURNRESTTTL)
	if err != nil {
		return Config{}, err
	}
	iceGatherTimeout, err := envDurationOrDefault(lookup, envVarICEGatheringTimeout, DefaultICEGatherTimeout)
	if err != nil {
		return Config{}, err
	}

	network := networkFlagsFromEnv(lookup)

	fs := flag.NewFlagSet("webrtc-piano", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address for the local view (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated browser origins allowed besides the view's own (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&janusURL, "janus-url", janusURL, "Janus WebSocket API URL (env "+envVarJanusURL+")")
	fs.DurationVar(&janusRequestTimeout, "janus-request-timeout", janusRequestTimeout, "Timeout for each Janus API request (env "+envVarJanusRequestTimeout+")")
	fs.DurationVar(&janusKeepAliveInterval, "janus-keepalive-interval", janusKeepAliveInterval, "Janus session keepalive interval (env "+envVarJanusKeepAliveInterval+")")
	fs.StringVar(&controllerPlugin, "controller-plugin", controllerPlugin, "Janus plugin relaying control messages (env "+envVarControllerPlugin+")")
	fs.StringVar(&streamingPlugin, "streaming-plugin", streamingPlugin, "Janus plugin serving the mixed audio (env "+envVarStreamingPlugin+")")
	fs.IntVar(&streamID, "stream-id", streamID, "Streaming mountpoint id to watch (env "+envVarStreamID+")")
	fs.DurationVar(&iceGatherTimeout, "ice-gather-timeout", iceGatherTimeout, "Max time to wait for ICE gathering before sending an answer (env "+envVarICEGatheringTimeout+")")

	fs.StringVar(&name, "name", name, "Display name announced to other players (env "+envVarName+")")
	fs.StringVar(&color, "color", color, "Key highlight color, any CSS color (env "+envVarColor+")")
	fs.StringVar(&audioOutput, "audio-output", audioOutput, "Record the shared audio to this Ogg file (empty = discard; env "+envVarAudioOutput+")")
	fs.StringVar(&keyRangeStr, "key-range", keyRangeStr, "Playable MIDI notes as low-high (env "+envVarKeyRange+")")
	fs.IntVar(&maxKeyEventsPerSecond, "max-key-events-per-second", maxKeyEventsPerSecond, "Max key presses per second accepted from the view (0 = unlimited; env "+envVarMaxKeyEventsPerSecond+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "Shared secret for ephemeral TURN credentials ("+envVarTURNRESTSharedSecret+")")
	fs.DurationVar(&turnRESTTTL, "turn-rest-ttl", turnRESTTTL, "Lifetime of ephemeral TURN credentials ("+envVarTURNRESTTTL+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "Username prefix for ephemeral TURN credentials ("+envVarTURNRESTUsernamePrefix+")")

	network.register(fs)

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

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
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

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if janusRequestTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--janus-request-timeout must be > 0", envVarJanusRequestTimeout)
	}
	if janusKeepAliveInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--janus-keepalive-interval must be > 0", envVarJanusKeepAliveInterval)
	}
	if iceGatherTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ice-gather-timeout must be > 0", envVarICEGatheringTimeout)
	}
	if streamID <= 0 {
		return Config{}, fmt.Errorf("%s/--stream-id must be > 0", envVarStreamID)
	}
	if maxKeyEventsPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/--max-key-events-per-second must be >= 0 (0 = unlimited)", envVarMaxKeyEventsPerSecond)
	}
	turnRESTSharedSecret = strings.TrimSpace(turnRESTSharedSecret)
	turnRESTUsernamePrefix = strings.TrimSpace(turnRESTUsernamePrefix)
	if turnRESTSharedSecret != "" {
		if turnRESTTTL <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTL, envVarTURNRESTSharedSecret)
		}
		if turnRESTUsernamePrefix == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", envVarTURNRESTUsernamePrefix, envVarTURNRESTSharedSecret)
		}
		if strings.Contains(turnRESTUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}
	if strings.TrimSpace(controllerPlugin) == "" || strings.TrimSpace(streamingPlugin) == "" {
		return Config{}, fmt.Errorf("%s and %s must not be empty", envVarControllerPlugin, envVarStreamingPlugin)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return Config{}, fmt.Errorf("%s/--name is required", envVarName)
	}
	color = strings.TrimSpace(color)
	if color == "" {
		return Config{}, fmt.Errorf("%s/--color is required", envVarColor)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	janusURL, err = parseJanusURL(janusURL)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--janus-url: %w", envVarJanusURL, err)
	}

	keyRange, err := parseKeyRange(keyRangeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--key-range %q: %w", envVarKeyRange, keyRangeStr, err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		JanusURL:               janusURL,
		JanusRequestTimeout:    janusRequestTimeout,
		JanusKeepAliveInterval: janusKeepAliveInterval,
		ControllerPlugin:       strings.TrimSpace(controllerPlugin),
		StreamingPlugin:        strings.TrimSpace(streamingPlugin),
		StreamID:               streamID,
		ICEGatheringTimeout:    iceGatherTimeout,

		Name:        name,
		Color:       color,
		AudioOutput: strings.TrimSpace(audioOutput),

		KeyRange:              keyRange,
		MaxKeyEventsPerSecond: maxKeyEventsPerSecond,

		TURNREST: TURNRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTL:            turnRESTTTL,
			UsernamePrefix: turnRESTUsernamePrefix,
		},
	}

	if err := network.resolve(&cfg); err != nil {
		return Config{}, err
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, cfg.TURNREST.Enabled())
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
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

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.Normalize(entry)
		if !ok || normalized == "null" {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like http://localhost:5173)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

func parseJanusURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", fmt.Errorf("%q: expected ws:// or wss://", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%q: missing host", raw)
	}
	return raw, nil
}

func parseKeyRange(raw string) (KeyRange, error) {
	lowStr, highStr, ok := strings.Cut(strings.TrimSpace(raw), "-")
	if !ok {
		return KeyRange{}, fmt.Errorf("expected low-high")
	}
	low, err := strconv.Atoi(strings.TrimSpace(lowStr))
	if err != nil {
		return KeyRange{}, fmt.Errorf("low note: %w", err)
	}
	high, err := strconv.Atoi(strings.TrimSpace(highStr))
	if err != nil {
		return KeyRange{}, fmt.Errorf("high note: %w", err)
	}
	if low < 0 || high > maxMIDINote {
		return KeyRange{}, fmt.Errorf("notes must be within 0-%d", maxMIDINote)
	}
	if low > high {
		return KeyRange{}, fmt.Errorf("low (%d) must be <= high (%d)", low, high)
	}
	return KeyRange{Low: low, High: high}, nil
}
