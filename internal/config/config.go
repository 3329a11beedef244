package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override, e.g.
	// MOVLIQ_JOIN_BATCH_SIZE=4.
	EnvPrefix = "MOVLIQ"

	configName = "movliqbot"
	homeDir    = ".movliqbot"
)

// Viper keys. Nested keys map to MOVLIQ_<SECTION>_<NAME> env vars.
const (
	KeyAPIBaseURL           = "api.base_url"
	KeyAPITimeout           = "api.timeout"
	KeyAlreadyMemberMarker  = "api.already_member_marker"
	KeyHubURL               = "hub.url"
	KeyHubTransport         = "hub.transport"
	KeyHubInvokeTimeout     = "hub.invoke_timeout"
	KeyCredentialsPath      = "credentials.path"
	KeyLoginDelay           = "login.delay"
	KeyTokenRefreshInterval = "schedule.token_refresh_interval"
	KeyRoomCheckInterval    = "schedule.room_check_interval"
	KeyBatchSize            = "join.batch_size"
	KeyMinJoinSpacing       = "join.min_spacing"
	KeyPacingDelay          = "join.pacing_delay"
	KeyMinRoomAge           = "join.min_room_age"
	KeyDefaultCapacity      = "rooms.default_capacity"
	KeyOpenStatus           = "rooms.open_status"
	KeyTickPeriod           = "telemetry.tick_period"
	KeyWarmupDelay          = "telemetry.warmup_delay"
	KeyResubscribeOnRefresh = "telemetry.resubscribe_after_refresh"
	KeyShutdownTimeout      = "shutdown.timeout"
	KeyLogLevel             = "log.level"
)

// Transport names accepted by hub.transport.
const (
	TransportSignalR  = "signalr"
	TransportSocketIO = "socketio"
)

// Config holds every externalized knob of a run.
type Config struct {
	// APIBaseURL is the REST base URL, without a trailing slash.
	APIBaseURL string
	// APITimeout bounds each REST request.
	APITimeout time.Duration
	// AlreadyMemberMarker is the substring of a 400 join response body that
	// means the agent is already in the room.
	AlreadyMemberMarker string

	// HubURL is the persistent hub endpoint.
	HubURL string
	// HubTransport selects the wire transport (signalr|socketio).
	HubTransport string
	// HubInvokeTimeout bounds every hub invocation, including shutdown leaves.
	HubInvokeTimeout time.Duration

	// CredentialsPath points at the TOML file listing agent accounts.
	CredentialsPath string
	// LoginDelay separates consecutive login calls.
	LoginDelay time.Duration

	// TokenRefreshInterval is the period of the re-authentication loop.
	TokenRefreshInterval time.Duration
	// RoomCheckInterval is the period of the coordinator loop.
	RoomCheckInterval time.Duration

	// BatchSize caps joins per room per cycle.
	BatchSize int
	// MinJoinSpacing is the minimum gap between join attempts on one room.
	MinJoinSpacing time.Duration
	// PacingDelay is the target duration of one join attempt in a batch.
	PacingDelay time.Duration
	// MinRoomAge is the room-age gate. Zero disables it.
	MinRoomAge time.Duration

	// DefaultCapacity is used when the server omits maxParticipants.
	DefaultCapacity int
	// OpenStatus is the room status value meaning "accepting joins".
	OpenStatus int

	// TickPeriod is the telemetry generator period.
	TickPeriod time.Duration
	// WarmupDelay precedes the first telemetry tick of a room.
	WarmupDelay time.Duration
	// ResubscribeAfterRefresh re-joins held rooms when a token refresh
	// rebuilds an agent's connection.
	ResubscribeAfterRefresh bool

	// ShutdownTimeout bounds the leave-and-close of each connection.
	ShutdownTimeout time.Duration

	// LogLevel is the logger threshold name.
	LogLevel string
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyAPIBaseURL, "https://backend.movliq.com/api")
	v.SetDefault(KeyAPITimeout, 10*time.Second)
	v.SetDefault(KeyAlreadyMemberMarker, "zaten oda")
	v.SetDefault(KeyHubURL, "https://backend.movliq.com/racehub")
	v.SetDefault(KeyHubTransport, TransportSignalR)
	v.SetDefault(KeyHubInvokeTimeout, 10*time.Second)
	v.SetDefault(KeyCredentialsPath, "credentials.toml")
	v.SetDefault(KeyLoginDelay, time.Second)
	v.SetDefault(KeyTokenRefreshInterval, 30*time.Minute)
	v.SetDefault(KeyRoomCheckInterval, 5*time.Second)
	v.SetDefault(KeyBatchSize, 6)
	v.SetDefault(KeyMinJoinSpacing, 2*time.Second)
	v.SetDefault(KeyPacingDelay, 5*time.Second)
	v.SetDefault(KeyMinRoomAge, time.Duration(0))
	v.SetDefault(KeyDefaultCapacity, 6)
	v.SetDefault(KeyOpenStatus, 1)
	v.SetDefault(KeyTickPeriod, 5*time.Second)
	v.SetDefault(KeyWarmupDelay, 10*time.Second)
	v.SetDefault(KeyResubscribeOnRefresh, true)
	v.SetDefault(KeyShutdownTimeout, 10*time.Second)
	v.SetDefault(KeyLogLevel, "info")
}

// Load reads configuration from defaults, an optional config file and the
// environment, in increasing order of precedence. Flags bound to v by the
// caller take precedence over all three.
//
// If v has no explicit config file, movliqbot.{toml,yaml,json} is searched in
// the working directory and in ~/.movliqbot. A missing file is not an error.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if v.ConfigFileUsed() == "" {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, homeDir))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		APIBaseURL:              strings.TrimRight(v.GetString(KeyAPIBaseURL), "/"),
		APITimeout:              v.GetDuration(KeyAPITimeout),
		AlreadyMemberMarker:     v.GetString(KeyAlreadyMemberMarker),
		HubURL:                  strings.TrimRight(v.GetString(KeyHubURL), "/"),
		HubTransport:            strings.ToLower(strings.TrimSpace(v.GetString(KeyHubTransport))),
		HubInvokeTimeout:        v.GetDuration(KeyHubInvokeTimeout),
		CredentialsPath:         v.GetString(KeyCredentialsPath),
		LoginDelay:              v.GetDuration(KeyLoginDelay),
		TokenRefreshInterval:    v.GetDuration(KeyTokenRefreshInterval),
		RoomCheckInterval:       v.GetDuration(KeyRoomCheckInterval),
		BatchSize:               v.GetInt(KeyBatchSize),
		MinJoinSpacing:          v.GetDuration(KeyMinJoinSpacing),
		PacingDelay:             v.GetDuration(KeyPacingDelay),
		MinRoomAge:              v.GetDuration(KeyMinRoomAge),
		DefaultCapacity:         v.GetInt(KeyDefaultCapacity),
		OpenStatus:              v.GetInt(KeyOpenStatus),
		TickPeriod:              v.GetDuration(KeyTickPeriod),
		WarmupDelay:             v.GetDuration(KeyWarmupDelay),
		ResubscribeAfterRefresh: v.GetBool(KeyResubscribeOnRefresh),
		ShutdownTimeout:         v.GetDuration(KeyShutdownTimeout),
		LogLevel:                v.GetString(KeyLogLevel),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the scheduler cannot run with.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("%s is empty", KeyAPIBaseURL)
	}
	if c.HubURL == "" {
		return fmt.Errorf("%s is empty", KeyHubURL)
	}
	if c.HubTransport != TransportSignalR && c.HubTransport != TransportSocketIO {
		return fmt.Errorf("invalid %s %q (expected %s or %s)", KeyHubTransport, c.HubTransport, TransportSignalR, TransportSocketIO)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%s must be positive, got %d", KeyBatchSize, c.BatchSize)
	}
	if c.DefaultCapacity <= 0 {
		return fmt.Errorf("%s must be positive, got %d", KeyDefaultCapacity, c.DefaultCapacity)
	}

	positive := map[string]time.Duration{
		KeyAPITimeout:           c.APITimeout,
		KeyHubInvokeTimeout:     c.HubInvokeTimeout,
		KeyTokenRefreshInterval: c.TokenRefreshInterval,
		KeyRoomCheckInterval:    c.RoomCheckInterval,
		KeyTickPeriod:           c.TickPeriod,
		KeyWarmupDelay:          c.WarmupDelay,
		KeyShutdownTimeout:      c.ShutdownTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}

	nonNegative := map[string]time.Duration{
		KeyLoginDelay:     c.LoginDelay,
		KeyMinJoinSpacing: c.MinJoinSpacing,
		KeyPacingDelay:    c.PacingDelay,
		KeyMinRoomAge:     c.MinRoomAge,
	}
	for key, d := range nonNegative {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", key, d)
		}
	}
	return nil
}
