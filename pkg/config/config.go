package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Configuration is the full bridge configuration, loaded from a YAML file
// with MESHBRIDGE_* environment overrides.
type Configuration struct {
	ListenAddr string
	Database   struct {
		Path string
	}
	Device     DeviceSettings
	Scheduler  SchedulerSettings
	Automation AutomationSettings
	Notify     NotifySettings
}

// DeviceSettings describes the radio the bridge connects to.
type DeviceSettings struct {
	Address string
	Port    int
	// StaleTimeout marks the connection unresponsive when no frame has
	// arrived within this window.
	StaleTimeout time.Duration
	// ReconnectDelay is the base delay for auto-reconnect backoff.
	ReconnectDelay time.Duration
}

// SchedulerSettings governs the periodic jobs. A zero interval disables
// the job; AnnounceInterval and AnnounceCron are mutually exclusive.
type SchedulerSettings struct {
	TracerouteInterval time.Duration
	StatsInterval      time.Duration
	AnnounceInterval   time.Duration
	AnnounceCron       string
	AnnounceMessage    string
	AnnounceChannel    int
	AnnounceOnStart    bool
}

// AutomationSettings configures the auto-responder, auto-acknowledge and
// auto-welcome behavior.
type AutomationSettings struct {
	Triggers []TriggerDef `mapstructure:"triggers"`
	// ScriptDir restricts script responses to programs under this directory.
	ScriptDir string `mapstructure:"script_dir"`
	// RequireIdentity skips automated replies to nodes that have not yet
	// sent full identity information.
	RequireIdentity bool `mapstructure:"require_identity"`

	AutoAck     AutoAckSettings     `mapstructure:"auto_ack"`
	AutoWelcome AutoWelcomeSettings `mapstructure:"auto_welcome"`
}

// TriggerDef is one automation trigger: an ordered list of patterns and a
// response. The first trigger whose pattern matches wins.
type TriggerDef struct {
	// Patterns are templates with {name} / {name:regex} placeholders.
	Patterns []string `mapstructure:"patterns"`
	// Channel scopes the trigger: "dm" or a channel index "0".."7".
	Channel string `mapstructure:"channel"`
	// Kind is one of "text", "http" or "script".
	Kind string `mapstructure:"kind"`
	// Response is the static text, URL or script name depending on Kind.
	Response string `mapstructure:"response"`
	// Multiline splits over-length responses instead of truncating.
	Multiline bool `mapstructure:"multiline"`
	// VerifyResponse requests ack verification on the (first) reply.
	VerifyResponse bool `mapstructure:"verify_response"`
}

// AutoAckSettings configures the auto-acknowledge mechanism.
type AutoAckSettings struct {
	Enabled bool `mapstructure:"enabled"`
	// Pattern overrides the default "^(test|ping)" regex.
	Pattern string `mapstructure:"pattern"`
	// Channels lists enabled channel indices; DM enables direct messages.
	Channels []int `mapstructure:"channels"`
	DM       bool  `mapstructure:"dm"`
	// SendTapback sends a hop-count emoji reaction.
	SendTapback bool `mapstructure:"send_tapback"`
	// Reply is an optional templated text reply ({TOKEN} substitution).
	Reply string `mapstructure:"reply"`
}

// AutoWelcomeSettings configures the once-per-node welcome message.
type AutoWelcomeSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Message string `mapstructure:"message"`
	Channel int    `mapstructure:"channel"`
	// WaitForName delays the welcome until the node has a non-default name.
	WaitForName bool `mapstructure:"wait_for_name"`
	// MaxHops limits welcomes to nearby nodes.
	MaxHops int `mapstructure:"max_hops"`
}

// NotifySettings configures the outbound notification broadcaster.
type NotifySettings struct {
	MQTT struct {
		Enabled  bool
		Broker   string
		Username string
		Password string
		Topic    string
	}
}

// Load reads the configuration file and environment overrides.
func Load(path string) (*Configuration, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MESHBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listenaddr", ":8080")
	v.SetDefault("database.path", "data/meshbridge.db")
	v.SetDefault("device.port", 4403)
	v.SetDefault("device.staletimeout", 5*time.Minute)
	v.SetDefault("device.reconnectdelay", 5*time.Second)
	v.SetDefault("automation.require_identity", true)
	v.SetDefault("automation.auto_welcome.max_hops", 3)
	v.SetDefault("notify.mqtt.topic", "meshbridge/events")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Scheduler.AnnounceInterval > 0 && cfg.Scheduler.AnnounceCron != "" {
		return nil, fmt.Errorf("announce interval and cron expression are mutually exclusive")
	}
	if cfg.Device.Address == "" {
		return nil, fmt.Errorf("device.address is required")
	}

	return &cfg, nil
}
