// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Device() DeviceConfig
	Capture() CaptureConfig
	Perception() PerceptionConfig
	Graph() GraphConfig
	Navigator() NavigatorConfig
	Activity() ActivityConfig
	Orchestrator() OrchestratorConfig
	Store() StoreConfig
	Server() ServerConfig
	Sim() SimConfig
	Launcher() LauncherConfig

	SetSimEnabled(bool)
	SetServerEnabled(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	DeviceCfg       DeviceConfig       `mapstructure:"device" yaml:"device"`
	CaptureCfg      CaptureConfig      `mapstructure:"capture" yaml:"capture"`
	PerceptionCfg   PerceptionConfig   `mapstructure:"perception" yaml:"perception"`
	GraphCfg        GraphConfig        `mapstructure:"graph" yaml:"graph"`
	NavigatorCfg    NavigatorConfig    `mapstructure:"navigator" yaml:"navigator"`
	ActivityCfg     ActivityConfig     `mapstructure:"activity" yaml:"activity"`
	OrchestratorCfg OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	StoreCfg        StoreConfig        `mapstructure:"store" yaml:"store"`
	ServerCfg       ServerConfig       `mapstructure:"server" yaml:"server"`
	SimCfg          SimConfig          `mapstructure:"sim" yaml:"sim"`
	LauncherCfg     LauncherConfig     `mapstructure:"launcher" yaml:"launcher"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig             { return c.LoggerCfg }
func (c *Config) Device() DeviceConfig             { return c.DeviceCfg }
func (c *Config) Capture() CaptureConfig           { return c.CaptureCfg }
func (c *Config) Perception() PerceptionConfig     { return c.PerceptionCfg }
func (c *Config) Graph() GraphConfig               { return c.GraphCfg }
func (c *Config) Navigator() NavigatorConfig       { return c.NavigatorCfg }
func (c *Config) Activity() ActivityConfig         { return c.ActivityCfg }
func (c *Config) Orchestrator() OrchestratorConfig { return c.OrchestratorCfg }
func (c *Config) Store() StoreConfig               { return c.StoreCfg }
func (c *Config) Server() ServerConfig             { return c.ServerCfg }
func (c *Config) Sim() SimConfig                   { return c.SimCfg }
func (c *Config) Launcher() LauncherConfig         { return c.LauncherCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetSimEnabled(b bool)    { c.SimCfg.Enabled = b }
func (c *Config) SetServerEnabled(b bool) { c.ServerCfg.Enabled = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DeviceConfig describes how input events reach the target device.
type DeviceConfig struct {
	ADBPath  string `mapstructure:"adb_path" yaml:"adb_path"`
	Serial   string `mapstructure:"serial" yaml:"serial"`
	Package  string `mapstructure:"package" yaml:"package"`
	Activity string `mapstructure:"activity" yaml:"activity"`
	// InputRate caps input events per second. Zero disables throttling.
	InputRate  float64        `mapstructure:"input_rate" yaml:"input_rate"`
	InputBurst int            `mapstructure:"input_burst" yaml:"input_burst"`
	Timeout    time.Duration  `mapstructure:"timeout" yaml:"timeout"`
	Humanize   HumanizeConfig `mapstructure:"humanize" yaml:"humanize"`
}

// HumanizeConfig tunes the gaussian noise applied to taps and swipes.
type HumanizeConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	TapSigmaPx  float64       `mapstructure:"tap_sigma_px" yaml:"tap_sigma_px"`
	MaxOffsetPx int           `mapstructure:"max_offset_px" yaml:"max_offset_px"`
	SwipeJitter time.Duration `mapstructure:"swipe_jitter" yaml:"swipe_jitter"`
	Seed        int64         `mapstructure:"seed" yaml:"seed"`
}

// CaptureConfig controls the screen capture pump.
type CaptureConfig struct {
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
	RestartBackoff time.Duration `mapstructure:"restart_backoff" yaml:"restart_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

// PerceptionConfig holds recognition thresholds and the recognizer endpoint
// used on real hardware.
type PerceptionConfig struct {
	Threshold         float64       `mapstructure:"threshold" yaml:"threshold"`
	RecognizerURL     string        `mapstructure:"recognizer_url" yaml:"recognizer_url"`
	RecognizerTimeout time.Duration `mapstructure:"recognizer_timeout" yaml:"recognizer_timeout"`
}

// GraphConfig points at the scene graph and subject catalog document.
// An empty Path selects the embedded default document.
type GraphConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// NavigatorConfig tunes the greedy navigation loop.
type NavigatorConfig struct {
	MaxSteps          int           `mapstructure:"max_steps" yaml:"max_steps"`
	StuckThreshold    int           `mapstructure:"stuck_threshold" yaml:"stuck_threshold"`
	UnknownThreshold  int           `mapstructure:"unknown_threshold" yaml:"unknown_threshold"`
	AttachAttempts    int           `mapstructure:"attach_attempts" yaml:"attach_attempts"`
	AttachRetryDelay  time.Duration `mapstructure:"attach_retry_delay" yaml:"attach_retry_delay"`
	FrameTimeout      time.Duration `mapstructure:"frame_timeout" yaml:"frame_timeout"`
	FallbackAttempts  int           `mapstructure:"fallback_attempts" yaml:"fallback_attempts"`
	FallbackTapDelay  time.Duration `mapstructure:"fallback_tap_delay" yaml:"fallback_tap_delay"`
	FallbackBackDelay time.Duration `mapstructure:"fallback_back_delay" yaml:"fallback_back_delay"`
	DismissProbes     []string      `mapstructure:"dismiss_probes" yaml:"dismiss_probes"`
	DismissDelay      time.Duration `mapstructure:"dismiss_delay" yaml:"dismiss_delay"`
	ScrollSettle      time.Duration `mapstructure:"scroll_settle" yaml:"scroll_settle"`
	ScrollDuration    time.Duration `mapstructure:"scroll_duration" yaml:"scroll_duration"`
	ScrollWait        time.Duration `mapstructure:"scroll_wait" yaml:"scroll_wait"`
	ClickTimeout      time.Duration `mapstructure:"click_timeout" yaml:"click_timeout"`
	ClickInterval     time.Duration `mapstructure:"click_interval" yaml:"click_interval"`
	TextTimeout       time.Duration `mapstructure:"text_timeout" yaml:"text_timeout"`
	TextInterval      time.Duration `mapstructure:"text_interval" yaml:"text_interval"`
}

// RankProbe binds an outcome rank to the probe that reveals it.
type RankProbe struct {
	Rank  string `mapstructure:"rank" yaml:"rank"`
	Probe string `mapstructure:"probe" yaml:"probe"`
}

// ActivityConfig tunes the activity monitor.
type ActivityConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	IdleWarning  time.Duration `mapstructure:"idle_warning" yaml:"idle_warning"`
	ReadyProbe   string        `mapstructure:"ready_probe" yaml:"ready_probe"`
	AcceptProbe  string        `mapstructure:"accept_probe" yaml:"accept_probe"`
	ReadyPause   time.Duration `mapstructure:"ready_pause" yaml:"ready_pause"`
	AcceptPause  time.Duration `mapstructure:"accept_pause" yaml:"accept_pause"`
	Ranks        []RankProbe   `mapstructure:"ranks" yaml:"ranks"`
}

// OrchestratorConfig tunes run sequencing and recovery.
type OrchestratorConfig struct {
	HistorySize       int           `mapstructure:"history_size" yaml:"history_size"`
	RecoveryBacks     int           `mapstructure:"recovery_backs" yaml:"recovery_backs"`
	RecoveryDelay     time.Duration `mapstructure:"recovery_delay" yaml:"recovery_delay"`
	LoopDelay         time.Duration `mapstructure:"loop_delay" yaml:"loop_delay"`
	PostNavigateDelay time.Duration `mapstructure:"post_navigate_delay" yaml:"post_navigate_delay"`
	PostSelectDelay   time.Duration `mapstructure:"post_select_delay" yaml:"post_select_delay"`
	PostActivityDelay time.Duration `mapstructure:"post_activity_delay" yaml:"post_activity_delay"`
	SelectTimeout     time.Duration `mapstructure:"select_timeout" yaml:"select_timeout"`
	StartTimeout      time.Duration `mapstructure:"start_timeout" yaml:"start_timeout"`
	ExitTimeout       time.Duration `mapstructure:"exit_timeout" yaml:"exit_timeout"`
}

// StoreConfig groups the optional run record sinks.
type StoreConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
}

// PostgresConfig holds the connection details for the run archive.
type PostgresConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`
}

// RedisConfig holds the connection details for the history mirror.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Key      string `mapstructure:"key" yaml:"key"`
	Size     int    `mapstructure:"size" yaml:"size"`
}

// ServerConfig controls the read-only ops HTTP server.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SimConfig drives the built-in device simulator.
type SimConfig struct {
	Enabled  bool    `mapstructure:"enabled" yaml:"enabled"`
	Seed     int64   `mapstructure:"seed" yaml:"seed"`
	MissRate float64 `mapstructure:"miss_rate" yaml:"miss_rate"`
	Start    string  `mapstructure:"start" yaml:"start"`
	Rank     string  `mapstructure:"rank" yaml:"rank"`
	Width    int     `mapstructure:"width" yaml:"width"`
	Height   int     `mapstructure:"height" yaml:"height"`
}

// LauncherConfig tunes the start-and-enter flow run after launching the app.
// The start screen is recognised by StartProbe, or by StartText in the bottom
// quarter of the screen.
type LauncherConfig struct {
	StartProbe   string        `mapstructure:"start_probe" yaml:"start_probe"`
	StartText    string        `mapstructure:"start_text" yaml:"start_text"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	EnterDelay   time.Duration `mapstructure:"enter_delay" yaml:"enter_delay"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "zat")
	v.SetDefault("logger.log_file", "zat.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Device --
	v.SetDefault("device.adb_path", "adb")
	v.SetDefault("device.package", "com.leiting.zjcs")
	v.SetDefault("device.activity", "com.leiting.sdk.channel.LeitingSplashActivity")
	v.SetDefault("device.input_rate", 8.0)
	v.SetDefault("device.input_burst", 2)
	v.SetDefault("device.timeout", "10s")
	v.SetDefault("device.humanize.enabled", true)
	v.SetDefault("device.humanize.tap_sigma_px", 3.0)
	v.SetDefault("device.humanize.max_offset_px", 8)
	v.SetDefault("device.humanize.swipe_jitter", "40ms")

	// -- Capture --
	v.SetDefault("capture.interval", "200ms")
	v.SetDefault("capture.restart_backoff", "500ms")
	v.SetDefault("capture.max_backoff", "10s")

	// -- Perception --
	v.SetDefault("perception.threshold", 0.7)
	v.SetDefault("perception.recognizer_url", "http://127.0.0.1:8765")
	v.SetDefault("perception.recognizer_timeout", "2s")

	// -- Graph --
	v.SetDefault("graph.path", "")

	// -- Navigator --
	v.SetDefault("navigator.max_steps", 20)
	v.SetDefault("navigator.stuck_threshold", 3)
	v.SetDefault("navigator.unknown_threshold", 5)
	v.SetDefault("navigator.attach_attempts", 3)
	v.SetDefault("navigator.attach_retry_delay", "500ms")
	v.SetDefault("navigator.frame_timeout", "15s")
	v.SetDefault("navigator.fallback_attempts", 5)
	v.SetDefault("navigator.fallback_tap_delay", "800ms")
	v.SetDefault("navigator.fallback_back_delay", "500ms")
	v.SetDefault("navigator.dismiss_probes", []string{"close", "back"})
	v.SetDefault("navigator.dismiss_delay", "500ms")
	v.SetDefault("navigator.scroll_settle", "300ms")
	v.SetDefault("navigator.scroll_duration", "300ms")
	v.SetDefault("navigator.scroll_wait", "500ms")
	v.SetDefault("navigator.click_timeout", "5s")
	v.SetDefault("navigator.click_interval", "300ms")
	v.SetDefault("navigator.text_timeout", "5s")
	v.SetDefault("navigator.text_interval", "500ms")

	// -- Activity --
	v.SetDefault("activity.poll_interval", "1500ms")
	v.SetDefault("activity.timeout", "10m")
	v.SetDefault("activity.idle_warning", "90s")
	v.SetDefault("activity.ready_probe", "daily_dungeon/ready")
	v.SetDefault("activity.accept_probe", "daily_dungeon/accept")
	v.SetDefault("activity.ready_pause", "1s")
	v.SetDefault("activity.accept_pause", "500ms")
	v.SetDefault("activity.ranks", []map[string]interface{}{
		{"rank": "S", "probe": "daily_dungeon/level/s"},
		{"rank": "A", "probe": "daily_dungeon/level/a"},
		{"rank": "B", "probe": "daily_dungeon/level/b"},
		{"rank": "C", "probe": "daily_dungeon/level/c"},
	})

	// -- Orchestrator --
	v.SetDefault("orchestrator.history_size", 10)
	v.SetDefault("orchestrator.recovery_backs", 3)
	v.SetDefault("orchestrator.recovery_delay", "500ms")
	v.SetDefault("orchestrator.loop_delay", "1500ms")
	v.SetDefault("orchestrator.post_navigate_delay", "500ms")
	v.SetDefault("orchestrator.post_select_delay", "300ms")
	v.SetDefault("orchestrator.post_activity_delay", "1s")
	v.SetDefault("orchestrator.select_timeout", "3s")
	v.SetDefault("orchestrator.start_timeout", "5s")
	v.SetDefault("orchestrator.exit_timeout", "5s")

	// -- Store --
	v.SetDefault("store.postgres.enabled", false)
	v.SetDefault("store.postgres.url", "")
	v.SetDefault("store.redis.enabled", false)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.key", "zat:history")
	v.SetDefault("store.redis.size", 10)

	// -- Server --
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", "127.0.0.1:9464")
	v.SetDefault("server.shutdown_timeout", "5s")

	// -- Sim --
	v.SetDefault("sim.enabled", false)
	v.SetDefault("sim.seed", 1)
	v.SetDefault("sim.miss_rate", 0.0)
	v.SetDefault("sim.start", "home")
	v.SetDefault("sim.rank", "A")
	v.SetDefault("sim.width", 1280)
	v.SetDefault("sim.height", 720)

	// -- Launcher --
	v.SetDefault("launcher.start_probe", "start")
	v.SetDefault("launcher.start_text", "点击任意处开始游戏")
	v.SetDefault("launcher.ready_timeout", "60s")
	v.SetDefault("launcher.poll_interval", "500ms")
	v.SetDefault("launcher.enter_delay", "1s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("store.postgres.url", "ZAT_DATABASE_URL")
	_ = v.BindEnv("store.redis.password", "ZAT_REDIS_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading "~" in file paths.
func (c *Config) expandPaths() error {
	var err error
	if c.GraphCfg.Path, err = homedir.Expand(c.GraphCfg.Path); err != nil {
		return fmt.Errorf("graph.path: %w", err)
	}
	if c.LoggerCfg.LogFile, err = homedir.Expand(c.LoggerCfg.LogFile); err != nil {
		return fmt.Errorf("logger.log_file: %w", err)
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.PerceptionCfg.Threshold <= 0.0 || c.PerceptionCfg.Threshold > 1.0 {
		return fmt.Errorf("perception.threshold must be in (0.0, 1.0]")
	}
	if err := c.NavigatorCfg.Validate(); err != nil {
		return fmt.Errorf("navigator configuration invalid: %w", err)
	}
	if err := c.ActivityCfg.Validate(); err != nil {
		return fmt.Errorf("activity configuration invalid: %w", err)
	}
	if c.OrchestratorCfg.HistorySize <= 0 {
		return fmt.Errorf("orchestrator.history_size must be a positive integer")
	}
	if c.StoreCfg.Postgres.Enabled && c.StoreCfg.Postgres.URL == "" {
		return fmt.Errorf("store.postgres.url is required when the archive is enabled. Ensure ZAT_DATABASE_URL is set")
	}
	if c.StoreCfg.Redis.Enabled && c.StoreCfg.Redis.Size <= 0 {
		return fmt.Errorf("store.redis.size must be a positive integer")
	}
	if c.SimCfg.MissRate < 0.0 || c.SimCfg.MissRate >= 1.0 {
		return fmt.Errorf("sim.miss_rate must be in [0.0, 1.0)")
	}
	if c.LauncherCfg.PollInterval <= 0 {
		return fmt.Errorf("launcher.poll_interval must be a positive duration")
	}
	return nil
}

// Validate checks the navigator budgets.
func (n *NavigatorConfig) Validate() error {
	if n.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be a positive integer")
	}
	if n.StuckThreshold <= 0 || n.UnknownThreshold <= 0 {
		return fmt.Errorf("stuck_threshold and unknown_threshold must be positive integers")
	}
	if n.AttachAttempts <= 0 {
		return fmt.Errorf("attach_attempts must be a positive integer")
	}
	if n.FrameTimeout < 0 {
		return fmt.Errorf("frame_timeout must not be negative")
	}
	return nil
}

// Validate checks the activity monitor settings.
func (a *ActivityConfig) Validate() error {
	if a.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if a.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	if len(a.Ranks) == 0 {
		return fmt.Errorf("at least one rank probe is required")
	}
	return nil
}
