package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort           = 8765
	defaultCommand        = "codex"
	defaultRequestTimeout = 30 * time.Second
	defaultAuthTimeout    = 10 * time.Second
	defaultPushCooldown   = 5 * time.Minute
)

// Config holds bridge configuration.
type Config struct {
	// Addr is the listen address for the HTTP server.
	Addr      string
	SharedKey string
	// StateDir holds the persisted session list.
	StateDir string
	// Store selects the descriptor store driver: "file" or "sqlite".
	Store string

	Command        string
	Args           []string
	RequestTimeout time.Duration
	AuthTimeout    time.Duration

	Debug          bool
	LogLevel       string
	AllowedOrigins []string

	Pushover PushoverConfig
	// ExpoPush enables delivery to Expo tokens registered by clients.
	ExpoPush bool
	// NotifyTurns pushes an informational alert at the end of each turn.
	NotifyTurns bool

	// Path is the config file the values were read from, if any.
	Path string
}

// PushoverConfig holds optional Pushover credentials.
type PushoverConfig struct {
	Token    string
	User     string
	Cooldown time.Duration
}

// Enabled reports whether both credentials are set.
func (p PushoverConfig) Enabled() bool {
	return p.Token != "" && p.User != ""
}

// Overrides optionally overrides values from the file and environment.
//
// A nil pointer means "use the file/environment/default value".
type Overrides struct {
	Path      *string
	Addr      *string
	SharedKey *string
	StateDir  *string
	Store     *string
	Command   *string
	Debug     *bool
	LogLevel  *string
}

// fileConfig is the YAML shape of the config file.
type fileConfig struct {
	Addr           string   `yaml:"addr"`
	Key            string   `yaml:"key"`
	StateDir       string   `yaml:"state_dir"`
	Store          string   `yaml:"store"`
	Debug          bool     `yaml:"debug"`
	LogLevel       string   `yaml:"log_level"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	Codex          struct {
		Bin              string   `yaml:"bin"`
		Args             []string `yaml:"args"`
		RequestTimeoutMs int      `yaml:"request_timeout_ms"`
	} `yaml:"codex"`
	Gateway struct {
		AuthTimeoutMs int `yaml:"auth_timeout_ms"`
	} `yaml:"gateway"`
	Push struct {
		PushoverToken string `yaml:"pushover_token"`
		PushoverUser  string `yaml:"pushover_user"`
		CooldownMs    int    `yaml:"cooldown_ms"`
		Expo          bool   `yaml:"expo"`
		NotifyTurns   bool   `yaml:"notify_turns"`
	} `yaml:"push"`
}

func defaults() *Config {
	stateDir := ".taskdex"
	if home, err := os.UserHomeDir(); err == nil {
		stateDir = filepath.Join(home, ".taskdex")
	}
	return &Config{
		Addr:           fmt.Sprintf(":%d", defaultPort),
		StateDir:       stateDir,
		Store:          "file",
		Command:        defaultCommand,
		Args:           []string{"app-server"},
		RequestTimeout: defaultRequestTimeout,
		AuthTimeout:    defaultAuthTimeout,
		LogLevel:       "info",
		AllowedOrigins: []string{"*"},
		Pushover:       PushoverConfig{Cooldown: defaultPushCooldown},
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// TASKDEX_CONFIG (or overrides.Path), environment variables and explicit
// overrides, in that order.
func Load(overrides Overrides) (*Config, error) {
	cfg := defaults()

	path := os.Getenv("TASKDEX_CONFIG")
	if overrides.Path != nil {
		path = *overrides.Path
	}
	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
		cfg.Path = path
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyOverrides(cfg, overrides)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&cfg.Addr, fc.Addr)
	setString(&cfg.SharedKey, fc.Key)
	setString(&cfg.StateDir, expandHome(fc.StateDir))
	setString(&cfg.Store, fc.Store)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.Command, fc.Codex.Bin)
	if fc.Debug {
		cfg.Debug = true
	}
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	if len(fc.Codex.Args) > 0 {
		cfg.Args = fc.Codex.Args
	}
	if fc.Codex.RequestTimeoutMs > 0 {
		cfg.RequestTimeout = time.Duration(fc.Codex.RequestTimeoutMs) * time.Millisecond
	}
	if fc.Gateway.AuthTimeoutMs > 0 {
		cfg.AuthTimeout = time.Duration(fc.Gateway.AuthTimeoutMs) * time.Millisecond
	}
	setString(&cfg.Pushover.Token, fc.Push.PushoverToken)
	setString(&cfg.Pushover.User, fc.Push.PushoverUser)
	if fc.Push.CooldownMs > 0 {
		cfg.Pushover.Cooldown = time.Duration(fc.Push.CooldownMs) * time.Millisecond
	}
	cfg.ExpoPush = cfg.ExpoPush || fc.Push.Expo
	cfg.NotifyTurns = cfg.NotifyTurns || fc.Push.NotifyTurns
	return nil
}

func applyEnv(cfg *Config) error {
	if portStr := os.Getenv("PORT"); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid PORT %q", portStr)
		}
		cfg.Addr = fmt.Sprintf(":%d", p)
	}
	setString(&cfg.Addr, os.Getenv("TASKDEX_ADDR"))
	setString(&cfg.SharedKey, os.Getenv("TASKDEX_KEY"))
	setString(&cfg.StateDir, expandHome(os.Getenv("TASKDEX_STATE_DIR")))
	setString(&cfg.Store, os.Getenv("TASKDEX_STORE"))
	setString(&cfg.Command, os.Getenv("TASKDEX_CODEX_BIN"))
	setString(&cfg.LogLevel, os.Getenv("TASKDEX_LOG_LEVEL"))
	setString(&cfg.Pushover.Token, os.Getenv("TASKDEX_PUSHOVER_TOKEN"))
	setString(&cfg.Pushover.User, os.Getenv("TASKDEX_PUSHOVER_USER"))

	if origins := os.Getenv("TASKDEX_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}
	if v, ok := envBool("DEBUG"); ok {
		cfg.Debug = v
	}
	if v, ok := envBool("TASKDEX_EXPO_PUSH"); ok {
		cfg.ExpoPush = v
	}
	if v, ok := envBool("TASKDEX_NOTIFY_TURNS"); ok {
		cfg.NotifyTurns = v
	}
	if raw := os.Getenv("TASKDEX_REQUEST_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid TASKDEX_REQUEST_TIMEOUT %q: %w", raw, err)
		}
		cfg.RequestTimeout = d
	}
	return nil
}

func applyOverrides(cfg *Config, o Overrides) {
	if o.Addr != nil {
		cfg.Addr = *o.Addr
	}
	if o.SharedKey != nil {
		cfg.SharedKey = *o.SharedKey
	}
	if o.StateDir != nil {
		cfg.StateDir = expandHome(*o.StateDir)
	}
	if o.Store != nil {
		cfg.Store = *o.Store
	}
	if o.Command != nil {
		cfg.Command = *o.Command
	}
	if o.Debug != nil {
		cfg.Debug = *o.Debug
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
	}
}

func (c *Config) validate() error {
	if c.SharedKey == "" {
		return errors.New("TASKDEX_KEY is required")
	}
	switch c.Store {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown store %q (want file or sqlite)", c.Store)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	if c.AuthTimeout <= 0 {
		return errors.New("auth timeout must be positive")
	}
	return nil
}

// EffectiveLogLevel is the configured level, raised to debug when Debug is
// set.
func (c *Config) EffectiveLogLevel() string {
	if c.Debug && (c.LogLevel == "" || c.LogLevel == "info") {
		return "debug"
	}
	return c.LogLevel
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func envBool(key string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false, false
	}
	return raw == "1" || strings.EqualFold(raw, "true"), true
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
