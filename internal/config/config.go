package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the root configuration for batchbot.
type Config struct {
	General   GeneralConfig    `json:"general"`
	Driver    DriverConfig     `json:"driver"`
	Retry     RetryConfig      `json:"retry"`
	Store     StoreConfig      `json:"store"`
	Metrics   MetricsConfig    `json:"metrics"`
	Agent     AgentConfig      `json:"agent"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

type GeneralConfig struct {
	Catalog  string `json:"catalog"` // message catalog (YAML)
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

// DriverConfig selects and configures the UI driver used for delivery.
type DriverConfig struct {
	Kind          string         `json:"kind"`          // desktop | browser | telegram | slack | discord | remote | dryrun
	RatePerMinute int            `json:"ratePerMinute"` // 0 = unthrottled
	Burst         int            `json:"burst"`
	Desktop       DesktopConfig  `json:"desktop"`
	Browser       BrowserConfig  `json:"browser"`
	Telegram      TelegramConfig `json:"telegram"`
	Slack         SlackConfig    `json:"slack"`
	Discord       DiscordConfig  `json:"discord"`
	Remote        RemoteConfig   `json:"remote"`
}

type DesktopConfig struct {
	App           string   `json:"app"`                    // application to activate
	ProcessNames  []string `json:"processNames,omitempty"` // names probed with pgrep
	SearchDelayMs int      `json:"searchDelayMs"`          // wait for search results to settle
	StepDelayMs   int      `json:"stepDelayMs"`            // pause between keystroke steps
}

type BrowserConfig struct {
	URL            string            `json:"url,omitempty"`
	ProfileDir     string            `json:"profileDir,omitempty"`
	Headless       bool              `json:"headless"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
	Selectors      map[string]string `json:"selectors,omitempty"`
}

type TelegramConfig struct {
	Token string        `json:"token"`
	Chats FlexStringMap `json:"chats,omitempty"` // recipient -> chat ID
}

type SlackConfig struct {
	BotToken string            `json:"botToken"`
	Channels map[string]string `json:"channels,omitempty"` // recipient -> channel ID
}

type DiscordConfig struct {
	Token    string            `json:"token"`
	Channels map[string]string `json:"channels,omitempty"` // recipient -> channel ID
}

type RemoteConfig struct {
	URL            string `json:"url,omitempty"` // ws://host:port/path of a batchbot agent
	Token          string `json:"token,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// FlexStringMap is a map[string]string that also accepts numeric JSON values
// (e.g. {"team": -100123} becomes {"team": "-100123"}).
type FlexStringMap map[string]string

func (f *FlexStringMap) UnmarshalJSON(data []byte) error {
	var ss map[string]string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make(map[string]string, len(raw))
	for k, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result[k] = s
			continue
		}
		var n json.Number
		if err := json.Unmarshal(item, &n); err == nil {
			if i, err := n.Int64(); err == nil {
				result[k] = strconv.FormatInt(i, 10)
				continue
			}
		}
		result[k] = string(item)
	}
	*f = result
	return nil
}

// RetryConfig mirrors delivery.Policy in JSON-friendly units.
type RetryConfig struct {
	MaxAttempts    int     `json:"maxAttempts"`
	InitialDelayMs int     `json:"initialDelayMs"`
	Multiplier     float64 `json:"multiplier"`
	MaxDelayMs     int     `json:"maxDelayMs"`
	Jitter         bool    `json:"jitter"`
	ShortCircuit   bool    `json:"shortCircuit"`
}

// StoreConfig configures the delivery log.
type StoreConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
}

// MetricsConfig configures the Prometheus endpoint served by the daemon.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Endpoint string `json:"endpoint"`
}

// AgentConfig configures `batchbot agent`, the server side of the remote driver.
type AgentConfig struct {
	Addr  string `json:"addr"`
	Path  string `json:"path"`
	Token string `json:"token,omitempty"`
}

// ScheduleConfig sends one catalog message on a cron schedule.
type ScheduleConfig struct {
	ID      string `json:"id"`
	Cron    string `json:"cron"`
	Message string `json:"message"`
	Enabled bool   `json:"enabled"`
}

// DefaultConfigDir returns the default config directory (~/.batchbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".batchbot"
	}
	return filepath.Join(home, ".batchbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the config at path. A .env file next to it is loaded into the
// environment first (existing variables win) so ${VAR} references resolve.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Catalog = ExpandPath(cfg.General.Catalog)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.Driver.Browser.ProfileDir = ExpandPath(cfg.Driver.Browser.ProfileDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("cannot load env file %s: %w", path, err)
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[2]
		hasDefault := strings.Contains(match, ":-")

		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return match
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// tokens may be stored inline
	return os.WriteFile(path, data, 0o600)
}

var driverKinds = []string{"desktop", "browser", "telegram", "slack", "discord", "remote", "dryrun"}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.Catalog == "" {
		errs = append(errs, "general.catalog is required")
	}

	errs = append(errs, validateDriver(cfg.Driver)...)

	r := cfg.Retry
	if r.MaxAttempts < 1 || r.MaxAttempts > 20 {
		errs = append(errs, "retry.maxAttempts must be between 1 and 20")
	}
	if r.InitialDelayMs < 0 || r.MaxDelayMs < 0 {
		errs = append(errs, "retry delays must be >= 0")
	}
	if r.Multiplier < 1 {
		errs = append(errs, "retry.multiplier must be >= 1")
	}

	if cfg.Store.Enabled {
		if cfg.Store.DBPath == "" {
			errs = append(errs, "store.dbPath is required when the store is enabled")
		}
		if cfg.Store.RetentionDays < 1 {
			errs = append(errs, "store.retentionDays must be >= 1")
		}
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}
	if cfg.Metrics.Endpoint != "" && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	seen := make(map[string]bool)
	for i, s := range cfg.Schedules {
		switch {
		case s.ID == "":
			errs = append(errs, fmt.Sprintf("schedules[%d].id is required", i))
		case seen[s.ID]:
			errs = append(errs, fmt.Sprintf("schedules[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
		if s.Cron == "" {
			errs = append(errs, fmt.Sprintf("schedules[%d].cron is required", i))
		}
		if s.Message == "" {
			errs = append(errs, fmt.Sprintf("schedules[%d].message is required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateDriver(d DriverConfig) []string {
	var errs []string
	known := false
	for _, k := range driverKinds {
		if d.Kind == k {
			known = true
		}
	}
	if !known {
		errs = append(errs, "driver.kind must be one of: "+strings.Join(driverKinds, ", "))
	}
	if d.RatePerMinute < 0 || d.Burst < 0 {
		errs = append(errs, "driver.ratePerMinute and driver.burst must be >= 0")
	}

	switch d.Kind {
	case "desktop":
		if d.Desktop.App == "" {
			errs = append(errs, "driver.desktop.app is required")
		}
	case "browser":
		if d.Browser.URL == "" {
			errs = append(errs, "driver.browser.url is required")
		}
	case "telegram":
		if d.Telegram.Token == "" {
			errs = append(errs, "driver.telegram.token is required")
		}
	case "slack":
		if d.Slack.BotToken == "" {
			errs = append(errs, "driver.slack.botToken is required")
		}
	case "discord":
		if d.Discord.Token == "" {
			errs = append(errs, "driver.discord.token is required")
		}
	case "remote":
		if !strings.HasPrefix(d.Remote.URL, "ws://") && !strings.HasPrefix(d.Remote.URL, "wss://") {
			errs = append(errs, "driver.remote.url must be a ws:// or wss:// URL")
		}
	}
	return errs
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
