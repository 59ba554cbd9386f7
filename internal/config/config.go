package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultGames is the list offered by list-games when none is configured.
var DefaultGames = []string{
	"dndextraordinaire-wd",
	"dndextraordinaire-sh",
	"dndextraordinaire-hws",
	"dndextraordinaire-cos",
	"dndextraordinaire-wc",
}

type Config struct {
	DiscordToken string
	ForgeAPIKey  string

	ProviderURL     string
	ProviderTimeout time.Duration

	Prefix       string
	Operators    OperatorSet
	Games        []string
	CommandRate  float64
	CommandBurst int

	DataDir      string
	StatusFile   string
	DatabasePath string

	ReconcileInterval time.Duration
	ReconcileAdopt    bool

	ListenAddr     string
	AllowedOrigins []string
	AdminUser      string
	AdminPassword  string

	LogLevel string
}

// fileConfig is the YAML layout. Secrets are only read from the environment.
type fileConfig struct {
	DataDir    string `yaml:"data_dir"`
	StatusFile string `yaml:"status_file"`
	Database   string `yaml:"database"`
	LogLevel   string `yaml:"log_level"`

	Provider struct {
		BaseURL string `yaml:"base_url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"provider"`

	Bot struct {
		Prefix       string   `yaml:"prefix"`
		Operators    []string `yaml:"operators"`
		Games        []string `yaml:"games"`
		CommandRate  float64  `yaml:"command_rate"`
		CommandBurst int      `yaml:"command_burst"`
	} `yaml:"bot"`

	Reconcile struct {
		Interval     string `yaml:"interval"`
		AdoptUnknown *bool  `yaml:"adopt_unknown"`
	} `yaml:"reconcile"`

	HTTP struct {
		Listen         *string  `yaml:"listen"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"http"`
}

// LoadDotEnv reads KEY=value pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load builds the configuration from defaults, the optional YAML file at path,
// and the environment, in increasing precedence.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ProviderURL:       "https://forge-vtt.com",
		ProviderTimeout:   30 * time.Second,
		Prefix:            "!",
		Games:             append([]string(nil), DefaultGames...),
		CommandRate:       1,
		CommandBurst:      5,
		DataDir:           "./data",
		ReconcileInterval: 6 * time.Hour,
		ListenAddr:        ":8080",
		AllowedOrigins:    []string{"http://localhost:5173", "http://localhost:8080"},
		AdminUser:         "admin",
		LogLevel:          "info",
	}
	var operators []string

	if path != "" {
		fc, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := cfg.applyFile(fc); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		operators = fc.Bot.Operators
	}

	cfg.DiscordToken = os.Getenv("DISCORD_BOT_TOKEN")
	cfg.ForgeAPIKey = os.Getenv("FORGE_API_KEY")
	cfg.ProviderURL = envOr("FORGE_API_URL", cfg.ProviderURL)
	cfg.Prefix = envOr("FORGEBOT_PREFIX", cfg.Prefix)
	cfg.DataDir = envOr("FORGEBOT_DATA_DIR", cfg.DataDir)
	cfg.StatusFile = envOr("FORGEBOT_STATUS_FILE", cfg.StatusFile)
	cfg.DatabasePath = envOr("FORGEBOT_DB", cfg.DatabasePath)
	cfg.AdminUser = envOr("FORGEBOT_ADMIN_USER", cfg.AdminUser)
	cfg.AdminPassword = os.Getenv("FORGEBOT_ADMIN_PASSWORD")
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	// An explicitly empty FORGEBOT_LISTEN turns the admin API off.
	if v, ok := os.LookupEnv("FORGEBOT_LISTEN"); ok {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FORGEBOT_OPERATORS"); v != "" {
		operators = splitList(v)
	}
	if v := os.Getenv("FORGEBOT_GAMES"); v != "" {
		cfg.Games = splitList(v)
	}
	var err error
	if cfg.ProviderTimeout, err = envDuration("FORGEBOT_PROVIDER_TIMEOUT", cfg.ProviderTimeout); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = envDuration("FORGEBOT_RECONCILE_INTERVAL", cfg.ReconcileInterval); err != nil {
		return nil, err
	}
	if v := os.Getenv("FORGEBOT_RECONCILE_ADOPT"); v != "" {
		if cfg.ReconcileAdopt, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("FORGEBOT_RECONCILE_ADOPT: %w", err)
		}
	}

	if cfg.Operators, err = ParseOperators(operators); err != nil {
		return nil, err
	}

	if cfg.StatusFile == "" {
		cfg.StatusFile = filepath.Join(cfg.DataDir, "world_statuses.json")
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "forgebot.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.DataDir, filepath.Dir(cfg.StatusFile), filepath.Dir(cfg.DatabasePath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return cfg, nil
}

// Validate collects every problem that would stop the bot from running.
func (c *Config) Validate() error {
	var problems []string
	if c.DiscordToken == "" {
		problems = append(problems, "DISCORD_BOT_TOKEN is required")
	}
	if c.ForgeAPIKey == "" {
		problems = append(problems, "FORGE_API_KEY is required")
	}
	if c.Prefix == "" {
		problems = append(problems, "command prefix must not be empty")
	}
	if len(c.Games) == 0 {
		problems = append(problems, "game list must not be empty")
	}
	if c.ProviderTimeout <= 0 {
		problems = append(problems, "provider timeout must be positive")
	}
	if c.ReconcileInterval <= 0 {
		problems = append(problems, "reconcile interval must be positive")
	}
	if c.CommandRate <= 0 || c.CommandBurst <= 0 {
		problems = append(problems, "command rate and burst must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func readFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &fc, nil
}

func (c *Config) applyFile(fc *fileConfig) error {
	if fc.DataDir != "" {
		c.DataDir = fc.DataDir
	}
	c.StatusFile = fc.StatusFile
	c.DatabasePath = fc.Database
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	if fc.Provider.BaseURL != "" {
		c.ProviderURL = fc.Provider.BaseURL
	}
	if fc.Provider.Timeout != "" {
		d, err := time.ParseDuration(fc.Provider.Timeout)
		if err != nil {
			return fmt.Errorf("provider.timeout: %w", err)
		}
		c.ProviderTimeout = d
	}
	if fc.Bot.Prefix != "" {
		c.Prefix = fc.Bot.Prefix
	}
	if len(fc.Bot.Games) > 0 {
		c.Games = fc.Bot.Games
	}
	if fc.Bot.CommandRate > 0 {
		c.CommandRate = fc.Bot.CommandRate
	}
	if fc.Bot.CommandBurst > 0 {
		c.CommandBurst = fc.Bot.CommandBurst
	}
	if fc.Reconcile.Interval != "" {
		d, err := time.ParseDuration(fc.Reconcile.Interval)
		if err != nil {
			return fmt.Errorf("reconcile.interval: %w", err)
		}
		c.ReconcileInterval = d
	}
	if fc.Reconcile.AdoptUnknown != nil {
		c.ReconcileAdopt = *fc.Reconcile.AdoptUnknown
	}
	if fc.HTTP.Listen != nil {
		c.ListenAddr = *fc.HTTP.Listen
	}
	if len(fc.HTTP.AllowedOrigins) > 0 {
		c.AllowedOrigins = fc.HTTP.AllowedOrigins
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
