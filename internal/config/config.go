// Package config loads bridge configuration from JSONC files, a .env file
// and environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

// Mode selects how Telegram updates reach the bridge.
type Mode string

const (
	// ModeTunnel starts a cloudflared quick tunnel and registers its URL
	// as the webhook. Default.
	ModeTunnel Mode = "tunnel"
	// ModePolling long-polls getUpdates. No public URL required.
	ModePolling Mode = "polling"
	// ModeWebhook registers a pre-supplied public URL.
	ModeWebhook Mode = "webhook"
)

// Config holds all bridge settings.
type Config struct {
	// Telegram
	BotToken string `json:"botToken"`
	ChatID   int64  `json:"chatID"` // the only chat allowed to drive the bridge

	// Claude
	CLIPath    string `json:"cliPath"`
	WorkingDir string `json:"workingDir"`

	// Server
	Host        string `json:"host"`
	Port        int    `json:"port"`
	WebhookPath string `json:"webhookPath"`
	WebhookURL  string `json:"webhookURL"` // webhook mode only

	Mode Mode `json:"mode"`

	// Session behavior
	ContinueWindow time.Duration `json:"-"`
	RunTimeout     time.Duration `json:"-"`
	// QuickReplies are plain-text tokens that always continue the current
	// conversation regardless of the window. Bare digits always qualify.
	QuickReplies []string `json:"quickReplies"`

	// Webhook registration retry. RetryMaxAttempts counts total calls,
	// the first attempt included.
	RetryBaseDelay   time.Duration `json:"-"`
	RetryMaxDelay    time.Duration `json:"-"`
	RetryMaxAttempts uint64        `json:"-"`

	LogLevel string `json:"logLevel"`

	// Raw duration strings, parsed into the time.Duration fields above.
	ContinueWindowRaw   string `json:"continueWindow"`
	RunTimeoutRaw       string `json:"runTimeout"`
	RetryBaseDelayRaw   string `json:"retryBaseDelay"`
	RetryMaxDelayRaw    string `json:"retryMaxDelay"`
	RetryMaxAttemptsRaw int    `json:"retryMaxAttempts"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		CLIPath:          "claude",
		WorkingDir:       home,
		Host:             "0.0.0.0",
		Port:             8000,
		WebhookPath:      "/webhook",
		Mode:             ModeTunnel,
		ContinueWindow:   10 * time.Minute,
		RunTimeout:       30 * time.Minute,
		QuickReplies:     []string{"yes", "no", "y", "n", "ok", "cancel", "skip", "done", "next"},
		RetryBaseDelay:   time.Second,
		RetryMaxDelay:    30 * time.Second,
		RetryMaxAttempts: 15,
		LogLevel:         "INFO",
	}
}

// Load builds the configuration. Priority, lowest to highest:
// global config file, project config file, .env file, environment variables.
func Load(directory string) (*Config, error) {
	cfg := Default()

	// Global config (~/.config/claude-telegram/config.jsonc)
	if home, err := os.UserHomeDir(); err == nil {
		globalDir := filepath.Join(home, ".config", "claude-telegram")
		loadFile(filepath.Join(globalDir, "config.json"), cfg)
		loadFile(filepath.Join(globalDir, "config.jsonc"), cfg)
	}

	// Project config
	if directory != "" {
		loadFile(filepath.Join(directory, ".claude-telegram.json"), cfg)
		loadFile(filepath.Join(directory, ".claude-telegram.jsonc"), cfg)
	}

	// .env in the working directory, then environment
	godotenv.Load(filepath.Join(directory, ".env"))
	applyEnv(cfg)

	if err := resolveDurations(cfg); err != nil {
		return nil, err
	}

	if cfg.BotToken == "" {
		return nil, fmt.Errorf("config: telegram bot token not set (TELEGRAM_BOT_TOKEN)")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("config: telegram chat id not set (TELEGRAM_CHAT_ID)")
	}
	if cfg.Mode == ModeWebhook && cfg.WebhookURL == "" {
		return nil, fmt.Errorf("config: webhook mode requires a webhook URL (WEBHOOK_URL)")
	}
	switch cfg.Mode {
	case ModeTunnel, ModePolling, ModeWebhook:
	default:
		return nil, fmt.Errorf("config: unknown mode %q", cfg.Mode)
	}

	return cfg, nil
}

// loadFile merges a single JSONC config file into cfg. Missing files are
// skipped silently.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data)

	return json.Unmarshal(data, cfg)
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate replaces {env:VAR} placeholders with environment values.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ChatID = id
		}
	}
	if v := os.Getenv("CLAUDE_CLI_PATH"); v != "" {
		cfg.CLIPath = v
	}
	if v := os.Getenv("CLAUDE_WORKING_DIR"); v != "" {
		cfg.WorkingDir = v
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("WEBHOOK_PATH"); v != "" {
		cfg.WebhookPath = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
	if v := os.Getenv("MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("CONTINUE_WINDOW"); v != "" {
		cfg.ContinueWindowRaw = v
	}
	if v := os.Getenv("RUN_TIMEOUT"); v != "" {
		cfg.RunTimeoutRaw = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// resolveDurations parses raw duration strings into their typed fields.
func resolveDurations(cfg *Config) error {
	parse := func(raw string, dst *time.Duration) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: bad duration %q: %w", raw, err)
		}
		*dst = d
		return nil
	}

	if err := parse(cfg.ContinueWindowRaw, &cfg.ContinueWindow); err != nil {
		return err
	}
	if err := parse(cfg.RunTimeoutRaw, &cfg.RunTimeout); err != nil {
		return err
	}
	if err := parse(cfg.RetryBaseDelayRaw, &cfg.RetryBaseDelay); err != nil {
		return err
	}
	if err := parse(cfg.RetryMaxDelayRaw, &cfg.RetryMaxDelay); err != nil {
		return err
	}
	if cfg.RetryMaxAttemptsRaw > 0 {
		cfg.RetryMaxAttempts = uint64(cfg.RetryMaxAttemptsRaw)
	}
	return nil
}
