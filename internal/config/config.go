// Package config loads the relaygate configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/roelfdiedericks/relaygate/internal/paths"
)

// Environment variables read on top of the config file.
const (
	EnvGitHubToken = "GITHUB_TOKEN"
	EnvSessionID   = "SESSION_ID"
)

// Config represents the merged relaygate configuration
type Config struct {
	DataDir     string `json:"dataDir" yaml:"dataDir"`
	Owner       string `json:"owner" yaml:"owner"` // phone number / JID user; empty = the paired account
	LogLevel    string `json:"logLevel" yaml:"logLevel"`
	SendTimeout string `json:"sendTimeout" yaml:"sendTimeout"`

	WhatsApp   WhatsAppConfig   `json:"whatsapp" yaml:"whatsapp"`
	Connection ConnectionConfig `json:"connection" yaml:"connection"`
	Context    ContextConfig    `json:"context" yaml:"context"`
	Commands   CommandsConfig   `json:"commands" yaml:"commands"`
	Responder  ResponderConfig  `json:"responder" yaml:"responder"`
	LLM        LLMConfig        `json:"llm" yaml:"llm"`
	Backup     BackupConfig     `json:"backup" yaml:"backup"`

	// SessionID is an encoded credential blob taken from $SESSION_ID.
	SessionID string `json:"-" yaml:"-"`

	// Path is the file the config was loaded from ("" = defaults only).
	Path string `json:"-" yaml:"-"`
}

type WhatsAppConfig struct {
	AutoViewStatus    *bool `json:"autoViewStatus,omitempty" yaml:"autoViewStatus,omitempty"`
	NotifyOwnerOnline *bool `json:"notifyOwnerOnline,omitempty" yaml:"notifyOwnerOnline,omitempty"`
}

type ConnectionConfig struct {
	ReconnectDelay    string `json:"reconnectDelay" yaml:"reconnectDelay"`
	MaxReconnectDelay string `json:"maxReconnectDelay" yaml:"maxReconnectDelay"`
	DiscardOnLogout   *bool  `json:"discardOnLogout,omitempty" yaml:"discardOnLogout,omitempty"`
}

type ContextConfig struct {
	Window int `json:"window" yaml:"window"`
}

type CommandsConfig struct {
	Prefix string `json:"prefix" yaml:"prefix"`
}

type ResponderConfig struct {
	Persona          string   `json:"persona" yaml:"persona"`
	Timeout          string   `json:"timeout" yaml:"timeout"`
	Fallback         string   `json:"fallback" yaml:"fallback"`
	RepliesPerMinute *float64 `json:"repliesPerMinute,omitempty" yaml:"repliesPerMinute,omitempty"` // 0 disables limiting
	Burst            int      `json:"burst" yaml:"burst"`
}

type LLMConfig struct {
	Driver    string `json:"driver" yaml:"driver"` // "http", "openai", "anthropic"
	BaseURL   string `json:"baseUrl" yaml:"baseUrl"`
	APIKey    string `json:"apiKey" yaml:"apiKey"`
	Model     string `json:"model" yaml:"model"`
	MaxTokens int    `json:"maxTokens" yaml:"maxTokens"`
}

type BackupConfig struct {
	Enabled      *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Remote       string `json:"remote" yaml:"remote"` // https://github.com/owner/repo.git
	Token        string `json:"token" yaml:"token"`
	UserName     string `json:"userName" yaml:"userName"`
	UserEmail    string `json:"userEmail" yaml:"userEmail"`
	Timeout      string `json:"timeout" yaml:"timeout"`
	LabelTimeout string `json:"labelTimeout" yaml:"labelTimeout"`
	LabelPrompt  string `json:"labelPrompt" yaml:"labelPrompt"`
	DefaultLabel string `json:"defaultLabel" yaml:"defaultLabel"`
	Schedule     string `json:"schedule" yaml:"schedule"` // cron spec; "off" disables
}

// DefaultPersona is the responder instruction used when none is configured.
const DefaultPersona = "You are replying as me in WhatsApp chats. Reply casually, naturally and " +
	"personally, always in first person as if you are me. Never mention AI or assistants. " +
	"Keep it short and reply to the latest message as a seamless continuation of the conversation."

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		LogLevel:    "info",
		SendTimeout: "15s",
		WhatsApp: WhatsAppConfig{
			AutoViewStatus:    Bool(true),
			NotifyOwnerOnline: Bool(true),
		},
		Connection: ConnectionConfig{
			ReconnectDelay:    "5s",
			MaxReconnectDelay: "5s",
			DiscardOnLogout:   Bool(true),
		},
		Context:  ContextConfig{Window: 10},
		Commands: CommandsConfig{Prefix: "."},
		Responder: ResponderConfig{
			Persona:          DefaultPersona,
			Timeout:          "30s",
			Fallback:         "Sorry, brain jammed for a sec. Try again!",
			RepliesPerMinute: Float(6),
			Burst:            3,
		},
		LLM: LLMConfig{
			Driver:  "http",
			BaseURL: "https://api.dreaded.site/api/chatgpt",
		},
		Backup: BackupConfig{
			Enabled:      Bool(true),
			UserName:     "relaygate",
			UserEmail:    "relaygate@localhost",
			Timeout:      "60s",
			LabelTimeout: "10s",
			LabelPrompt:  "Write a short, dark, necromancer-themed git commit message about saving a backup or resurrecting data. Reply with the message only.",
			DefaultLabel: "Session backup update",
			Schedule:     "@every 1h",
		},
	}
}

// Load reads the config file at path (or the discovered one when path is empty),
// fills unset fields from Defaults and applies environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return nil, err
		}
		path = found
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		cfg.Path = path
	}

	// Pointer fields are optional settings: a non-nil pointer is an explicit
	// value (false, 0) and must survive the merge.
	if err := mergo.Merge(cfg, Defaults(), mergo.WithoutDereference); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}

	cfg.applyEnv()

	if cfg.DataDir == "" {
		dir, err := paths.BaseDir()
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	} else {
		dir, err := paths.ExpandTilde(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func (c *Config) applyEnv() {
	if tok := os.Getenv(EnvGitHubToken); tok != "" && c.Backup.Token == "" {
		c.Backup.Token = tok
	}
	if sid := strings.TrimSpace(os.Getenv(EnvSessionID)); sid != "" {
		c.SessionID = sid
	}
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.Context.Window <= 0 {
		return fmt.Errorf("context.window must be positive, got %d", c.Context.Window)
	}
	if strings.TrimSpace(c.Commands.Prefix) == "" {
		return fmt.Errorf("commands.prefix must not be empty")
	}
	durations := map[string]string{
		"sendTimeout":                  c.SendTimeout,
		"connection.reconnectDelay":    c.Connection.ReconnectDelay,
		"connection.maxReconnectDelay": c.Connection.MaxReconnectDelay,
		"responder.timeout":            c.Responder.Timeout,
		"backup.timeout":               c.Backup.Timeout,
		"backup.labelTimeout":          c.Backup.LabelTimeout,
	}
	for name, v := range durations {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", name, v, err)
		}
	}
	switch c.LLM.Driver {
	case "http", "openai", "anthropic":
	default:
		return fmt.Errorf("llm.driver: unknown driver %q", c.LLM.Driver)
	}
	return nil
}

// Duration parses a validated duration string, returning def on failure.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Bool returns a pointer to b, for optional config flags.
func Bool(b bool) *bool { return &b }

// Float returns a pointer to f, for optional numeric settings.
func Float(f float64) *float64 { return &f }

// IsSet reports whether an optional flag is true, using def when unset.
func IsSet(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// ReplyRate returns the per-partner replies per minute; 0 means unlimited.
func (r ResponderConfig) ReplyRate() float64 {
	if r.RepliesPerMinute == nil {
		return 6
	}
	return *r.RepliesPerMinute
}

// BackupEnabled reports whether remote backup is configured and enabled.
func (c *Config) BackupEnabled() bool {
	return IsSet(c.Backup.Enabled, true) && c.Backup.Remote != ""
}

// ScheduleEnabled reports whether the periodic credential snapshot is on.
func (c *Config) ScheduleEnabled() bool {
	s := strings.TrimSpace(c.Backup.Schedule)
	return s != "" && s != "off"
}
