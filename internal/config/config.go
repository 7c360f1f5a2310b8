// Package config loads and validates the engine's configuration. Files may
// be YAML, JSON, or JSON5, may pull in other files through $include, and may
// reference environment variables with ${VAR} syntax.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the engine configuration, passed down by value from the CLI.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Agent     AgentConfig     `yaml:"agent"`
	Context   ContextConfig   `yaml:"context"`
	Retention RetentionConfig `yaml:"retention"`
	Notes     NotesConfig     `yaml:"notes"`
	Client    ClientConfig    `yaml:"client"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig configures the websocket gateway.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `yaml:"addr"`

	// AuthToken, when set, requires a connect handshake carrying it before
	// any other method is dispatched.
	AuthToken string `yaml:"auth_token"`

	// MetricsEnabled mounts /metrics on the same mux.
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`

	// Format is "json" or "text". Empty lets the CLI pick: text on a
	// terminal, json otherwise.
	Format string `yaml:"format"`

	AddSource bool           `yaml:"add_source"`
	Store     LogStoreConfig `yaml:"store"`
}

// LogStoreConfig configures the database log sink.
type LogStoreConfig struct {
	Enabled  bool   `yaml:"enabled"`
	MinLevel string `yaml:"min_level"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// AgentConfig bounds the turn orchestrator.
type AgentConfig struct {
	MaxTurns           int           `yaml:"max_turns"`
	MaxTokens          int           `yaml:"max_tokens"`
	ToolTimeout        time.Duration `yaml:"tool_timeout"`
	MaxConcurrentTools int           `yaml:"max_concurrent_tools"`
	StreamBuffer       int           `yaml:"stream_buffer"`
}

// ContextConfig sets the token budget policy.
type ContextConfig struct {
	// Windows maps model ids to context window sizes in tokens.
	Windows map[string]int64 `yaml:"windows"`

	// DefaultWindow is used for models absent from Windows.
	DefaultWindow int64 `yaml:"default_window"`

	// CompactThreshold is the window fraction at which compaction is
	// suggested.
	CompactThreshold float64 `yaml:"compact_threshold"`

	// ReserveTokens is held back from the window when admitting turns.
	ReserveTokens int64 `yaml:"reserve_tokens"`
}

// RetentionConfig drives the maintenance sweeps.
type RetentionConfig struct {
	LogDays            int    `yaml:"log_days"`
	SweepSchedule      string `yaml:"sweep_schedule"`
	CheckpointSchedule string `yaml:"checkpoint_schedule"`
}

// NotesConfig locates the voice-note and plan-document directories.
type NotesConfig struct {
	VoiceDir string `yaml:"voice_dir"`
	PlanDir  string `yaml:"plan_dir"`
}

// ClientConfig tunes pkg/client.
type ClientConfig struct {
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

// Default returns the documented defaults. Paths land under ~/.tron.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".tron")

	return Config{
		Database: DatabaseConfig{
			Path: filepath.Join(base, "tron.db"),
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8080",
		},
		Logging: LoggingConfig{
			Level: "info",
			Store: LogStoreConfig{
				Enabled:  true,
				MinLevel: "info",
			},
		},
		Tracing: TracingConfig{
			SampleRatio: 1.0,
		},
		Agent: AgentConfig{
			MaxTurns:           16,
			MaxTokens:          8192,
			ToolTimeout:        2 * time.Minute,
			MaxConcurrentTools: 4,
			StreamBuffer:       64,
		},
		Context: ContextConfig{
			DefaultWindow:    200000,
			CompactThreshold: 0.85,
			ReserveTokens:    20000,
		},
		Retention: RetentionConfig{
			LogDays:            30,
			SweepSchedule:      "0 3 * * *",
			CheckpointSchedule: "*/30 * * * *",
		},
		Notes: NotesConfig{
			VoiceDir: filepath.Join(base, "voice-notes"),
			PlanDir:  filepath.Join(base, "plans"),
		},
		Client: ClientConfig{
			RequestTimeout:       30 * time.Second,
			MaxReconnectAttempts: 10,
		},
	}
}

// Validate returns the first invalid field.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if !validLogLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	if c.Logging.Format != "" && c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if c.Logging.Store.MinLevel != "" && !validLogLevel(c.Logging.Store.MinLevel) {
		return fmt.Errorf("logging.store.min_level must be debug, info, warn, or error, got %q", c.Logging.Store.MinLevel)
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1], got %v", c.Tracing.SampleRatio)
	}
	if c.Agent.MaxTurns <= 0 {
		return fmt.Errorf("agent.max_turns must be positive, got %d", c.Agent.MaxTurns)
	}
	if c.Agent.MaxTokens <= 0 {
		return fmt.Errorf("agent.max_tokens must be positive, got %d", c.Agent.MaxTokens)
	}
	if c.Agent.ToolTimeout <= 0 {
		return fmt.Errorf("agent.tool_timeout must be positive, got %v", c.Agent.ToolTimeout)
	}
	if c.Agent.MaxConcurrentTools <= 0 {
		return fmt.Errorf("agent.max_concurrent_tools must be positive, got %d", c.Agent.MaxConcurrentTools)
	}
	if c.Agent.StreamBuffer <= 0 {
		return fmt.Errorf("agent.stream_buffer must be positive, got %d", c.Agent.StreamBuffer)
	}
	if c.Context.DefaultWindow <= 0 {
		return fmt.Errorf("context.default_window must be positive, got %d", c.Context.DefaultWindow)
	}
	for model, window := range c.Context.Windows {
		if window <= 0 {
			return fmt.Errorf("context.windows[%s] must be positive, got %d", model, window)
		}
	}
	if c.Context.CompactThreshold <= 0 || c.Context.CompactThreshold > 1 {
		return fmt.Errorf("context.compact_threshold must be within (0, 1], got %v", c.Context.CompactThreshold)
	}
	if c.Context.ReserveTokens < 0 {
		return fmt.Errorf("context.reserve_tokens must not be negative, got %d", c.Context.ReserveTokens)
	}
	if c.Context.ReserveTokens >= c.Context.DefaultWindow {
		return fmt.Errorf("context.reserve_tokens (%d) must be below context.default_window (%d)",
			c.Context.ReserveTokens, c.Context.DefaultWindow)
	}
	if c.Retention.LogDays <= 0 {
		return fmt.Errorf("retention.log_days must be positive, got %d", c.Retention.LogDays)
	}
	if _, err := cron.ParseStandard(c.Retention.SweepSchedule); err != nil {
		return fmt.Errorf("retention.sweep_schedule is not a valid cron expression: %v", err)
	}
	if _, err := cron.ParseStandard(c.Retention.CheckpointSchedule); err != nil {
		return fmt.Errorf("retention.checkpoint_schedule is not a valid cron expression: %v", err)
	}
	if c.Notes.VoiceDir == "" {
		return fmt.Errorf("notes.voice_dir is required")
	}
	if c.Notes.PlanDir == "" {
		return fmt.Errorf("notes.plan_dir is required")
	}
	if c.Client.RequestTimeout <= 0 {
		return fmt.Errorf("client.request_timeout must be positive, got %v", c.Client.RequestTimeout)
	}
	if c.Client.MaxReconnectAttempts < 0 {
		return fmt.Errorf("client.max_reconnect_attempts must not be negative, got %d", c.Client.MaxReconnectAttempts)
	}
	return nil
}

func validLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
