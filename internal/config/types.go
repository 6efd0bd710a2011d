package config

import (
	"fmt"
	"strings"
	"time"

	"agentbot/internal/task"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	Storage      StorageConfig      `json:"storage"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Pool         PoolConfig         `json:"pool,omitempty"`
	Session      SessionConfig      `json:"session"`
	Notifier     *NotifierConfig    `json:"notifier,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AllowedUserIDs restricts who may issue commands. Empty allows everyone.
	AllowedUserIDs []int64 `json:"allowed_user_ids,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	// Path is the sqlite database file.
	Path string `json:"path"`
	// BusyTimeout is a Go duration string passed to the sqlite driver.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// OrchestratorConfig carries submission defaults and hygiene policy.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type OrchestratorConfig struct {
	DefaultWorkspace string `json:"default_workspace"`
	DefaultModel     string `json:"default_model,omitempty"`
	DefaultAgentType string `json:"default_agent_type,omitempty"`

	// StalePendingAge fails tasks that sit Pending longer than this.
	// "0s" (or omitted) disables the sweep.
	StalePendingAge string `json:"stale_pending_age,omitempty"`
	StaleSweepEvery string `json:"stale_sweep_every,omitempty"`
}

type PoolConfig struct {
	// Workers bounds concurrently executing tasks. Default 3.
	Workers int `json:"workers,omitempty"`
}

type SessionConfig struct {
	// Capacity bounds live agent processes. Default 2.
	Capacity int `json:"capacity,omitempty"`
	// Command is the agent CLI binary.
	Command string `json:"command"`
	// ProgressEvery is a Go duration string. Default "30s".
	ProgressEvery string `json:"progress_every,omitempty"`
	// ResultTailLines bounds captured result output. Default 100.
	ResultTailLines int `json:"result_tail_lines,omitempty"`
}

// NotifierConfig controls the outbound message pipeline.
//
// If the whole section is omitted the notifier runs with defaults.
type NotifierConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// Validate checks the fields no component can default for itself. Parse
// accepts anything structurally valid; Validate is the semantic gate
// used both at startup and before committing a hot reload.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token: required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path: required")
	}
	if strings.TrimSpace(c.Session.Command) == "" {
		return fmt.Errorf("session.command: required")
	}
	if at := strings.TrimSpace(c.Orchestrator.DefaultAgentType); at != "" && !task.AgentType(at).Known() {
		return fmt.Errorf("orchestrator.default_agent_type: unknown agent type %q", at)
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"orchestrator.stale_pending_age", c.Orchestrator.StalePendingAge},
		{"orchestrator.stale_sweep_every", c.Orchestrator.StaleSweepEvery},
		{"session.progress_every", c.Session.ProgressEvery},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if n := c.Notifier; n != nil {
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}
	return nil
}

// Durations is the parsed view of the duration-string fields. Callers
// should Validate first; parse failures here fall back to the defaults.
type Durations struct {
	PollTimeout     time.Duration
	BusyTimeout     time.Duration
	StalePendingAge time.Duration
	StaleSweepEvery time.Duration
	ProgressEvery   time.Duration
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
}

func (c *Config) ParseDurations() Durations {
	var d Durations
	d.PollTimeout, _ = ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second)
	d.BusyTimeout, _ = ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second)
	d.StalePendingAge, _ = ParseDurationField("orchestrator.stale_pending_age", c.Orchestrator.StalePendingAge)
	d.StaleSweepEvery, _ = ParseDurationOrDefault("orchestrator.stale_sweep_every", c.Orchestrator.StaleSweepEvery, 10*time.Minute)
	d.ProgressEvery, _ = ParseDurationOrDefault("session.progress_every", c.Session.ProgressEvery, 30*time.Second)
	if n := c.Notifier; n != nil {
		d.RetryBase, _ = ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
		d.RetryMaxDelay, _ = ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	} else {
		d.RetryBase = 500 * time.Millisecond
		d.RetryMaxDelay = 10 * time.Second
	}
	return d
}
