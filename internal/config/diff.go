package config

import (
	"reflect"
	"sort"
	"strings"

	logx "agentbot/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (the bot token) never appear in
// the attrs, only whether one is set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.AllowedUserIDs, newCfg.Telegram.AllowedUserIDs) ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.allowed_count", len(newCfg.Telegram.AllowedUserIDs)),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Orchestrator, newCfg.Orchestrator) {
		changed = append(changed, "orchestrator")
		attrs = append(attrs,
			logx.String("orchestrator.default_agent_type", newCfg.Orchestrator.DefaultAgentType),
			logx.String("orchestrator.stale_pending_age", strings.TrimSpace(newCfg.Orchestrator.StalePendingAge)),
		)
	}

	if oldCfg.Pool != newCfg.Pool {
		changed = append(changed, "pool")
		attrs = append(attrs, logx.Int("pool.workers", newCfg.Pool.Workers))
	}

	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.Int("session.capacity", newCfg.Session.Capacity),
			logx.String("session.command", strings.TrimSpace(newCfg.Session.Command)),
		)
	}

	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if (oldN == nil) != (newN == nil) || (oldN != nil && newN != nil && *oldN != *newN) {
		changed = append(changed, "notifier")
		if newN != nil {
			attrs = append(attrs,
				logx.Int("notifier.workers", newN.Workers),
				logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			)
		}
	}

	sort.Strings(changed)
	return changed, attrs
}
