package config

import (
	"fmt"
	"time"

	"github.com/lazypower/loopline/internal/engine"
	"github.com/lazypower/loopline/internal/store"
)

// Config holds all loopline configuration.
type Config struct {
	Server        ServerConfig        `toml:"server"`
	Database      DatabaseConfig      `toml:"database"`
	Cleanup       CleanupConfig       `toml:"cleanup"`
	Router        RouterConfig        `toml:"router"`
	Contradiction ContradictionConfig `toml:"contradiction"`
}

type ServerConfig struct {
	Bind string `toml:"bind"`
	Port int    `toml:"port"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type CleanupConfig struct {
	IntervalMinutes int `toml:"interval_minutes"`
	MaxActiveLoops  int `toml:"max_active_loops"`

	// Per-type age ceilings, in days.
	PendingEventMaxDays       int `toml:"pending_event_max_days"`
	EmotionalFollowupMaxDays  int `toml:"emotional_followup_max_days"`
	CuriosityThreadMaxDays    int `toml:"curiosity_thread_max_days"`
	PromiseMaxDays            int `toml:"promise_max_days"`
	UnresolvedQuestionMaxDays int `toml:"unresolved_question_max_days"`
}

type RouterConfig struct {
	Tier1Salience        float64 `toml:"tier1_salience"`
	Tier3Salience        float64 `toml:"tier3_salience"`
	MinThreadIntensity   float64 `toml:"min_thread_intensity"`
	MinThreadAgeHours    int     `toml:"min_thread_age_hours"`
	MentionCooldownHours int     `toml:"mention_cooldown_hours"`
}

type ContradictionConfig struct {
	// MinConfidence gates how sure the upstream signal must be before a
	// dismissal pass runs.
	MinConfidence float64 `toml:"min_confidence"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37878,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Cleanup: CleanupConfig{
			IntervalMinutes:           60,
			MaxActiveLoops:            engine.DefaultMaxActiveLoops,
			PendingEventMaxDays:       7,
			EmotionalFollowupMaxDays:  3,
			CuriosityThreadMaxDays:    14,
			PromiseMaxDays:            30,
			UnresolvedQuestionMaxDays: 7,
		},
		Router: RouterConfig{
			Tier1Salience:        0.8,
			Tier3Salience:        0.7,
			MinThreadIntensity:   0.6,
			MinThreadAgeHours:    4,
			MentionCooldownHours: 24,
		},
		Contradiction: ContradictionConfig{
			MinConfidence: 0.6,
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// CleanupInterval returns the scheduler interval.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Cleanup.IntervalMinutes) * time.Minute
}

// EngineCleanup maps the cleanup section onto the engine's config.
func (c *Config) EngineCleanup() engine.CleanupConfig {
	days := func(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }
	return engine.CleanupConfig{
		MaxActiveLoops: c.Cleanup.MaxActiveLoops,
		MaxAges: map[string]time.Duration{
			store.TypePendingEvent:       days(c.Cleanup.PendingEventMaxDays),
			store.TypeEmotionalFollowup:  days(c.Cleanup.EmotionalFollowupMaxDays),
			store.TypeCuriosityThread:    days(c.Cleanup.CuriosityThreadMaxDays),
			store.TypePromise:            days(c.Cleanup.PromiseMaxDays),
			store.TypeUnresolvedQuestion: days(c.Cleanup.UnresolvedQuestionMaxDays),
		},
	}
}

// EngineRouter maps the router section onto the engine's config.
func (c *Config) EngineRouter() engine.RouterConfig {
	return engine.RouterConfig{
		Tier1Salience:      c.Router.Tier1Salience,
		Tier3Salience:      c.Router.Tier3Salience,
		MinThreadIntensity: c.Router.MinThreadIntensity,
		MinThreadAge:       time.Duration(c.Router.MinThreadAgeHours) * time.Hour,
		MentionCooldown:    time.Duration(c.Router.MentionCooldownHours) * time.Hour,
	}
}
