package stats

import (
	"fmt"
	"time"

	"executor/internal/config"
)

// Kind is the statistic computed by a definition.
type Kind string

// Statistic kinds.
const (
	KindExecutionsPerDay  Kind = "executions_per_day"
	KindExecutionsByState Kind = "executions_by_state"
	KindFailureRate       Kind = "failure_rate"
	KindDurationSummary   Kind = "duration_summary"
	KindTopOwners         Kind = "top_owners"
)

// Kinds lists every statistic kind.
var Kinds = []Kind{KindExecutionsPerDay, KindExecutionsByState, KindFailureRate, KindDurationSummary, KindTopOwners}

// Window is the look-back period of a statistic.
type Window string

// Windows.
const (
	WindowDay   Window = "day"
	WindowWeek  Window = "week"
	WindowMonth Window = "month"
)

// Duration returns the length of the window.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowDay:
		return 24 * time.Hour
	case WindowWeek:
		return 7 * 24 * time.Hour
	case WindowMonth:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Definition is one named statistic configuration.
type Definition struct {
	Key      string        `json:"key"`
	Group    string        `json:"group"`
	Kind     Kind          `json:"kind"`
	Window   Window        `json:"window"`
	TTL      time.Duration `json:"ttl"`
	Interval time.Duration `json:"interval"`
}

// Key builds the cache-facing key of a statistic, e.g. "failure_rate:week".
func Key(kind Kind, window Window) string {
	return string(kind) + ":" + string(window)
}

func (d Definition) validate() error {
	if d.Key == "" || d.Group == "" {
		return fmt.Errorf("statistic %q: key and group are required", d.Key)
	}
	switch d.Kind {
	case KindExecutionsPerDay, KindExecutionsByState, KindFailureRate, KindDurationSummary, KindTopOwners:
	default:
		return fmt.Errorf("statistic %q: unknown kind %q", d.Key, d.Kind)
	}
	if d.Window.Duration() == 0 {
		return fmt.Errorf("statistic %q: unknown window %q", d.Key, d.Window)
	}
	if d.Interval <= 0 || d.Interval >= d.TTL {
		return fmt.Errorf("statistic %q: refresh interval %s must be positive and shorter than TTL %s", d.Key, d.Interval, d.TTL)
	}
	return nil
}

// Config holds configuration for the default statistic set.
type Config struct {
	TTL       time.Duration // cache TTL of every statistic (default: 10m)
	Interval  time.Duration // refresh interval of the first group (default: 4m)
	Stagger   time.Duration // added per following group (default: 1m)
	TopOwners int           // entries in top_owners (default: 10)
}

// LoadConfigFromEnv loads statistics configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		TTL:       config.GetDurationEnv("STATS_TTL", 10*time.Minute),
		Interval:  config.GetDurationEnv("STATS_REFRESH_INTERVAL", 4*time.Minute),
		Stagger:   config.GetDurationEnv("STATS_REFRESH_STAGGER", time.Minute),
		TopOwners: config.GetIntEnv("STATS_TOP_OWNERS", 10),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 10 * time.Minute
	}
	if c.Interval <= 0 {
		c.Interval = 4 * time.Minute
	}
	if c.Stagger < 0 {
		c.Stagger = 0
	}
	if c.TopOwners <= 0 {
		c.TopOwners = 10
	}
	return c
}

// DefaultDefinitions returns every kind for each window, grouped by window.
// Groups refresh on staggered intervals: with the defaults daily at 4m,
// weekly at 5m and monthly at 6m, all under a 10m TTL.
func DefaultDefinitions(cfg Config) []Definition {
	cfg = cfg.withDefaults()
	groups := []struct {
		name   string
		window Window
	}{
		{"daily", WindowDay},
		{"weekly", WindowWeek},
		{"monthly", WindowMonth},
	}

	var defs []Definition
	for i, g := range groups {
		interval := cfg.Interval + time.Duration(i)*cfg.Stagger
		for _, kind := range Kinds {
			defs = append(defs, Definition{
				Key:      Key(kind, g.window),
				Group:    g.name,
				Kind:     kind,
				Window:   g.window,
				TTL:      cfg.TTL,
				Interval: interval,
			})
		}
	}
	return defs
}
