// Package sceneconfig holds the tunables a Scene is built with: default
// input-core capacity, the thread-stealing default, worker bounds and a
// check-duration schedule. The Scene runs each subprogram on its own
// goroutine and has no worker pool, so the worker bounds and check
// durations are validated but not consumed at runtime. Values load from
// a TOML file (github.com/BurntSushi/toml)
// with an optional environment-variable overlay (github.com/ardanlabs/kit/cfg),
// the same two-layer precedence the teacher's web middleware used for
// its own service configuration.
package sceneconfig

import (
	"errors"
	"time"

	"github.com/BurntSushi/toml"
	kitcfg "github.com/ardanlabs/kit/cfg"
)

// Schedule narrows or widens the scheduler's check-duration between worker
// pool rebalances. Grounded on workers.Schedule/workers.BasicSchedule.
type Schedule func(time.Duration) time.Duration

// BasicSchedule returns the duration unchanged, floored at 1ms.
func BasicSchedule(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

// Config is a Scene's construction-time tunables.
type Config struct {
	// DefaultInputCapacity is the input-core capacity used by
	// add_subprogram when the caller does not specify one.
	DefaultInputCapacity int `toml:"default_input_capacity"`

	// MinWorkers / MaxWorkers are worker-pool bounds; Validate checks
	// their order, and nothing else reads them.
	MinWorkers int `toml:"min_workers"`
	MaxWorkers int `toml:"max_workers"`

	// AllowThreadStealingByDefault seeds the input core flag described
	// in spec.md §3 Input stream core invariant 4 for subprograms added
	// without an explicit override.
	AllowThreadStealingByDefault bool `toml:"allow_thread_stealing_by_default"`

	// CheckDuration / MaxCheckDuration are rebalance-timer bounds, as in
	// workers.Config; nothing in this module reads them.
	CheckDuration    time.Duration `toml:"-"`
	MaxCheckDuration time.Duration `toml:"-"`
}

// Default returns the configuration a Scene uses when none is supplied.
func Default() Config {
	return Config{
		DefaultInputCapacity:         16,
		MinWorkers:                   1,
		MaxWorkers:                   8,
		AllowThreadStealingByDefault: false,
		CheckDuration:                10 * time.Millisecond,
		MaxCheckDuration:             time.Second,
	}
}

// Validate reports whether c's bounds are internally consistent: a
// positive default capacity, and MinWorkers <= MaxWorkers whenever both
// are set. This module maps each subprogram onto its own goroutine
// rather than a bounded worker pool (see scheduler.Table's doc comment),
// so Min/MaxWorkers no longer bound a pool size here, but a config file
// carrying a backwards Min/Max pair is still a caller mistake worth
// rejecting up front.
func (c Config) Validate() error {
	if c.DefaultInputCapacity <= 0 {
		return errors.New("sceneconfig: default_input_capacity must be positive")
	}
	if c.MinWorkers > c.MaxWorkers {
		return errors.New("sceneconfig: min_workers must not exceed max_workers")
	}
	return nil
}

// FromFile decodes a TOML configuration file over the defaults.
func FromFile(path string) (Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// FromEnv layers environment-variable overrides (<namespace>_MIN_WORKERS,
// <namespace>_MAX_WORKERS, <namespace>_DEFAULT_INPUT_CAPACITY) on top of
// c, using the same cfg.EnvProvider/cfg.Init + cfg.Int precedence the teacher
// used for its own service settings (web/middleware/db.go).
func FromEnv(namespace string, c Config) (Config, error) {
	if err := kitcfg.Init(kitcfg.EnvProvider{Namespace: namespace}); err != nil {
		return c, err
	}

	if v, err := kitcfg.Int("MIN_WORKERS"); err == nil {
		c.MinWorkers = v
	}
	if v, err := kitcfg.Int("MAX_WORKERS"); err == nil {
		c.MaxWorkers = v
	}
	if v, err := kitcfg.Int("DEFAULT_INPUT_CAPACITY"); err == nil {
		c.DefaultInputCapacity = v
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
