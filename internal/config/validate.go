package config

import (
	"errors"
	"fmt"
)

// Validate checks that all values are usable by the engine.
func (c *Config) Validate() error {
	if c.Feeds.RestURL == "" {
		return errors.New("feeds.rest_url is required")
	}
	if c.Feeds.StreamPollInterval <= 0 {
		return errors.New("feeds.stream_poll_interval must be > 0")
	}
	if c.Feeds.BasketPollInterval <= 0 {
		return errors.New("feeds.basket_poll_interval must be > 0")
	}
	if c.Feeds.StreamGrace < 0 {
		return errors.New("feeds.stream_grace must be >= 0")
	}
	if c.Feeds.MaxRetries < 0 {
		return errors.New("feeds.max_retries must be >= 0")
	}

	for name, r := range map[string]Range{
		"crypto":    c.Validation.Crypto,
		"forex":     c.Validation.Forex,
		"commodity": c.Validation.Commodity,
		"equity":    c.Validation.Equity,
	} {
		if r.Min <= 0 || r.Max <= r.Min {
			return fmt.Errorf("validation.%s must satisfy 0 < min < max, got [%g, %g]", name, r.Min, r.Max)
		}
	}

	if c.Alerts.Threshold1 <= 0 {
		return errors.New("alerts.threshold1 must be > 0")
	}
	if c.Alerts.Threshold2 < c.Alerts.Threshold1 {
		return fmt.Errorf("alerts.threshold2 (%g) cannot be below threshold1 (%g)", c.Alerts.Threshold2, c.Alerts.Threshold1)
	}
	if c.Alerts.QueueCap < 1 {
		return errors.New("alerts.queue_cap must be >= 1")
	}

	if c.Staleness.Interval <= 0 {
		return errors.New("staleness.interval must be > 0")
	}
	if c.Staleness.Expired < c.Staleness.Delayed {
		return fmt.Errorf("staleness.expired (%s) cannot be below delayed (%s)", c.Staleness.Expired, c.Staleness.Delayed)
	}

	if c.Trading.MinStake <= 0 {
		return errors.New("trading.min_stake must be > 0")
	}
	if c.Trading.MaxStake < c.Trading.MinStake {
		return fmt.Errorf("trading.min_stake (%g) cannot exceed max_stake (%g)", c.Trading.MinStake, c.Trading.MaxStake)
	}
	if len(c.Trading.Durations) == 0 {
		return errors.New("trading.durations must not be empty")
	}
	for _, d := range c.Trading.Durations {
		if d <= 0 {
			return fmt.Errorf("trading.durations must be positive, got %d", d)
		}
	}
	if c.Trading.WinOverrideRate < 0 || c.Trading.WinOverrideRate > 1 {
		return fmt.Errorf("trading.win_override_rate must be within [0, 1], got %g", c.Trading.WinOverrideRate)
	}
	if c.Trading.DefaultMode != "practice" && c.Trading.DefaultMode != "live" {
		return fmt.Errorf("trading.default_mode must be practice or live, got %q", c.Trading.DefaultMode)
	}

	if c.Balances.Practice < 0 || c.Balances.Live < 0 {
		return errors.New("balances must be >= 0")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	return nil
}
