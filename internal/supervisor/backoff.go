package supervisor

import "time"

const (
	DefaultBaseDelay            = time.Second
	DefaultMaxDelay             = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
)

type Config struct {
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	MaxReconnectAttempts int
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:            DefaultBaseDelay,
		MaxDelay:             DefaultMaxDelay,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
	}
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	return c
}

// Delay is the wait before retry number attempt (1-based):
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (c Config) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := c.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxDelay || d <= 0 {
			return c.MaxDelay
		}
	}
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}
