package backoff

import "time"

// Config defines retry backoff behavior.
type Config struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     2 * time.Second,
	}
}

// Backoff tracks consecutive failures and the delay owed for the latest one.
// The zero value never waits.
type Backoff struct {
	cfg     Config
	delay   time.Duration
	attempt int
}

func New(cfg Config) *Backoff {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Backoff{cfg: cfg}
}

// Next records a failure and returns how long to wait before retrying.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	switch {
	case b.attempt == 1 || b.delay <= 0:
		b.delay = b.cfg.InitialDelay
	default:
		b.delay = time.Duration(float64(b.delay) * b.cfg.Multiplier)
	}
	if b.cfg.MaxDelay > 0 && b.delay > b.cfg.MaxDelay {
		b.delay = b.cfg.MaxDelay
	}
	if b.delay < 0 {
		b.delay = 0
	}
	return b.delay
}

// Attempt is the number of failures since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset clears the failure streak after a successful read.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.delay = 0
}
