package nonce

import (
	"time"

	"github.com/csai/reqguard/internal/reject"
)

const (
	DefaultTTL        = 10 * time.Minute
	DefaultClockSkew  = 60 * time.Second
	DefaultMaxSize    = 100000
	DefaultNonceBytes = 16
	DefaultMinLength  = 8
	DefaultMaxLength  = 128

	minEvictInterval = 30 * time.Second
)

// Config enumerates every ledger option. Zero values select the defaults
// above. MaxSize is a hard bound on stored records across all owners. A
// negative MaxSize disables it, which is only sensible for stores that
// expire records on their own.
type Config struct {
	TTL            time.Duration
	ClockSkew      time.Duration
	MaxSize        int
	StrictOrdering bool
	NonceBytes     int
	MinLength      int
	MaxLength      int
	EvictInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.ClockSkew == 0 {
		c.ClockSkew = DefaultClockSkew
	}
	if c.MaxSize == 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.NonceBytes == 0 {
		c.NonceBytes = DefaultNonceBytes
	}
	if c.MinLength == 0 {
		c.MinLength = DefaultMinLength
	}
	if c.MaxLength == 0 {
		c.MaxLength = DefaultMaxLength
	}
	if c.EvictInterval == 0 {
		c.EvictInterval = c.TTL / 2
		if c.EvictInterval < minEvictInterval {
			c.EvictInterval = minEvictInterval
		}
	}
	return c
}

func (c Config) validate() error {
	if c.TTL < time.Second {
		return reject.Configf("nonce ttl must be >= 1s, got %s", c.TTL)
	}
	if c.ClockSkew < 0 {
		return reject.Configf("clock skew must be >= 0")
	}
	if c.NonceBytes < 8 || c.NonceBytes > 64 {
		return reject.Configf("nonce bytes must be within [8, 64], got %d", c.NonceBytes)
	}
	if c.MinLength < 1 || c.MaxLength < c.MinLength {
		return reject.Configf("invalid nonce length bounds [%d, %d]", c.MinLength, c.MaxLength)
	}
	if n := c.NonceBytes * 2; n < c.MinLength || n > c.MaxLength {
		return reject.Configf("issued nonce length %d falls outside [%d, %d]", n, c.MinLength, c.MaxLength)
	}
	if c.MaxSize > 0 && c.MaxSize < 2 {
		return reject.Configf("max size must be >= 2")
	}
	if c.EvictInterval < 0 {
		return reject.Configf("evict interval must be > 0")
	}
	return nil
}
