package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy configures exponential backoff with multiplicative jitter.
type BackoffPolicy struct {
	BaseDelay time.Duration `json:"base_delay"`
	MaxDelay  time.Duration `json:"max_delay"`
	// JitterFactor j spreads each delay over [1-j, 1+j] of its nominal value.
	JitterFactor float64 `json:"jitter_factor"`
}

// maxShift caps the exponent so base<<n cannot overflow.
const maxShift = 30

// Nominal returns min(MaxDelay, BaseDelay * 2^attempt) without jitter.
func (p BackoffPolicy) Nominal(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	factor := int64(1) << attempt
	d := p.BaseDelay
	if d > 0 && int64(d) > int64(p.MaxDelay)/factor {
		return p.MaxDelay
	}
	d *= time.Duration(factor)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Delay applies jitter to the nominal delay. u must be uniform in [0, 1).
// The result lies in [nominal*(1-j), nominal*(1+j)], clamped to MaxDelay.
func (p BackoffPolicy) Delay(attempt int, u float64) time.Duration {
	nominal := p.Nominal(attempt)
	j := p.JitterFactor
	if j < 0 {
		j = 0
	}
	if j > 1 {
		j = 1
	}
	mult := 1 - j + 2*j*u
	d := time.Duration(float64(nominal) * mult)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// SeededUniform derives a reproducible uniform value in [0, 1) from a seed,
// so a restarted scheduler recomputes the same backoff for the same attempt.
func SeededUniform(seed string, attempt int) float64 {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	return float64(binary.BigEndian.Uint64(h[:8])>>11) / (1 << 53)
}
