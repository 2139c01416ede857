package extraction

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/feichai0017/chunk-extractor/internal/models"
)

// Backoff is the delay schedule of one failure class.
type Backoff struct {
	Unit time.Duration
	Cap  time.Duration
}

// Policy holds the per-class backoff schedules. The delay before retrying
// after attempt n is min(n*n*Unit, Cap) plus uniform jitter in [0, MaxJitter).
type Policy struct {
	Timeout   Backoff
	RateLimit Backoff
	Transient Backoff
	MaxJitter time.Duration
	// Jitter overrides the random source, for tests.
	Jitter func(max time.Duration) time.Duration
}

// DefaultPolicy returns the production schedules.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:   Backoff{Unit: 3 * time.Second, Cap: 30 * time.Second},
		RateLimit: Backoff{Unit: 10 * time.Second, Cap: 60 * time.Second},
		Transient: Backoff{Unit: 5 * time.Second, Cap: 45 * time.Second},
		MaxJitter: 5 * time.Second,
	}
}

func (p Policy) unset() bool {
	return p.Timeout == (Backoff{}) && p.RateLimit == (Backoff{}) && p.Transient == (Backoff{})
}

func (p Policy) schedule(kind models.ErrorKind) Backoff {
	switch kind {
	case models.KindTimeout:
		return p.Timeout
	case models.KindRateLimit:
		return p.RateLimit
	default:
		return p.Transient
	}
}

// Base returns the delay before the attempt following attempt (1-based),
// without jitter.
func (p Policy) Base(kind models.ErrorKind, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.schedule(kind)
	d := time.Duration(attempt*attempt) * b.Unit
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	return d
}

// Delay is Base plus jitter.
func (p Policy) Delay(kind models.ErrorKind, attempt int) time.Duration {
	return p.Base(kind, attempt) + p.jitter()
}

func (p Policy) jitter() time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	if p.Jitter != nil {
		return p.Jitter(p.MaxJitter)
	}
	return time.Duration(rand.Int64N(int64(p.MaxJitter)))
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
