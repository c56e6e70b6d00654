package aggregator

import "time"

const (
	DefaultBackoffBase     = time.Minute
	DefaultBackoffMax      = 6 * time.Hour
	DefaultPermanentFactor = 4
)

// Backoff computes the extra delay added to a failing feed's next fetch time.
type Backoff struct {
	Base            time.Duration
	Max             time.Duration
	PermanentFactor int
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Max < b.Base {
		b.Max = DefaultBackoffMax
		if b.Max < b.Base {
			b.Max = b.Base
		}
	}
	if b.PermanentFactor < 1 {
		b.PermanentFactor = DefaultPermanentFactor
	}
	return b
}

// Delay returns min(Base * 2^(failures-1) * f, Max), where f is PermanentFactor for
// permanent failures and 1 otherwise. A server-provided retryAfter raises the result
// but never past Max.
func (b Backoff) Delay(failures int, permanent bool, retryAfter time.Duration) time.Duration {
	b = b.withDefaults()
	if failures < 1 {
		return 0
	}

	d := b.Base
	for i := 1; i < failures && d < b.Max; i++ {
		d *= 2
	}
	if permanent && d < b.Max {
		d *= time.Duration(b.PermanentFactor)
	}
	if retryAfter > d {
		d = retryAfter
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Next is Delay floored at the delay applied after the previous failure of the same
// streak, so a streak never shortens when the failure kind or Retry-After changes.
func (b Backoff) Next(failures int, permanent bool, retryAfter, previous time.Duration) time.Duration {
	b = b.withDefaults()
	d := b.Delay(failures, permanent, retryAfter)
	if failures > 1 && previous > d {
		d = min(previous, b.Max)
	}
	return d
}
