package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	defaultBaseDelay     = 2 * time.Second
	defaultMaxDelay      = 300 * time.Second
	defaultJitterPercent = 20
	defaultOpenDelay     = 30 * time.Second
	minDelay             = time.Second
)

// Policy computes exponential backoff with symmetric jitter, in whole seconds.
type Policy struct {
	base          time.Duration
	max           time.Duration
	jitterPercent int
	openDelay     time.Duration
	randIntn      func(n int) int
}

func NewPolicy(base, max time.Duration, jitterPercent int, circuitOpen time.Duration) *Policy {
	return newPolicy(base, max, jitterPercent, circuitOpen, rand.IntN)
}

func newPolicy(
	base, max time.Duration,
	jitterPercent int,
	circuitOpen time.Duration,
	randIntn func(n int) int,
) *Policy {
	if base <= 0 {
		base = defaultBaseDelay
	}
	if max <= 0 {
		max = defaultMaxDelay
	}
	if jitterPercent < 0 || jitterPercent > 100 {
		jitterPercent = defaultJitterPercent
	}
	if circuitOpen <= 0 {
		circuitOpen = defaultOpenDelay
	}
	if randIntn == nil {
		randIntn = rand.IntN
	}

	return &Policy{
		base:          base,
		max:           max,
		jitterPercent: jitterPercent,
		openDelay:     circuitOpen,
		randIntn:      randIntn,
	}
}

// Delay returns the wait before the attempt following attempt n (1-based).
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	baseSecs := int64(p.base / time.Second)
	maxSecs := int64(p.max / time.Second)

	delay := maxSecs
	if attempt-1 < 62 {
		scaled := baseSecs << (attempt - 1)
		if scaled > 0 && scaled < maxSecs {
			delay = scaled
		}
	}

	spread := int64(math.Round(float64(delay) * float64(p.jitterPercent) / 100))
	if spread > 0 {
		delay += int64(p.randIntn(int(2*spread+1))) - spread
	}

	out := time.Duration(delay) * time.Second
	if out < minDelay {
		return minDelay
	}
	return out
}

// CircuitOpenDelay is the requeue delay used while the channel breaker is open.
func (p *Policy) CircuitOpenDelay() time.Duration {
	return p.openDelay
}
