package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy configures exponential backoff between retry attempts.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration

	// Max caps any single delay.
	Max time.Duration

	// Factor multiplies the delay after each attempt.
	Factor float64

	// Jitter adds up to this fraction of the delay at random.
	Jitter float64
}

// Delay returns the wait before the attempt following the given one (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*randomValue
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}

// GatewayPolicy is used between completion gateway retries.
func GatewayPolicy() Policy {
	return Policy{
		Initial: time.Second,
		Max:     10 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// BrokerPolicy is used between identity broker token exchange retries.
func BrokerPolicy() Policy {
	return Policy{
		Initial: 200 * time.Millisecond,
		Max:     2 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}
