// Package bucket implements a token bucket rate limiter.
//
// A bucket holds up to Burst tokens and refills at Rate tokens per second.
// Each allowed event takes one token; when the bucket is empty, events are
// refused until it refills. Nothing in this package blocks.
package bucket

import (
	"math"
	"sync"
	"time"

	clerrors "github.com/vnykmshr/coreloop/pkg/common/errors"
	"github.com/vnykmshr/coreloop/pkg/common/validation"
)

// Limit represents the maximum frequency of events per second.
// A zero Limit allows only the initial burst. Use Inf for unlimited rates.
type Limit float64

// Inf is the infinite rate limit; it allows all events.
var Inf = Limit(math.Inf(1))

// Every converts a minimum time interval between events to a Limit.
func Every(interval time.Duration) Limit {
	if interval <= 0 {
		return Inf
	}
	return Limit(time.Second) / Limit(interval)
}

// Limiter decides whether an event may happen now.
type Limiter interface {
	// Allow reports whether an event may happen now.
	Allow() bool

	// AllowN reports whether n events may happen now. Either all n tokens
	// are taken or none.
	AllowN(n int) bool

	// Tokens returns the number of tokens currently available.
	Tokens() float64

	// Limit returns the refill rate.
	Limit() Limit

	// Burst returns the bucket size.
	Burst() int
}

// Clock provides the current time. It can be mocked for testing.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using the system time.
type SystemClock struct{}

// Now returns the current system time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Config holds configuration options for creating a new Limiter.
type Config struct {
	// Rate is the number of tokens added per second.
	Rate Limit

	// Burst is the maximum number of tokens that can be stored.
	Burst int

	// Clock provides the current time. If nil, SystemClock is used.
	Clock Clock
}

type tokenBucket struct {
	mu         sync.Mutex
	limit      Limit
	burst      int
	tokens     float64
	lastUpdate time.Time
	clock      Clock
}

// New creates a full bucket refilling at rate with room for burst tokens.
func New(rate Limit, burst int) (Limiter, error) {
	return NewWithConfig(Config{Rate: rate, Burst: burst})
}

// NewWithConfig creates a full bucket from config.
func NewWithConfig(config Config) (Limiter, error) {
	if config.Rate < 0 || math.IsNaN(float64(config.Rate)) {
		return nil, clerrors.NewValidationError("bucket", "rate", config.Rate, "rate cannot be negative").
			WithHint("use 0 for no refill or a positive value")
	}
	if err := validation.ValidatePositive("bucket", "burst", config.Burst); err != nil {
		return nil, err
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}

	return &tokenBucket{
		limit:      config.Rate,
		burst:      config.Burst,
		tokens:     float64(config.Burst),
		lastUpdate: config.Clock.Now(),
		clock:      config.Clock,
	}, nil
}

func (tb *tokenBucket) Allow() bool {
	return tb.AllowN(1)
}

func (tb *tokenBucket) AllowN(n int) bool {
	if n <= 0 {
		return true
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.limit == Inf {
		return true
	}
	tb.refill(tb.clock.Now())
	if tb.tokens < float64(n) {
		return false
	}
	tb.tokens -= float64(n)
	return true
}

func (tb *tokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(tb.clock.Now())
	return tb.tokens
}

func (tb *tokenBucket) Limit() Limit {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.limit
}

func (tb *tokenBucket) Burst() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.burst
}

// refill adds tokens for the time elapsed since the last update.
func (tb *tokenBucket) refill(now time.Time) {
	if tb.limit == Inf {
		tb.tokens = float64(tb.burst)
		tb.lastUpdate = now
		return
	}

	elapsed := now.Sub(tb.lastUpdate)
	if elapsed <= 0 {
		return
	}
	tb.tokens = math.Min(tb.tokens+elapsed.Seconds()*float64(tb.limit), float64(tb.burst))
	tb.lastUpdate = now
}
