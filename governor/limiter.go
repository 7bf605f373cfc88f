package governor

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quotaplane/quotaplane/store"
)

// Backstop is the shared free-tier token bucket. All free traffic, across
// every tenant and provider, draws from one budget; it is the outermost
// defence and fires before any window accounting happens.
type Backstop struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	rpm     int
}

// NewBackstop returns a bucket refilling at rpm requests per minute. The
// burst equals the full minute budget so the backstop only bites sustained
// overruns, never a cold start.
func NewBackstop(rpm int) *Backstop {
	burst := rpm
	if burst < 1 {
		burst = 1
	}
	return &Backstop{
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst),
		rpm:     rpm,
	}
}

// Allow consumes one slot if available at the given instant. The caller
// supplies the time so the bucket refills on the same clock as the windows.
func (b *Backstop) Allow(at time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limiter.AllowN(at, 1)
}

// SetRPM rebuilds the bucket at a new rate.
func (b *Backstop) SetRPM(rpm int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	burst := rpm
	if burst < 1 {
		burst = 1
	}
	b.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
	b.rpm = rpm
}

// RPM reports the configured rate.
func (b *Backstop) RPM() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rpm
}

// DefaultBackstop returns the backstop at the built-in free-tier rate.
func DefaultBackstop() *Backstop {
	return NewBackstop(store.FreeTierSharedRPM)
}
