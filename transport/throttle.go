package transport

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/opd-ai/peerhost/limits"
)

// throttle enforces the host's outgoing bandwidth limit on user data.
// Protocol traffic (handshakes, acknowledgements, pings) is never throttled.
type throttle struct {
	limiter *rate.Limiter
}

// newThrottle returns a throttle for bytesPerSecond; zero means unlimited.
func newThrottle(bytesPerSecond uint32) *throttle {
	if bytesPerSecond == 0 {
		return &throttle{}
	}
	burst := int(bytesPerSecond)
	if burst < limits.DefaultMTU {
		burst = limits.DefaultMTU
	}
	return &throttle{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst)}
}

// allow reports whether n bytes of user data may be sent at now, consuming
// the budget if so.
func (t *throttle) allow(now time.Time, n int) bool {
	if t.limiter == nil {
		return true
	}
	return t.limiter.AllowN(now, n)
}

func (t *throttle) unlimited() bool {
	return t.limiter == nil
}
