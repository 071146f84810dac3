package proxy

import (
	"math"
	"math/rand"
	"time"
)

// nextInterval computes an exponential reconnect delay between initial and
// max, jittered by [0.5, 1.5), mirroring mcpservice.nextInterval but keyed
// off the proxy's own ReconnectInitial/ReconnectMax config pair rather than
// a full config.ReconnectPolicy (the proxy peer connection has no
// MaxAttempts cutoff: it keeps trying to reach the remote indefinitely).
func nextInterval(initial, max time.Duration, attempt int) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 60 * time.Second
	}
	mult := math.Pow(2, float64(attempt-1))
	d := time.Duration(float64(initial) * mult)
	if d > max {
		d = max
	}
	factor := 0.5 + rand.Float64()
	return time.Duration(float64(d) * factor)
}
