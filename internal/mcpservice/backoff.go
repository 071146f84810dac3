package mcpservice

import (
	"math"
	"math/rand"
	"time"

	"github.com/mcpforge/aggregator/internal/config"
)

// nextInterval computes the delay before the given (1-indexed) reconnect
// attempt under policy, with jitter drawn from [0.5, 1.5) applied on top
// when enabled, mirroring the doubling-with-cap pattern in
// other_examples/95f3e0c4_miken90-goclaw__internal-mcp-manager.go.go and
// other_examples/ba9d0afb_diane-assistant-diane__server-internal-mcpproxy-ws_client.go.go.
func nextInterval(policy config.ReconnectPolicy, attempt int) time.Duration {
	var d time.Duration
	switch policy.Strategy {
	case config.BackoffLinear:
		d = policy.InitialInterval * time.Duration(attempt)
	case config.BackoffFixed:
		d = policy.InitialInterval
	default: // exponential
		mult := math.Pow(policy.Multiplier, float64(attempt-1))
		d = time.Duration(float64(policy.InitialInterval) * mult)
	}
	if d > policy.MaxInterval {
		d = policy.MaxInterval
	}
	if d < 0 {
		d = policy.MaxInterval
	}
	if policy.Jitter {
		factor := 0.5 + rand.Float64() // [0.5, 1.5)
		d = time.Duration(float64(d) * factor)
	}
	return d
}
