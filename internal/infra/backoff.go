package infra

import (
	"math/rand"
	"time"
)

const (
	backoffBase = 1 * time.Second
	backoffMax  = 60 * time.Second
)

// CalculateBackoff returns an exponential delay with jitter for the given
// retry count, capped at backoffMax.
func CalculateBackoff(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	delay := backoffBase << uint(retry)
	if delay > backoffMax || delay <= 0 {
		delay = backoffMax
	}
	// +/- 25% jitter to avoid synchronized reconnect storms
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay/4*3 + jitter
}
