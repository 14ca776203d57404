package realtime

import "time"

// Backoff returns the delay before reconnect attempt n (zero-based):
// min(base * 2^n, limit).
func Backoff(base, limit time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}

	d := base
	for range n {
		if d >= limit {
			return limit
		}

		d *= 2
	}

	return min(d, limit)
}
