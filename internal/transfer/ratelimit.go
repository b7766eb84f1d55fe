package transfer

import "golang.org/x/time/rate"

// NewLimiter creates a rate.Limiter that caps the aggregate throughput of a
// session to bytesPerSec. The burst is 1 MB so a whole chunk can pass without
// being split into many small waits.
func NewLimiter(bytesPerSec int64) *rate.Limiter {
	burst := 1 << 20 // 1 MB
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}
