package dispatcher

import (
	"errors"
	"math/rand/v2"
	"time"
)

// retryDelay returns how long to wait before attempt retry+1, honoring a
// RetryAfter hint when the error carries one.
func retryDelay(cfg Config, retry int, err error) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return jitter(min(ra.RetryAfter(), cfg.RetryMaxDelay), cfg.RetryJitter, cfg.RetryMaxDelay)
	}
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(d, cfg.RetryJitter, cfg.RetryMaxDelay)
}

func jitter(d time.Duration, frac float64, maxD time.Duration) time.Duration {
	if frac > 0 && d > 0 {
		r := (rand.Float64()*2 - 1) * frac
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), maxD)
}
