package gps

import "time"

const (
	// MinRefreshRate and MaxRefreshRate bound the estimated fix interval.
	MinRefreshRate = 100 * time.Millisecond
	MaxRefreshRate = 1000 * time.Millisecond
)

// ClampRefreshRate bounds d to [MinRefreshRate, MaxRefreshRate].
func ClampRefreshRate(d time.Duration) time.Duration {
	if d < MinRefreshRate {
		return MinRefreshRate
	}
	if d > MaxRefreshRate {
		return MaxRefreshRate
	}
	return d
}

// refreshEstimator smooths the delta between successive fix timestamps.
type refreshEstimator struct {
	last time.Time
	rate time.Duration
}

func (r *refreshEstimator) observe(ts time.Time) {
	if r.rate == 0 {
		r.rate = MaxRefreshRate
	}
	if !r.last.IsZero() {
		// Repeated or backwards timestamps carry no rate information.
		if delta := ts.Sub(r.last); delta > 0 {
			r.rate = ClampRefreshRate((r.rate + delta) / 2)
		}
	}
	r.last = ts
}

func (r *refreshEstimator) current() time.Duration {
	if r.rate == 0 {
		return MaxRefreshRate
	}
	return r.rate
}
