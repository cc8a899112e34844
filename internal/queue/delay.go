package queue

import "time"

const (
	recentWindow = 60 * time.Second
	midWindow    = 180 * time.Second

	recentMin = 2 * time.Second
	recentMax = 5 * time.Second
	midDelay  = 10 * time.Second

	// Long silences are scaled by 1+U(longJitterLow, longJitterHigh).
	longJitterLow  = -0.10
	longJitterHigh = 0.05
)

// Delay maps the time since a session's last message to how long to wait
// before handling it. rnd returns values in [0, 1).
//
//	<= 60s        uniform [2s, 5s)
//	(60s, 180s]   10s
//	> 180s        sinceLast * (1 + U(-0.10, +0.05))
func Delay(sinceLast time.Duration, rnd func() float64) time.Duration {
	switch {
	case sinceLast <= recentWindow:
		return recentMin + time.Duration(rnd()*float64(recentMax-recentMin))
	case sinceLast <= midWindow:
		return midDelay
	default:
		factor := 1 + longJitterLow + rnd()*(longJitterHigh-longJitterLow)
		return time.Duration(float64(sinceLast) * factor)
	}
}
