package submission

import "time"

func SetCountdownClock(c *Countdown, now func() time.Time, interval time.Duration) {
	c.now = now
	c.interval = interval
}
