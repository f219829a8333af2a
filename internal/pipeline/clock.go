package pipeline

import "time"

// eventClock estimates the exchange's current time from the newest event time
// seen, advanced by the local time elapsed since it arrived. Idle flushing
// runs on it so a skewed local clock cannot close candles early or late.
type eventClock struct {
	latest time.Time
	seenAt time.Time
}

func (c *eventClock) observe(eventTime, local time.Time) {
	if !eventTime.After(c.latest) {
		return
	}

	c.latest = eventTime
	c.seenAt = local
}

// now returns false until the first event was observed.
func (c *eventClock) now(local time.Time) (time.Time, bool) {
	if c.latest.IsZero() {
		return time.Time{}, false
	}

	elapsed := local.Sub(c.seenAt)
	if elapsed < 0 {
		elapsed = 0
	}

	return c.latest.Add(elapsed), true
}
