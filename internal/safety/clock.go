package safety

import "time"

// TimerClock escalates unacknowledged reports after a fixed delay using
// wall-clock timers. Escalate itself re-checks the event status, so a
// timer firing after resolution is harmless.
type TimerClock struct {
	Delay time.Duration
}

func (c TimerClock) AfterReport(eventID string, escalate func()) {
	if c.Delay <= 0 {
		return
	}
	time.AfterFunc(c.Delay, escalate)
}
