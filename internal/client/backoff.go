package client

import "time"

// defaultSchedule is the reconnect delay ladder: Fibonacci-like and
// capped at the last entry. Attempts beyond the ladder reuse the cap.
var defaultSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	3 * time.Second,
	5 * time.Second,
	8 * time.Second,
	13 * time.Second,
	21 * time.Second,
	34 * time.Second,
	55 * time.Second,
	89 * time.Second,
}

// defaultMaxAttempts bounds automatic reconnects. Exhausting it is a
// fatal, user-visible condition, not a silent stop.
const defaultMaxAttempts = 10

type reconnectSchedule struct {
	delays []time.Duration
}

func newReconnectSchedule(delays []time.Duration) *reconnectSchedule {
	if len(delays) == 0 {
		delays = defaultSchedule
	}

	return &reconnectSchedule{delays: delays}
}

// Delay returns the wait before reconnect attempt number attempt
// (zero-based). Attempts past the end of the ladder get the final delay.
func (s *reconnectSchedule) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	if attempt >= len(s.delays) {
		attempt = len(s.delays) - 1
	}

	return s.delays[attempt]
}
