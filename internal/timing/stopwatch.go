package timing

import "time"

// Stopwatch measures wall-clock time from its creation.
type Stopwatch struct {
	start time.Time
}

// NewStopwatch returns a running stopwatch.
func NewStopwatch() *Stopwatch {
	return &Stopwatch{start: time.Now()}
}

// ElapsedMS returns the milliseconds elapsed since the stopwatch started.
func (s *Stopwatch) ElapsedMS() int64 {
	return time.Since(s.start).Milliseconds()
}
