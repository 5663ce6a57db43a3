package clock

import "time"

// Timer is a pending one-shot callback.
type Timer interface {
	// Stop cancels the timer. It reports false if the callback already ran
	// or the timer was already stopped.
	Stop() bool
}

// Clock abstracts wall time so greeting and playback timers can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
