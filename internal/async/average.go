package async

import (
	"sync"
	"time"
)

// MovingAverage is the cumulative average of the values recorded so far.
type MovingAverage struct {
	mu    sync.Mutex
	n     int
	value float64
}

// Update records a value and returns the new average.
func (a *MovingAverage) Update(v float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	a.value += (v - a.value) / float64(a.n)
	return a.value
}

// Value returns the current average.
func (a *MovingAverage) Value() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value
}

// Duration returns the average interpreted as milliseconds.
func (a *MovingAverage) Duration() time.Duration {
	return time.Duration(a.Value() * float64(time.Millisecond))
}
