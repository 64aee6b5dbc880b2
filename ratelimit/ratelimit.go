// Package ratelimit paces packet transmission to a target rate.
package ratelimit

import "time"

// Limiter spreads sends to average pps packets per second.
// Not safe for concurrent use; give each sending goroutine its own.
type Limiter struct {
	nsPerPacket int64
	taken       uint64
	nextCheck   uint64
	start       time.Time
	checkEvery  uint64
}

// New creates a limiter for pps packets per second.
// pps == 0 disables pacing: the returned nil limiter accepts Take calls.
func New(pps uint64) *Limiter {
	if pps == 0 {
		return nil
	}
	// Consult the clock roughly every 10ms worth of packets to balance
	// accuracy against time.Now overhead, clamped to [32, 1024].
	every := min(max(pps/100, 32), 1024)
	return &Limiter{
		nsPerPacket: int64(time.Second) / int64(pps),
		start:       time.Now(),
		checkEvery:  every,
		nextCheck:   every,
	}
}

// Take blocks until n more packets are within the target rate. A limiter
// that fell behind schedule does not compensate with a burst; it simply
// stops sleeping until the schedule catches up.
func (l *Limiter) Take(n uint64) {
	if l == nil || n == 0 {
		return
	}

	l.taken += n
	if l.taken < l.nextCheck {
		return // Fast path between clock checks.
	}
	l.nextCheck = l.taken + l.checkEvery

	due := l.start.Add(time.Duration(int64(l.taken) * l.nsPerPacket))
	if now := time.Now(); now.Before(due) {
		time.Sleep(due.Sub(now))
	}
}
