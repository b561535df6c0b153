// Package monitor enforces start-to-close and heartbeat timeouts on
// in-flight activity attempts.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrStartToCloseTimeout = errors.New("start-to-close timeout exceeded")
	ErrHeartbeatTimeout    = errors.New("heartbeat timeout exceeded")
)

// Verdict is the result of a liveness check.
type Verdict int

const (
	Alive Verdict = iota
	StartToCloseExceeded
	HeartbeatExceeded
)

func (v Verdict) String() string {
	switch v {
	case StartToCloseExceeded:
		return "start_to_close_exceeded"
	case HeartbeatExceeded:
		return "heartbeat_exceeded"
	}
	return "alive"
}

// Err maps a verdict to its cancellation cause.
func (v Verdict) Err() error {
	switch v {
	case StartToCloseExceeded:
		return ErrStartToCloseTimeout
	case HeartbeatExceeded:
		return ErrHeartbeatTimeout
	}
	return nil
}

// Limits are the timeouts of one attempt. Zero disables a limit.
type Limits struct {
	StartToClose time.Duration
	Heartbeat    time.Duration
}

// Check evaluates an attempt at time now. The start-to-close limit applies
// regardless of heartbeats. A zero lastBeat means no heartbeat was received
// yet and counts from start.
func Check(now, start, lastBeat time.Time, limits Limits) Verdict {
	if limits.StartToClose > 0 && now.Sub(start) > limits.StartToClose {
		return StartToCloseExceeded
	}
	if limits.Heartbeat > 0 {
		if lastBeat.IsZero() || lastBeat.Before(start) {
			lastBeat = start
		}
		if now.Sub(lastBeat) > limits.Heartbeat {
			return HeartbeatExceeded
		}
	}
	return Alive
}

// Attempt is the heartbeat record of one running attempt.
type Attempt struct {
	Start  time.Time
	Limits Limits

	now func() time.Time

	mu       sync.Mutex
	lastBeat time.Time
	progress any
	beats    int
}

// NewAttempt starts tracking an attempt at the current time.
func NewAttempt(limits Limits) *Attempt {
	return newAttemptWithClock(limits, time.Now)
}

func newAttemptWithClock(limits Limits, now func() time.Time) *Attempt {
	return &Attempt{Start: now(), Limits: limits, now: now}
}

// Beat records liveness. A nil progress keeps the previous details.
func (a *Attempt) Beat(progress any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastBeat = a.now()
	a.beats++
	if progress != nil {
		a.progress = progress
	}
}

// Progress returns the latest heartbeat details.
func (a *Attempt) Progress() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.progress
}

// Beats returns the number of heartbeats received.
func (a *Attempt) Beats() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.beats
}

// Check evaluates the attempt against its limits at the current time.
func (a *Attempt) Check() Verdict {
	a.mu.Lock()
	last := a.lastBeat
	a.mu.Unlock()
	return Check(a.now(), a.Start, last, a.Limits)
}

// Watch returns a context that is cancelled with ErrStartToCloseTimeout or
// ErrHeartbeatTimeout as cause once the attempt breaches a limit. The
// returned stop function releases the watchdog and must be called.
func Watch(parent context.Context, a *Attempt) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	if a.Limits.StartToClose <= 0 && a.Limits.Heartbeat <= 0 {
		return ctx, func() { cancel(nil) }
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() { close(done) })
		cancel(nil)
	}

	go func() {
		ticker := time.NewTicker(tickFor(a.Limits))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if v := a.Check(); v != Alive {
					cancel(v.Err())
					return
				}
			}
		}
	}()
	return ctx, stop
}

// tickFor picks a polling period fine enough for the smallest limit.
func tickFor(l Limits) time.Duration {
	smallest := l.StartToClose
	if l.Heartbeat > 0 && (smallest <= 0 || l.Heartbeat < smallest) {
		smallest = l.Heartbeat
	}
	tick := smallest / 10
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}
	return tick
}

// Cause reports which limit cancelled ctx, if any.
func Cause(ctx context.Context) Verdict {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, ErrStartToCloseTimeout):
		return StartToCloseExceeded
	case errors.Is(cause, ErrHeartbeatTimeout):
		return HeartbeatExceeded
	}
	return Alive
}

// Key identifies an in-flight activity attempt.
type Key struct {
	InstanceID   string
	InvocationID int64
}

// Registry routes external heartbeats to in-flight attempts.
type Registry struct {
	mu       sync.RWMutex
	attempts map[Key]*Attempt
}

func NewRegistry() *Registry {
	return &Registry{attempts: make(map[Key]*Attempt)}
}

func (r *Registry) Add(k Key, a *Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[k] = a
}

// Remove forgets k if it still maps to a.
func (r *Registry) Remove(k Key, a *Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempts[k] == a {
		delete(r.attempts, k)
	}
}

// Beat records a heartbeat for k. It returns false if no attempt is in flight.
func (r *Registry) Beat(k Key, progress any) bool {
	r.mu.RLock()
	a, ok := r.attempts[k]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	a.Beat(progress)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.attempts)
}
