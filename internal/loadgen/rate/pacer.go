// Package rate paces session spawning.
package rate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Pacer releases spawn slots at a fixed rate using a leaky bucket.
//
// The bucket keeps a virtual drip time that advances by 1/rate per slot.
// When the caller falls behind schedule the next slot is released at once,
// but no more than one slot is ever stored up, so a slow spawner never
// bursts. The bucket starts full: the first slot is immediate.
//
// # Thread Safety
//
// Pacer is safe for concurrent use.
//
// # Example
//
//	p := NewPacer(10) // 10 sessions per second
//	for i := 0; i < n; i++ {
//	    if err := p.Wait(ctx); err != nil {
//	        break
//	    }
//	    spawn(i)
//	}
type Pacer struct {
	rate        float64
	lastDrip    time.Time
	accumulated float64
	mu          sync.Mutex

	scheduled atomic.Int64
	waited    atomic.Int64
}

// NewPacer creates a pacer releasing perSecond slots per second. A
// non-positive rate falls back to one per second.
func NewPacer(perSecond float64) *Pacer {
	if perSecond <= 0 {
		perSecond = 1.0
	}
	return &Pacer{
		rate:        perSecond,
		lastDrip:    time.Now(),
		accumulated: 1.0,
	}
}

// Next reserves a slot and returns when it opens. The time may be in the
// past if the caller is behind schedule.
func (p *Pacer) Next() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(p.lastDrip).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	p.accumulated += elapsed * p.rate
	if p.accumulated > 1.0 {
		p.accumulated = 1.0
	}
	p.scheduled.Add(1)

	if p.accumulated >= 1.0 {
		p.accumulated -= 1.0
		p.lastDrip = now
		return now
	}

	deficit := 1.0 - p.accumulated
	p.accumulated = 0
	next := now.Add(time.Duration(deficit / p.rate * float64(time.Second)))

	// lastDrip moves to the slot time so waking at next does not count the
	// same interval twice.
	p.lastDrip = next
	p.waited.Add(int64(next.Sub(now)))

	return next
}

// Wait blocks until the next slot opens or ctx ends.
func (p *Pacer) Wait(ctx context.Context) error {
	wait := time.Until(p.Next())
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Rate returns the configured slots per second.
func (p *Pacer) Rate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}

// Interval returns the spacing between slots.
func (p *Pacer) Interval() time.Duration {
	return time.Duration(float64(time.Second) / p.Rate())
}

// Scheduled returns how many slots have been handed out.
func (p *Pacer) Scheduled() int64 {
	return p.scheduled.Load()
}

// TotalWait returns the cumulative time slots were scheduled ahead.
func (p *Pacer) TotalWait() time.Duration {
	return time.Duration(p.waited.Load())
}

// RampDuration estimates how long n slots take at the configured rate.
func (p *Pacer) RampDuration(n int) time.Duration {
	if n <= 1 {
		return 0
	}
	return time.Duration(n-1) * p.Interval()
}
