package executor

import (
	"fmt"
	"sync"
	"time"

	"github.com/teranos/hubjobs/errors"
)

// SubmissionLimiter bounds external backend submissions per minute using a sliding window
type SubmissionLimiter struct {
	maxPerMinute int
	window       time.Duration
	mu           sync.Mutex
	calls        []time.Time
	timeNow      func() time.Time // Injectable for testing
}

// NewSubmissionLimiter creates a limiter with real time
func NewSubmissionLimiter(maxPerMinute int) *SubmissionLimiter {
	return NewSubmissionLimiterWithClock(maxPerMinute, time.Now)
}

// NewSubmissionLimiterWithClock creates a limiter with an injectable clock (for testing)
func NewSubmissionLimiterWithClock(maxPerMinute int, timeNow func() time.Time) *SubmissionLimiter {
	return &SubmissionLimiter{
		maxPerMinute: maxPerMinute,
		window:       time.Minute,
		calls:        make([]time.Time, 0, maxPerMinute),
		timeNow:      timeNow,
	}
}

// Allow records a submission if the window has room.
// A limiter without a maximum allows everything.
func (l *SubmissionLimiter) Allow() error {
	if l == nil || l.maxPerMinute <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	l.removeExpired(now)

	if len(l.calls) >= l.maxPerMinute {
		err := errors.Newf("submission limit exceeded: %d submissions per minute", l.maxPerMinute)
		err = errors.WithDetail(err, fmt.Sprintf("Submissions in window: %d", len(l.calls)))
		return errors.Mark(err, errors.ErrServiceUnavailable)
	}
	l.calls = append(l.calls, now)
	return nil
}

// removeExpired drops submissions outside the window. Must be called with lock held.
func (l *SubmissionLimiter) removeExpired(now time.Time) {
	cutoff := now.Add(-l.window)
	expired := 0
	for _, t := range l.calls {
		if t.After(cutoff) {
			break
		}
		expired++
	}
	l.calls = l.calls[expired:]
}

// Stats returns the submissions in the current window and the remaining room
func (l *SubmissionLimiter) Stats() (inWindow int, remaining int) {
	if l == nil || l.maxPerMinute <= 0 {
		return 0, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.removeExpired(l.timeNow())
	inWindow = len(l.calls)
	remaining = l.maxPerMinute - inWindow
	if remaining < 0 {
		remaining = 0
	}
	return inWindow, remaining
}
