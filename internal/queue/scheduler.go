package queue

import (
	"fmt"
	"time"

	"github.com/busybox42/elemta-outbound/internal/delivery"
)

// RetryPolicy bounds how long and how often a recipient is retried
type RetryPolicy struct {
	// Base is the delay after the first temporary failure
	Base time.Duration
	// MaxInterval caps the delay between two attempts
	MaxInterval time.Duration
	// MaxRetries is the number of temporary failures tolerated
	MaxRetries int
	// MaxQueueAge dead-letters entries older than this; zero disables the check
	MaxQueueAge time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        time.Minute,
		MaxInterval: 4 * time.Hour,
		MaxRetries:  20,
		MaxQueueAge: 5 * 24 * time.Hour,
	}
}

// DecisionKind is the disposition chosen for a recipient after an attempt
type DecisionKind int

const (
	DecisionDelivered DecisionKind = iota
	DecisionRetryAt
	DecisionPermanentFailure
	DecisionDeadLetter
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionDelivered:
		return "delivered"
	case DecisionRetryAt:
		return "retry"
	case DecisionPermanentFailure:
		return "permanent_failure"
	case DecisionDeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Decision is the scheduler's verdict for one attempt
type Decision struct {
	Kind       DecisionKind
	NextDue    time.Time
	RetryCount int
	Reason     string
}

// Status maps the decision onto the recipient status it produces
func (d Decision) Status() Status {
	switch d.Kind {
	case DecisionDelivered:
		return StatusDelivered
	case DecisionRetryAt:
		return StatusTemporaryFailure
	case DecisionPermanentFailure:
		return StatusPermanentFailure
	}
	return StatusDeadLettered
}

// Scheduler turns attempt outcomes into dispositions. It holds no state.
type Scheduler struct {
	policy RetryPolicy
}

// NewScheduler creates a scheduler, filling unset policy fields with defaults
func NewScheduler(policy RetryPolicy) *Scheduler {
	defaults := DefaultRetryPolicy()
	if policy.Base <= 0 {
		policy.Base = defaults.Base
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = defaults.MaxInterval
	}
	if policy.MaxInterval < policy.Base {
		policy.MaxInterval = policy.Base
	}
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = defaults.MaxRetries
	}
	return &Scheduler{policy: policy}
}

// Policy returns the effective policy
func (s *Scheduler) Policy() RetryPolicy {
	return s.policy
}

// Backoff returns base × 2^retryCount, capped at the maximum interval
func (s *Scheduler) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := s.policy.Base
	for i := 0; i < retryCount; i++ {
		if d >= s.policy.MaxInterval/2 {
			return s.policy.MaxInterval
		}
		d *= 2
	}
	if d > s.policy.MaxInterval {
		return s.policy.MaxInterval
	}
	return d
}

// Decide chooses what happens to a recipient after an attempt
func (s *Scheduler) Decide(outcome delivery.Outcome, retryCount int, createdAt, now time.Time) Decision {
	switch outcome.Kind {
	case delivery.Success:
		return Decision{Kind: DecisionDelivered, RetryCount: retryCount, Reason: outcome.Reason}

	case delivery.PermanentFailure:
		return Decision{Kind: DecisionPermanentFailure, RetryCount: retryCount, Reason: outcome.Reason}
	}

	next := retryCount + 1
	if next > s.policy.MaxRetries {
		return Decision{
			Kind:       DecisionDeadLetter,
			RetryCount: next,
			Reason:     fmt.Sprintf("retry limit of %d reached: %s", s.policy.MaxRetries, outcome.Reason),
		}
	}
	if s.policy.MaxQueueAge > 0 && !createdAt.IsZero() && now.Sub(createdAt) > s.policy.MaxQueueAge {
		return Decision{
			Kind:       DecisionDeadLetter,
			RetryCount: next,
			Reason:     fmt.Sprintf("queued longer than %s: %s", s.policy.MaxQueueAge, outcome.Reason),
		}
	}

	return Decision{
		Kind:       DecisionRetryAt,
		NextDue:    now.Add(s.Backoff(retryCount)),
		RetryCount: next,
		Reason:     outcome.Reason,
	}
}
