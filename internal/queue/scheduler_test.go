package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/elemta-outbound/internal/delivery"
)

func TestBackoff(t *testing.T) {
	s := NewScheduler(RetryPolicy{Base: time.Minute, MaxInterval: time.Hour, MaxRetries: 10})

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{5, 32 * time.Minute},
		{6, time.Hour},
		{40, time.Hour},
		{-1, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Backoff(tt.retry), "retry %d", tt.retry)
	}
}

func TestSchedulerDefaults(t *testing.T) {
	s := NewScheduler(RetryPolicy{})
	defaults := DefaultRetryPolicy()
	assert.Equal(t, defaults.Base, s.Policy().Base)
	assert.Equal(t, defaults.MaxInterval, s.Policy().MaxInterval)
	assert.Equal(t, defaults.MaxRetries, s.Policy().MaxRetries)
	assert.Zero(t, s.Policy().MaxQueueAge)

	capped := NewScheduler(RetryPolicy{Base: time.Hour, MaxInterval: time.Minute})
	assert.Equal(t, time.Hour, capped.Policy().MaxInterval)
}

func TestDecide(t *testing.T) {
	s := NewScheduler(RetryPolicy{Base: time.Minute, MaxInterval: time.Hour, MaxRetries: 3})
	now := time.Now()

	d := s.Decide(delivery.Succeeded("mx.foobar.org", 250, "ok"), 2, now, now)
	assert.Equal(t, DecisionDelivered, d.Kind)
	assert.Equal(t, StatusDelivered, d.Status())
	assert.True(t, d.NextDue.IsZero())

	d = s.Decide(delivery.PermFail(delivery.ErrorTypeSMTP, "550 5.1.1 no such user"), 0, now, now)
	assert.Equal(t, DecisionPermanentFailure, d.Kind)
	assert.Equal(t, "550 5.1.1 no such user", d.Reason)
	assert.Equal(t, StatusPermanentFailure, d.Status())

	d = s.Decide(delivery.TempFail(delivery.ErrorTypeSMTP, "451 try later"), 1, now, now)
	assert.Equal(t, DecisionRetryAt, d.Kind)
	assert.Equal(t, 2, d.RetryCount)
	assert.Equal(t, now.Add(2*time.Minute), d.NextDue)
	assert.Equal(t, StatusTemporaryFailure, d.Status())
}

func TestDecideMonotonicThenDeadLetter(t *testing.T) {
	s := NewScheduler(RetryPolicy{Base: time.Second, MaxInterval: 8 * time.Second, MaxRetries: 6})
	created := time.Now()
	now := created
	fail := delivery.TempFail(delivery.ErrorTypeConnection, "connection refused")

	retry := 0
	var last time.Time
	var lastGap time.Duration
	for {
		d := s.Decide(fail, retry, created, now)
		if d.Kind == DecisionDeadLetter {
			assert.Equal(t, 7, d.RetryCount)
			assert.Contains(t, d.Reason, "retry limit")
			assert.Equal(t, StatusDeadLettered, d.Status())
			break
		}
		require.Equal(t, DecisionRetryAt, d.Kind)
		assert.True(t, d.NextDue.After(now))
		if !last.IsZero() {
			assert.True(t, d.NextDue.After(last))
			assert.GreaterOrEqual(t, d.NextDue.Sub(now), lastGap)
		}
		last, lastGap = d.NextDue, d.NextDue.Sub(now)
		retry = d.RetryCount
		now = d.NextDue
	}
	assert.Equal(t, 6, retry)
}

func TestDecideQueueAge(t *testing.T) {
	s := NewScheduler(RetryPolicy{Base: time.Minute, MaxRetries: 100, MaxQueueAge: time.Hour})
	created := time.Now().Add(-2 * time.Hour)

	d := s.Decide(delivery.TempFail(delivery.ErrorTypeTimeout, "timeout"), 0, created, time.Now())
	assert.Equal(t, DecisionDeadLetter, d.Kind)
	assert.Contains(t, d.Reason, "queued longer than")
}

func TestDecideSingleRetry(t *testing.T) {
	s := NewScheduler(RetryPolicy{Base: time.Minute, MaxInterval: time.Hour, MaxRetries: 1})
	now := time.Now()
	tempfail := delivery.TempFail(delivery.ErrorTypeSMTP, "451 try later")

	d := s.Decide(tempfail, 0, now, now)
	assert.Equal(t, DecisionRetryAt, d.Kind)
	assert.Equal(t, 1, d.RetryCount)

	d = s.Decide(tempfail, 1, now, now)
	assert.Equal(t, DecisionDeadLetter, d.Kind)
	assert.Equal(t, 2, d.RetryCount)
}
