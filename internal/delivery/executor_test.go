package delivery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/elemta-outbound/internal/delivery/deliverytest"
)

func localTarget() Target {
	return Target{Host: "mx.foobar.org", Preference: 10, Addrs: []net.IP{net.ParseIP("127.0.0.1")}}
}

func testEnvelope(to string) Envelope {
	return Envelope{
		MessageID: "msg-1",
		From:      "sender@example.com",
		To:        to,
		Content:   []byte("Subject: test\r\n\r\nhello\r\n"),
	}
}

func TestAttemptSuccess(t *testing.T) {
	mx := deliverytest.NewServer(t)
	e := NewExecutor(Config{Hostname: "outbound.test", Port: mx.Port, AttemptTimeout: 5 * time.Second})

	o := e.Attempt(context.Background(), testEnvelope("bill@foobar.org"), localTarget())
	require.Equal(t, Success, o.Kind, o.Reason)
	assert.Equal(t, "mx.foobar.org", o.Host)
	assert.NoError(t, o.Err())

	received := mx.Received()
	require.Len(t, received, 1)
	assert.Equal(t, "sender@example.com", received[0].From)
	assert.Equal(t, []string{"bill@foobar.org"}, received[0].To)
	assert.Contains(t, string(received[0].Data), "hello")
}

func TestAttemptRemoteRejection(t *testing.T) {
	mx := deliverytest.NewServer(t)
	mx.OnRcpt(func(to string) error {
		switch to {
		case "gone@foobar.org":
			return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "mailbox unavailable"}
		case "busy@foobar.org":
			return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "try again later"}
		}
		return nil
	})
	e := NewExecutor(Config{Port: mx.Port, AttemptTimeout: 5 * time.Second})

	t.Run("5xx is permanent", func(t *testing.T) {
		o := e.Attempt(context.Background(), testEnvelope("gone@foobar.org"), localTarget())
		assert.Equal(t, PermanentFailure, o.Kind)
		assert.Equal(t, 550, o.Code)
		assert.Equal(t, "5.1.1", o.Enhanced)
		assert.Contains(t, o.Reason, "mailbox unavailable")

		var derr *DeliveryError
		require.ErrorAs(t, o.Err(), &derr)
		assert.False(t, derr.Temporary)
	})

	t.Run("4xx is temporary", func(t *testing.T) {
		o := e.Attempt(context.Background(), testEnvelope("busy@foobar.org"), localTarget())
		assert.Equal(t, TemporaryFailure, o.Kind)
		assert.Equal(t, ErrorTypeSMTP, o.Cause)
		assert.Equal(t, 451, o.Code)
	})

	assert.Empty(t, mx.Received())
}

func TestAttemptTimeout(t *testing.T) {
	mx := deliverytest.NewServer(t)
	mx.SetDelay(2 * time.Second)
	e := NewExecutor(Config{Port: mx.Port, AttemptTimeout: 300 * time.Millisecond})

	o := e.Attempt(context.Background(), testEnvelope("bill@foobar.org"), localTarget())
	assert.Equal(t, TemporaryFailure, o.Kind)
	assert.True(t, o.Timeout)
	assert.Equal(t, ErrorTypeTimeout, o.Cause)
	assert.Less(t, o.Duration, 2*time.Second)
}

func TestAttemptConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	e := NewExecutor(Config{
		Port:                port,
		AttemptTimeout:      time.Second,
		BreakerMinRequests:  2,
		BreakerFailureRatio: 0.5,
		BreakerTimeout:      time.Minute,
	})

	for i := 0; i < 2; i++ {
		o := e.Attempt(context.Background(), testEnvelope("bill@foobar.org"), localTarget())
		assert.Equal(t, TemporaryFailure, o.Kind)
		assert.Equal(t, ErrorTypeConnection, o.Cause)
	}
	assert.Equal(t, gobreaker.StateOpen, e.BreakerState("mx.foobar.org"))

	o := e.Attempt(context.Background(), testEnvelope("bill@foobar.org"), localTarget())
	assert.Equal(t, TemporaryFailure, o.Kind)
	assert.Equal(t, ErrorTypeBreaker, o.Cause)

	// other hosts are unaffected
	assert.Equal(t, gobreaker.StateClosed, e.BreakerState("mx2.foobar.org"))
}

func TestRejectionsDoNotTripBreaker(t *testing.T) {
	mx := deliverytest.NewServer(t)
	mx.OnRcpt(func(string) error {
		return &smtp.SMTPError{Code: 452, Message: "too many recipients"}
	})
	e := NewExecutor(Config{Port: mx.Port, AttemptTimeout: 5 * time.Second, BreakerMinRequests: 1, BreakerFailureRatio: 0.1})

	for i := 0; i < 3; i++ {
		o := e.Attempt(context.Background(), testEnvelope("bill@foobar.org"), localTarget())
		assert.Equal(t, ErrorTypeSMTP, o.Cause)
	}
	assert.Equal(t, gobreaker.StateClosed, e.BreakerState("mx.foobar.org"))
}
