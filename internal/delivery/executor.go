package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/sony/gobreaker"
)

// Config holds configuration for delivery attempts
type Config struct {
	// Server identification used in EHLO
	Hostname string `toml:"hostname" json:"hostname"`

	// Remote port; 25 unless overridden (tests point it at a local mock)
	Port int `toml:"port" json:"port"`

	ConnectionTimeout time.Duration `toml:"-" json:"connection_timeout"`
	CommandTimeout    time.Duration `toml:"-" json:"command_timeout"`
	AttemptTimeout    time.Duration `toml:"-" json:"attempt_timeout"`

	// Per-host circuit breaker
	BreakerMaxRequests  uint32        `toml:"breaker_max_requests" json:"breaker_max_requests"`
	BreakerInterval     time.Duration `toml:"-" json:"breaker_interval"`
	BreakerTimeout      time.Duration `toml:"-" json:"breaker_timeout"`
	BreakerMinRequests  uint32        `toml:"breaker_min_requests" json:"breaker_min_requests"`
	BreakerFailureRatio float64       `toml:"breaker_failure_ratio" json:"breaker_failure_ratio"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return Config{
		Hostname:            hostname,
		Port:                25,
		ConnectionTimeout:   30 * time.Second,
		CommandTimeout:      5 * time.Minute,
		AttemptTimeout:      10 * time.Minute,
		BreakerMaxRequests:  1,
		BreakerInterval:     time.Minute,
		BreakerTimeout:      5 * time.Minute,
		BreakerMinRequests:  5,
		BreakerFailureRatio: 0.8,
	}
}

// Executor performs single delivery attempts over SMTP. It never retries
// on its own; retry policy belongs to the queue's scheduler.
type Executor struct {
	config Config
	logger *slog.Logger
	dialer *net.Dialer

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewExecutor creates an executor
func NewExecutor(config Config) *Executor {
	defaults := DefaultConfig()
	if config.Hostname == "" {
		config.Hostname = defaults.Hostname
	}
	if config.Port == 0 {
		config.Port = defaults.Port
	}
	if config.ConnectionTimeout <= 0 {
		config.ConnectionTimeout = defaults.ConnectionTimeout
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = defaults.CommandTimeout
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaults.AttemptTimeout
	}
	if config.BreakerMaxRequests == 0 {
		config.BreakerMaxRequests = defaults.BreakerMaxRequests
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = defaults.BreakerTimeout
	}
	if config.BreakerMinRequests == 0 {
		config.BreakerMinRequests = defaults.BreakerMinRequests
	}
	if config.BreakerFailureRatio <= 0 {
		config.BreakerFailureRatio = defaults.BreakerFailureRatio
	}

	return &Executor{
		config:   config,
		logger:   slog.Default().With("component", "delivery-executor"),
		dialer:   &net.Dialer{Timeout: config.ConnectionTimeout},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker returns the circuit breaker guarding host
func (e *Executor) breaker(host string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[host]; ok {
		return cb
	}

	minRequests := e.config.BreakerMinRequests
	ratio := e.config.BreakerFailureRatio
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: e.config.BreakerMaxRequests,
		Interval:    e.config.BreakerInterval,
		Timeout:     e.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && failureRatio >= ratio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			e.logger.Info("Circuit breaker state changed",
				"host", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	e.breakers[host] = cb
	return cb
}

// BreakerState reports the breaker state of a host
func (e *Executor) BreakerState(host string) gobreaker.State {
	return e.breaker(host).State()
}

// Attempt performs one transfer of env to target, bounded by the attempt timeout
func (e *Executor) Attempt(ctx context.Context, env Envelope, target Target) Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.config.AttemptTimeout)
	defer cancel()

	var outcome Outcome
	_, err := e.breaker(target.Host).Execute(func() (interface{}, error) {
		outcome = e.transfer(ctx, env, target)
		// A reply of any kind proves the host is alive
		if outcome.Kind == TemporaryFailure && outcome.Cause != ErrorTypeSMTP {
			return nil, outcome.Err()
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		outcome = TempFail(ErrorTypeBreaker, fmt.Sprintf("circuit open for %s: %v", target.Host, err))
	}

	outcome.Host = target.Host
	outcome.Duration = time.Since(start)

	e.logger.Debug("Delivery attempt finished",
		"message_id", env.MessageID,
		"recipient", env.To,
		"host", target.Host,
		"outcome", outcome.Kind.String(),
		"code", outcome.Code,
		"duration", outcome.Duration)

	return outcome
}

func (e *Executor) dial(ctx context.Context, target Target) (net.Conn, error) {
	addrs := make([]string, 0, len(target.Addrs))
	for _, ip := range target.Addrs {
		addrs = append(addrs, ip.String())
	}
	if len(addrs) == 0 {
		addrs = append(addrs, target.Host)
	}

	var lastErr error
	for _, addr := range addrs {
		conn, err := e.dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(e.config.Port)))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// transfer runs one SMTP transaction
func (e *Executor) transfer(ctx context.Context, env Envelope, target Target) Outcome {
	conn, err := e.dial(ctx, target)
	if err != nil {
		return e.classify(ctx, "connect", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c := smtp.NewClient(conn)
	c.CommandTimeout = e.config.CommandTimeout
	c.SubmissionTimeout = e.config.CommandTimeout
	defer c.Close()

	if err := c.Hello(e.config.Hostname); err != nil {
		return e.classify(ctx, "EHLO", err)
	}
	if err := c.Mail(env.From, nil); err != nil {
		return e.classify(ctx, "MAIL FROM", err)
	}
	if err := c.Rcpt(env.To, nil); err != nil {
		return e.classify(ctx, "RCPT TO", err)
	}

	w, err := c.Data()
	if err != nil {
		return e.classify(ctx, "DATA", err)
	}
	if _, err := w.Write(env.Content); err != nil {
		_ = w.Close()
		return e.classify(ctx, "DATA", err)
	}
	if err := w.Close(); err != nil {
		return e.classify(ctx, "DATA", err)
	}

	if err := c.Quit(); err != nil {
		e.logger.Debug("QUIT failed", "host", target.Host, "error", err)
	}
	return Succeeded(target.Host, 250, "message accepted")
}

// classify maps a transfer error onto an outcome
func (e *Executor) classify(ctx context.Context, stage string, err error) Outcome {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		reason := fmt.Sprintf("%s: %s", stage, smtpErr.Message)
		var o Outcome
		if smtpErr.Code >= 500 {
			o = PermFail(ErrorTypeSMTP, reason)
		} else {
			o = TempFail(ErrorTypeSMTP, reason)
		}
		o.Code = smtpErr.Code
		if smtpErr.EnhancedCode != (smtp.EnhancedCode{}) && smtpErr.EnhancedCode != smtp.NoEnhancedCode {
			ec := smtpErr.EnhancedCode
			o.Enhanced = fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
		}
		return o
	}

	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		o := TempFail(ErrorTypeTimeout, fmt.Sprintf("%s: timeout: %v", stage, err))
		o.Timeout = true
		return o
	}

	return TempFail(ErrorTypeConnection, fmt.Sprintf("%s: %v", stage, err))
}
