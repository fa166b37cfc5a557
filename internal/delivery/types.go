package delivery

import (
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrNoRoute means the domain has no usable mail exchanger: null MX,
	// NXDOMAIN, or no MX and no A/AAAA fallback. Deliveries fail permanently.
	ErrNoRoute = errors.New("no route to domain")

	// ErrTemporary wraps resolution failures worth retrying (timeouts, SERVFAIL)
	ErrTemporary = errors.New("temporary resolution failure")
)

// MX is one mail exchanger record
type MX struct {
	Host       string `json:"host" toml:"host"`
	Preference uint16 `json:"preference" toml:"preference"`
}

// Target is a resolved delivery destination
type Target struct {
	Host       string   `json:"host"`
	Preference uint16   `json:"preference"`
	Addrs      []net.IP `json:"addrs"`
}

func (t Target) String() string {
	return fmt.Sprintf("%s (pref %d)", t.Host, t.Preference)
}

// Envelope is what one attempt transfers: one sender, one recipient and
// the message content.
type Envelope struct {
	MessageID string
	From      string
	To        string
	Content   []byte
}

// OutcomeKind classifies a delivery attempt
type OutcomeKind int

const (
	// Success means the remote accepted the recipient and content
	Success OutcomeKind = iota
	// TemporaryFailure covers connection errors, timeouts and 4xx replies
	TemporaryFailure
	// PermanentFailure covers 5xx replies and unroutable domains
	PermanentFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case TemporaryFailure:
		return "temporary_failure"
	case PermanentFailure:
		return "permanent_failure"
	}
	return "unknown"
}

// ErrorType groups failure causes for logging and metrics
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeDNS        ErrorType = "dns"
	ErrorTypeSMTP       ErrorType = "smtp"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeBreaker    ErrorType = "circuit_breaker"
	ErrorTypeContent    ErrorType = "content"
)

// Outcome is the result of one attempt against one target
type Outcome struct {
	Kind      OutcomeKind   `json:"kind"`
	Cause     ErrorType     `json:"cause,omitempty"`
	Code      int           `json:"code,omitempty"`
	Enhanced  string        `json:"enhanced,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Host      string        `json:"host,omitempty"`
	Timeout   bool          `json:"timeout,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Succeeded returns a success outcome for host
func Succeeded(host string, code int, reason string) Outcome {
	return Outcome{Kind: Success, Host: host, Code: code, Reason: reason, Timestamp: time.Now()}
}

// TempFail returns a temporary failure outcome
func TempFail(cause ErrorType, reason string) Outcome {
	return Outcome{Kind: TemporaryFailure, Cause: cause, Reason: reason, Timestamp: time.Now()}
}

// PermFail returns a permanent failure outcome
func PermFail(cause ErrorType, reason string) Outcome {
	return Outcome{Kind: PermanentFailure, Cause: cause, Reason: reason, Timestamp: time.Now()}
}

// RouteOutcome converts a resolver error into an outcome
func RouteOutcome(domain string, err error) Outcome {
	if errors.Is(err, ErrNoRoute) {
		return PermFail(ErrorTypeDNS, fmt.Sprintf("no route to %s: %v", domain, err))
	}
	return TempFail(ErrorTypeDNS, fmt.Sprintf("failed to resolve %s: %v", domain, err))
}

// DeliveryError is a structured delivery failure, as logged by the executor
type DeliveryError struct {
	Type      ErrorType `json:"type"`
	Code      int       `json:"code,omitempty"`
	Message   string    `json:"message"`
	Temporary bool      `json:"temporary"`
}

// Error implements the error interface
func (e *DeliveryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error %d: %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

// Err returns the outcome as an error, or nil on success
func (o Outcome) Err() error {
	if o.Kind == Success {
		return nil
	}
	return &DeliveryError{
		Type:      o.Cause,
		Code:      o.Code,
		Message:   o.Reason,
		Temporary: o.Kind == TemporaryFailure,
	}
}
