package queue

import (
	"fmt"
	"strings"
	"time"
)

// Status is the delivery state of one recipient entry
type Status string

const (
	// StatusPending entries have never been attempted
	StatusPending Status = "pending"
	// StatusInFlight entries are claimed by exactly one worker
	StatusInFlight Status = "in_flight"
	// StatusDelivered entries were accepted by the remote host
	StatusDelivered Status = "delivered"
	// StatusTemporaryFailure entries wait for their next due time
	StatusTemporaryFailure Status = "temporary_failure"
	// StatusPermanentFailure entries were rejected and will bounce
	StatusPermanentFailure Status = "permanent_failure"
	// StatusDeadLettered entries exhausted their retry budget
	StatusDeadLettered Status = "dead_lettered"
)

// IsTerminal reports whether no further delivery attempt will be made
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusPermanentFailure, StatusDeadLettered:
		return true
	}
	return false
}

// ParseStatus converts a stored status string
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusInFlight, StatusDelivered, StatusTemporaryFailure,
		StatusPermanentFailure, StatusDeadLettered:
		return st, nil
	}
	return "", fmt.Errorf("unknown recipient status %q", s)
}

// Recipient is one destination address of a message, tracked independently
type Recipient struct {
	Address       string    `json:"address"`
	Domain        string    `json:"domain"`
	Status        Status    `json:"status"`
	RetryCount    int       `json:"retry_count"`
	NextDue       time.Time `json:"next_due"`
	LastAttempt   time.Time `json:"last_attempt,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Holder        string    `json:"holder,omitempty"`
	InFlightUntil time.Time `json:"in_flight_until,omitempty"`
}

// DueAt returns when the entry becomes claimable. An InFlight entry becomes
// claimable again once its holder's lock window has passed.
func (r Recipient) DueAt() (time.Time, bool) {
	if r.Status.IsTerminal() {
		return time.Time{}, false
	}
	if r.Status == StatusInFlight {
		return r.InFlightUntil, true
	}
	return r.NextDue, true
}

// IsDue reports whether the entry may be claimed at now
func (r Recipient) IsDue(now time.Time) bool {
	due, ok := r.DueAt()
	return ok && !due.After(now)
}

// Message is a queue entry: one envelope, its content reference and the
// state of every recipient.
type Message struct {
	ID         string      `json:"id"`
	AccountID  uint32      `json:"account_id"`
	From       string      `json:"from"`
	Recipients []Recipient `json:"recipients"`
	BlobHash   string      `json:"blob_hash"`
	Size       int64       `json:"size"`
	CreatedAt  time.Time   `json:"created_at"`
}

// IsComplete reports whether every recipient reached a terminal state
func (m *Message) IsComplete() bool {
	for _, r := range m.Recipients {
		if !r.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// AllDelivered reports whether every recipient was delivered
func (m *Message) AllDelivered() bool {
	for _, r := range m.Recipients {
		if r.Status != StatusDelivered {
			return false
		}
	}
	return true
}

// Clone returns a deep copy
func (m *Message) Clone() *Message {
	c := *m
	c.Recipients = append([]Recipient(nil), m.Recipients...)
	return &c
}

// RecipientKey identifies one recipient entry
type RecipientKey struct {
	MessageID string
	Index     int
}

func (k RecipientKey) String() string {
	return fmt.Sprintf("%s/%d", k.MessageID, k.Index)
}

// DueEntry is a claimable recipient entry returned by Store.Due
type DueEntry struct {
	Key    RecipientKey
	Domain string
	Due    time.Time
}

// Before reports whether e sorts ahead of o in scan order: due time,
// domain, message id, recipient index
func (e DueEntry) Before(o DueEntry) bool {
	if !e.Due.Equal(o.Due) {
		return e.Due.Before(o.Due)
	}
	if e.Domain != o.Domain {
		return e.Domain < o.Domain
	}
	if e.Key.MessageID != o.Key.MessageID {
		return e.Key.MessageID < o.Key.MessageID
	}
	return e.Key.Index < o.Key.Index
}

// DueQuery selects claimable entries
type DueQuery struct {
	Now   time.Time
	Limit int
	// After continues a scan with the entries ordered strictly after it
	After *DueEntry
	// SkipDomains leaves out destinations already known to be at their limit
	SkipDomains []string
}

func (q DueQuery) skips(domain string) bool {
	for _, d := range q.SkipDomains {
		if d == domain {
			return true
		}
	}
	return false
}

// extractDomain returns the domain portion of an email address, or empty string if invalid
func extractDomain(addr string) string {
	if addr == "" {
		return ""
	}
	at := strings.LastIndex(addr, "@")
	if at == -1 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}
