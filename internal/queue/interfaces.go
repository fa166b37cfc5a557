package queue

import (
	"context"
	"errors"
	"time"

	"github.com/busybox42/elemta-outbound/internal/delivery"
)

// Common errors
var (
	ErrNotFound       = errors.New("queue entry not found")
	ErrBlobNotFound   = errors.New("blob not found")
	ErrInvalidAddress = errors.New("invalid address")
	ErrNoRecipients   = errors.New("message has no recipients")
	ErrMissingBackend = errors.New("missing backing store handle")
)

// Store is the durable queue state shared by every worker
type Store interface {
	// Append persists a new message
	Append(ctx context.Context, msg *Message) error

	// Get returns a copy of a message, or ErrNotFound
	Get(ctx context.Context, id string) (*Message, error)

	// UpdateRecipient replaces the state of one recipient entry. It returns
	// ErrNotFound when the message was removed, for example by a purge.
	UpdateRecipient(ctx context.Context, key RecipientKey, rcpt Recipient) error

	// Due returns up to q.Limit claimable entries in scan order (due time,
	// domain, message id, index), starting after q.After
	Due(ctx context.Context, q DueQuery) ([]DueEntry, error)

	// NextDue returns the earliest due time over all non-terminal entries
	NextDue(ctx context.Context) (time.Time, bool, error)

	// Delete removes a message unconditionally
	Delete(ctx context.Context, id string) error

	// DeleteAccount removes every message of an account and returns them
	DeleteAccount(ctx context.Context, accountID uint32) ([]*Message, error)

	// DeleteAll removes every message and returns them
	DeleteAll(ctx context.Context) ([]*Message, error)

	// PurgeTerminal removes messages whose recipients are all terminal
	PurgeTerminal(ctx context.Context) ([]*Message, error)

	// List returns every message ordered by creation time
	List(ctx context.Context) ([]*Message, error)

	// IsEmpty reports whether no recipient entry is pending or in flight
	IsEmpty(ctx context.Context) (bool, error)

	// IsAccountEmpty is IsEmpty restricted to one account
	IsAccountEmpty(ctx context.Context, accountID uint32) (bool, error)

	// BlobInUse reports whether any message references the blob
	BlobInUse(ctx context.Context, hash string) (bool, error)

	// Close releases the store
	Close() error
}

// BlobInfo describes a stored blob
type BlobInfo struct {
	Hash    string
	Size    int64
	ModTime time.Time
}

// BlobStore keeps message content by content-addressed handle
type BlobStore interface {
	// Put stores data and returns its handle
	Put(ctx context.Context, data []byte) (string, error)

	// Get returns the whole blob
	Get(ctx context.Context, hash string) ([]byte, error)

	// GetRange returns limit bytes starting at offset; a negative limit reads to the end
	GetRange(ctx context.Context, hash string, offset, limit int64) ([]byte, error)

	// Stat returns size and modification time
	Stat(ctx context.Context, hash string) (BlobInfo, error)

	// Delete removes a blob
	Delete(ctx context.Context, hash string) error

	// List returns every stored blob
	List(ctx context.Context) ([]BlobInfo, error)
}

// Resolver maps a destination domain to ordered delivery targets
type Resolver interface {
	Resolve(ctx context.Context, domain string) ([]delivery.Target, error)
}

// Executor performs a single delivery attempt to a single target
type Executor interface {
	Attempt(ctx context.Context, env delivery.Envelope, target delivery.Target) delivery.Outcome
}

// MetricsRecorder interface for recording delivery metrics
type MetricsRecorder interface {
	IncrDelivered(ctx context.Context) error
	IncrFailed(ctx context.Context) error
	IncrDeferred(ctx context.Context) error
	IncrDeadLettered(ctx context.Context) error
	AddRecentError(ctx context.Context, messageID, recipient, errorMsg string) error
}
