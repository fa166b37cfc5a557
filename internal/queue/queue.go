package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/busybox42/elemta-outbound/internal/delivery"
	"github.com/busybox42/elemta-outbound/internal/logging"
	"github.com/busybox42/elemta-outbound/internal/metrics"
)

// ErrNotEmpty is returned by the empty assertions while work remains
var ErrNotEmpty = errors.New("queue is not empty")

// Submission is a message handed over by the session layer
type Submission struct {
	AccountID uint32
	From      string
	To        []string
	Content   []byte
}

// Stats is a point-in-time summary of the queue
type Stats struct {
	Messages   int            `json:"messages"`
	Recipients int            `json:"recipients"`
	ByStatus   map[Status]int `json:"by_status"`
	Oldest     time.Time      `json:"oldest,omitempty"`
	NextDue    time.Time      `json:"next_due,omitempty"`
}

// Queue is the entry point used by producers and operational tooling
type Queue struct {
	store     Store
	blobs     BlobStore
	events    *Events
	logger    *slog.Logger
	msgLogger *logging.MessageLogger
	recorder  MetricsRecorder
	now       func() time.Time
}

type enqueueRecorder interface {
	IncrEnqueued(ctx context.Context) error
}

// New creates a queue over the given state and content stores
func New(store Store, blobs BlobStore, events *Events) *Queue {
	if events == nil {
		events = NewEvents()
	}
	return &Queue{
		store:     store,
		blobs:     blobs,
		events:    events,
		logger:    slog.Default().With("component", "queue"),
		msgLogger: logging.NewMessageLogger(slog.Default()),
		now:       time.Now,
	}
}

// Events returns the refresh channel workers subscribe to
func (q *Queue) Events() *Events {
	return q.events
}

// NormalizeAddress splits and canonicalizes an address. The local part is
// NFC-normalized and kept as is; the domain is lowercased ASCII. The null
// reverse path is returned as empty.
func NormalizeAddress(addr string) (string, string, error) {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimSuffix(strings.TrimPrefix(addr, "<"), ">")
	if addr == "" {
		return "", "", nil
	}
	addr = norm.NFC.String(addr)

	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	local := addr[:at]
	if strings.ContainsAny(local, " \t\r\n<>") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	domain, err := delivery.NormalizeDomain(addr[at+1:])
	if err != nil {
		return "", "", fmt.Errorf("%w: %q: %v", ErrInvalidAddress, addr, err)
	}
	return local + "@" + domain, domain, nil
}

// Enqueue stores the content, appends a message with one Pending entry per
// distinct recipient and wakes the workers.
func (q *Queue) Enqueue(ctx context.Context, sub Submission) (*Message, error) {
	from, _, err := NormalizeAddress(sub.From)
	if err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}

	now := q.now()
	seen := make(map[string]struct{}, len(sub.To))
	var rcpts []Recipient
	for _, to := range sub.To {
		addr, domain, err := NormalizeAddress(to)
		if err != nil {
			return nil, err
		}
		if addr == "" {
			return nil, fmt.Errorf("%w: empty recipient", ErrInvalidAddress)
		}
		fold := strings.ToLower(addr)
		if _, dup := seen[fold]; dup {
			continue
		}
		seen[fold] = struct{}{}
		rcpts = append(rcpts, Recipient{
			Address: addr,
			Domain:  domain,
			Status:  StatusPending,
			NextDue: now,
		})
	}
	if len(rcpts) == 0 {
		return nil, ErrNoRecipients
	}

	hash, err := q.blobs.Put(ctx, sub.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to store message content: %w", err)
	}

	msg := &Message{
		ID:         uuid.NewString(),
		AccountID:  sub.AccountID,
		From:       from,
		Recipients: rcpts,
		BlobHash:   hash,
		Size:       int64(len(sub.Content)),
		CreatedAt:  now,
	}
	if err := q.store.Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	metrics.MessagesEnqueued.Inc()
	if r, ok := q.recorder.(enqueueRecorder); ok {
		if err := r.IncrEnqueued(ctx); err != nil {
			q.logger.Warn("Failed to record enqueue", "message_id", msg.ID, "error", err)
		}
	}
	q.msgLogger.LogEnqueue(logging.MessageContext{
		MessageID: msg.ID,
		AccountID: msg.AccountID,
		From:      msg.From,
		To:        recipientAddresses(msg),
		Size:      msg.Size,
		QueuedAt:  msg.CreatedAt,
	})
	q.events.Refresh(MessageScope(msg.ID))
	return msg, nil
}

func recipientAddresses(msg *Message) []string {
	out := make([]string, len(msg.Recipients))
	for i, r := range msg.Recipients {
		out[i] = r.Address
	}
	return out
}

// SetRecorder counts accepted messages in r when it supports it
func (q *Queue) SetRecorder(r MetricsRecorder) {
	q.recorder = r
}

// Get returns one message
func (q *Queue) Get(ctx context.Context, id string) (*Message, error) {
	return q.store.Get(ctx, id)
}

// Content returns the stored content of a message
func (q *Queue) Content(ctx context.Context, id string) ([]byte, error) {
	msg, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return q.blobs.Get(ctx, msg.BlobHash)
}

// List returns every queued or archived message
func (q *Queue) List(ctx context.Context) ([]*Message, error) {
	return q.store.List(ctx)
}

// IsEmpty reports whether every recipient entry reached a terminal state
func (q *Queue) IsEmpty(ctx context.Context) (bool, error) {
	return q.store.IsEmpty(ctx)
}

// AssertEmpty returns ErrNotEmpty while any entry is Pending, InFlight or
// waiting for a retry
func (q *Queue) AssertEmpty(ctx context.Context) error {
	empty, err := q.store.IsEmpty(ctx)
	if err != nil {
		return err
	}
	if !empty {
		return ErrNotEmpty
	}
	return nil
}

// AssertAccountEmpty is AssertEmpty restricted to one account
func (q *Queue) AssertAccountEmpty(ctx context.Context, accountID uint32) error {
	empty, err := q.store.IsAccountEmpty(ctx, accountID)
	if err != nil {
		return err
	}
	if !empty {
		return fmt.Errorf("account %d: %w", accountID, ErrNotEmpty)
	}
	return nil
}

// Refresh wakes the workers
func (q *Queue) Refresh(scope Scope) {
	q.events.Refresh(scope)
}

// Stats counts messages and entries and publishes the per-status gauge
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	msgs, err := q.store.List(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Messages: len(msgs), ByStatus: make(map[Status]int)}
	for _, msg := range msgs {
		if stats.Oldest.IsZero() || msg.CreatedAt.Before(stats.Oldest) {
			stats.Oldest = msg.CreatedAt
		}
		for _, r := range msg.Recipients {
			stats.Recipients++
			stats.ByStatus[r.Status]++
		}
	}

	if next, ok, err := q.store.NextDue(ctx); err != nil {
		return Stats{}, err
	} else if ok {
		stats.NextDue = next
	}

	for _, st := range []Status{StatusPending, StatusInFlight, StatusDelivered,
		StatusTemporaryFailure, StatusPermanentFailure, StatusDeadLettered} {
		metrics.QueueEntries.WithLabelValues(string(st)).Set(float64(stats.ByStatus[st]))
	}
	return stats, nil
}
