package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps queue state in process memory. Workers of one process
// may share it; it does not survive restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]*Message)}
}

// Append persists a new message
func (s *MemoryStore) Append(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return fmt.Errorf("message %s already queued", msg.ID)
	}
	s.messages[msg.ID] = msg.Clone()
	return nil
}

// Get returns a copy of a message
func (s *MemoryStore) Get(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg.Clone(), nil
}

// UpdateRecipient replaces one recipient entry
func (s *MemoryStore) UpdateRecipient(_ context.Context, key RecipientKey, rcpt Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[key.MessageID]
	if !ok || key.Index < 0 || key.Index >= len(msg.Recipients) {
		return ErrNotFound
	}
	msg.Recipients[key.Index] = rcpt
	return nil
}

// Due returns claimable entries in scan order
func (s *MemoryStore) Due(_ context.Context, q DueQuery) ([]DueEntry, error) {
	s.mu.RLock()
	var entries []DueEntry
	for _, msg := range s.messages {
		for i, r := range msg.Recipients {
			if !r.IsDue(q.Now) || q.skips(r.Domain) {
				continue
			}
			due, _ := r.DueAt()
			e := DueEntry{
				Key:    RecipientKey{MessageID: msg.ID, Index: i},
				Domain: r.Domain,
				Due:    due,
			}
			if q.After != nil && !q.After.Before(e) {
				continue
			}
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Before(entries[j]) })
	if q.Limit > 0 && len(entries) > q.Limit {
		entries = entries[:q.Limit]
	}
	return entries, nil
}

// NextDue returns the earliest due time of any non-terminal entry
func (s *MemoryStore) NextDue(_ context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		next  time.Time
		found bool
	)
	for _, msg := range s.messages {
		for _, r := range msg.Recipients {
			if due, ok := r.DueAt(); ok && (!found || due.Before(next)) {
				next, found = due, true
			}
		}
	}
	return next, found, nil
}

// Delete removes a message
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) deleteWhere(match func(*Message) bool) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*Message
	for id, msg := range s.messages {
		if match(msg) {
			removed = append(removed, msg)
			delete(s.messages, id)
		}
	}
	sortMessages(removed)
	return removed
}

// DeleteAccount removes every message of an account
func (s *MemoryStore) DeleteAccount(_ context.Context, accountID uint32) ([]*Message, error) {
	return s.deleteWhere(func(m *Message) bool { return m.AccountID == accountID }), nil
}

// DeleteAll removes every message
func (s *MemoryStore) DeleteAll(_ context.Context) ([]*Message, error) {
	return s.deleteWhere(func(*Message) bool { return true }), nil
}

// PurgeTerminal removes messages whose recipients are all terminal
func (s *MemoryStore) PurgeTerminal(_ context.Context) ([]*Message, error) {
	return s.deleteWhere((*Message).IsComplete), nil
}

// List returns every message ordered by creation time
func (s *MemoryStore) List(_ context.Context) ([]*Message, error) {
	s.mu.RLock()
	list := make([]*Message, 0, len(s.messages))
	for _, msg := range s.messages {
		list = append(list, msg.Clone())
	}
	s.mu.RUnlock()

	sortMessages(list)
	return list, nil
}

func sortMessages(list []*Message) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func (s *MemoryStore) isEmpty(match func(*Message) bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, msg := range s.messages {
		if match(msg) && !msg.IsComplete() {
			return false
		}
	}
	return true
}

// IsEmpty reports whether no recipient entry is pending or in flight
func (s *MemoryStore) IsEmpty(_ context.Context) (bool, error) {
	return s.isEmpty(func(*Message) bool { return true }), nil
}

// IsAccountEmpty reports whether the account has no pending or in-flight entry
func (s *MemoryStore) IsAccountEmpty(_ context.Context, accountID uint32) (bool, error) {
	return s.isEmpty(func(m *Message) bool { return m.AccountID == accountID }), nil
}

// BlobInUse reports whether any message references the blob
func (s *MemoryStore) BlobInUse(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, msg := range s.messages {
		if msg.BlobHash == hash {
			return true, nil
		}
	}
	return false, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
