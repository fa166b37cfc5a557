package queue

import (
	"fmt"
	"sync"
)

// ScopeKind says what a refresh is about
type ScopeKind int

const (
	ScopeGlobal ScopeKind = iota
	ScopeMessage
	ScopeDomain
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeMessage:
		return "message"
	case ScopeDomain:
		return "domain"
	}
	return "global"
}

// ParseScopeKind is the inverse of ScopeKind.String
func ParseScopeKind(s string) (ScopeKind, error) {
	switch s {
	case "global", "":
		return ScopeGlobal, nil
	case "message":
		return ScopeMessage, nil
	case "domain":
		return ScopeDomain, nil
	}
	return ScopeGlobal, fmt.Errorf("unknown refresh scope %q", s)
}

// Scope is the payload of a refresh. It is a hint only: workers always
// re-scan durable state when woken.
type Scope struct {
	Kind  ScopeKind
	Value string
}

// GlobalScope wakes every worker for everything
func GlobalScope() Scope { return Scope{Kind: ScopeGlobal} }

// MessageScope hints that one message changed
func MessageScope(id string) Scope { return Scope{Kind: ScopeMessage, Value: id} }

// DomainScope hints that one destination domain changed
func DomainScope(domain string) Scope { return Scope{Kind: ScopeDomain, Value: domain} }

func (s Scope) String() string {
	if s.Kind == ScopeGlobal {
		return "global"
	}
	return s.Kind.String() + ":" + s.Value
}

// Events is a lossy multi-producer refresh signal. Every subscriber owns a
// one-slot buffer; a refresh arriving while the slot is full is dropped,
// which coalesces bursts into a single wake. Sending never blocks.
type Events struct {
	mu        sync.RWMutex
	subs      map[int]chan Scope
	next      int
	listeners []func(Scope)
}

// NewEvents creates an event channel with no subscribers
func NewEvents() *Events {
	return &Events{subs: make(map[int]chan Scope)}
}

// Subscribe returns a wake channel and a function removing it
func (e *Events) Subscribe() (<-chan Scope, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.next
	e.next++
	ch := make(chan Scope, 1)
	e.subs[id] = ch

	return ch, func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// OnRefresh registers fn to observe every locally produced refresh
func (e *Events) OnRefresh(fn func(Scope)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// Refresh wakes every subscriber and notifies listeners
func (e *Events) Refresh(scope Scope) {
	e.mu.RLock()
	listeners := e.listeners
	e.mu.RUnlock()

	e.deliver(scope)
	for _, fn := range listeners {
		fn(scope)
	}
}

// deliver wakes local subscribers only
func (e *Events) deliver(scope Scope) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, ch := range e.subs {
		select {
		case ch <- scope:
		default:
		}
	}
}

// Subscribers returns the number of active subscriptions
func (e *Events) Subscribers() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}
