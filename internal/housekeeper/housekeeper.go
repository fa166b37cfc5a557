// Package housekeeper runs administrative purges on a single goroutine fed
// by a bounded mailbox.
package housekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/elemta-outbound/internal/cache"
	"github.com/busybox42/elemta-outbound/internal/directory"
	"github.com/busybox42/elemta-outbound/internal/logging"
	"github.com/busybox42/elemta-outbound/internal/metrics"
	"github.com/busybox42/elemta-outbound/internal/queue"
)

// Common errors
var (
	ErrMailboxClosed = errors.New("housekeeper mailbox closed")
	ErrUnknownStore  = errors.New("unknown store")
	ErrUnknownPrefix = errors.New("unknown lookup prefix")
	ErrNoDirectory   = errors.New("no directory configured")
)

// DefaultStore names the default data or lookup store
const DefaultStore = "default"

// Purge is one administrative purge target
type Purge interface {
	// Target names the purge for logs and metrics
	Target() string
	isPurge()
}

// PurgeBlobs deletes every blob no queued message references
type PurgeBlobs struct{}

// PurgeData drops messages whose recipients are all terminal
type PurgeData struct {
	Store string
}

// PurgeLookup clears keys of the lookup store. Prefix is a namespace name,
// optionally followed by "/<account>" for per-account namespaces; empty
// means every namespace.
type PurgeLookup struct {
	Store  string
	Prefix string
}

// PurgeAccount removes the queued messages of one account, or of every
// account when AccountID is nil, including entries being delivered
type PurgeAccount struct {
	AccountID *uint32
}

func (PurgeBlobs) Target() string   { return "blobs" }
func (PurgeData) Target() string    { return "data" }
func (PurgeLookup) Target() string  { return "lookup" }
func (PurgeAccount) Target() string { return "account" }

func (PurgeBlobs) isPurge()   {}
func (PurgeData) isPurge()    {}
func (PurgeLookup) isPurge()  {}
func (PurgeAccount) isPurge() {}

// Event is one mailbox entry
type Event struct {
	Purge Purge

	prefixes []string
	done     chan error
}

// Config tunes the housekeeper
type Config struct {
	// MailboxSize bounds the number of pending requests
	MailboxSize int
	// BlobGrace keeps recently written content
	BlobGrace time.Duration
	// PurgeLockTTL bounds how long an account purge holds its lock
	PurgeLockTTL time.Duration
	// PurgeInterval schedules data and blob purges; zero disables them
	PurgeInterval time.Duration
}

// DefaultConfig returns the housekeeper defaults
func DefaultConfig() Config {
	return Config{
		MailboxSize:  64,
		BlobGrace:    time.Hour,
		PurgeLockTTL: 10 * time.Minute,
	}
}

// Dependencies are the stores the housekeeper purges
type Dependencies struct {
	// Data is the default queue store
	Data queue.Store
	// Stores are additional named queue stores
	Stores map[string]queue.Store
	Blobs  queue.BlobStore
	// Lookups holds the named lookup stores; its default serves empty names
	Lookups *cache.Manager
	// Locks is the lock store shared with the queue workers
	Locks     cache.Cache
	Events    *queue.Events
	Directory directory.Directory
}

// Housekeeper executes purges one at a time
type Housekeeper struct {
	config    Config
	deps      Dependencies
	holder    string
	logger    *slog.Logger
	msgLogger *logging.MessageLogger

	mailbox chan Event
	mu      sync.RWMutex
	closed  bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a housekeeper; call Start to run it
func New(config Config, deps Dependencies) *Housekeeper {
	defaults := DefaultConfig()
	if config.MailboxSize <= 0 {
		config.MailboxSize = defaults.MailboxSize
	}
	if config.PurgeLockTTL <= 0 {
		config.PurgeLockTTL = defaults.PurgeLockTTL
	}
	if config.BlobGrace < 0 {
		config.BlobGrace = 0
	}

	return &Housekeeper{
		config:    config,
		deps:      deps,
		holder:    "housekeeper-" + uuid.NewString(),
		logger:    slog.Default().With("component", "housekeeper"),
		msgLogger: logging.NewMessageLogger(slog.Default()),
		mailbox:   make(chan Event, config.MailboxSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the mailbox goroutine
func (h *Housekeeper) Start() {
	go h.run()
}

// Stop closes the mailbox, lets queued purges finish and waits
func (h *Housekeeper) Stop() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		<-h.done
		return
	}
	h.closed = true
	close(h.stop)
	close(h.mailbox)
	h.mu.Unlock()
	<-h.done
}

// Request validates p and hands it to the housekeeper. It returns once the
// request is accepted; a full mailbox blocks until ctx ends.
func (h *Housekeeper) Request(ctx context.Context, p Purge) error {
	ev, err := h.prepare(ctx, p)
	if err != nil {
		return err
	}
	return h.send(ctx, ev)
}

// RequestAndWait is Request followed by waiting for the purge to finish
func (h *Housekeeper) RequestAndWait(ctx context.Context, p Purge) error {
	ev, err := h.prepare(ctx, p)
	if err != nil {
		return err
	}
	ev.done = make(chan error, 1)
	if err := h.send(ctx, ev); err != nil {
		return err
	}
	select {
	case err := <-ev.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestAccountPurge resolves an account name through the directory and
// requests its purge. The empty name purges every account.
func (h *Housekeeper) RequestAccountPurge(ctx context.Context, name string) error {
	if name == "" {
		return h.Request(ctx, PurgeAccount{})
	}
	id, err := h.principalID(ctx, name)
	if err != nil {
		return err
	}
	return h.Request(ctx, PurgeAccount{AccountID: &id})
}

func (h *Housekeeper) principalID(ctx context.Context, name string) (uint32, error) {
	if h.deps.Directory == nil {
		return 0, ErrNoDirectory
	}
	return h.deps.Directory.PrincipalID(ctx, name)
}

func (h *Housekeeper) send(ctx context.Context, ev Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrMailboxClosed
	}
	select {
	case h.mailbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prepare rejects requests naming unknown stores or prefixes
func (h *Housekeeper) prepare(ctx context.Context, p Purge) (Event, error) {
	ev := Event{Purge: p}
	switch p := p.(type) {
	case PurgeBlobs:
		if h.deps.Blobs == nil {
			return ev, fmt.Errorf("%w: blob store", ErrUnknownStore)
		}
	case PurgeData:
		if _, err := h.dataStore(p.Store); err != nil {
			return ev, err
		}
	case PurgeLookup:
		if _, err := h.lookupStore(p.Store); err != nil {
			return ev, err
		}
		prefixes, err := h.lookupPrefixes(ctx, p.Prefix)
		if err != nil {
			return ev, err
		}
		ev.prefixes = prefixes
	case PurgeAccount:
	default:
		return ev, fmt.Errorf("unsupported purge %T", p)
	}
	return ev, nil
}

func (h *Housekeeper) dataStore(name string) (queue.Store, error) {
	if name == "" || name == DefaultStore {
		if h.deps.Data == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStore, DefaultStore)
		}
		return h.deps.Data, nil
	}
	if s, ok := h.deps.Stores[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownStore, name)
}

func (h *Housekeeper) lookupStore(name string) (cache.Cache, error) {
	if h.deps.Lookups == nil {
		return nil, fmt.Errorf("%w: no lookup stores", ErrUnknownStore)
	}
	if name == DefaultStore {
		name = ""
	}
	c, ok := h.deps.Lookups.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, name)
	}
	return c, nil
}

// lookupPrefixes turns a prefix name into key prefixes. A nil result
// means every namespace except the queue's live ones.
func (h *Housekeeper) lookupPrefixes(ctx context.Context, name string) ([]string, error) {
	if name == "" {
		return nil, nil
	}
	ns, account, ok := cache.ParseNamespace(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPrefix, name)
	}
	if account == "" {
		return []string{ns.Prefix()}, nil
	}
	if ns != cache.NamespaceBayesAccount {
		return nil, fmt.Errorf("%w: %s does not take an account", ErrUnknownPrefix, ns)
	}
	id, err := h.principalID(ctx, account)
	if err != nil {
		return nil, err
	}
	return []string{ns.Key(strconv.FormatUint(uint64(id), 10)) + ":"}, nil
}

func (h *Housekeeper) run() {
	defer close(h.done)
	h.logger.Info("Housekeeper started", "mailbox_size", cap(h.mailbox))

	var tick <-chan time.Time
	if h.config.PurgeInterval > 0 {
		ticker := time.NewTicker(h.config.PurgeInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case ev, ok := <-h.mailbox:
			if !ok {
				h.logger.Info("Housekeeper stopped")
				return
			}
			h.handle(ev)
		case <-tick:
			h.scheduled()
		}
	}
}

func (h *Housekeeper) handle(ev Event) {
	ctx := context.Background()
	start := time.Now()
	err := h.execute(ctx, ev)
	metrics.PurgesTotal.WithLabelValues(ev.Purge.Target()).Inc()

	if err != nil {
		h.logger.Error("Purge failed", "target", ev.Purge.Target(), "error", err)
	} else {
		h.logger.Info("Purge completed", "target", ev.Purge.Target(), "duration", time.Since(start))
	}
	if ev.done != nil {
		ev.done <- err
	}
}

// scheduled runs the periodic data and blob purges on one process at a time
func (h *Housekeeper) scheduled() {
	if h.deps.Data == nil || h.deps.Blobs == nil {
		return
	}
	ctx := context.Background()
	if h.deps.Locks != nil {
		key := cache.NamespaceLockHousekeeper.Key("scheduled")
		ok, err := h.deps.Locks.TryLock(ctx, key, h.holder, h.config.PurgeInterval)
		if err != nil || !ok {
			return
		}
		// Not unlocked: the TTL spaces runs across processes.
	}
	h.handle(Event{Purge: PurgeData{}})
	h.handle(Event{Purge: PurgeBlobs{}})
}

func (h *Housekeeper) execute(ctx context.Context, ev Event) error {
	switch p := ev.Purge.(type) {
	case PurgeBlobs:
		return h.purgeBlobs(ctx)
	case PurgeData:
		return h.purgeData(ctx, p)
	case PurgeLookup:
		return h.purgeLookup(ctx, p, ev.prefixes)
	case PurgeAccount:
		return h.purgeAccount(ctx, p)
	}
	return fmt.Errorf("unsupported purge %T", ev.Purge)
}

// blobInUse checks the additional stores; ReleaseBlob checks the default one
func (h *Housekeeper) blobInUse(ctx context.Context, hash string) (bool, error) {
	for name, s := range h.deps.Stores {
		inUse, err := s.BlobInUse(ctx, hash)
		if err != nil {
			return false, fmt.Errorf("store %s: %w", name, err)
		}
		if inUse {
			return true, nil
		}
	}
	return false, nil
}

func (h *Housekeeper) release(ctx context.Context, hash string) (bool, error) {
	if inUse, err := h.blobInUse(ctx, hash); err != nil || inUse {
		return false, err
	}
	return queue.ReleaseBlob(ctx, h.deps.Data, h.deps.Blobs, hash, h.config.BlobGrace)
}

func (h *Housekeeper) purgeBlobs(ctx context.Context) error {
	blobs, err := h.deps.Blobs.List(ctx)
	if err != nil {
		return err
	}
	var (
		deleted int
		errs    []error
	)
	for _, b := range blobs {
		ok, err := h.release(ctx, b.Hash)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			deleted++
		}
	}
	h.logger.Info("Blob purge finished", "scanned", len(blobs), "deleted", deleted)
	return errors.Join(errs...)
}

func (h *Housekeeper) purgeData(ctx context.Context, p PurgeData) error {
	store, err := h.dataStore(p.Store)
	if err != nil {
		return err
	}
	removed, err := store.PurgeTerminal(ctx)
	if err != nil {
		return err
	}
	h.releaseAll(ctx, removed, "archived")
	h.logger.Info("Data purge finished", "store", p.Store, "messages", len(removed))
	return nil
}

// liveQueueNamespaces hold the running workers' recipient locks and domain
// slots. A purge of every namespace leaves them alone; naming one explicitly
// still clears it.
var liveQueueNamespaces = map[cache.Namespace]bool{
	cache.NamespaceLockQueueMessage: true,
	cache.NamespaceQueueDomainSlot:  true,
}

func (h *Housekeeper) purgeLookup(ctx context.Context, p PurgeLookup, prefixes []string) error {
	store, err := h.lookupStore(p.Store)
	if err != nil {
		return err
	}
	if prefixes == nil {
		for _, ns := range cache.Namespaces() {
			if !liveQueueNamespaces[ns] {
				prefixes = append(prefixes, ns.Prefix())
			}
		}
	}

	var (
		total int
		errs  []error
	)
	for _, prefix := range prefixes {
		n, err := store.DeletePrefix(ctx, prefix)
		if errors.Is(err, cache.ErrUnsupported) && p.Prefix == "" {
			if store == h.deps.Locks {
				errs = append(errs, fmt.Errorf("%w: flushing %s would drop the queue's locks", err, store.Name()))
				break
			}
			// Backends that cannot scan can still flush everything
			n, err = store.DeletePrefix(ctx, "")
			total += n
			if err != nil {
				errs = append(errs, err)
			}
			break
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("prefix %s: %w", strings.TrimSuffix(prefix, ":"), err))
			continue
		}
		total += n
	}
	h.logger.Info("Lookup purge finished", "store", store.Name(), "prefix", p.Prefix, "keys", total)
	return errors.Join(errs...)
}

func (h *Housekeeper) purgeAccount(ctx context.Context, p PurgeAccount) error {
	if h.deps.Data == nil {
		return fmt.Errorf("%w: %s", ErrUnknownStore, DefaultStore)
	}

	scope := "all"
	if p.AccountID != nil {
		scope = strconv.FormatUint(uint64(*p.AccountID), 10)
	}

	if h.deps.Locks != nil {
		key := cache.NamespaceLockPurgeAccount.Key(scope)
		ok, err := h.deps.Locks.TryLock(ctx, key, h.holder, h.config.PurgeLockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire purge lock: %w", err)
		}
		if !ok {
			h.logger.Info("Account purge already running elsewhere", "account", scope)
			return nil
		}
		defer func() {
			if err := h.deps.Locks.Unlock(ctx, key, h.holder); err != nil {
				h.logger.Warn("Failed to release purge lock", "error", err)
			}
		}()
	}

	var (
		removed []*queue.Message
		err     error
	)
	if p.AccountID != nil {
		removed, err = h.deps.Data.DeleteAccount(ctx, *p.AccountID)
	} else {
		removed, err = h.deps.Data.DeleteAll(ctx)
	}
	if err != nil {
		return err
	}

	// Entries may be in flight: their holders find the message gone on
	// their next write and abandon the attempt.
	if h.deps.Locks != nil {
		for _, msg := range removed {
			for i := range msg.Recipients {
				key := cache.NamespaceLockQueueMessage.Key(msg.ID, strconv.Itoa(i))
				if err := h.deps.Locks.ForceUnlock(ctx, key); err != nil {
					h.logger.Warn("Failed to release recipient lock", "key", key, "error", err)
				}
			}
		}
	}
	h.releaseAll(ctx, removed, "account purge")

	if h.deps.Events != nil {
		h.deps.Events.Refresh(queue.GlobalScope())
	}
	h.logger.Info("Account purge finished", "account", scope, "messages", len(removed))
	return nil
}

func (h *Housekeeper) releaseAll(ctx context.Context, removed []*queue.Message, reason string) {
	for _, msg := range removed {
		to := make([]string, len(msg.Recipients))
		for i, r := range msg.Recipients {
			to[i] = r.Address
		}
		h.msgLogger.LogPurge(logging.MessageContext{
			MessageID: msg.ID,
			AccountID: msg.AccountID,
			From:      msg.From,
			To:        to,
			Size:      msg.Size,
			QueuedAt:  msg.CreatedAt,
			Error:     reason,
		})
		if h.deps.Blobs == nil {
			continue
		}
		if _, err := h.release(ctx, msg.BlobHash); err != nil {
			h.logger.Warn("Failed to release message content", "message_id", msg.ID, "error", err)
		}
	}
}
