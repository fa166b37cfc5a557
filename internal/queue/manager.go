package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/elemta-outbound/internal/cache"
	"github.com/busybox42/elemta-outbound/internal/delivery"
	"github.com/busybox42/elemta-outbound/internal/logging"
	"github.com/busybox42/elemta-outbound/internal/metrics"
)

// persistTimeout bounds writes made after the caller's context may be gone
const persistTimeout = 5 * time.Second

// ManagerConfig tunes one queue worker
type ManagerConfig struct {
	// WorkerID names the lock holder; generated when empty
	WorkerID string
	// ConcurrencyLimit is the number of simultaneous attempts per destination domain
	ConcurrencyLimit int
	// AttemptTimeout bounds resolution plus transfer of one recipient
	AttemptTimeout time.Duration
	// LockMargin is added to AttemptTimeout to form the lock TTL
	LockMargin time.Duration
	// BatchSize is the number of due entries fetched per scan
	BatchSize int
	// IdleInterval caps the sleep between scans
	IdleInterval time.Duration
	// ContentionRetry is the minimum sleep after a scan, so contended
	// entries are not polled in a tight loop
	ContentionRetry time.Duration
	// MaxHosts limits how many targets one attempt walks
	MaxHosts int
	// BlobGrace keeps recently written content from being released
	BlobGrace time.Duration
}

// DefaultManagerConfig returns the worker settings used when none are configured
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ConcurrencyLimit: 5,
		AttemptTimeout:   5 * time.Minute,
		LockMargin:       30 * time.Second,
		BatchSize:        50,
		IdleInterval:     time.Minute,
		ContentionRetry:  time.Second,
		MaxHosts:         5,
		BlobGrace:        time.Minute,
	}
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	d := DefaultManagerConfig()
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + uuid.NewString()
	}
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = d.ConcurrencyLimit
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.LockMargin < 0 {
		c.LockMargin = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = d.IdleInterval
	}
	if c.ContentionRetry <= 0 {
		c.ContentionRetry = d.ContentionRetry
	}
	if c.ContentionRetry > c.IdleInterval {
		c.ContentionRetry = c.IdleInterval
	}
	if c.MaxHosts <= 0 {
		c.MaxHosts = d.MaxHosts
	}
	if c.BlobGrace < 0 {
		c.BlobGrace = 0
	}
	return c
}

// Dependencies are the handles a Manager works through. Store, Blobs,
// Locks, Resolver and Executor are required.
type Dependencies struct {
	Store     Store
	Blobs     BlobStore
	Locks     cache.Cache
	Resolver  Resolver
	Executor  Executor
	Scheduler *Scheduler
	Events    *Events
	Recorder  MetricsRecorder
}

func (d Dependencies) validate() error {
	switch {
	case d.Store == nil:
		return fmt.Errorf("%w: queue store", ErrMissingBackend)
	case d.Blobs == nil:
		return fmt.Errorf("%w: blob store", ErrMissingBackend)
	case d.Locks == nil:
		return fmt.Errorf("%w: lock store", ErrMissingBackend)
	case d.Resolver == nil:
		return fmt.Errorf("%w: resolver", ErrMissingBackend)
	case d.Executor == nil:
		return fmt.Errorf("%w: executor", ErrMissingBackend)
	}
	return nil
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Scheduler == nil {
		d.Scheduler = NewScheduler(DefaultRetryPolicy())
	}
	if d.Events == nil {
		d.Events = NewEvents()
	}
	if d.Recorder == nil {
		d.Recorder = metrics.PromRecorder{}
	}
	return d
}

// RunResult summarizes one scan
type RunResult struct {
	// Processed entries reached a decision
	Processed int
	// Contended entries were locked elsewhere, hit the domain limit or could
	// not be persisted; they stay due
	Contended int
	// Exhausted is set when the batch reached the end of the due entries
	Exhausted bool
}

// ManagerStats are cumulative counters of one worker
type ManagerStats struct {
	WorkerID     string `json:"worker_id"`
	Attempts     int64  `json:"attempts"`
	Delivered    int64  `json:"delivered"`
	Deferred     int64  `json:"deferred"`
	Failed       int64  `json:"failed"`
	DeadLettered int64  `json:"dead_lettered"`
	Contended    int64  `json:"contended"`
}

type processResult int

const (
	resultSkipped processResult = iota
	resultProcessed
	resultContended
	resultDomainFull
)

// scan is one pass over the due entries. Each batch continues after the
// previous one and leaves out domains found at their limit, so a backlog
// for one destination cannot hide the entries behind it.
type scan struct {
	after     *DueEntry
	saturated map[string]bool
}

func (s *scan) skipDomains() []string {
	if len(s.saturated) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.saturated))
	for d := range s.saturated {
		out = append(out, d)
	}
	return out
}

// Manager is one queue worker. Any number of Managers, in one process or
// many, may share the same Dependencies: a recipient entry is only
// attempted while its holder owns the entry's lock.
type Manager struct {
	config    ManagerConfig
	deps      Dependencies
	logger    *slog.Logger
	msgLogger *logging.MessageLogger
	now       func() time.Time

	attempts     atomic.Int64
	delivered    atomic.Int64
	deferred     atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
	contended    atomic.Int64
}

// NewManager creates a queue worker
func NewManager(config ManagerConfig, deps Dependencies) *Manager {
	config = config.withDefaults()
	logger := slog.Default().With("component", "queue-manager", "worker_id", config.WorkerID)
	return &Manager{
		config:    config,
		deps:      deps.withDefaults(),
		logger:    logger,
		msgLogger: logging.NewMessageLogger(slog.Default()),
		now:       time.Now,
	}
}

// WorkerID returns the lock holder name of this worker
func (m *Manager) WorkerID() string {
	return m.config.WorkerID
}

// Stats returns the worker's counters
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		WorkerID:     m.config.WorkerID,
		Attempts:     m.attempts.Load(),
		Delivered:    m.delivered.Load(),
		Deferred:     m.deferred.Load(),
		Failed:       m.failed.Load(),
		DeadLettered: m.deadLettered.Load(),
		Contended:    m.contended.Load(),
	}
}

func (m *Manager) lockTTL() time.Duration {
	return m.config.AttemptTimeout + m.config.LockMargin
}

// Start runs the worker loop until ctx is cancelled. It fails only when a
// required handle is missing; per-entry errors are logged and retried.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.deps.validate(); err != nil {
		return err
	}

	wake, unsubscribe := m.deps.Events.Subscribe()
	defer unsubscribe()

	timer := time.NewTimer(0)
	defer timer.Stop()

	m.logger.Info("Queue manager started",
		"concurrency_limit", m.config.ConcurrencyLimit,
		"attempt_timeout", m.config.AttemptTimeout,
		"lock_ttl", m.lockTTL())

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Queue manager stopped", "stats", m.Stats())
			return nil
		case <-timer.C:
		case scope := <-wake:
			m.logger.Debug("Woken by refresh", "scope", scope.String())
		}

		delay := m.drain(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)
	}
}

// drain runs passes until one makes no progress and returns how long to sleep
func (m *Manager) drain(ctx context.Context) time.Duration {
	for ctx.Err() == nil {
		progressed, err := m.pass(ctx)
		if err != nil {
			m.logger.Warn("Failed to scan queue", "error", err)
			return m.config.ContentionRetry
		}
		if !progressed {
			break
		}
	}
	return m.nextDelay(ctx)
}

// pass walks every due entry once, batch by batch
func (m *Manager) pass(ctx context.Context) (bool, error) {
	var (
		sc         scan
		progressed bool
	)
	for ctx.Err() == nil {
		res, err := m.runBatch(ctx, &sc)
		if err != nil {
			return progressed, err
		}
		if res.Processed > 0 {
			progressed = true
		}
		if res.Exhausted {
			break
		}
	}
	return progressed, nil
}

func (m *Manager) nextDelay(ctx context.Context) time.Duration {
	delay := m.config.IdleInterval
	next, ok, err := m.deps.Store.NextDue(ctx)
	if err != nil {
		m.logger.Debug("Failed to read next due time", "error", err)
	} else if ok {
		if d := next.Sub(m.now()); d < delay {
			delay = d
		}
	}
	if delay < m.config.ContentionRetry {
		delay = m.config.ContentionRetry
	}
	return delay
}

// RunOnce attempts every entry of the first due batch
func (m *Manager) RunOnce(ctx context.Context) (RunResult, error) {
	return m.runBatch(ctx, &scan{})
}

func (m *Manager) runBatch(ctx context.Context, sc *scan) (RunResult, error) {
	var res RunResult

	entries, err := m.deps.Store.Due(ctx, DueQuery{
		Now:         m.now(),
		Limit:       m.config.BatchSize,
		After:       sc.after,
		SkipDomains: sc.skipDomains(),
	})
	if err != nil {
		return res, fmt.Errorf("failed to fetch due entries: %w", err)
	}
	res.Exhausted = len(entries) < m.config.BatchSize
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		sc.after = &last
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if sc.saturated[entry.Domain] {
			res.Contended++
			m.contended.Add(1)
			continue
		}
		switch m.process(ctx, entry) {
		case resultProcessed:
			res.Processed++
		case resultDomainFull:
			if sc.saturated == nil {
				sc.saturated = make(map[string]bool)
			}
			sc.saturated[entry.Domain] = true
			fallthrough
		case resultContended:
			res.Contended++
			m.contended.Add(1)
		}
	}
	return res, nil
}

func (m *Manager) process(ctx context.Context, entry DueEntry) processResult {
	key := entry.Key
	lockKey := cache.NamespaceLockQueueMessage.Key(key.MessageID, strconv.Itoa(key.Index))
	ttl := m.lockTTL()
	logger := m.logger.With("message_id", key.MessageID, "recipient_index", key.Index)

	locked, err := m.deps.Locks.TryLock(ctx, lockKey, m.config.WorkerID, ttl)
	if err != nil {
		logger.Warn("Failed to acquire recipient lock", "error", err)
		return resultContended
	}
	if !locked {
		metrics.LockContention.Inc()
		return resultContended
	}
	defer func() {
		uctx, cancel := detached(ctx)
		defer cancel()
		if err := m.deps.Locks.Unlock(uctx, lockKey, m.config.WorkerID); err != nil {
			logger.Warn("Failed to release recipient lock", "error", err)
		}
	}()

	// The batch may be stale by now: another worker can have finished the
	// entry between our scan and our lock.
	msg, err := m.deps.Store.Get(ctx, key.MessageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return resultSkipped
		}
		logger.Warn("Failed to load message", "error", err)
		return resultContended
	}
	if key.Index < 0 || key.Index >= len(msg.Recipients) {
		return resultSkipped
	}
	rcpt := msg.Recipients[key.Index]
	now := m.now()
	if !rcpt.IsDue(now) {
		return resultSkipped
	}
	if rcpt.Status == StatusInFlight {
		logger.Info("Reclaiming entry from expired holder",
			"previous_holder", rcpt.Holder,
			"in_flight_until", rcpt.InFlightUntil)
	}

	// One worker may hold several slots of a domain, one per entry
	slotKey := cache.NamespaceQueueDomainSlot.Key(rcpt.Domain)
	slotHolder := m.config.WorkerID + ":" + key.MessageID + ":" + strconv.Itoa(key.Index)
	acquired, _, err := m.deps.Locks.AcquireSlot(ctx, slotKey, slotHolder, int64(m.config.ConcurrencyLimit), ttl)
	if err != nil {
		logger.Warn("Failed to acquire domain slot", "domain", rcpt.Domain, "error", err)
		return resultContended
	}
	if !acquired {
		metrics.DomainSlotFull.Inc()
		return resultDomainFull
	}
	defer func() {
		dctx, cancel := detached(ctx)
		defer cancel()
		if _, err := m.deps.Locks.ReleaseSlot(dctx, slotKey, slotHolder); err != nil {
			logger.Warn("Failed to release domain slot", "domain", rcpt.Domain, "error", err)
		}
	}()

	inFlight := rcpt
	inFlight.Status = StatusInFlight
	inFlight.Holder = m.config.WorkerID
	inFlight.InFlightUntil = now.Add(ttl)
	inFlight.LastAttempt = now
	if err := m.persist(ctx, key, inFlight); err != nil {
		if errors.Is(err, ErrNotFound) {
			return resultSkipped
		}
		metrics.PersistFailures.Inc()
		logger.Error("Failed to mark entry in flight", "error", err)
		return resultContended
	}

	m.attempts.Add(1)
	outcome := m.attempt(ctx, msg, rcpt)

	if ctx.Err() != nil && outcome.Kind != delivery.Success {
		// Shutdown interrupted the attempt; put the entry back as it was.
		if err := m.persist(ctx, key, rcpt); err != nil && !errors.Is(err, ErrNotFound) {
			metrics.PersistFailures.Inc()
			logger.Error("Failed to restore interrupted entry", "error", err)
		}
		return resultSkipped
	}

	decision := m.deps.Scheduler.Decide(outcome, rcpt.RetryCount, msg.CreatedAt, m.now())

	updated := rcpt
	updated.Status = decision.Status()
	updated.RetryCount = decision.RetryCount
	updated.NextDue = decision.NextDue
	updated.LastAttempt = now
	updated.Reason = decision.Reason
	updated.Holder = ""
	updated.InFlightUntil = time.Time{}

	if err := m.persist(ctx, key, updated); err != nil {
		if errors.Is(err, ErrNotFound) {
			logger.Debug("Message purged during attempt")
			return resultSkipped
		}
		metrics.PersistFailures.Inc()
		logger.Error("Failed to persist delivery decision",
			"decision", decision.Kind.String(), "error", err)
		return resultContended
	}

	m.record(ctx, msg, rcpt, decision, outcome)

	if decision.Kind != DecisionRetryAt {
		m.completeIfDone(ctx, msg.ID)
	}
	return resultProcessed
}

// detached returns a context that survives cancellation of ctx
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func (m *Manager) persist(ctx context.Context, key RecipientKey, rcpt Recipient) error {
	pctx, cancel := detached(ctx)
	defer cancel()
	return m.deps.Store.UpdateRecipient(pctx, key, rcpt)
}

// attempt resolves the recipient's domain and walks its targets in
// preference order until one gives a definite answer
func (m *Manager) attempt(ctx context.Context, msg *Message, rcpt Recipient) delivery.Outcome {
	actx, cancel := context.WithTimeout(ctx, m.config.AttemptTimeout)
	defer cancel()

	targets, err := m.deps.Resolver.Resolve(actx, rcpt.Domain)
	if err != nil {
		return delivery.RouteOutcome(rcpt.Domain, err)
	}
	if len(targets) == 0 {
		return delivery.RouteOutcome(rcpt.Domain, delivery.ErrNoRoute)
	}

	content, err := m.deps.Blobs.Get(actx, msg.BlobHash)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return delivery.PermFail(delivery.ErrorTypeContent, "message content is missing")
		}
		return delivery.TempFail(delivery.ErrorTypeContent, fmt.Sprintf("failed to read message content: %v", err))
	}

	env := delivery.Envelope{
		MessageID: msg.ID,
		From:      msg.From,
		To:        rcpt.Address,
		Content:   content,
	}

	var outcome delivery.Outcome
	for i, target := range targets {
		if i >= m.config.MaxHosts {
			break
		}
		outcome = m.deps.Executor.Attempt(actx, env, target)
		metrics.AttemptDuration.WithLabelValues(outcome.Kind.String()).Observe(outcome.Duration.Seconds())
		if outcome.Kind != delivery.TemporaryFailure || actx.Err() != nil {
			break
		}
		m.logger.Debug("Target failed, trying next",
			"message_id", msg.ID,
			"host", target.Host,
			"reason", outcome.Reason)
	}
	return outcome
}

func (m *Manager) record(ctx context.Context, msg *Message, rcpt Recipient, decision Decision, outcome delivery.Outcome) {
	rctx, cancel := detached(ctx)
	defer cancel()

	lc := logging.MessageContext{
		MessageID:    msg.ID,
		AccountID:    msg.AccountID,
		From:         msg.From,
		To:           []string{rcpt.Address},
		Size:         msg.Size,
		QueuedAt:     msg.CreatedAt,
		DeliveryTime: outcome.Timestamp,
		DeliveryHost: outcome.Host,
		ReplyCode:    outcome.Code,
		RetryCount:   decision.RetryCount,
		NextRetry:    decision.NextDue,
		Worker:       m.config.WorkerID,
		Error:        decision.Reason,
	}

	var err error
	switch decision.Kind {
	case DecisionDelivered:
		m.delivered.Add(1)
		err = m.deps.Recorder.IncrDelivered(rctx)
		m.msgLogger.LogDelivery(lc)
	case DecisionRetryAt:
		m.deferred.Add(1)
		err = errors.Join(
			m.deps.Recorder.IncrDeferred(rctx),
			m.deps.Recorder.AddRecentError(rctx, msg.ID, rcpt.Address, decision.Reason))
		m.msgLogger.LogTempFail(lc)
	case DecisionPermanentFailure:
		m.failed.Add(1)
		err = errors.Join(
			m.deps.Recorder.IncrFailed(rctx),
			m.deps.Recorder.AddRecentError(rctx, msg.ID, rcpt.Address, decision.Reason))
		m.msgLogger.LogBounce(lc)
	case DecisionDeadLetter:
		m.deadLettered.Add(1)
		err = errors.Join(
			m.deps.Recorder.IncrDeadLettered(rctx),
			m.deps.Recorder.AddRecentError(rctx, msg.ID, rcpt.Address, decision.Reason))
		m.msgLogger.LogDeadLetter(lc)
	}
	if err != nil {
		m.logger.Debug("Failed to record delivery metrics", "error", err)
	}
}

// completeIfDone drops a fully delivered message and releases its content.
// Messages with failed recipients stay archived until a data purge.
func (m *Manager) completeIfDone(ctx context.Context, id string) {
	cctx, cancel := detached(ctx)
	defer cancel()

	msg, err := m.deps.Store.Get(cctx, id)
	if err != nil {
		return
	}
	if !msg.IsComplete() {
		return
	}
	if !msg.AllDelivered() {
		m.logger.Info("Message complete with failed recipients", "message_id", id)
		return
	}

	if err := m.deps.Store.Delete(cctx, id); err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("Failed to drop completed message", "message_id", id, "error", err)
		}
		return
	}
	if _, err := ReleaseBlob(cctx, m.deps.Store, m.deps.Blobs, msg.BlobHash, m.config.BlobGrace); err != nil {
		m.logger.Warn("Failed to release message content", "message_id", id, "error", err)
	}
	m.logger.Debug("Message completed", "message_id", id)
}
