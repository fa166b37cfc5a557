package queue

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/elemta-outbound/internal/cache"
	"github.com/busybox42/elemta-outbound/internal/delivery"
	"github.com/busybox42/elemta-outbound/internal/delivery/deliverytest"
)

type staticResolver struct {
	targets map[string][]delivery.Target
}

func (r staticResolver) Resolve(_ context.Context, domain string) ([]delivery.Target, error) {
	if t, ok := r.targets[domain]; ok {
		return t, nil
	}
	return nil, delivery.ErrNoRoute
}

func localRoutes(domains ...string) staticResolver {
	r := staticResolver{targets: make(map[string][]delivery.Target)}
	for _, d := range domains {
		r.targets[d] = []delivery.Target{{
			Host:       "mx." + d,
			Preference: 10,
			Addrs:      []net.IP{net.ParseIP("127.0.0.1")},
		}}
	}
	return r
}

// recordingExecutor counts attempts and flags overlapping attempts on the
// same recipient entry or too many attempts per domain
type recordingExecutor struct {
	fn    func(env delivery.Envelope) delivery.Outcome
	delay time.Duration

	mu        sync.Mutex
	active    map[string]int
	perDomain map[string]int
	maxDomain int
	overlap   atomic.Bool
	calls     atomic.Int64
}

func newRecordingExecutor(fn func(env delivery.Envelope) delivery.Outcome) *recordingExecutor {
	return &recordingExecutor{
		fn:        fn,
		active:    make(map[string]int),
		perDomain: make(map[string]int),
	}
}

func (e *recordingExecutor) Attempt(ctx context.Context, env delivery.Envelope, target delivery.Target) delivery.Outcome {
	key := env.MessageID + "/" + env.To
	domain := extractDomain(env.To)

	e.mu.Lock()
	e.active[key]++
	if e.active[key] > 1 {
		e.overlap.Store(true)
	}
	e.perDomain[domain]++
	if e.perDomain[domain] > e.maxDomain {
		e.maxDomain = e.perDomain[domain]
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.active[key]--
		e.perDomain[domain]--
		e.mu.Unlock()
	}()

	e.calls.Add(1)
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return delivery.TempFail(delivery.ErrorTypeTimeout, "attempt timed out")
		}
	}
	o := e.fn(env)
	o.Host = target.Host
	return o
}

func (e *recordingExecutor) MaxPerDomain() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxDomain
}

func accept(delivery.Envelope) delivery.Outcome {
	return delivery.Succeeded("", 250, "2.0.0 ok")
}

type harness struct {
	store  *MemoryStore
	blobs  *MemoryBlobStore
	locks  *cache.Memory
	events *Events
	queue  *Queue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	locks := cache.NewMemory(cache.Config{Name: "locks"})
	require.NoError(t, locks.Connect())
	t.Cleanup(func() { _ = locks.Close() })

	h := &harness{
		store:  NewMemoryStore(),
		blobs:  NewMemoryBlobStore(),
		locks:  locks,
		events: NewEvents(),
	}
	h.queue = New(h.store, h.blobs, h.events)
	return h
}

func (h *harness) deps(resolver Resolver, executor Executor, policy RetryPolicy) Dependencies {
	return Dependencies{
		Store:     h.store,
		Blobs:     h.blobs,
		Locks:     h.locks,
		Resolver:  resolver,
		Executor:  executor,
		Scheduler: NewScheduler(policy),
		Events:    h.events,
	}
}

func testManagerConfig(id string) ManagerConfig {
	return ManagerConfig{
		WorkerID:         id,
		ConcurrencyLimit: 1,
		AttemptTimeout:   5 * time.Second,
		LockMargin:       time.Second,
		BatchSize:        10,
		IdleInterval:     100 * time.Millisecond,
		ContentionRetry:  5 * time.Millisecond,
	}
}

func (h *harness) enqueue(t *testing.T, account uint32, to ...string) *Message {
	t.Helper()
	msg, err := h.queue.Enqueue(context.Background(), Submission{
		AccountID: account,
		From:      "sender@example.com",
		To:        to,
		Content:   []byte("Subject: test\r\n\r\nhello\r\n"),
	})
	require.NoError(t, err)
	return msg
}

func TestManagerDeliversAndDropsMessage(t *testing.T) {
	h := newHarness(t)
	exec := newRecordingExecutor(accept)
	cfg := testManagerConfig("w-1")
	cfg.ConcurrencyLimit = 5
	m := NewManager(cfg, h.deps(localRoutes("foobar.org", "example.net"), exec, RetryPolicy{}))

	msg := h.enqueue(t, 1, "bill@foobar.org", "ann@example.net")

	res, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Zero(t, res.Contended)
	assert.Equal(t, int64(2), exec.calls.Load())

	_, err = h.store.Get(context.Background(), msg.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, h.queue.AssertEmpty(context.Background()))

	// Content is kept during the grace period
	blobs, err := h.blobs.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, blobs, 1)

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.Delivered)
	assert.Equal(t, int64(2), stats.Attempts)
}

func TestManagerReleasesContentWithoutGrace(t *testing.T) {
	h := newHarness(t)
	cfg := testManagerConfig("w-1")
	cfg.BlobGrace = 0
	m := NewManager(cfg, h.deps(localRoutes("foobar.org"), newRecordingExecutor(accept), RetryPolicy{}))
	h.enqueue(t, 1, "bill@foobar.org")

	_, err := m.RunOnce(context.Background())
	require.NoError(t, err)

	blobs, err := h.blobs.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, blobs)
}

func TestManagerNoRouteIsPermanent(t *testing.T) {
	ns := deliverytest.NewDNSServer(t, "nullmx.org. 300 IN MX 0 .")
	resolver := delivery.NewResolver(delivery.ResolverConfig{
		Nameservers: []string{ns.Addr},
		Timeout:     time.Second,
		Retries:     1,
	})

	h := newHarness(t)
	exec := newRecordingExecutor(accept)
	m := NewManager(testManagerConfig("w-1"), h.deps(resolver, exec, RetryPolicy{}))
	msg := h.enqueue(t, 1, "bill@nowhere.test", "ann@nullmx.org")

	res, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Zero(t, exec.calls.Load(), "unroutable recipients are never attempted")

	got, err := h.store.Get(context.Background(), msg.ID)
	require.NoError(t, err, "failed messages stay queryable")
	for _, r := range got.Recipients {
		assert.Equal(t, StatusPermanentFailure, r.Status, r.Address)
		assert.Contains(t, r.Reason, "no route")
		assert.Zero(t, r.RetryCount)
	}
	assert.NoError(t, h.queue.AssertEmpty(context.Background()))
}

func TestManagerRemoteRejection(t *testing.T) {
	h := newHarness(t)
	exec := newRecordingExecutor(func(delivery.Envelope) delivery.Outcome {
		o := delivery.PermFail(delivery.ErrorTypeSMTP, "550 5.1.1 mailbox unavailable")
		o.Code = 550
		return o
	})
	m := NewManager(testManagerConfig("w-1"), h.deps(localRoutes("foobar.org"), exec, RetryPolicy{}))
	msg := h.enqueue(t, 1, "gone@foobar.org")

	_, err := m.RunOnce(context.Background())
	require.NoError(t, err)

	got, err := h.store.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPermanentFailure, got.Recipients[0].Status)
	assert.Equal(t, "550 5.1.1 mailbox unavailable", got.Recipients[0].Reason)
	assert.Equal(t, int64(1), m.Stats().Failed)
}

func TestManagerBackoffThenDeadLetter(t *testing.T) {
	h := newHarness(t)
	exec := newRecordingExecutor(func(delivery.Envelope) delivery.Outcome {
		return delivery.TempFail(delivery.ErrorTypeSMTP, "451 4.3.0 try again later")
	})
	policy := RetryPolicy{Base: 2 * time.Millisecond, MaxInterval: 8 * time.Millisecond, MaxRetries: 4}
	m := NewManager(testManagerConfig("w-1"), h.deps(localRoutes("foobar.org"), exec, policy))
	msg := h.enqueue(t, 1, "bill@foobar.org")

	var dues []time.Time
	var final Recipient
	for i := 0; i < 200; i++ {
		_, err := m.RunOnce(context.Background())
		require.NoError(t, err)

		got, err := h.store.Get(context.Background(), msg.ID)
		require.NoError(t, err)
		final = got.Recipients[0]
		if final.Status.IsTerminal() {
			break
		}
		if final.Status == StatusTemporaryFailure && (len(dues) == 0 || !dues[len(dues)-1].Equal(final.NextDue)) {
			dues = append(dues, final.NextDue)
		}
		time.Sleep(2 * time.Millisecond)
	}

	require.Equal(t, StatusDeadLettered, final.Status)
	assert.Equal(t, 5, final.RetryCount)
	assert.Contains(t, final.Reason, "retry limit")
	assert.Equal(t, int64(5), exec.calls.Load())

	require.Len(t, dues, 4)
	for i := 1; i < len(dues); i++ {
		assert.True(t, dues[i].After(dues[i-1]), "due times must increase")
	}
	assert.NoError(t, h.queue.AssertEmpty(context.Background()))
	assert.Equal(t, int64(4), m.Stats().Deferred)
	assert.Equal(t, int64(1), m.Stats().DeadLettered)
}

func TestManagerSkipsLockedEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	exec := newRecordingExecutor(accept)
	m := NewManager(testManagerConfig("w-1"), h.deps(localRoutes("foobar.org"), exec, RetryPolicy{}))
	msg := h.enqueue(t, 1, "bill@foobar.org")

	lockKey := cache.NamespaceLockQueueMessage.Key(msg.ID, "0")
	ok, err := h.locks.TryLock(ctx, lockKey, "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Equal(t, 1, res.Contended)
	assert.Zero(t, exec.calls.Load())

	got, err := h.store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Recipients[0].Status)

	require.NoError(t, h.locks.Unlock(ctx, lockKey, "other-worker"))
	res, err = m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
}

func TestManagerDomainSlotFull(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	exec := newRecordingExecutor(accept)
	m := NewManager(testManagerConfig("w-1"), h.deps(localRoutes("foobar.org"), exec, RetryPolicy{}))
	msg := h.enqueue(t, 1, "bill@foobar.org")

	slot := cache.NamespaceQueueDomainSlot.Key("foobar.org")
	ok, _, err := h.locks.AcquireSlot(ctx, slot, "w-2:other", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Contended)
	assert.Zero(t, exec.calls.Load())

	// The recipient lock was given back
	lockKey := cache.NamespaceLockQueueMessage.Key(msg.ID, "0")
	ok, err = h.locks.TryLock(ctx, lockKey, "checker", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, h.locks.Unlock(ctx, lockKey, "checker"))

	_, err = h.locks.ReleaseSlot(ctx, slot, "w-2:other")
	require.NoError(t, err)
	res, err = m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	// The slot is released after the attempt
	ok, leases, err := h.locks.AcquireSlot(ctx, slot, "w-2:other", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), leases)
}

// gateExecutor holds attempts for slow.org until released and reports
// every other delivery
type gateExecutor struct {
	release chan struct{}
	others  chan string
}

func (e *gateExecutor) Attempt(ctx context.Context, env delivery.Envelope, target delivery.Target) delivery.Outcome {
	if extractDomain(env.To) == "slow.org" {
		select {
		case <-e.release:
		case <-ctx.Done():
			return delivery.TempFail(delivery.ErrorTypeTimeout, "attempt timed out")
		}
	} else {
		e.others <- env.To
	}
	return delivery.Succeeded(target.Host, 250, "2.0.0 ok")
}

// enqueueBacklog queues n messages for slow.org, then one for fast.org that
// sorts after all of them
func enqueueBacklog(t *testing.T, h *harness, n int) *Message {
	t.Helper()
	ctx := context.Background()
	var last time.Time
	for i := 0; i < n; i++ {
		msg := h.enqueue(t, 1, "user"+strconv.Itoa(i)+"@slow.org")
		last = msg.Recipients[0].NextDue
	}
	fast := h.enqueue(t, 1, "bill@fast.org")
	rcpt := fast.Recipients[0]
	rcpt.NextDue = last.Add(time.Microsecond)
	require.NoError(t, h.store.UpdateRecipient(ctx, RecipientKey{MessageID: fast.ID, Index: 0}, rcpt))
	time.Sleep(time.Millisecond)
	return fast
}

func TestManagerPassSkipsSaturatedDomain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	exec := newRecordingExecutor(accept)
	m := NewManager(testManagerConfig("w-1"), h.deps(localRoutes("slow.org", "fast.org"), exec, RetryPolicy{}))
	fast := enqueueBacklog(t, h, 15)

	slot := cache.NamespaceQueueDomainSlot.Key("slow.org")
	ok, _, err := h.locks.AcquireSlot(ctx, slot, "w-2:busy", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Processed, "the first batch holds only slow.org entries")
	assert.False(t, res.Exhausted)

	progressed, err := m.pass(ctx)
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Equal(t, int64(1), exec.calls.Load())

	_, err = h.store.Get(ctx, fast.ID)
	assert.ErrorIs(t, err, ErrNotFound, "fast.org was delivered past the backlog")

	progressed, err = m.pass(ctx)
	require.NoError(t, err)
	assert.False(t, progressed, "a pass over saturated entries only is not progress")
}

func TestWorkersDeliverPastBlockedDomain(t *testing.T) {
	h := newHarness(t)
	exec := &gateExecutor{release: make(chan struct{}), others: make(chan string, 1)}
	enqueueBacklog(t, h, 15)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		close(exec.release)
		cancel()
		wg.Wait()
	}()

	for i := 0; i < 4; i++ {
		m := NewManager(testManagerConfig("w-"+strconv.Itoa(i)), h.deps(localRoutes("slow.org", "fast.org"), exec, RetryPolicy{}))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Start(ctx)
		}()
	}

	select {
	case to := <-exec.others:
		assert.Equal(t, "bill@fast.org", to)
	case <-time.After(2 * time.Second):
		t.Fatal("fast.org was not delivered while slow.org held its only slot")
	}
}

func TestManagerReclaimsExpiredInFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	exec := newRecordingExecutor(accept)
	m := NewManager(testManagerConfig("w-2"), h.deps(localRoutes("foobar.org"), exec, RetryPolicy{}))
	msg := h.enqueue(t, 1, "bill@foobar.org")

	// A worker claimed the entry and died: its lock expires with its window
	lockKey := cache.NamespaceLockQueueMessage.Key(msg.ID, "0")
	ok, err := h.locks.TryLock(ctx, lockKey, "w-dead", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	claimed := msg.Recipients[0]
	claimed.Status = StatusInFlight
	claimed.Holder = "w-dead"
	claimed.InFlightUntil = time.Now().Add(50 * time.Millisecond)
	require.NoError(t, h.store.UpdateRecipient(ctx, RecipientKey{msg.ID, 0}, claimed))

	res, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Processed, "entry is not due while its holder may be alive")

	time.Sleep(80 * time.Millisecond)

	res, err = m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, int64(1), exec.calls.Load())
	assert.NoError(t, h.queue.AssertEmpty(ctx))
}

func TestManagerAbandonsPurgedMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var purgedID atomic.Value
	exec := newRecordingExecutor(func(env delivery.Envelope) delivery.Outcome {
		_, err := h.store.DeleteAccount(ctx, 1)
		require.NoError(t, err)
		purgedID.Store(env.MessageID)
		return delivery.Succeeded("", 250, "ok")
	})
	m := NewManager(testManagerConfig("w-1"), h.deps(localRoutes("foobar.org"), exec, RetryPolicy{}))
	msg := h.enqueue(t, 1, "bill@foobar.org")

	res, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Zero(t, res.Contended)
	assert.Equal(t, msg.ID, purgedID.Load())

	_, err = h.store.Get(ctx, msg.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	lockKey := cache.NamespaceLockQueueMessage.Key(msg.ID, "0")
	ok, err := h.locks.TryLock(ctx, lockKey, "checker", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be released after abandoning")
}

// failingStore refuses every recipient update
type failingStore struct {
	*MemoryStore
}

func (failingStore) UpdateRecipient(context.Context, RecipientKey, Recipient) error {
	return errors.New("disk full")
}

func TestManagerPersistFailureLeavesEntryDue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	exec := newRecordingExecutor(accept)
	deps := h.deps(localRoutes("foobar.org"), exec, RetryPolicy{})
	deps.Store = failingStore{h.store}
	m := NewManager(testManagerConfig("w-1"), deps)
	msg := h.enqueue(t, 1, "bill@foobar.org")

	res, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Contended)
	assert.Zero(t, exec.calls.Load(), "no attempt without a persisted claim")

	got, err := h.store.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Recipients[0].Status)
}

func TestManagerStartRequiresBackends(t *testing.T) {
	m := NewManager(ManagerConfig{}, Dependencies{Store: NewMemoryStore()})
	err := m.Start(context.Background())
	assert.ErrorIs(t, err, ErrMissingBackend)

	_, err = NewWorkerPool(WorkerPoolConfig{Size: 2}, Dependencies{})
	assert.ErrorIs(t, err, ErrMissingBackend)
}

func TestManagerStartWakesOnRefresh(t *testing.T) {
	h := newHarness(t)
	exec := newRecordingExecutor(accept)
	cfg := testManagerConfig("w-1")
	cfg.IdleInterval = time.Hour
	cfg.ContentionRetry = time.Hour
	m := NewManager(cfg, h.deps(localRoutes("foobar.org"), exec, RetryPolicy{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	require.Eventually(t, func() bool { return h.events.Subscribers() == 1 }, 5*time.Second, 5*time.Millisecond)
	// Let the initial scan run and the manager go idle
	time.Sleep(20 * time.Millisecond)

	h.enqueue(t, 1, "bill@foobar.org")
	require.Eventually(t, func() bool { return exec.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestWorkerPoolAtMostOneAttemptPerEntry(t *testing.T) {
	h := newHarness(t)
	exec := newRecordingExecutor(accept)
	exec.delay = 3 * time.Millisecond

	cfg := testManagerConfig("")
	cfg.ConcurrencyLimit = 3
	pool, err := NewWorkerPool(WorkerPoolConfig{Size: 8, WorkerPrefix: "w", Manager: cfg},
		h.deps(localRoutes("foobar.org", "example.net"), exec, RetryPolicy{}))
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	for i := 0; i < 20; i++ {
		h.enqueue(t, 1, "user"+strconv.Itoa(i)+"@foobar.org", "user"+strconv.Itoa(i)+"@example.net")
	}
	pool.Refresh(GlobalScope())

	require.Eventually(t, func() bool {
		empty, err := h.queue.IsEmpty(context.Background())
		return err == nil && empty
	}, 20*time.Second, 10*time.Millisecond)

	assert.False(t, exec.overlap.Load(), "a recipient entry was attempted twice at once")
	assert.Equal(t, int64(40), exec.calls.Load())
	assert.LessOrEqual(t, exec.MaxPerDomain(), 3)

	require.NoError(t, pool.Stop())
	stats := pool.Stats()
	assert.Equal(t, 8, stats.Workers)
	assert.Equal(t, int64(40), stats.Delivered)
	assert.Equal(t, "w-0", stats.PerWorker[0].WorkerID)
}
