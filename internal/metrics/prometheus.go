package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Queue collectors, registered on the default registry
var (
	MessagesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elemta_queue_messages_enqueued_total",
		Help: "Total number of messages accepted into the outbound queue",
	})
	RecipientsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elemta_queue_recipients_delivered_total",
		Help: "Total number of recipient entries delivered",
	})
	RecipientsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elemta_queue_recipients_failed_total",
		Help: "Total number of recipient entries that failed permanently",
	})
	RecipientsDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elemta_queue_recipients_deferred_total",
		Help: "Total number of temporary failures scheduled for retry",
	})
	RecipientsDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elemta_queue_recipients_dead_lettered_total",
		Help: "Total number of recipient entries that exhausted their retry budget",
	})
	AttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "elemta_queue_attempt_duration_seconds",
		Help:    "Duration of delivery attempts by outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elemta_queue_lock_contention_total",
		Help: "Number of recipient entries skipped because another worker held the lock",
	})
	DomainSlotFull = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elemta_queue_domain_slot_full_total",
		Help: "Number of attempts deferred because the domain concurrency limit was reached",
	})
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elemta_queue_persist_failures_total",
		Help: "Number of attempts abandoned because queue state could not be written",
	})
	QueueEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "elemta_queue_entries",
		Help: "Number of recipient entries by status",
	}, []string{"status"})
	ResolverCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elemta_queue_resolver_cache_hits_total",
		Help: "Number of routing lookups answered from cache",
	})
	ResolverCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elemta_queue_resolver_cache_misses_total",
		Help: "Number of routing lookups that queried DNS",
	})
	PurgesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "elemta_queue_purges_total",
		Help: "Number of administrative purges executed by target",
	}, []string{"target"})
	RecentErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elemta_queue_delivery_errors_total",
		Help: "Number of delivery errors recorded",
	})
)

// Recorder receives delivery counters from the queue
type Recorder interface {
	IncrDelivered(ctx context.Context) error
	IncrFailed(ctx context.Context) error
	IncrDeferred(ctx context.Context) error
	IncrDeadLettered(ctx context.Context) error
	AddRecentError(ctx context.Context, messageID, recipient, errorMsg string) error
}

// PromRecorder records delivery counters in Prometheus
type PromRecorder struct{}

func (PromRecorder) IncrDelivered(context.Context) error {
	RecipientsDelivered.Inc()
	return nil
}

func (PromRecorder) IncrFailed(context.Context) error {
	RecipientsFailed.Inc()
	return nil
}

func (PromRecorder) IncrDeferred(context.Context) error {
	RecipientsDeferred.Inc()
	return nil
}

func (PromRecorder) IncrDeadLettered(context.Context) error {
	RecipientsDeadLettered.Inc()
	return nil
}

func (PromRecorder) AddRecentError(context.Context, string, string, string) error {
	RecentErrors.Inc()
	return nil
}

// MultiRecorder fans every call out to each recorder
type MultiRecorder []Recorder

func (m MultiRecorder) each(fn func(Recorder) error) error {
	var errs []error
	for _, r := range m {
		if err := fn(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiRecorder) IncrDelivered(ctx context.Context) error {
	return m.each(func(r Recorder) error { return r.IncrDelivered(ctx) })
}

func (m MultiRecorder) IncrFailed(ctx context.Context) error {
	return m.each(func(r Recorder) error { return r.IncrFailed(ctx) })
}

func (m MultiRecorder) IncrDeferred(ctx context.Context) error {
	return m.each(func(r Recorder) error { return r.IncrDeferred(ctx) })
}

func (m MultiRecorder) IncrDeadLettered(ctx context.Context) error {
	return m.each(func(r Recorder) error { return r.IncrDeadLettered(ctx) })
}

func (m MultiRecorder) AddRecentError(ctx context.Context, messageID, recipient, errorMsg string) error {
	return m.each(func(r Recorder) error { return r.AddRecentError(ctx, messageID, recipient, errorMsg) })
}

// IncrEnqueued forwards to every recorder that counts accepted messages
func (m MultiRecorder) IncrEnqueued(ctx context.Context) error {
	return m.each(func(r Recorder) error {
		if e, ok := r.(interface{ IncrEnqueued(context.Context) error }); ok {
			return e.IncrEnqueued(ctx)
		}
		return nil
	})
}
