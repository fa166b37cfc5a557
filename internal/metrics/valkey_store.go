package metrics

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"
)

// DeliveryMetrics holds queue delivery totals
type DeliveryMetrics struct {
	TotalDelivered    int64     `json:"total_delivered"`
	TotalFailed       int64     `json:"total_failed"`
	TotalDeferred     int64     `json:"total_deferred"`
	TotalDeadLettered int64     `json:"total_dead_lettered"`
	TotalEnqueued     int64     `json:"total_enqueued"`
	LastUpdated       time.Time `json:"last_updated"`
}

// HourlyStats holds hourly delivery counts
type HourlyStats struct {
	Hour      string `json:"hour"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
	Deferred  int64  `json:"deferred"`
}

// RecentError is one stored delivery error
type RecentError struct {
	MessageID string `json:"message_id"`
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

const recentErrorsKept = 100

// ValkeyStore persists delivery counters in Valkey so that every queue
// process contributes to the same totals.
type ValkeyStore struct {
	client valkey.Client
	prefix string
}

// NewValkeyStore creates a new Valkey-backed metrics store
func NewValkeyStore(addr, password string) (*ValkeyStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{addr},
		Password:     password,
		DisableCache: true,
	})
	if err != nil {
		return nil, err
	}
	return NewValkeyStoreWithClient(client), nil
}

// NewValkeyStoreWithClient wraps an existing client
func NewValkeyStoreWithClient(client valkey.Client) *ValkeyStore {
	return &ValkeyStore{
		client: client,
		prefix: "elemta:outbound:metrics:",
	}
}

// Close closes the Valkey connection
func (s *ValkeyStore) Close() {
	s.client.Close()
}

func hourKey(t time.Time) string {
	return t.Format("2006-01-02:15")
}

// incrCounter increments a total and its hourly bucket
func (s *ValkeyStore) incrCounter(ctx context.Context, counterName string) error {
	now := time.Now()
	key := s.prefix + counterName
	hourly := s.prefix + "hourly:" + hourKey(now) + ":" + counterName

	cmds := valkey.Commands{
		s.client.B().Incr().Key(key).Build(),
		s.client.B().Incr().Key(hourly).Build(),
		s.client.B().Expire().Key(hourly).Seconds(86400).Build(),
		s.client.B().Set().Key(s.prefix + "last_updated").Value(now.Format(time.RFC3339)).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

// IncrDelivered increments the delivered counter
func (s *ValkeyStore) IncrDelivered(ctx context.Context) error {
	return s.incrCounter(ctx, "delivered")
}

// IncrFailed increments the permanent failure counter
func (s *ValkeyStore) IncrFailed(ctx context.Context) error {
	return s.incrCounter(ctx, "failed")
}

// IncrDeferred increments the deferred counter
func (s *ValkeyStore) IncrDeferred(ctx context.Context) error {
	return s.incrCounter(ctx, "deferred")
}

// IncrDeadLettered increments the dead-letter counter
func (s *ValkeyStore) IncrDeadLettered(ctx context.Context) error {
	return s.incrCounter(ctx, "dead_lettered")
}

// IncrEnqueued counts an accepted message
func (s *ValkeyStore) IncrEnqueued(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Incr().Key(s.prefix+"enqueued").Build()).Error()
}

func (s *ValkeyStore) getInt(ctx context.Context, key string) int64 {
	v, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// GetMetrics retrieves current delivery totals
func (s *ValkeyStore) GetMetrics(ctx context.Context) (*DeliveryMetrics, error) {
	m := &DeliveryMetrics{
		TotalDelivered:    s.getInt(ctx, s.prefix+"delivered"),
		TotalFailed:       s.getInt(ctx, s.prefix+"failed"),
		TotalDeferred:     s.getInt(ctx, s.prefix+"deferred"),
		TotalDeadLettered: s.getInt(ctx, s.prefix+"dead_lettered"),
		TotalEnqueued:     s.getInt(ctx, s.prefix+"enqueued"),
	}

	lastUpdated, err := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+"last_updated").Build()).ToString()
	if err != nil && !valkey.IsValkeyNil(err) {
		return nil, err
	}
	m.LastUpdated, _ = time.Parse(time.RFC3339, lastUpdated)
	return m, nil
}

// GetHourlyStats retrieves hourly statistics for the last 24 hours
func (s *ValkeyStore) GetHourlyStats(ctx context.Context) ([]HourlyStats, error) {
	stats := make([]HourlyStats, 24)
	now := time.Now()

	for i := 0; i < 24; i++ {
		hour := now.Add(-time.Duration(23-i) * time.Hour)
		base := s.prefix + "hourly:" + hourKey(hour) + ":"
		stats[i] = HourlyStats{
			Hour:      hour.Format("15:00"),
			Delivered: s.getInt(ctx, base+"delivered"),
			Failed:    s.getInt(ctx, base+"failed"),
			Deferred:  s.getInt(ctx, base+"deferred"),
		}
	}
	return stats, nil
}

// AddRecentError stores a recent delivery error, keeping the newest hundred
func (s *ValkeyStore) AddRecentError(ctx context.Context, messageID, recipient, errorMsg string) error {
	data, err := json.Marshal(RecentError{
		MessageID: messageID,
		Recipient: recipient,
		Error:     errorMsg,
		Timestamp: time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	key := s.prefix + "recent_errors"
	cmds := valkey.Commands{
		s.client.B().Lpush().Key(key).Element(string(data)).Build(),
		s.client.B().Ltrim().Key(key).Start(0).Stop(recentErrorsKept - 1).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

// GetRecentErrors retrieves recent delivery errors, newest first
func (s *ValkeyStore) GetRecentErrors(ctx context.Context, limit int64) ([]RecentError, error) {
	key := s.prefix + "recent_errors"
	result, err := s.client.Do(ctx, s.client.B().Lrange().Key(key).Start(0).Stop(limit-1).Build()).AsStrSlice()
	if err != nil {
		return nil, err
	}

	recent := make([]RecentError, 0, len(result))
	for _, item := range result {
		var e RecentError
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		recent = append(recent, e)
	}
	return recent, nil
}
