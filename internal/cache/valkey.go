package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"
)

var (
	valkeyUnlock      = valkey.NewLuaScript(unlockScript)
	valkeyAcquireSlot = valkey.NewLuaScript(acquireSlotScript)
	valkeyReleaseSlot = valkey.NewLuaScript(releaseSlotScript)
)

// Valkey implements the Cache interface for Valkey clusters
type Valkey struct {
	config    Config
	client    valkey.Client
	connected bool
	now       func() time.Time
}

// NewValkey creates a new Valkey cache
func NewValkey(config Config) *Valkey {
	if config.Port == 0 {
		config.Port = 6379
	}

	return &Valkey{config: config, now: time.Now}
}

// NewValkeyWithClient wraps an existing client. Connect only verifies the
// connection.
func NewValkeyWithClient(name string, client valkey.Client) *Valkey {
	return &Valkey{
		config: Config{Type: "valkey", Name: name},
		client: client,
		now:    time.Now,
	}
}

// Connect establishes a connection to Valkey
func (v *Valkey) Connect() error {
	if v.connected {
		return nil
	}

	client := v.client
	if client == nil {
		var err error
		client, err = valkey.NewClient(valkey.ClientOption{
			InitAddress: []string{fmt.Sprintf("%s:%d", v.config.Host, v.config.Port)},
			Password:    v.config.Password,
			SelectDB:    v.config.Database,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to Valkey: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return fmt.Errorf("failed to ping Valkey: %w", err)
	}

	v.client = client
	v.connected = true
	return nil
}

// Close closes the connection to Valkey
func (v *Valkey) Close() error {
	if !v.connected {
		return nil
	}

	v.client.Close()
	v.connected = false
	return nil
}

// IsConnected returns true if connected to Valkey
func (v *Valkey) IsConnected() bool {
	return v.connected
}

// Name returns the name of this cache instance
func (v *Valkey) Name() string {
	return v.config.Name
}

// Type returns the type of this cache
func (v *Valkey) Type() string {
	return "valkey"
}

// TryLock acquires key with SET NX PX
func (v *Valkey) TryLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if !v.connected {
		return false, ErrNotConnected
	}

	cmd := v.client.B().Set().Key(key).Value(holder).Nx().PxMilliseconds(ttl.Milliseconds()).Build()
	err := v.client.Do(ctx, cmd).Error()
	if valkey.IsValkeyNil(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Unlock releases key if holder still owns it
func (v *Valkey) Unlock(ctx context.Context, key, holder string) error {
	if !v.connected {
		return ErrNotConnected
	}

	return valkeyUnlock.Exec(ctx, v.client, []string{key}, []string{holder}).Error()
}

// ForceUnlock deletes key
func (v *Valkey) ForceUnlock(ctx context.Context, key string) error {
	if !v.connected {
		return ErrNotConnected
	}

	return v.client.Do(ctx, v.client.B().Del().Key(key).Build()).Error()
}

// AcquireSlot leases a slot in the sorted set at key. Lease expiry is taken
// from this process's clock.
func (v *Valkey) AcquireSlot(ctx context.Context, key, holder string, max int64, ttl time.Duration) (bool, int64, error) {
	if !v.connected {
		return false, 0, ErrNotConnected
	}
	if ttl <= 0 {
		return false, 0, ErrInvalidTTL
	}

	now := v.now()
	args := []string{
		holder,
		strconv.FormatInt(max, 10),
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(ttl.Milliseconds(), 10),
		strconv.FormatInt(now.Add(ttl).UnixMilli(), 10),
	}
	res, err := valkeyAcquireSlot.Exec(ctx, v.client, []string{key}, args).AsIntSlice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected script reply: %v", res)
	}

	return res[0] == 1, res[1], nil
}

// ReleaseSlot drops holder from the sorted set at key
func (v *Valkey) ReleaseSlot(ctx context.Context, key, holder string) (int64, error) {
	if !v.connected {
		return 0, ErrNotConnected
	}

	return valkeyReleaseSlot.Exec(ctx, v.client, []string{key}, []string{holder}).AsInt64()
}

// DeletePrefix scans for keys starting with prefix and deletes them. Keys
// from one SCAN page may live in different cluster slots, so each gets its
// own DEL.
func (v *Valkey) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if !v.connected {
		return 0, ErrNotConnected
	}

	var (
		cursor  uint64
		deleted int
	)
	pattern := escapeGlob(prefix) + "*"
	for {
		entry, err := v.client.Do(ctx, v.client.B().Scan().Cursor(cursor).Match(pattern).Count(500).Build()).AsScanEntry()
		if err != nil {
			return deleted, err
		}
		if len(entry.Elements) > 0 {
			cmds := make([]valkey.Completed, 0, len(entry.Elements))
			for _, key := range entry.Elements {
				cmds = append(cmds, v.client.B().Del().Key(key).Build())
			}
			for _, resp := range v.client.DoMulti(ctx, cmds...) {
				n, err := resp.AsInt64()
				if err != nil {
					return deleted, err
				}
				deleted += int(n)
			}
		}
		if entry.Cursor == 0 {
			return deleted, nil
		}
		cursor = entry.Cursor
	}
}
