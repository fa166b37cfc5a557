package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// dialect captures the differences between the supported SQL engines
type dialect struct {
	driver      string
	numbered    bool // $1, $2 placeholders instead of ?
	indexInline bool // index declared inside CREATE TABLE
}

var dialects = map[string]dialect{
	"sqlite3":  {driver: "sqlite3"},
	"postgres": {driver: "postgres", numbered: true},
	"mysql":    {driver: "mysql", indexInline: true},
}

// rebind rewrites ? placeholders for engines using numbered parameters
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) schema() []string {
	recipients := `CREATE TABLE IF NOT EXISTS queue_recipients (
		message_id VARCHAR(64) NOT NULL,
		idx INTEGER NOT NULL,
		address VARCHAR(320) NOT NULL,
		domain VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL,
		retry_count INTEGER NOT NULL,
		next_due BIGINT NOT NULL,
		last_attempt BIGINT NOT NULL,
		reason TEXT,
		holder VARCHAR(128) NOT NULL,
		inflight_until BIGINT NOT NULL,
		due_at BIGINT NULL,
		PRIMARY KEY (message_id, idx)`
	if d.indexInline {
		recipients += `,
		INDEX idx_queue_recipients_due (due_at, domain)`
	}
	recipients += `
	)`

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue_messages (
			id VARCHAR(64) PRIMARY KEY,
			account_id BIGINT NOT NULL,
			sender VARCHAR(320) NOT NULL,
			blob_hash VARCHAR(128) NOT NULL,
			size BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		recipients,
	}
	if !d.indexInline {
		stmts = append(stmts,
			`CREATE INDEX IF NOT EXISTS idx_queue_recipients_due ON queue_recipients (due_at, domain)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_messages_account ON queue_messages (account_id)`,
		)
	}
	return stmts
}

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore keeps queue state in a SQL database shared by every worker,
// across processes when the engine is a server (postgres, mysql).
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

// NewSQLStore opens the database and creates the schema
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported queue store driver: %s", driver)
	}

	if driver == "sqlite3" {
		if dir := filepath.Dir(dsn); dir != "." && dir != "/" && !strings.HasPrefix(dsn, ":memory:") && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, fmt.Errorf("failed to create directory for SQLite database: %w", err)
			}
		}
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s queue store: %w", driver, err)
	}

	if driver == "sqlite3" {
		// SQLite only handles one writer at a time
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s queue store: %w", driver, err)
	}

	for _, stmt := range d.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create queue schema: %w", err)
		}
	}

	return &SQLStore{
		db:      db,
		dialect: d,
		logger:  slog.Default().With("component", "queue-sql", "driver", driver),
	}, nil
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func dueColumn(r Recipient) sql.NullInt64 {
	due, ok := r.DueAt()
	if !ok {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(due), Valid: true}
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Append persists a new message and its recipients in one transaction
func (s *SQLStore) Append(ctx context.Context, msg *Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO queue_messages
			(id, account_id, sender, blob_hash, size, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
			msg.ID, int64(msg.AccountID), msg.From, msg.BlobHash, msg.Size, toNanos(msg.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		for i, r := range msg.Recipients {
			_, err := tx.ExecContext(ctx, s.q(`INSERT INTO queue_recipients
				(message_id, idx, address, domain, status, retry_count, next_due, last_attempt,
				 reason, holder, inflight_until, due_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				msg.ID, i, r.Address, r.Domain, string(r.Status), r.RetryCount,
				toNanos(r.NextDue), toNanos(r.LastAttempt), r.Reason, r.Holder,
				toNanos(r.InFlightUntil), dueColumn(r))
			if err != nil {
				return fmt.Errorf("failed to insert recipient %d: %w", i, err)
			}
		}
		return nil
	})
}

// Get returns a message with its recipients
func (s *SQLStore) Get(ctx context.Context, id string) (*Message, error) {
	msgs, err := s.loadMessages(ctx, s.db, "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

// loadMessages reads messages matching where and attaches their recipients
func (s *SQLStore) loadMessages(ctx context.Context, db queryer, where string, args ...any) ([]*Message, error) {
	rows, err := db.QueryContext(ctx, s.q(`SELECT id, account_id, sender, blob_hash, size, created_at
		FROM queue_messages `+where+` ORDER BY created_at, id`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	var (
		msgs []*Message
		byID = make(map[string]*Message)
	)
	for rows.Next() {
		var (
			msg       Message
			accountID int64
			created   int64
		)
		if err := rows.Scan(&msg.ID, &accountID, &msg.From, &msg.BlobHash, &msg.Size, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.AccountID = uint32(accountID)
		msg.CreatedAt = fromNanos(created)
		msgs = append(msgs, &msg)
		byID[msg.ID] = &msg
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(msgs) == 0 {
		return nil, nil
	}

	rrows, err := db.QueryContext(ctx, s.q(`SELECT message_id, idx, address, domain, status, retry_count,
		next_due, last_attempt, reason, holder, inflight_until
		FROM queue_recipients WHERE message_id IN (SELECT id FROM queue_messages `+where+`)
		ORDER BY message_id, idx`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipients: %w", err)
	}
	defer rrows.Close()

	for rrows.Next() {
		var (
			messageID                      string
			idx                            int
			r                              Recipient
			status                         string
			reason                         sql.NullString
			nextDue, lastAttempt, inflight int64
		)
		if err := rrows.Scan(&messageID, &idx, &r.Address, &r.Domain, &status, &r.RetryCount,
			&nextDue, &lastAttempt, &reason, &r.Holder, &inflight); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		if r.Status, err = ParseStatus(status); err != nil {
			return nil, err
		}
		r.Reason = reason.String
		r.NextDue = fromNanos(nextDue)
		r.LastAttempt = fromNanos(lastAttempt)
		r.InFlightUntil = fromNanos(inflight)

		if msg, ok := byID[messageID]; ok && idx == len(msg.Recipients) {
			msg.Recipients = append(msg.Recipients, r)
		}
	}
	return msgs, rrows.Err()
}

// UpdateRecipient replaces one recipient entry
func (s *SQLStore) UpdateRecipient(ctx context.Context, key RecipientKey, r Recipient) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE queue_recipients SET
		status = ?, retry_count = ?, next_due = ?, last_attempt = ?, reason = ?,
		holder = ?, inflight_until = ?, due_at = ?
		WHERE message_id = ? AND idx = ?`),
		string(r.Status), r.RetryCount, toNanos(r.NextDue), toNanos(r.LastAttempt), r.Reason,
		r.Holder, toNanos(r.InFlightUntil), dueColumn(r), key.MessageID, key.Index)
	if err != nil {
		return fmt.Errorf("failed to update recipient %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// MySQL reports zero affected rows when nothing changed
		var exists int
		err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM queue_recipients
			WHERE message_id = ? AND idx = ?`), key.MessageID, key.Index).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// Due returns claimable entries in scan order. The cursor is expanded
// into nested comparisons since row values are not portable.
func (s *SQLStore) Due(ctx context.Context, q DueQuery) ([]DueEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}

	where := []string{"due_at IS NOT NULL", "due_at <= ?"}
	args := []any{q.Now.UnixNano()}
	if a := q.After; a != nil {
		due := a.Due.UnixNano()
		where = append(where, `(due_at > ? OR (due_at = ? AND (domain > ? OR (domain = ? AND
			(message_id > ? OR (message_id = ? AND idx > ?))))))`)
		args = append(args, due, due, a.Domain, a.Domain, a.Key.MessageID, a.Key.MessageID, a.Key.Index)
	}
	if len(q.SkipDomains) > 0 {
		where = append(where, "domain NOT IN (?"+strings.Repeat(", ?", len(q.SkipDomains)-1)+")")
		for _, d := range q.SkipDomains {
			args = append(args, d)
		}
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT message_id, idx, domain, due_at
		FROM queue_recipients
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY due_at, domain, message_id, idx
		LIMIT ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query due entries: %w", err)
	}
	defer rows.Close()

	var entries []DueEntry
	for rows.Next() {
		var (
			e   DueEntry
			due int64
		)
		if err := rows.Scan(&e.Key.MessageID, &e.Key.Index, &e.Domain, &due); err != nil {
			return nil, err
		}
		e.Due = fromNanos(due)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// NextDue returns the earliest due time of any non-terminal entry
func (s *SQLStore) NextDue(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MIN(due_at) FROM queue_recipients WHERE due_at IS NOT NULL`).Scan(&next)
	if err != nil {
		return time.Time{}, false, err
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(next.Int64), true, nil
}

// deleteMessages removes the given messages inside tx
func (s *SQLStore) deleteMessages(ctx context.Context, tx *sql.Tx, msgs []*Message) error {
	for _, msg := range msgs {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM queue_recipients WHERE message_id = ?`), msg.ID); err != nil {
			return fmt.Errorf("failed to delete recipients of %s: %w", msg.ID, err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM queue_messages WHERE id = ?`), msg.ID); err != nil {
			return fmt.Errorf("failed to delete message %s: %w", msg.ID, err)
		}
	}
	return nil
}

func (s *SQLStore) deleteWhere(ctx context.Context, where string, args ...any) ([]*Message, error) {
	var removed []*Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		msgs, err := s.loadMessages(ctx, tx, where, args...)
		if err != nil {
			return err
		}
		removed = msgs
		return s.deleteMessages(ctx, tx, msgs)
	})
	return removed, err
}

// Delete removes a message
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	removed, err := s.deleteWhere(ctx, "WHERE id = ?", id)
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAccount removes every message of an account
func (s *SQLStore) DeleteAccount(ctx context.Context, accountID uint32) ([]*Message, error) {
	return s.deleteWhere(ctx, "WHERE account_id = ?", int64(accountID))
}

// DeleteAll removes every message
func (s *SQLStore) DeleteAll(ctx context.Context) ([]*Message, error) {
	return s.deleteWhere(ctx, "")
}

// PurgeTerminal removes messages whose recipients are all terminal
func (s *SQLStore) PurgeTerminal(ctx context.Context) ([]*Message, error) {
	return s.deleteWhere(ctx, `WHERE NOT EXISTS (SELECT 1 FROM queue_recipients r
		WHERE r.message_id = queue_messages.id AND r.due_at IS NOT NULL)`)
}

// List returns every message ordered by creation time
func (s *SQLStore) List(ctx context.Context) ([]*Message, error) {
	return s.loadMessages(ctx, s.db, "")
}

// IsEmpty reports whether no recipient entry is pending or in flight
func (s *SQLStore) IsEmpty(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_recipients WHERE due_at IS NOT NULL`).Scan(&n)
	return n == 0, err
}

// IsAccountEmpty reports whether the account has no pending or in-flight entry
func (s *SQLStore) IsAccountEmpty(ctx context.Context, accountID uint32) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM queue_recipients r
		JOIN queue_messages m ON m.id = r.message_id
		WHERE r.due_at IS NOT NULL AND m.account_id = ?`), int64(accountID)).Scan(&n)
	return n == 0, err
}

// BlobInUse reports whether any message references the blob
func (s *SQLStore) BlobInUse(ctx context.Context, hash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM queue_messages WHERE blob_hash = ?`), hash).Scan(&n)
	return n > 0, err
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}
