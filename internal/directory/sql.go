package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQL keeps principals in a database table:
//
//	principals (id BIGINT PRIMARY KEY, name VARCHAR(255) UNIQUE)
type SQL struct {
	db     *sql.DB
	driver string
}

// NewSQL opens the database and creates the principals table
func NewSQL(driver, dsn string) (*SQL, error) {
	switch driver {
	case "sqlite3", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported directory driver: %s", driver)
	}

	if driver == "sqlite3" {
		if dir := filepath.Dir(dsn); dir != "." && dir != "/" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory for SQLite database: %w", err)
			}
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s directory: %w", driver, err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s directory: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS principals (
		id BIGINT PRIMARY KEY,
		name VARCHAR(255) NOT NULL UNIQUE
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create principals table: %w", err)
	}
	return &SQL{db: db, driver: driver}, nil
}

func (s *SQL) placeholder(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Add inserts a principal
func (s *SQL) Add(ctx context.Context, name string, id uint32) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO principals (id, name) VALUES (%s, %s)", s.placeholder(1), s.placeholder(2)),
		int64(id), strings.ToLower(name))
	if err != nil {
		return fmt.Errorf("failed to add principal %s: %w", name, err)
	}
	return nil
}

// PrincipalID looks the name up in the principals table
func (s *SQL) PrincipalID(ctx context.Context, name string) (uint32, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM principals WHERE name = "+s.placeholder(1),
		strings.ToLower(name)).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return 0, fmt.Errorf("failed to look up principal %s: %w", name, err)
	}
	return uint32(id), nil
}

func (s *SQL) Name() string { return "sql" }
func (s *SQL) Type() string { return s.driver }

// Close closes the database
func (s *SQL) Close() error {
	return s.db.Close()
}
