// Package directory maps account names to the numeric principal ids the
// queue stores with every message.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Common errors
var (
	ErrNotFound     = errors.New("principal not found")
	ErrNotConnected = errors.New("not connected to directory")
)

// Directory resolves account names to principal ids
type Directory interface {
	// PrincipalID returns the id of the named account, or ErrNotFound
	PrincipalID(ctx context.Context, name string) (uint32, error)

	// Name returns the name of the directory
	Name() string

	// Type returns the backend type
	Type() string

	// Close releases the backend
	Close() error
}

// Config selects and configures a directory backend
type Config struct {
	Type     string            `toml:"type" json:"type"` // static, ldap or sql
	Name     string            `toml:"name" json:"name"`
	Accounts map[string]uint32 `toml:"accounts" json:"accounts"`

	// LDAP
	URL          string `toml:"url" json:"url"`
	BindDN       string `toml:"bind_dn" json:"bind_dn"`
	BindPassword string `toml:"bind_password" json:"-"`
	BaseDN       string `toml:"base_dn" json:"base_dn"`
	Filter       string `toml:"filter" json:"filter"`
	IDAttribute  string `toml:"id_attribute" json:"id_attribute"`

	// SQL
	Driver string `toml:"driver" json:"driver"`
	DSN    string `toml:"dsn" json:"-"`
}

// New builds the directory described by config
func New(config Config) (Directory, error) {
	switch strings.ToLower(config.Type) {
	case "static", "":
		return NewStatic(config.Name, config.Accounts), nil
	case "ldap":
		return NewLDAP(config)
	case "sql":
		return NewSQL(config.Driver, config.DSN)
	}
	return nil, fmt.Errorf("unsupported directory type: %s", config.Type)
}

// Static is a fixed name to id table
type Static struct {
	name     string
	mu       sync.RWMutex
	accounts map[string]uint32
}

// NewStatic creates a static directory. Names are matched case-insensitively.
func NewStatic(name string, accounts map[string]uint32) *Static {
	s := &Static{name: name, accounts: make(map[string]uint32, len(accounts))}
	for n, id := range accounts {
		s.accounts[strings.ToLower(n)] = id
	}
	return s
}

// Add registers or replaces an account
func (s *Static) Add(name string, id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[strings.ToLower(name)] = id
}

// PrincipalID looks the name up in the table
func (s *Static) PrincipalID(_ context.Context, name string) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.accounts[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return id, nil
}

func (s *Static) Name() string  { return s.name }
func (s *Static) Type() string  { return "static" }
func (s *Static) Close() error { return nil }
