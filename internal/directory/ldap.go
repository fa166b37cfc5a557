package directory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// searcher is the part of *ldap.Conn the directory uses
type searcher interface {
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// LDAP resolves principals by searching a directory server. The numeric id
// is read from IDAttribute, uidNumber unless configured.
type LDAP struct {
	config Config
	logger *slog.Logger

	mu   sync.Mutex
	conn searcher
	dial func() (searcher, error)
}

// NewLDAP creates an LDAP directory. The connection is opened on first use.
func NewLDAP(config Config) (*LDAP, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("ldap directory requires a url")
	}
	if config.BaseDN == "" {
		return nil, fmt.Errorf("ldap directory requires a base_dn")
	}
	if config.Filter == "" {
		config.Filter = "(uid=%s)"
	}
	if config.IDAttribute == "" {
		config.IDAttribute = "uidNumber"
	}

	l := &LDAP{
		config: config,
		logger: slog.Default().With("component", "directory-ldap", "url", config.URL),
	}
	l.dial = l.connect
	return l, nil
}

func (l *LDAP) connect() (searcher, error) {
	conn, err := ldap.DialURL(l.config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to LDAP server: %w", err)
	}
	conn.SetTimeout(30 * time.Second)

	if l.config.BindDN != "" {
		if err := conn.Bind(l.config.BindDN, l.config.BindPassword); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to bind to LDAP server: %w", err)
		}
	}
	return conn, nil
}

// filter renders the search filter for name
func (l *LDAP) filter(name string) string {
	return strings.ReplaceAll(l.config.Filter, "%s", ldap.EscapeFilter(name))
}

// PrincipalID searches for name and parses its id attribute
func (l *LDAP) PrincipalID(ctx context.Context, name string) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		conn, err := l.dial()
		if err != nil {
			return 0, err
		}
		l.conn = conn
	}

	req := ldap.NewSearchRequest(
		l.config.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 2, 5, false,
		l.filter(name),
		[]string{l.config.IDAttribute},
		nil,
	)

	res, err := l.conn.Search(req)
	if err != nil {
		// Drop the connection so the next lookup reconnects
		_ = l.conn.Close()
		l.conn = nil
		return 0, fmt.Errorf("failed to search for principal %s: %w", name, err)
	}

	switch len(res.Entries) {
	case 0:
		return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	case 1:
	default:
		l.logger.Warn("Ambiguous principal name", "name", name, "matches", len(res.Entries))
		return 0, fmt.Errorf("principal %s matches %d entries", name, len(res.Entries))
	}

	raw := res.Entries[0].GetAttributeValue(l.config.IDAttribute)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("principal %s has invalid %s %q", name, l.config.IDAttribute, raw)
	}
	return uint32(id), nil
}

func (l *LDAP) Name() string { return l.config.Name }
func (l *LDAP) Type() string { return "ldap" }

// Close closes the connection if one is open
func (l *LDAP) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close LDAP connection: %w", err)
	}
	return nil
}
