package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// SecurityConfig bounds what a configuration file may ask for
type SecurityConfig struct {
	MaxWorkers        int
	MaxConfigFileSize int64
	// BlockedRoots are locations no store, blob directory or log file may
	// point into, directly or through a symlink
	BlockedRoots []string
	// BlockedNames are path components that are never acceptable
	BlockedNames []string
}

// DefaultSecurityConfig returns the default limits
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		MaxWorkers:        1000,
		MaxConfigFileSize: 1024 * 1024,
		BlockedRoots:      []string{"/etc/passwd", "/etc/shadow", "/proc", "/sys", "/dev"},
		BlockedNames:      []string{".ssh", ".gnupg"},
	}
}

// SecurityValidator checks the configuration values that become file paths,
// network addresses or resource limits
type SecurityValidator struct {
	config *SecurityConfig
}

// NewSecurityValidator creates a validator with the default limits
func NewSecurityValidator() *SecurityValidator {
	return &SecurityValidator{config: DefaultSecurityConfig()}
}

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// ValidatePath accepts a queue database, blob directory or log file path.
// Parent references are rejected before cleaning; blocked locations are
// checked on the path and on its resolved symlink target.
func (sv *SecurityValidator) ValidatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}
	if len(path) > 4096 {
		return fmt.Errorf("path too long in %s: %d characters (max 4096)", fieldName, len(path))
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("parent directory reference in %s: %s", fieldName, path)
		}
	}
	if err := sv.checkBlocked(filepath.Clean(path)); err != nil {
		return fmt.Errorf("%s: %w", fieldName, err)
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		// Not created yet
		return nil
	}
	if err := sv.checkBlocked(resolved); err != nil {
		return fmt.Errorf("%s resolves through a symlink: %w", fieldName, err)
	}
	return nil
}

func (sv *SecurityValidator) checkBlocked(path string) error {
	slashed := filepath.ToSlash(path)
	for _, root := range sv.config.BlockedRoots {
		if slashed == root || strings.HasPrefix(slashed, root+"/") {
			return fmt.Errorf("blocked location %s", root)
		}
	}
	for _, part := range strings.Split(slashed, "/") {
		for _, name := range sv.config.BlockedNames {
			if strings.EqualFold(part, name) {
				return fmt.Errorf("blocked path component %s", name)
			}
		}
	}
	return nil
}

// ValidateNumericBounds rejects worker counts and mailbox sizes outside [min, max]
func (sv *SecurityValidator) ValidateNumericBounds(value int64, fieldName string, min, max int64) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %d and %d, got %d", fieldName, min, max, value)
	}
	return nil
}

// ValidatePort validates port numbers
func (sv *SecurityValidator) ValidatePort(port int, fieldName string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port for %s: %d (must be 1-65535)", fieldName, port)
	}
	return nil
}

// ValidateNetworkAddress accepts host:port and :port, as used for the API
// listener and the Redis and Valkey endpoints
func (sv *SecurityValidator) ValidateNetworkAddress(addr, fieldName string) error {
	if addr == "" {
		return fmt.Errorf("network address cannot be empty for %s", fieldName)
	}
	if strings.ContainsAny(addr, "`$;|&<> \t\r\n") {
		return fmt.Errorf("unexpected characters in %s: %q", fieldName, addr)
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format for %s: %w", fieldName, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port for %s: %s", fieldName, portStr)
	}
	if err := sv.ValidatePort(port, fieldName); err != nil {
		return err
	}
	if host == "" || net.ParseIP(host) != nil {
		return nil
	}
	return sv.ValidateHostname(host, fieldName)
}

// ValidateNameserver accepts ip:port. Hostnames are refused since resolving
// them would need the resolver being configured.
func (sv *SecurityValidator) ValidateNameserver(addr, fieldName string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid nameserver for %s: %w", fieldName, err)
	}
	if net.ParseIP(host) == nil {
		return fmt.Errorf("%s must be an IP address, got %q", fieldName, host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port for %s: %s", fieldName, portStr)
	}
	return sv.ValidatePort(port, fieldName)
}

// ValidateHostname validates names sent in EHLO or used to reach a backend
func (sv *SecurityValidator) ValidateHostname(hostname, fieldName string) error {
	if hostname == "" {
		return fmt.Errorf("hostname cannot be empty for %s", fieldName)
	}
	if len(hostname) > 253 {
		return fmt.Errorf("hostname too long for %s: %d (max 253)", fieldName, len(hostname))
	}
	if hostname == "localhost" || net.ParseIP(hostname) != nil {
		return nil
	}
	if !hostnameRegex.MatchString(hostname) {
		return fmt.Errorf("invalid hostname format for %s: %s", fieldName, hostname)
	}
	return nil
}

// ValidateConfigFileSize refuses configuration files over the size limit
func (sv *SecurityValidator) ValidateConfigFileSize(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("cannot stat config file: %w", err)
	}
	if info.Size() > sv.config.MaxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max: %d)", info.Size(), sv.config.MaxConfigFileSize)
	}
	return nil
}

// SanitizeString drops control characters
func (sv *SecurityValidator) SanitizeString(str string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, str)
}
