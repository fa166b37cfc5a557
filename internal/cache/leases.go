package cache

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// leaseSet maps a slot holder to its lease expiry in Unix nanoseconds
type leaseSet map[string]int64

// live returns a copy holding only the leases that have not expired at now
func (l leaseSet) live(now int64) leaseSet {
	out := make(leaseSet, len(l))
	for holder, until := range l {
		if until > now {
			out[holder] = until
		}
	}
	return out
}

// latest is the furthest expiry in the set, 0 when empty
func (l leaseSet) latest() int64 {
	var max int64
	for _, until := range l {
		if until > max {
			max = until
		}
	}
	return max
}

// encode renders one "expiry<TAB>holder" line per lease
func (l leaseSet) encode() []byte {
	var b bytes.Buffer
	for holder, until := range l {
		b.WriteString(strconv.FormatInt(until, 10))
		b.WriteByte('\t')
		b.WriteString(holder)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// decodeLeases parses encode's output. An empty value is an empty set.
func decodeLeases(value []byte) (leaseSet, error) {
	out := make(leaseSet)
	for _, line := range strings.Split(string(value), "\n") {
		if line == "" {
			continue
		}
		until, holder, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("malformed lease %q", line)
		}
		n, err := strconv.ParseInt(until, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed lease expiry %q: %w", until, err)
		}
		out[holder] = n
	}
	return out, nil
}
