package deliverytest

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/miekg/dns"
)

// DNSServer is an authoritative UDP nameserver answering from a record list
type DNSServer struct {
	Addr string

	srv *dns.Server

	mu       sync.RWMutex
	records  map[string][]dns.RR // fqdn -> records
	servfail map[string]bool
	queries  atomic.Int64
}

// NewDNSServer starts a nameserver on 127.0.0.1 serving zone, a list of
// records in presentation format such as "foobar.org. 60 IN MX 10 mx.foobar.org.".
func NewDNSServer(tb testing.TB, zone ...string) *DNSServer {
	tb.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("failed to listen: %v", err)
	}

	s := &DNSServer{
		Addr:     pc.LocalAddr().String(),
		records:  make(map[string][]dns.RR),
		servfail: make(map[string]bool),
	}
	for _, line := range zone {
		s.Add(tb, line)
	}

	started := make(chan struct{})
	s.srv = &dns.Server{
		PacketConn:        pc,
		Handler:           dns.HandlerFunc(s.serve),
		NotifyStartedFunc: func() { close(started) },
	}
	go func() { _ = s.srv.ActivateAndServe() }()
	<-started

	tb.Cleanup(func() { _ = s.srv.Shutdown() })
	return s
}

// Add parses and installs one record
func (s *DNSServer) Add(tb testing.TB, line string) {
	tb.Helper()

	rr, err := dns.NewRR(line)
	if err != nil {
		tb.Fatalf("invalid record %q: %v", line, err)
	}
	name := strings.ToLower(rr.Header().Name)

	s.mu.Lock()
	s.records[name] = append(s.records[name], rr)
	s.mu.Unlock()
}

// ServFail makes every query for name fail with SERVFAIL
func (s *DNSServer) ServFail(name string) {
	s.mu.Lock()
	s.servfail[dns.Fqdn(strings.ToLower(name))] = true
	s.mu.Unlock()
}

// Queries returns the number of questions answered
func (s *DNSServer) Queries() int64 {
	return s.queries.Load()
}

func (s *DNSServer) serve(w dns.ResponseWriter, req *dns.Msg) {
	s.queries.Add(1)

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true

	if len(req.Question) == 0 {
		resp.Rcode = dns.RcodeFormatError
		_ = w.WriteMsg(resp)
		return
	}
	q := req.Question[0]
	name := strings.ToLower(q.Name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.servfail[name] {
		resp.Rcode = dns.RcodeServerFailure
		_ = w.WriteMsg(resp)
		return
	}

	rrs, exists := s.records[name]
	if !exists {
		resp.Rcode = dns.RcodeNameError
		_ = w.WriteMsg(resp)
		return
	}
	for _, rr := range rrs {
		if rr.Header().Rrtype == q.Qtype {
			resp.Answer = append(resp.Answer, dns.Copy(rr))
		}
	}
	_ = w.WriteMsg(resp)
}
