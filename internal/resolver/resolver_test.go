package resolver

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// startFakeServer runs a minimal authoritative DNS server on a random
// local UDP port and returns its address and a shutdown func.
func startFakeServer(t *testing.T, handler dns.HandlerFunc) (string, func()) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}

	srv := &dns.Server{PacketConn: pc, Handler: handler}
	go srv.ActivateAndServe()

	return pc.LocalAddr().String(), func() {
		srv.Shutdown()
	}
}

func TestLookupMXReturnsSortedHosts(t *testing.T) {
	addr, stop := startFakeServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		m.Answer = []dns.RR{
			&dns.MX{Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeMX, Class: dns.ClassINET, Ttl: 300}, Preference: 20, Mx: "mx2.example.com."},
			&dns.MX{Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeMX, Class: dns.ClassINET, Ttl: 300}, Preference: 10, Mx: "mx1.example.com."},
		}
		w.WriteMsg(m)
	})
	defer stop()

	r, err := New([]string{addr}, time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	hosts, err := r.LookupMX(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("LookupMX: %v", err)
	}
	if len(hosts) != 2 || hosts[0].Name != "mx1.example.com." || hosts[1].Name != "mx2.example.com." {
		t.Fatalf("hosts not sorted by preference: %+v", hosts)
	}
}

func TestLookupMXNoSuchDomain(t *testing.T) {
	addr, stop := startFakeServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeNameError)
		w.WriteMsg(m)
	})
	defer stop()

	r, err := New([]string{addr}, time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := r.LookupMX(context.Background(), "nosuch.example"); err != ErrNoSuchDomain {
		t.Fatalf("err = %v, want ErrNoSuchDomain", err)
	}
}

func TestLookupMXImplicitFallback(t *testing.T) {
	addr, stop := startFakeServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		if req.Question[0].Qtype == dns.TypeA {
			m.Answer = []dns.RR{
				&dns.A{Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300}, A: net.ParseIP("192.0.2.1")},
			}
		}
		// No MX answer: triggers the RFC 5321 5.1 implicit fallback.
		w.WriteMsg(m)
	})
	defer stop()

	r, err := New([]string{addr}, time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	hosts, err := r.LookupMX(context.Background(), "noMX.example")
	if err != nil {
		t.Fatalf("LookupMX: %v", err)
	}
	if len(hosts) != 1 || hosts[0].Preference != 0 {
		t.Fatalf("expected single implicit MX, got %+v", hosts)
	}
}

func TestMXOverrideBypassesLookup(t *testing.T) {
	r := &Resolver{Overrides: map[string][]string{
		"override.example.": {"first.example.com", "second.example.com"},
	}, mxCache: map[string]*cacheEntry{}, aCache: map[string]*cacheEntry{}, inflight: map[string]*sync.WaitGroup{}}

	hosts, err := r.LookupMX(context.Background(), "override.example")
	if err != nil {
		t.Fatalf("LookupMX: %v", err)
	}
	if len(hosts) != 2 || hosts[0].Name != "first.example.com." {
		t.Fatalf("unexpected hosts: %+v", hosts)
	}
}

func TestRefreshEvictsOnlyTheGivenDomain(t *testing.T) {
	r := &Resolver{
		mxCache: map[string]*cacheEntry{
			"mx:a.example.": {hosts: []Host{{Name: "mx.a.example."}}},
			"mx:b.example.": {hosts: []Host{{Name: "mx.b.example."}}},
		},
		aCache:   map[string]*cacheEntry{},
		inflight: map[string]*sync.WaitGroup{},
	}

	r.Refresh("a.example")

	if _, ok := r.mxCache["mx:a.example."]; ok {
		t.Error("expected a.example's MX cache entry to be evicted")
	}
	if _, ok := r.mxCache["mx:b.example."]; !ok {
		t.Error("expected b.example's MX cache entry to survive a refresh of a.example")
	}
}

func TestLookupMXCaches(t *testing.T) {
	calls := 0
	addr, stop := startFakeServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		calls++
		m := new(dns.Msg)
		m.SetReply(req)
		m.Answer = []dns.RR{
			&dns.MX{Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeMX, Class: dns.ClassINET, Ttl: 300}, Preference: 10, Mx: "mx1.example.com."},
		}
		w.WriteMsg(m)
	})
	defer stop()

	r, err := New([]string{addr}, time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := r.LookupMX(context.Background(), "cached.example"); err != nil {
			t.Fatalf("LookupMX: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one wire query, got %d", calls)
	}
}
