package courier

import (
	"context"
	"testing"
	"time"

	"github.com/posta-mta/posta/internal/config"
	"github.com/posta-mta/posta/internal/resolver"
	"github.com/posta-mta/posta/internal/trace"
)

func smtpFor(t *testing.T, srv *FakeServer) *SMTP {
	host, port := srv.HostPort()
	SMTPPort = port
	r := &resolver.Resolver{Overrides: map[string][]string{
		"example.com.": {host},
	}}
	return &SMTP{HelloDomain: "posta.test", Resolver: r}
}

func TestDeliverPlainText(t *testing.T) {
	srv := newFakeServer(t, map[string]string{
		"_welcome":               "220 fake server ready\r\n",
		"EHLO posta.test":        "250 hi\r\n",
		"MAIL FROM:<a@b.com>":    "250 ok\r\n",
		"RCPT TO:<c@example.com>": "250 ok\r\n",
		"DATA":                   "354 go ahead\r\n",
		"_DATA":                  "250 delivered\r\n",
		"QUIT":                   "221 bye\r\n",
	})
	defer srv.Cleanup()

	s := smtpFor(t, srv)
	err, perm := s.Deliver("a@b.com", "c@example.com", []byte("Subject: hi\r\n\r\nbody\r\n"))
	srv.Wait()
	if err != nil {
		t.Fatalf("Deliver: %v (permanent=%v)", err, perm)
	}
}

func TestDeliverPermanentRcptRejection(t *testing.T) {
	srv := newFakeServer(t, map[string]string{
		"_welcome":            "220 fake server ready\r\n",
		"EHLO posta.test":     "250 hi\r\n",
		"MAIL FROM:<a@b.com>": "250 ok\r\n",
		"RCPT TO:<c@example.com>": "550 no such user\r\n",
		"QUIT":                "221 bye\r\n",
	})
	defer srv.Cleanup()

	s := smtpFor(t, srv)
	err, perm := s.Deliver("a@b.com", "c@example.com", []byte("x"))
	if err == nil {
		t.Fatal("expected an error")
	}
	if !perm {
		t.Error("a 550 rejection should be classified as permanent")
	}
}

func TestDeliverRequireTLSButNoneOffered(t *testing.T) {
	srv := newFakeServer(t, map[string]string{
		"_welcome":        "220 fake server ready\r\n",
		"EHLO posta.test": "250 hi\r\n",
	})
	defer srv.Cleanup()

	s := smtpFor(t, srv)
	s.Policy = func(domain string) config.DomainPolicy {
		return config.DomainPolicy{RequireTLS: true}
	}

	err, perm := s.Deliver("a@b.com", "c@example.com", []byte("x"))
	if err == nil {
		t.Fatal("expected an error")
	}
	_ = perm
	srv.Wait()
}

func TestResolveMXsIsCappedAndASCII(t *testing.T) {
	r := &resolver.Resolver{Overrides: map[string][]string{
		"x.com.": {"m1", "m2", "m3", "m4", "m5", "m6"},
	}}
	s := &SMTP{Resolver: r}
	tr := trace.New("test", "resolveMXs")
	defer tr.Finish()
	hosts, err := s.resolveMXs(context.Background(), tr, "x.com", config.DomainPolicy{})
	if err != nil {
		t.Fatalf("resolveMXs: %v", err)
	}
	if len(hosts) != 5 {
		t.Fatalf("expected cap of 5 hosts, got %d", len(hosts))
	}
}

func init() {
	// Keep delivery attempts in this test file snappy.
	ConnectTimeout = 2 * time.Second
	CommandTimeout = 2 * time.Second
	DataTimeout = 2 * time.Second
	OverallDeadline = 5 * time.Second
}
