package session

import (
	"fmt"
	"net"
	"net/textproto"
	"testing"
	"time"

	"github.com/posta-mta/posta/internal/plugin"
	"github.com/posta-mta/posta/internal/spool"
)

func testTimeouts() Timeouts {
	return Timeouts{
		Command:         2 * time.Second,
		DataInit:        2 * time.Second,
		DataTermination: 2 * time.Second,
		Connection:      10 * time.Second,
	}
}

func newTestSession(store spool.Store, dispatcher *plugin.Dispatcher) (*textproto.Conn, func()) {
	server, client := net.Pipe()

	s := New(server, Mode{}, "mx.posta.test", 1024, testTimeouts(), nil, dispatcher, store)
	go s.Handle()

	tc := textproto.NewConn(client)
	return tc, func() { client.Close() }
}

func expectCode(t *testing.T, tc *textproto.Conn, want int) {
	t.Helper()
	_, _, err := tc.ReadResponse(want)
	if err != nil {
		t.Fatalf("ReadResponse(%d): %v", want, err)
	}
}

func TestHappyPathSingleRecipient(t *testing.T) {
	store := spool.NewMemory()
	tc, stop := newTestSession(store, plugin.NewDispatcher())
	defer stop()

	expectCode(t, tc, 220)

	tc.Cmd("EHLO a.example")
	expectCode(t, tc, 250)

	tc.Cmd("MAIL FROM:<s@a.example>")
	expectCode(t, tc, 250)

	tc.Cmd("RCPT TO:<r@b.example>")
	expectCode(t, tc, 250)

	id, err := tc.Cmd("DATA")
	if err != nil {
		t.Fatalf("DATA: %v", err)
	}
	tc.StartResponse(id)
	_, _, err = tc.ReadResponse(354)
	tc.EndResponse(id)
	if err != nil {
		t.Fatalf("ReadResponse(354): %v", err)
	}

	w := tc.DotWriter()
	fmt.Fprintf(w, "Subject: x\r\n\r\nhello\r\n")
	w.Close()
	expectCode(t, tc, 250)

	tc.Cmd("QUIT")
	expectCode(t, tc, 221)

	ids, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected one spooled message, got %d", len(ids))
	}
	msg, _, err := store.Load(ids[0])
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if msg.From != "s@a.example" || len(msg.To) != 1 || msg.To[0] != "r@b.example" {
		t.Errorf("unexpected envelope: %+v", msg)
	}
}

func TestSizeEnforcement(t *testing.T) {
	store := spool.NewMemory()
	server, client := net.Pipe()
	s := New(server, Mode{}, "mx.posta.test", 1000, testTimeouts(), nil, plugin.NewDispatcher(), store)
	go s.Handle()
	tc := textproto.NewConn(client)
	defer client.Close()

	expectCode(t, tc, 220)
	tc.Cmd("EHLO a.example")
	expectCode(t, tc, 250)

	tc.Cmd("MAIL FROM:<s@a.example> SIZE=2000")
	expectCode(t, tc, 552)

	ids, _ := store.List()
	if len(ids) != 0 {
		t.Errorf("expected no message spooled, got %d", len(ids))
	}
}

type rejectPlugin struct{ blockedUser string }

func (p *rejectPlugin) Name() string { return "reject" }
func (p *rejectPlugin) OnRcptTo(ctx *plugin.Context) error {
	to := ctx.To()
	if len(to) > 0 && to[len(to)-1] == p.blockedUser {
		return fmt.Errorf("blocked")
	}
	return nil
}

func TestPluginRejectionKeepsSessionUsable(t *testing.T) {
	store := spool.NewMemory()
	dispatcher := plugin.NewDispatcher(&rejectPlugin{blockedUser: "blocked@x.example"})
	tc, stop := newTestSession(store, dispatcher)
	defer stop()

	expectCode(t, tc, 220)
	tc.Cmd("EHLO a.example")
	expectCode(t, tc, 250)
	tc.Cmd("MAIL FROM:<s@a.example>")
	expectCode(t, tc, 250)

	tc.Cmd("RCPT TO:<blocked@x.example>")
	expectCode(t, tc, 550)

	tc.Cmd("RCPT TO:<ok@x.example>")
	expectCode(t, tc, 250)
}

type metaPlugin struct{ sawAtRcpt string }

func (p *metaPlugin) Name() string { return "meta" }
func (p *metaPlugin) OnConnectionOpened(ctx *plugin.Context) error {
	ctx.SetMeta("greeted", "true")
	return nil
}
func (p *metaPlugin) OnRcptTo(ctx *plugin.Context) error {
	v, _ := ctx.Meta("greeted")
	p.sawAtRcpt = v
	return nil
}

func TestMetadataSurvivesMailFromAndRset(t *testing.T) {
	store := spool.NewMemory()
	mp := &metaPlugin{}
	dispatcher := plugin.NewDispatcher(mp)
	tc, stop := newTestSession(store, dispatcher)
	defer stop()

	expectCode(t, tc, 220)
	tc.Cmd("EHLO a.example")
	expectCode(t, tc, 250)

	tc.Cmd("RSET")
	expectCode(t, tc, 250)

	tc.Cmd("MAIL FROM:<s@a.example>")
	expectCode(t, tc, 250)

	tc.Cmd("RCPT TO:<r@b.example>")
	expectCode(t, tc, 250)

	if mp.sawAtRcpt != "true" {
		t.Errorf("metadata set at ConnectionOpened did not survive RSET/MAIL FROM, got %q", mp.sawAtRcpt)
	}
}

func TestBadCommandSequenceDoesNotChangeState(t *testing.T) {
	store := spool.NewMemory()
	tc, stop := newTestSession(store, plugin.NewDispatcher())
	defer stop()

	expectCode(t, tc, 220)

	// RCPT before MAIL: must be rejected, state stays Greeted.
	tc.Cmd("RCPT TO:<r@b.example>")
	expectCode(t, tc, 503)

	tc.Cmd("MAIL FROM:<s@a.example>")
	expectCode(t, tc, 250)
}

func TestTooManyErrorsClosesConnection(t *testing.T) {
	store := spool.NewMemory()
	tc, stop := newTestSession(store, plugin.NewDispatcher())
	defer stop()

	expectCode(t, tc, 220)
	for i := 0; i < 3; i++ {
		tc.Cmd("BOGUS")
		if i < 2 {
			expectCode(t, tc, 500)
		}
	}
	// The third error triggers a 421 and the connection closes.
	_, _, err := tc.ReadResponse(421)
	if err != nil {
		t.Fatalf("expected 421 after repeated errors: %v", err)
	}
}
