package supervisor

import (
	"context"
	"net"
	"net/textproto"
	"testing"
	"time"

	"github.com/posta-mta/posta/internal/breaker"
	"github.com/posta-mta/posta/internal/config"
	"github.com/posta-mta/posta/internal/delivery"
	"github.com/posta-mta/posta/internal/plugin"
	"github.com/posta-mta/posta/internal/ratelimit"
	"github.com/posta-mta/posta/internal/retry"
	"github.com/posta-mta/posta/internal/session"
	"github.com/posta-mta/posta/internal/spool"
)

// newTestSupervisor builds a Supervisor directly, bypassing New's config
// file/cert-tree/subprocess-plugin plumbing, so tests can exercise
// bindListeners and Run against a store and pipeline they control.
func newTestSupervisor(t *testing.T, addr string, dispatcher *plugin.Dispatcher) *Supervisor {
	t.Helper()

	store := spool.NewMemory()
	pipeline := &delivery.Pipeline{
		Store:        store,
		Courier:      nil,
		Breaker:      breaker.New(5, time.Hour),
		Limiter:      ratelimit.New(1000, 1000),
		Schedule:     retry.Schedule{Base: time.Millisecond, Max: time.Millisecond, Jitter: 0, MaxAttempts: 1},
		Workers:      1,
		ScanInterval: time.Hour,
		BounceDomain: "mx.posta.test",
	}

	if dispatcher == nil {
		dispatcher = plugin.NewDispatcher()
	}

	proto := &session.SMTP{
		Hostname:    "mx.posta.test",
		MaxDataSize: 1024 * 1024,
		Timeouts:    session.DefaultTimeouts(),
		TLSConfig:   nil,
		Dispatcher:  dispatcher,
		Store:       store,
	}

	s := &Supervisor{
		Config:        &config.Config{ControlSocket: ""},
		Store:         store,
		Pipeline:      pipeline,
		protoTemplate: proto,
	}

	if err := s.bindListeners(&config.Config{
		Listeners: []config.Listener{{Addr: addr}},
	}); err != nil {
		t.Fatalf("bindListeners: %v", err)
	}
	return s
}

// slowConnectPlugin blocks ConnectionOpened for a fixed duration,
// modeling a session held up by in-process work (e.g. a slow plugin)
// that a closed net.Conn deadline cannot interrupt, so Run's listener
// drain has to actually wait for it.
type slowConnectPlugin struct{ delay time.Duration }

func (p *slowConnectPlugin) Name() string { return "slow" }
func (p *slowConnectPlugin) OnConnectionOpened(ctx *plugin.Context) error {
	time.Sleep(p.delay)
	return nil
}

func TestBindListenersOpensRealSocket(t *testing.T) {
	s := newTestSupervisor(t, "127.0.0.1:0", nil)
	if len(s.listeners) != 1 {
		t.Fatalf("expected one bound listener, got %d", len(s.listeners))
	}
	if s.listeners[0].ln.Addr() == nil {
		t.Fatal("expected a bound address")
	}
}

func TestRunAcceptsConnectionsAndShutsDownOnCancel(t *testing.T) {
	s := newTestSupervisor(t, "127.0.0.1:0", nil)
	addr := s.listeners[0].ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	tc := textproto.NewConn(conn)
	if _, _, err := tc.ReadResponse(220); err != nil {
		t.Fatalf("expected a greeting: %v", err)
	}
	tc.Close()

	cancel()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned an error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunDrainsSlowInFlightSessionBeforeTimeout(t *testing.T) {
	orig := ListenerDrainTimeout
	ListenerDrainTimeout = 2 * time.Second
	defer func() { ListenerDrainTimeout = orig }()

	// The plugin's delay runs in-process, so unlike a blocked socket
	// read it is not interrupted by HandleConnection's SetDeadline on
	// ctx cancellation; Run's connWG.Wait() has to actually wait for
	// it to finish.
	dispatcher := plugin.NewDispatcher(&slowConnectPlugin{delay: 300 * time.Millisecond})
	s := newTestSupervisor(t, "127.0.0.1:0", dispatcher)
	addr := s.listeners[0].ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Give acceptLoop's goroutine a moment to register the connection
	// on connWG before shutdown begins.
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	cancel()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned an error: %v", err)
		}
		if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
			t.Fatalf("Run returned after %v, seemingly without waiting for the slow session", elapsed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
