package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/posta-mta/posta/internal/plugin"
	"github.com/posta-mta/posta/internal/spool"
)

// SMTP adapts Session to protocol.Protocol, so the lifecycle supervisor
// can bind listeners to it without depending on the session package's
// concrete types.
type SMTP struct {
	Hostname    string
	MaxDataSize int64
	Timeouts    Timeouts
	TLSConfig   *tls.Config
	Dispatcher  *plugin.Dispatcher
	Store       spool.Store
	Mode        Mode
}

func (p *SMTP) Name() string { return "smtp" }

// ValidateConfiguration reports a configuration error that would
// prevent this protocol from serving correctly: every mode needs a TLS
// config, either to serve STARTTLS or to wrap the socket outright.
func (p *SMTP) ValidateConfiguration() error {
	if p.TLSConfig == nil {
		return fmt.Errorf("smtp: a TLS config is required (for STARTTLS or implicit TLS)")
	}
	if p.Store == nil {
		return fmt.Errorf("smtp: a spool store is required")
	}
	return nil
}

// HandleConnection builds a Session and runs it to completion, forcing
// the connection closed if ctx is cancelled while the session is still
// running a command.
func (p *SMTP) HandleConnection(ctx context.Context, conn net.Conn) {
	if p.Mode.ImplicitTLS {
		conn = tls.Server(conn, p.TLSConfig)
	}

	timeouts := p.Timeouts
	if timeouts == (Timeouts{}) {
		timeouts = DefaultTimeouts()
	}

	sess := New(conn, p.Mode, p.Hostname, p.MaxDataSize, timeouts, p.TLSConfig, p.Dispatcher, p.Store)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-done:
		}
	}()

	sess.Handle()
	close(done)
}
