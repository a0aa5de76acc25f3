// Package session implements the inbound SMTP protocol state machine:
// one Session per accepted connection, driving commands through an
// explicit set of states, enforcing per-state deadlines, dispatching to
// plugins at the six fixed points, and handing finished envelopes to
// the spool.
//
// The state machine and its whimsical reply text are grounded on
// _examples/albertito-chasquid/internal/smtpsrv/conn.go's Conn.Handle
// loop and per-command handlers, generalized so that state is an
// explicit field rather than implied by which envelope fields happen
// to be set, and so that an invalid command for the current state
// produces 503 without any state change.
package session

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/mail"
	"strings"
	"time"

	"github.com/posta-mta/posta/internal/envelope"
	"github.com/posta-mta/posta/internal/maillog"
	"github.com/posta-mta/posta/internal/plugin"
	"github.com/posta-mta/posta/internal/spool"
	"github.com/posta-mta/posta/internal/trace"
	"github.com/posta-mta/posta/internal/wire"
)

// state names one point in the session FSM.
type state int

const (
	stateConnect state = iota
	stateGreeted
	stateMailFrom
	stateRcptTo
	stateData
	stateClosed
)

func (st state) String() string {
	switch st {
	case stateConnect:
		return "Connect"
	case stateGreeted:
		return "Greeted"
	case stateMailFrom:
		return "MailFrom"
	case stateRcptTo:
		return "RcptTo"
	case stateData:
		return "Data"
	case stateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Timeouts holds the state-keyed deadlines spec.md's session FSM names.
type Timeouts struct {
	Command         time.Duration // command states, default 300s
	DataInit        time.Duration // DATA body read (first octet through final dot), default 120s
	DataTermination time.Duration // plugin/spool run after the dot, default 600s
	Connection      time.Duration // whole-session wall-clock cap, default 1800s
}

// DefaultTimeouts returns the inbound protocol's stated defaults. The
// body read has a single deadline rather than separate first-octet and
// inter-block timers, since the underlying dot-reader (wire.ReadDotBody)
// reads to completion in one call with no incremental hook to rearm a
// deadline against; DataInit is set generously enough to also cover
// slow senders rather than just the first octet.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Command:         300 * time.Second,
		DataInit:        120 * time.Second,
		DataTermination: 600 * time.Second,
		Connection:      1800 * time.Second,
	}
}

// Mode distinguishes the three listener flavors, mirroring the
// teacher's SocketMode.
type Mode struct {
	Submission  bool
	ImplicitTLS bool
}

func (m Mode) String() string {
	s := "SMTP"
	if m.Submission {
		s = "submission"
	}
	if m.ImplicitTLS {
		s += "+TLS"
	}
	return s
}

// Session drives the protocol for one accepted connection.
type Session struct {
	Hostname    string
	MaxDataSize int64
	Timeouts    Timeouts
	TLSConfig   *tls.Config
	Dispatcher  *plugin.Dispatcher
	Store       spool.Store

	conn       net.Conn
	mode       Mode
	reader     *bufio.Reader
	writer     *bufio.Writer
	tr         *trace.Trace
	pctx       *plugin.Context
	deadline   time.Time // whole-connection cap
	state      state
	onTLS      bool
	isESMTP    bool
	ehloDomain string
	mailFrom   string
	rcptTo     []string
	tlsState   *tls.ConnectionState
}

// New builds a Session for conn, accepted in the given mode.
func New(conn net.Conn, mode Mode, hostname string, maxDataSize int64, timeouts Timeouts, tlsConfig *tls.Config, dispatcher *plugin.Dispatcher, store spool.Store) *Session {
	return &Session{
		Hostname:    hostname,
		MaxDataSize: maxDataSize,
		Timeouts:    timeouts,
		TLSConfig:   tlsConfig,
		Dispatcher:  dispatcher,
		Store:       store,
		conn:        conn,
		mode:        mode,
		onTLS:       mode.ImplicitTLS,
	}
}

// Handle runs the protocol loop until the client disconnects, a fatal
// I/O error occurs, or a timeout fires. It always closes conn.
func (s *Session) Handle() {
	defer s.conn.Close()

	s.tr = trace.New("Session", s.conn.RemoteAddr().String())
	defer s.tr.Finish()
	s.tr.Debugf("connected, mode: %s", s.mode)

	s.deadline = time.Now().Add(s.Timeouts.Connection)
	s.conn.SetDeadline(time.Now().Add(s.Timeouts.Command))

	if tc, ok := s.conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			s.tr.Errorf("TLS handshake: %v", err)
			return
		}
		cstate := tc.ConnectionState()
		s.tlsState = &cstate
		if name := s.tlsState.ServerName; name != "" {
			s.Hostname = name
		}
	}

	s.reader = bufio.NewReader(s.conn)
	s.writer = bufio.NewWriter(s.conn)

	s.pctx = plugin.NewContext(s.conn.RemoteAddr().String(), nil)
	if err := s.Dispatcher.Dispatch(plugin.ConnectionOpened, s.pctx); err != nil {
		s.reply(550, "5.7.1 "+err.Error())
		return
	}
	defer s.Dispatcher.Dispatch(plugin.ConnectionClosed, s.pctx)

	s.printfLine("220 %s ESMTP posta", s.Hostname)

	s.state = stateGreeted

	var errCount int
	for {
		if time.Now().After(s.deadline) {
			s.tr.Errorf("connection deadline exceeded")
			s.reply(421, "4.4.2 Connection timed out")
			return
		}

		s.conn.SetDeadline(time.Now().Add(s.Timeouts.Command))

		verb, args, err := wire.ReadCommand(s.reader)
		if err != nil {
			if err != io.EOF {
				s.tr.Errorf("reading command: %v", err)
			}
			return
		}

		if verb == "AUTH" {
			s.tr.Debugf("-> AUTH <redacted>")
		} else {
			s.tr.Debugf("-> %s %s", verb, args)
		}

		code, msg, closeAfter := s.dispatch(verb, args)
		if code == 0 {
			// The handler already wrote its own reply (STARTTLS).
			continue
		}

		if code >= 400 {
			s.tr.Errorf("%s failed: %d %s", verb, code, msg)
			errCount++
			if errCount >= 3 {
				// The third error is answered with 421 in place of its
				// own reply, and the connection closes.
				s.reply(421, "4.5.0 Too many errors, goodbye")
				return
			}
		}

		if err := s.reply(code, msg); err != nil {
			return
		}
		if closeAfter {
			return
		}
	}
}

// dispatch routes one command through the explicit (state, verb)
// switch. An unhandled combination yields 503 without a state change.
func (s *Session) dispatch(verb, args string) (code int, msg string, closeAfter bool) {
	switch verb {
	case "EHLO":
		return s.cmdEHLO(args)
	case "HELO":
		return s.cmdHELO(args)
	case "NOOP":
		return 250, "2.0.0 ok", false
	case "RSET":
		return s.cmdRSET()
	case "QUIT":
		s.state = stateClosed
		return 221, "2.0.0 bye", true
	case "VRFY", "EXPN":
		return 502, "5.5.1 not implemented", false
	case "HELP":
		return 214, "2.0.0 see RFC 5321", false
	case "STARTTLS":
		return s.cmdSTARTTLS(args)
	case "MAIL":
		return s.cmdMAIL(args)
	case "RCPT":
		return s.cmdRCPT(args)
	case "DATA":
		return s.cmdDATA(args)
	case "GET", "POST", "CONNECT":
		s.tr.Errorf("http command received, closing connection")
		return 502, "5.7.0 this is not an HTTP server", true
	default:
		return 500, "5.5.1 unrecognized command", false
	}
}

func (s *Session) cmdEHLO(args string) (int, string, bool) {
	if strings.TrimSpace(args) == "" {
		return 501, "5.5.4 syntax: EHLO domain", false
	}
	s.ehloDomain = strings.Fields(args)[0]
	s.isESMTP = true
	s.resetEnvelope()
	s.state = stateGreeted

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s\n", s.Hostname)
	fmt.Fprintf(&buf, "8BITMIME\n")
	fmt.Fprintf(&buf, "PIPELINING\n")
	fmt.Fprintf(&buf, "SMTPUTF8\n")
	fmt.Fprintf(&buf, "ENHANCEDSTATUSCODES\n")
	fmt.Fprintf(&buf, "SIZE %d\n", s.MaxDataSize)
	if !s.onTLS {
		fmt.Fprintf(&buf, "STARTTLS\n")
	}
	fmt.Fprintf(&buf, "HELP")
	return 250, buf.String(), false
}

func (s *Session) cmdHELO(args string) (int, string, bool) {
	if strings.TrimSpace(args) == "" {
		return 501, "5.5.4 syntax: HELO domain", false
	}
	s.ehloDomain = strings.Fields(args)[0]
	s.resetEnvelope()
	s.state = stateGreeted
	return 250, s.Hostname + " pleased to meet you", false
}

func (s *Session) cmdRSET() (int, string, bool) {
	s.resetEnvelope()
	if s.state != stateConnect {
		s.state = stateGreeted
	}
	return 250, "2.0.0 ok", false
}

func (s *Session) cmdSTARTTLS(args string) (int, string, bool) {
	if s.onTLS {
		return 503, "5.5.1 already in TLS", false
	}
	if s.state == stateConnect {
		return 503, "5.5.1 say EHLO first", false
	}

	if err := s.reply(220, "2.0.0 ready to start TLS"); err != nil {
		return 0, "", true
	}

	tconn := tls.Server(s.conn, s.TLSConfig)
	if err := tconn.Handshake(); err != nil {
		s.tr.Errorf("STARTTLS handshake: %v", err)
		return 0, "", true
	}

	s.conn = tconn
	s.reader = bufio.NewReader(s.conn)
	s.writer = bufio.NewWriter(s.conn)
	cstate := tconn.ConnectionState()
	s.tlsState = &cstate
	s.onTLS = true
	if name := s.tlsState.ServerName; name != "" {
		s.Hostname = name
	}

	// RFC 3207: discard any prior envelope state and go back to Connect
	// so the client must EHLO again before extensions are re-advertised.
	s.resetEnvelope()
	s.ehloDomain = ""
	s.isESMTP = false
	s.state = stateConnect

	if err := s.Dispatcher.Dispatch(plugin.StartTLS, s.pctx); err != nil {
		s.tr.Errorf("StartTLS plugin: %v", err)
	}

	return 0, "", false
}

func (s *Session) cmdMAIL(args string) (int, string, bool) {
	if s.state == stateConnect {
		return 503, "5.5.1 say EHLO first", false
	}
	if !strings.HasPrefix(strings.ToUpper(args), "FROM:") {
		return 500, "5.5.2 syntax: MAIL FROM:<address>", false
	}

	s.resetEnvelope()

	p, err := wire.ParseMailParams(args)
	if err != nil {
		return 501, "5.5.4 " + err.Error(), false
	}

	addr := ""
	if strings.ReplaceAll(p.Addr, " ", "") == "" {
		addr = "<>"
	} else {
		e, err := mail.ParseAddress(p.Addr)
		if err != nil || e.Address == "" {
			return 501, "5.1.7 sender address malformed", false
		}
		addr = e.Address
		if !strings.Contains(addr, "@") {
			return 501, "5.1.8 sender address must contain a domain", false
		}
		if len(addr) > 256 {
			return 501, "5.1.7 sender address too long", false
		}
	}

	if p.Size > 0 && p.Size > s.MaxDataSize {
		return 552, "5.2.3 message exceeds configured size limit", false
	}

	s.pctx.SetFrom(addr)
	if err := s.Dispatcher.Dispatch(plugin.MailFrom, s.pctx); err != nil {
		return 550, "5.7.1 " + err.Error(), false
	}

	s.mailFrom = s.pctx.From()
	s.state = stateMailFrom
	return 250, "2.1.0 ok", false
}

func (s *Session) cmdRCPT(args string) (int, string, bool) {
	if s.state != stateMailFrom && s.state != stateRcptTo {
		return 503, "5.5.1 send MAIL FROM first", false
	}
	if !strings.HasPrefix(strings.ToUpper(args), "TO:") {
		return 500, "5.5.2 syntax: RCPT TO:<address>", false
	}
	if len(s.rcptTo) >= 100 {
		return 452, "4.5.3 too many recipients", false
	}

	p, err := wire.ParseRcptParams(args)
	if err != nil {
		return 501, "5.5.4 " + err.Error(), false
	}

	e, err := mail.ParseAddress(p.Addr)
	if err != nil || e.Address == "" {
		return 501, "5.1.3 malformed destination address", false
	}
	addr := e.Address
	if len(addr) > 256 {
		return 501, "5.1.3 destination address too long", false
	}

	s.pctx.AddTo(addr)
	if err := s.Dispatcher.Dispatch(plugin.RcptTo, s.pctx); err != nil {
		return 550, "5.7.1 " + err.Error(), false
	}

	s.rcptTo = s.pctx.To()
	s.state = stateRcptTo
	return 250, "2.1.5 ok", false
}

func (s *Session) cmdDATA(args string) (int, string, bool) {
	if s.state != stateRcptTo {
		return 503, "5.5.1 need MAIL FROM and RCPT TO first", false
	}

	if err := s.reply(354, "go ahead"); err != nil {
		return 0, "", true
	}

	s.state = stateData
	s.conn.SetDeadline(time.Now().Add(s.Timeouts.DataInit))

	data, err := wire.ReadDotBody(s.reader, s.MaxDataSize)
	if err != nil {
		if err == wire.ErrMessageTooLarge {
			return 552, "5.3.4 message too big", false
		}
		if err == wire.ErrDataLineTooLong {
			return 500, "5.5.2 line too long", false
		}
		s.tr.Errorf("reading DATA: %v", err)
		return 0, "", true
	}
	s.tr.Debugf("read %d bytes of message data", len(data))

	s.conn.SetDeadline(time.Now().Add(s.Timeouts.DataTermination))

	if err := checkLoop(data); err != nil {
		maillog.Rejected(s.remoteAddr(), s.mailFrom, s.rcptTo, err.Error())
		return 554, "5.4.6 " + err.Error(), false
	}

	data = s.addReceivedHeader(data)

	s.pctx.SetData(data)
	if err := s.Dispatcher.Dispatch(plugin.Data, s.pctx); err != nil {
		maillog.Rejected(s.remoteAddr(), s.mailFrom, s.rcptTo, err.Error())
		return 550, "5.7.1 " + err.Error(), false
	}
	data = s.pctx.Data()

	id, err := s.Store.Accept(s.mailFrom, s.rcptTo, data)
	if err != nil {
		s.tr.Errorf("spooling message: %v", err)
		return 451, "4.3.0 failed to queue message: " + err.Error(), false
	}

	s.tr.Printf("queued %s from %s to %v", id, s.mailFrom, s.rcptTo)
	maillog.Queued(s.remoteAddr(), s.mailFrom, s.rcptTo, id)

	s.resetEnvelope()
	s.state = stateGreeted
	return 250, "2.0.0 queued as " + id, false
}

const maxReceivedHeaders = 50

// checkLoop performs RFC 5321 §6.3's basic mail-loop heuristic: too many
// Received headers means the message has bounced between hosts too many
// times already.
func checkLoop(data []byte) error {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("error parsing message: %v", err)
	}
	if len(msg.Header["Received"]) > maxReceivedHeaders {
		return fmt.Errorf("loop detected (too many Received headers)")
	}
	return nil
}

func (s *Session) addReceivedHeader(data []byte) []byte {
	var v string
	v += fmt.Sprintf("from [%s] (%s)\n", addrLiteral(s.remoteAddr()), s.ehloDomain)

	v += fmt.Sprintf("by %s (posta) ", s.Hostname)
	with := "SMTP"
	if s.isESMTP {
		with = "ESMTP"
	}
	if s.onTLS {
		with += "S"
	}
	v += fmt.Sprintf("with %s\n", with)

	v += fmt.Sprintf("(over %s, ", s.mode)
	if s.tlsState != nil {
		v += fmt.Sprintf("TLS %x, ", s.tlsState.Version)
	} else {
		v += "plain text, "
	}
	v += fmt.Sprintf("envelope from %q)\n", s.mailFrom)
	v += fmt.Sprintf("; %s\n", time.Now().Format(time.RFC1123Z))

	return envelope.AddHeader(data, "Received", v)
}

func addrLiteral(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	s := tcp.IP.String()
	if strings.Contains(s, ":") {
		return "IPv6:" + s
	}
	return s
}

func (s *Session) remoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// State reports the session's current FSM state, satisfying
// protocol.FiniteStateMachine.
func (s *Session) State() string { return s.state.String() }

// Closed reports whether the session has reached its terminal state.
func (s *Session) Closed() bool { return s.state == stateClosed }

func (s *Session) resetEnvelope() {
	s.mailFrom = ""
	s.rcptTo = nil
	if s.pctx != nil {
		s.pctx = plugin.NewContext(s.remoteAddr().String(), s.pctx.Metadata())
		s.pctx.SetEhloDomain(s.ehloDomain)
	}
	if s.state != stateConnect {
		s.state = stateGreeted
	}
}

func (s *Session) reply(code int, msg string) error {
	defer s.writer.Flush()
	return wire.WriteReply(s.writer, code, msg)
}

func (s *Session) printfLine(format string, args ...interface{}) {
	fmt.Fprintf(s.writer, format+"\r\n", args...)
	s.writer.Flush()
}
