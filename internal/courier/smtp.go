package courier

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/net/idna"

	"github.com/posta-mta/posta/internal/config"
	"github.com/posta-mta/posta/internal/envelope"
	"github.com/posta-mta/posta/internal/resolver"
	"github.com/posta-mta/posta/internal/trace"
	"github.com/posta-mta/posta/internal/wire"
)

// Step deadlines for a single delivery attempt. Each is a duration from
// the moment that step begins, not from the start of the whole attempt.
var (
	ConnectTimeout  = 30 * time.Second
	CommandTimeout  = 2 * time.Minute
	DataTimeout     = 5 * time.Minute
	OverallDeadline = 10 * time.Minute
)

// SMTPPort is the port to use for outgoing SMTP connections. Tests
// override it to point at a local fake server.
var SMTPPort = "25"

// SMTP delivers remote mail via outgoing SMTP, resolving the destination
// with internal/resolver and applying the destination domain's policy.
type SMTP struct {
	HelloDomain string
	Resolver    *resolver.Resolver
	// Policy returns the configured policy for domain, or the zero value
	// if none is configured.
	Policy func(domain string) config.DomainPolicy
}

func (s *SMTP) policyFor(domain string) config.DomainPolicy {
	if s.Policy == nil {
		return config.DomainPolicy{}
	}
	return s.Policy(domain)
}

// Deliver an email. On failures, returns an error, and whether or not it is
// permanent.
func (s *SMTP) Deliver(from string, to string, data []byte) (error, bool) {
	toDomain := envelope.DomainOf(to)

	a := &attempt{
		courier:  s,
		from:     from,
		to:       to,
		toDomain: toDomain,
		data:     data,
		tr:       trace.New("Courier.SMTP", to),
		policy:   s.policyFor(toDomain),
	}
	defer a.tr.Finish()
	a.tr.Debugf("%s  ->  %s", from, to)

	if a.from == "<>" {
		a.from = ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), OverallDeadline)
	defer cancel()

	mxs, err := s.resolveMXs(ctx, a.tr, toDomain, a.policy)
	if err != nil {
		// NXDOMAIN, or a domain with no usable MX or address record, is
		// permanent; any other lookup failure (SERVFAIL, timeout) is
		// transient and retried.
		permanent := errors.Is(err, resolver.ErrNoSuchDomain) || errors.Is(err, resolver.ErrNoRoute)
		return a.tr.Errorf("could not find mail server: %v", err), permanent
	}

	var lastErr error
	for _, mx := range mxs {
		err, permanent := a.deliver(ctx, mx)
		if err == nil {
			return nil, false
		}
		if permanent {
			return err, true
		}
		lastErr = err
		a.tr.Errorf("%q returned transient error: %v", mx, err)
	}

	return a.tr.Errorf("all MXs returned transient failures (last: %v)", lastErr), false
}

// resolveMXs resolves toDomain's mail exchangers, applying the IDNA
// conversion and capping the host list to keep attempt times bounded.
func (s *SMTP) resolveMXs(ctx context.Context, tr *trace.Trace, domain string, policy config.DomainPolicy) ([]string, error) {
	ascii, err := idna.ToASCII(domain)
	if err != nil {
		return nil, err
	}

	hosts, err := s.Resolver.LookupMX(ctx, ascii)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(hosts))
	for _, h := range hosts {
		names = append(names, strings.TrimSuffix(h.Name, "."))
	}
	if len(names) > 5 {
		names = names[:5]
	}
	tr.Debugf("MXs: %v", names)
	return names, nil
}

type attempt struct {
	courier *SMTP

	from string
	to   string
	data []byte

	toDomain string
	policy   config.DomainPolicy

	tr *trace.Trace
}

func (a *attempt) deliver(ctx context.Context, mx string) (error, bool) {
	dialer := net.Dialer{Timeout: ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(mx, SMTPPort))
	if err != nil {
		return a.tr.Errorf("could not dial %s: %v", mx, err), false
	}
	defer conn.Close()

	c := &client{conn: conn, r: bufio.NewReader(conn), mx: mx}

	conn.SetDeadline(time.Now().Add(CommandTimeout))
	if _, _, err := c.readReply(); err != nil {
		return a.tr.Errorf("reading greeting: %v", err), false
	}

	ext, err := c.ehlo(a.courier.HelloDomain)
	if err != nil {
		return a.tr.Errorf("EHLO: %v", err), false
	}

	usedTLS := false
	if _, ok := ext["STARTTLS"]; ok {
		conn.SetDeadline(time.Now().Add(CommandTimeout))
		if err := c.startTLS(mx, a.policy.AcceptInvalid); err != nil {
			if a.policy.RequireTLS {
				mode := a.policy.RequireTLSMode
				if mode == "" {
					mode = "defer"
				}
				if mode == "fail" {
					return a.tr.Errorf("STARTTLS required and failed: %v", err), true
				}
				return a.tr.Errorf("STARTTLS required and failed: %v", err), false
			}
			a.tr.Errorf("STARTTLS failed, continuing in plain text: %v", err)
		} else {
			usedTLS = true
			ext, err = c.ehlo(a.courier.HelloDomain)
			if err != nil {
				return a.tr.Errorf("EHLO after STARTTLS: %v", err), false
			}
		}
	} else if a.policy.RequireTLS {
		return a.tr.Errorf("destination does not offer STARTTLS, and TLS is required"), false
	}
	a.tr.Debugf("TLS used: %v", usedTLS)

	smtputf8 := !isASCII(a.from) || !isASCII(a.to)
	if smtputf8 {
		if _, ok := ext["SMTPUTF8"]; !ok {
			return a.tr.Errorf("non-ASCII address but destination lacks SMTPUTF8"), true
		}
	}

	conn.SetDeadline(time.Now().Add(CommandTimeout))
	mailCmd := fmt.Sprintf("MAIL FROM:<%s>", a.from)
	if _, ok := ext["8BITMIME"]; ok {
		mailCmd += " BODY=8BITMIME"
	}
	if smtputf8 {
		mailCmd += " SMTPUTF8"
	}
	if code, msg, err := c.cmd(mailCmd); err != nil || code/100 != 2 {
		return a.tr.Errorf("MAIL FROM: %v", combineErr(err, code, msg)), isPermanentCode(code)
	}

	if code, msg, err := c.cmd(fmt.Sprintf("RCPT TO:<%s>", a.to)); err != nil || code/100 != 2 {
		return a.tr.Errorf("RCPT TO: %v", combineErr(err, code, msg)), isPermanentCode(code)
	}

	if code, msg, err := c.cmd("DATA"); err != nil || code != 354 {
		return a.tr.Errorf("DATA: %v", combineErr(err, code, msg)), isPermanentCode(code)
	}

	conn.SetDeadline(time.Now().Add(DataTimeout))
	if err := c.writeDotBody(a.data); err != nil {
		return a.tr.Errorf("writing message: %v", err), false
	}

	code, msg, err := c.readReply()
	if err != nil || code/100 != 2 {
		return a.tr.Errorf("after DATA: %v", combineErr(err, code, msg)), isPermanentCode(code)
	}

	c.cmd("QUIT")
	a.tr.Debugf("delivered")
	return nil, false
}

func combineErr(err error, code int, msg string) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("%d %s", code, msg)
}

// isPermanentCode reports whether an SMTP reply code is a permanent
// (5xx) failure, per internal/errs's taxonomy of SMTP status codes.
func isPermanentCode(code int) bool {
	return code >= 500 && code < 600
}

// client is a minimal outbound SMTP client. Reply lines are read with
// internal/wire's ReadLine, the same line reader the inbound session
// uses; the message body is dot-stuffed by net/textproto's DotWriter.
type client struct {
	conn net.Conn
	r    *bufio.Reader
	mx   string
}

func (c *client) readReply() (code int, msg string, err error) {
	var lines []string
	for {
		line, err := wire.ReadLine(c.r, wire.MaxLineLength)
		if err != nil {
			return 0, "", err
		}
		if len(line) < 4 {
			return 0, "", fmt.Errorf("malformed reply line %q", line)
		}
		code, err = strconv.Atoi(line[:3])
		if err != nil {
			return 0, "", fmt.Errorf("malformed reply code in %q", line)
		}
		sep := line[3]
		lines = append(lines, line[4:])
		if sep == ' ' {
			break
		}
		if sep != '-' {
			return 0, "", fmt.Errorf("malformed reply separator in %q", line)
		}
	}
	return code, strings.Join(lines, "\n"), nil
}

func (c *client) cmd(line string) (code int, msg string, err error) {
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", line); err != nil {
		return 0, "", err
	}
	return c.readReply()
}

func (c *client) ehlo(domain string) (map[string]string, error) {
	code, msg, err := c.cmd(fmt.Sprintf("EHLO %s", domain))
	if err != nil {
		return nil, err
	}
	if code != 250 {
		return nil, fmt.Errorf("EHLO rejected: %d %s", code, msg)
	}
	ext := map[string]string{}
	for i, line := range strings.Split(msg, "\n") {
		if i == 0 {
			continue // the greeting itself
		}
		fields := strings.SplitN(line, " ", 2)
		name := strings.ToUpper(fields[0])
		arg := ""
		if len(fields) > 1 {
			arg = fields[1]
		}
		ext[name] = arg
	}
	return ext, nil
}

// certRoots overrides the trust store used to validate the remote
// certificate; tests replace it with their own temporary CA.
var certRoots *x509.CertPool

func (c *client) startTLS(serverName string, acceptInvalid bool) error {
	code, msg, err := c.cmd("STARTTLS")
	if err != nil {
		return err
	}
	if code != 220 {
		return fmt.Errorf("STARTTLS rejected: %d %s", code, msg)
	}

	cfg := &tls.Config{ServerName: serverName}
	if acceptInvalid {
		cfg.InsecureSkipVerify = true
	} else if certRoots != nil {
		cfg.RootCAs = certRoots
	}

	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return err
	}
	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)
	return nil
}

func (c *client) writeDotBody(data []byte) error {
	w := textproto.NewWriter(bufio.NewWriter(c.conn)).DotWriter()
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Close()
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
