package plugin

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// SubprocessPlugin invokes an external program once per dispatched event
// it's configured for, passing connection/envelope state as environment
// variables and the message body (for Data) on stdin. Any non-zero exit
// status is returned as a rejection error; for exit status 20 the error
// text is marked permanent, but both are plain errors of the same type.
// Output on stdout is ignored except for Data, where it is
// expected to be RFC 5322 headers prepended to the message.
type SubprocessPlugin struct {
	name    string
	path    string
	args    []string
	events  map[Event]bool
	timeout time.Duration
}

// NewSubprocessPlugin builds a plugin that execs path for every event in
// events.
func NewSubprocessPlugin(name, path string, args []string, events []Event) *SubprocessPlugin {
	em := map[Event]bool{}
	for _, e := range events {
		em[e] = true
	}
	return &SubprocessPlugin{name: name, path: path, args: args, events: em, timeout: time.Minute}
}

func (s *SubprocessPlugin) Name() string { return s.name }

func (s *SubprocessPlugin) OnConnectionOpened(ctx *Context) error {
	return s.runIfSubscribed(ConnectionOpened, ctx, nil)
}

func (s *SubprocessPlugin) OnMailFrom(ctx *Context) error {
	return s.runIfSubscribed(MailFrom, ctx, nil)
}

func (s *SubprocessPlugin) OnRcptTo(ctx *Context) error {
	return s.runIfSubscribed(RcptTo, ctx, nil)
}

func (s *SubprocessPlugin) OnData(ctx *Context) error {
	out, err := s.run(Data, ctx, ctx.Data())
	if err != nil {
		return err
	}
	if len(out) > 0 && looksLikeHeaders(out) {
		ctx.SetData(append(out, ctx.Data()...))
	}
	return nil
}

func (s *SubprocessPlugin) OnStartTLS(ctx *Context) error {
	return s.runIfSubscribed(StartTLS, ctx, nil)
}

func (s *SubprocessPlugin) OnConnectionClosed(ctx *Context) error {
	return s.runIfSubscribed(ConnectionClosed, ctx, nil)
}

func (s *SubprocessPlugin) runIfSubscribed(ev Event, ctx *Context, stdin []byte) error {
	_, err := s.run(ev, ctx, stdin)
	return err
}

func (s *SubprocessPlugin) run(ev Event, ctx *Context, stdin []byte) ([]byte, error) {
	if !s.events[ev] {
		return nil, nil
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil, nil
	}

	cctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, s.path, s.args...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Env = buildEnv(ev, ctx)

	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			if status, ok := ee.Sys().(syscall.WaitStatus); ok && status.ExitStatus() == 20 {
				return nil, fmt.Errorf("plugin %s: rejected (permanent): %s", s.name, lastLine(string(ee.Stderr)))
			}
		}
		return nil, fmt.Errorf("plugin %s: rejected: %v", s.name, err)
	}
	return out, nil
}

func buildEnv(ev Event, ctx *Context) []string {
	env := []string{
		"POSTA_EVENT=" + ev.String(),
		"PEER_ADDR=" + ctx.PeerAddr(),
		"EHLO_DOMAIN=" + ctx.EhloDomain(),
		"MAIL_FROM=" + ctx.From(),
		"RCPT_TO=" + strings.Join(ctx.To(), " "),
	}
	for _, v := range []string{"PATH"} {
		env = append(env, v+"="+os.Getenv(v))
	}
	return env
}

func looksLikeHeaders(b []byte) bool {
	for _, line := range bytes.Split(bytes.TrimRight(b, "\n"), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if !bytes.ContainsRune(line, ':') {
			return false
		}
	}
	return true
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
