package wire

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Params is the parsed, validated ESMTP parameter set from a MAIL FROM or
// RCPT TO line: a closed vocabulary, so unknown keys are rejected rather
// than silently ignored.
type Params struct {
	Addr     string // the angle-addr, with the brackets stripped
	Size     int64  // SIZE=, 0 if absent
	Body     string // BODY=
	Auth     string // AUTH=
	Ret      string // RET=
	Envid    string // ENVID=
	SMTPUTF8 bool   // SMTPUTF8 present
}

var allowedParamKeys = map[string]bool{
	"SIZE":     true,
	"BODY":     true,
	"AUTH":     true,
	"RET":      true,
	"ENVID":    true,
	"SMTPUTF8": true,
}

// ParseMailParams parses the argument of a MAIL command, e.g.
// "FROM:<a@b> SIZE=100 SMTPUTF8". The "FROM:" prefix (matched without
// regard to case) is checked and consumed here.
func ParseMailParams(args string) (*Params, error) {
	return parseAddrParams(args, "FROM:")
}

// ParseRcptParams parses the argument of a RCPT command.
func ParseRcptParams(args string) (*Params, error) {
	return parseAddrParams(args, "TO:")
}

func parseAddrParams(args, prefix string) (*Params, error) {
	upper := strings.ToUpper(args)
	if !strings.HasPrefix(upper, prefix) {
		return nil, fmt.Errorf("wire: missing %s prefix", prefix)
	}
	rest := args[len(prefix):]

	addr, rest, err := splitAngleAddr(rest)
	if err != nil {
		return nil, err
	}

	p := &Params{Addr: addr}

	seen := map[string]bool{}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return p, nil
	}

	for _, tok := range strings.Fields(rest) {
		key := tok
		val := ""
		if i := strings.IndexByte(tok, '='); i >= 0 {
			key, val = tok[:i], tok[i+1:]
		}
		key = strings.ToUpper(key)

		if !allowedParamKeys[key] {
			return nil, fmt.Errorf("wire: unrecognized parameter %q", tok)
		}
		if seen[key] {
			return nil, fmt.Errorf("wire: duplicate parameter %q", key)
		}
		seen[key] = true

		switch key {
		case "SIZE":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("wire: invalid SIZE value %q", val)
			}
			if n == 0 {
				return nil, fmt.Errorf("wire: SIZE=0 is not allowed")
			}
			p.Size = n
		case "BODY":
			p.Body = val
		case "AUTH":
			p.Auth = val
		case "RET":
			p.Ret = val
		case "ENVID":
			p.Envid = val
		case "SMTPUTF8":
			p.SMTPUTF8 = true
		}
	}

	if p.SMTPUTF8 {
		// RFC 6531 addresses may carry non-ASCII local parts in any
		// Unicode normalization form the client chose; normalize to
		// NFC so downstream envelope comparisons (spool dedup, plugin
		// matching) see a single canonical form.
		p.Addr = norm.NFC.String(p.Addr)
	} else if !isASCII(p.Addr) {
		return nil, fmt.Errorf("wire: non-ASCII address requires SMTPUTF8")
	}

	return p, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}

// splitAngleAddr extracts the content of a leading "<...>" and returns the
// remainder of the string (which carries any ESMTP parameters).
func splitAngleAddr(s string) (addr, rest string, err error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "<") {
		return "", "", fmt.Errorf("wire: address must be enclosed in angle brackets")
	}
	end := strings.IndexByte(s, '>')
	if end < 0 {
		return "", "", fmt.Errorf("wire: unterminated angle address")
	}
	return s[1:end], s[end+1:], nil
}
