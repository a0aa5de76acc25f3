package wire

import "testing"

func TestParseMailParams(t *testing.T) {
	cases := []struct {
		args    string
		wantErr bool
		check   func(t *testing.T, p *Params)
	}{
		{args: "FROM:<a@example.com>", check: func(t *testing.T, p *Params) {
			if p.Addr != "a@example.com" {
				t.Errorf("Addr = %q", p.Addr)
			}
		}},
		{args: "FROM:<a@example.com> SIZE=100 SMTPUTF8", check: func(t *testing.T, p *Params) {
			if p.Size != 100 || !p.SMTPUTF8 {
				t.Errorf("got %+v", p)
			}
		}},
		{args: "FROM:<a@example.com> SIZE=0", wantErr: true},
		{args: "FROM:<a@example.com> BOGUS=1", wantErr: true},
		{args: "TO:<a@example.com>", wantErr: true}, // wrong prefix for MAIL
	}

	for _, c := range cases {
		p, err := ParseMailParams(c.args)
		if c.wantErr {
			if err == nil {
				t.Errorf("%q: expected an error", c.args)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", c.args, err)
		}
		c.check(t, p)
	}
}

func TestParseMailParamsSMTPUTF8(t *testing.T) {
	// A non-ASCII local part without SMTPUTF8 is a protocol violation.
	if _, err := ParseMailParams("FROM:<üser@example.com>"); err == nil {
		t.Fatal("expected an error for a non-ASCII address without SMTPUTF8")
	}

	p, err := ParseMailParams("FROM:<üser@example.com> SMTPUTF8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Addr != "üser@example.com" {
		t.Errorf("Addr = %q, want the NFC-normalized address unchanged", p.Addr)
	}
}

func TestParseRcptParams(t *testing.T) {
	p, err := ParseRcptParams("TO:<b@example.com>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Addr != "b@example.com" {
		t.Errorf("Addr = %q", p.Addr)
	}

	if _, err := ParseRcptParams("TO:<b@example.com"); err == nil {
		t.Fatal("expected an error for an unterminated angle address")
	}
}
