package plugin

import (
	"errors"
	"testing"
)

type fakePlugin struct {
	name     string
	rejectOn Event
	called   []Event
}

func (f *fakePlugin) Name() string { return f.name }

func (f *fakePlugin) OnMailFrom(ctx *Context) error {
	f.called = append(f.called, MailFrom)
	if f.rejectOn == MailFrom {
		return errors.New("rejected")
	}
	return nil
}

func (f *fakePlugin) OnRcptTo(ctx *Context) error {
	f.called = append(f.called, RcptTo)
	if f.rejectOn == RcptTo {
		return errors.New("rejected")
	}
	return nil
}

func TestDispatchOrderAndHalt(t *testing.T) {
	first := &fakePlugin{name: "first"}
	second := &fakePlugin{name: "second", rejectOn: MailFrom}
	third := &fakePlugin{name: "third"}

	d := NewDispatcher(first, second, third)
	ctx := NewContext("1.2.3.4", nil)

	err := d.Dispatch(MailFrom, ctx)
	if err == nil {
		t.Fatal("expected rejection from second plugin")
	}

	if len(first.called) != 1 || len(second.called) != 1 {
		t.Fatalf("expected first and second to run, got %v %v", first.called, second.called)
	}
	if len(third.called) != 0 {
		t.Fatalf("expected third to be skipped after rejection, got %v", third.called)
	}
}

func TestDispatchSkipsUnimplementedEvents(t *testing.T) {
	p := &fakePlugin{name: "partial"}
	d := NewDispatcher(p)
	ctx := NewContext("1.2.3.4", nil)

	// MailFromPlugin and RcptToPlugin are both satisfied, but Data
	// is not implemented by fakePlugin; dispatch must not panic or error.
	if err := d.Dispatch(Data, ctx); err != nil {
		t.Fatalf("unexpected error for unimplemented event: %v", err)
	}
}

func TestContextSanitizesNulBytes(t *testing.T) {
	ctx := NewContext("peer", nil)
	ctx.SetFrom("a\x00b@example.com")
	if got := ctx.From(); got != "ab@example.com" {
		t.Errorf("got %q, want NUL stripped", got)
	}
}
