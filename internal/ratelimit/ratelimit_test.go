package ratelimit

import (
	"testing"
	"time"
)

func TestAllowUpToBurstThenDefers(t *testing.T) {
	l := New(1, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow("example.com") {
			t.Fatalf("attempt %d should be allowed within burst", i)
		}
	}
	if l.Allow("example.com") {
		t.Fatal("4th immediate attempt should be deferred")
	}
}

func TestRefillOverTime(t *testing.T) {
	l := New(100, 1) // fast refill for the test
	l.Allow("example.com")
	if l.Allow("example.com") {
		t.Fatal("should be out of tokens immediately")
	}

	time.Sleep(30 * time.Millisecond)
	if !l.Allow("example.com") {
		t.Fatal("should have refilled after waiting")
	}
}

func TestDomainsAreIndependent(t *testing.T) {
	l := New(1, 1)
	if !l.Allow("a.example") {
		t.Fatal("a.example should be allowed")
	}
	if !l.Allow("b.example") {
		t.Fatal("b.example should be independent of a.example")
	}
}
