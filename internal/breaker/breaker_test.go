package breaker

import (
	"testing"
	"time"
)

func TestOpensAfterThreshold(t *testing.T) {
	b := New(3, time.Hour)

	for i := 0; i < 3; i++ {
		allowed, probe := b.Allow("example.com")
		if !allowed || probe {
			t.Fatalf("attempt %d: expected allowed, non-probe", i)
		}
		b.Report("example.com", false)
	}

	if allowed, _ := b.Allow("example.com"); allowed {
		t.Fatal("breaker should be open after 3 consecutive failures")
	}
	if got := b.State("example.com"); got != "open" {
		t.Errorf("state = %q, want open", got)
	}
}

func TestHalfOpenAdmitsOnlyOneProbe(t *testing.T) {
	b := New(1, 10*time.Millisecond)

	b.Allow("example.com")
	b.Report("example.com", false) // opens

	time.Sleep(20 * time.Millisecond)

	allowed1, probe1 := b.Allow("example.com")
	if !allowed1 || !probe1 {
		t.Fatal("expected a half-open probe to be admitted")
	}

	allowed2, _ := b.Allow("example.com")
	if allowed2 {
		t.Fatal("a second concurrent half-open probe must not be admitted")
	}
}

func TestSuccessClosesBreaker(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	b.Allow("example.com")
	b.Report("example.com", false)

	time.Sleep(20 * time.Millisecond)
	b.Allow("example.com") // probe
	b.Report("example.com", true)

	if got := b.State("example.com"); got != "closed" {
		t.Errorf("state after successful probe = %q, want closed", got)
	}
	allowed, probe := b.Allow("example.com")
	if !allowed || probe {
		t.Error("closed breaker should admit non-probe attempts")
	}
}
