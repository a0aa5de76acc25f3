// Package delivery implements the outbound delivery pipeline: a bounded
// worker pool that periodically scans the spool for due messages and
// attempts delivery to each pending recipient, gated by a per-domain
// circuit breaker and rate limiter, backing off on failure per
// internal/retry and generating a bounce (DSN) once an attempt is
// exhausted.
//
// The scan-then-fan-out shape and the recipient-level success/failure
// bookkeeping are grounded on
// _examples/albertito-chasquid/internal/queue/queue.go's
// Queue.Load/Item.SendLoop/Item.sendOneRcpt, adapted from its in-memory
// protobuf Item/Recipient to internal/spool's crash-safe Store.
package delivery

import (
	"context"
	"runtime"
	"time"

	"sync"

	"github.com/posta-mta/posta/internal/breaker"
	"github.com/posta-mta/posta/internal/config"
	"github.com/posta-mta/posta/internal/courier"
	"github.com/posta-mta/posta/internal/dsn"
	"github.com/posta-mta/posta/internal/envelope"
	"github.com/posta-mta/posta/internal/log"
	"github.com/posta-mta/posta/internal/maillog"
	"github.com/posta-mta/posta/internal/ratelimit"
	"github.com/posta-mta/posta/internal/retry"
	"github.com/posta-mta/posta/internal/spool"
	"github.com/posta-mta/posta/internal/trace"
)

// Pipeline orchestrates outbound delivery for every message in a spool.
type Pipeline struct {
	Store   spool.Store
	Courier courier.Courier

	Breaker *breaker.Breaker
	Limiter *ratelimit.Limiter

	Schedule     retry.Schedule
	Workers      int
	ScanInterval time.Duration

	// BounceDomain names the domain DSNs are sent from.
	BounceDomain string

	// Policy returns the configured policy for domain, used to pick a
	// per-domain rate limit override.
	Policy func(domain string) config.DomainPolicy

	limitersMu sync.Mutex
	limiters   map[string]*ratelimit.Limiter

	// inFlight tracks message ids currently being attempted, so a scan
	// tick that fires while a prior attempt is still running (courier
	// timeouts can run far longer than ScanInterval) does not dispatch
	// the same message a second time.
	inFlight sync.Map
}

// Run scans the spool every ScanInterval until ctx is cancelled,
// attempting delivery of every message whose NextAttempt is due. It
// blocks until ctx is done and in-flight work has drained.
func (p *Pipeline) Run(ctx context.Context) {
	workers := p.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	interval := p.ScanInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	sem := make(chan struct{}, workers)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Scan immediately on startup so a restart doesn't wait a full
	// interval before resuming stalled deliveries.
	p.scanOnce(ctx, sem)

	for {
		select {
		case <-ctx.Done():
			// Drain in-flight workers before returning.
			for i := 0; i < workers; i++ {
				sem <- struct{}{}
			}
			return
		case <-ticker.C:
			p.scanOnce(ctx, sem)
		}
	}
}

func (p *Pipeline) scanOnce(ctx context.Context, sem chan struct{}) {
	ids, err := p.Store.List()
	if err != nil {
		log.Errorf("delivery: listing spool: %v", err)
		return
	}

	now := time.Now()
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}

		_, entry, err := p.Store.Load(id)
		if err != nil {
			log.Errorf("delivery: loading %s: %v", id, err)
			continue
		}
		if entry.Frozen || entry.Done() || entry.NextAttempt.After(now) {
			continue
		}

		if _, alreadyInFlight := p.inFlight.LoadOrStore(id, struct{}{}); alreadyInFlight {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			p.inFlight.Delete(id)
			return
		}
		go func(id string) {
			defer func() { <-sem }()
			p.attempt(id)
		}(id)
	}
}

func (p *Pipeline) attempt(id string) {
	tr := trace.New("Delivery.attempt", id)
	defer tr.Finish()
	defer p.inFlight.Delete(id)

	msg, entry, err := p.Store.Load(id)
	if err != nil {
		tr.Errorf("loading %s: %v", id, err)
		return
	}

	attempted := false
	for i := range entry.Recipients {
		rcpt := &entry.Recipients[i]
		if rcpt.Delivered || rcpt.Permanent {
			continue
		}

		domain := envelope.DomainOf(rcpt.Address)

		allowed, probe := p.Breaker.Allow(domain)
		if !allowed {
			continue
		}
		if !probe && !p.limiterFor(domain).Allow(domain) {
			continue
		}

		attempted = true
		err, permanent := p.Courier.Deliver(msg.From, rcpt.Address, msg.Data)
		p.Breaker.Report(domain, err == nil)

		if err == nil {
			rcpt.Delivered = true
			maillog.SendAttempt(id, msg.From, rcpt.Address, nil, false)
			continue
		}

		maillog.SendAttempt(id, msg.From, rcpt.Address, err, permanent)
		rcpt.LastError = err.Error()
		if permanent {
			rcpt.Permanent = true
		}
	}

	// A breaker-open or rate-limited round never reached the network:
	// per spec, that is not a counted attempt, so the entry is left
	// untouched to wait for the next scan rather than burning into
	// max_attempts.
	if !attempted {
		return
	}

	entry.Attempts++

	switch {
	case entry.Done():
		if entry.AnyPermanentFailure() {
			entry.State = spool.PermanentlyFailed
		} else {
			entry.State = spool.DeliveredToAll
		}
	case p.Schedule.Exhausted(entry.Attempts):
		for i := range entry.Recipients {
			if !entry.Recipients[i].Delivered {
				entry.Recipients[i].Permanent = true
				if entry.Recipients[i].LastError == "" {
					entry.Recipients[i].LastError = "retry attempts exhausted"
				}
			}
		}
		entry.State = spool.PermanentlyFailed
	default:
		delay := p.Schedule.NextDelay(entry.Attempts)
		entry.NextAttempt = time.Now().Add(delay)
		maillog.QueueLoop(id, msg.From, delay)
	}

	if err := p.Store.SaveEntry(entry); err != nil {
		tr.Errorf("saving queue entry %s: %v", id, err)
	}

	if entry.State != spool.NotTerminal {
		p.finish(tr, id, msg, entry)
	}
}

// finish handles a terminal queue entry: it generates a bounce if any
// recipient was not delivered (unless the original message was itself a
// bounce, preventing bounce loops), then removes the entry from the
// spool.
func (p *Pipeline) finish(tr *trace.Trace, id string, msg *spool.Message, entry *spool.QueueEntry) {
	needsBounce := false
	for _, rcpt := range entry.Recipients {
		if !rcpt.Delivered {
			needsBounce = true
			break
		}
	}

	if needsBounce && msg.From != "" && msg.From != "<>" {
		body, err := dsn.Build(p.BounceDomain, msg, entry, id)
		if err != nil {
			tr.Errorf("building DSN for %s: %v", id, err)
		} else if bounceID, err := p.Store.Accept("<>", []string{msg.From}, body); err != nil {
			tr.Errorf("queuing DSN for %s: %v", id, err)
		} else {
			tr.Printf("queued DSN %s for failed message %s", bounceID, id)
		}
	}

	maillog.QueueLoop(id, msg.From, 0)
	if err := p.Store.Delete(id); err != nil {
		tr.Errorf("removing %s from spool: %v", id, err)
	}
}

// inFlightCount returns the number of message ids currently claimed in
// inFlight, for test assertions.
func (p *Pipeline) inFlightCount() int {
	n := 0
	p.inFlight.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func (p *Pipeline) limiterFor(domain string) *ratelimit.Limiter {
	if p.Policy == nil {
		return p.Limiter
	}
	policy := p.Policy(domain)
	if policy.RateLimitPerSec <= 0 {
		return p.Limiter
	}

	p.limitersMu.Lock()
	defer p.limitersMu.Unlock()
	if p.limiters == nil {
		p.limiters = map[string]*ratelimit.Limiter{}
	}
	l, ok := p.limiters[domain]
	if !ok {
		l = ratelimit.New(policy.RateLimitPerSec, policy.RateLimitPerSec)
		p.limiters[domain] = l
	}
	return l
}
