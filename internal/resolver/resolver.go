// Package resolver implements the DNS lookups the delivery pipeline needs
// to route outbound mail: MX resolution with the RFC 5321 §5.1 implicit-MX
// fallback, A/AAAA resolution of the chosen hosts, a TTL-bounded cache, and
// coalescing of concurrent lookups for the same name so a burst of
// deliveries to one domain triggers a single wire query.
//
// It is built directly on github.com/miekg/dns, the way
// HouzuoGuo-laitos/dnsclient drives dns.Client/dns.Msg/Exchange rather than
// the standard library's net.LookupMX (which cannot report NXDOMAIN
// separately from a timeout, a distinction the retry scheduler needs).
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// ErrNoSuchDomain reports an authoritative NXDOMAIN: the name does not
// exist and retrying will not help.
var ErrNoSuchDomain = errors.New("resolver: no such domain")

// ErrNoRoute reports that the domain exists but no usable MX or address
// record could be found for it.
var ErrNoRoute = errors.New("resolver: no route to domain")

// Host is one resolved mail exchanger, in the order it should be tried.
type Host struct {
	Name       string
	Preference uint16
}

type cacheEntry struct {
	hosts   []Host
	addrs   []net.IP
	err     error
	expires time.Time
}

// Resolver resolves MX and address records with caching and static
// per-domain overrides.
type Resolver struct {
	// Servers is the list of "host:port" recursive resolvers to query, in
	// order. If empty, Servers is populated from /etc/resolv.conf.
	Servers []string
	// Timeout bounds a single upstream exchange.
	Timeout time.Duration
	// Overrides maps a domain to a static list of MX hostnames,
	// bypassing MX lookup entirely (config's domains.<name>.mx_override).
	Overrides map[string][]string

	client *dns.Client

	mu       sync.Mutex
	mxCache  map[string]*cacheEntry
	aCache   map[string]*cacheEntry
	inflight map[string]*sync.WaitGroup
}

// New returns a Resolver. If servers is empty, the system resolver
// configuration in /etc/resolv.conf is used.
func New(servers []string, timeout time.Duration) (*Resolver, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if len(servers) == 0 {
		cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("resolver: reading /etc/resolv.conf: %w", err)
		}
		for _, s := range cfg.Servers {
			servers = append(servers, net.JoinHostPort(s, cfg.Port))
		}
	}
	if len(servers) == 0 {
		return nil, errors.New("resolver: no DNS servers configured")
	}
	return &Resolver{
		Servers:  servers,
		Timeout:  timeout,
		client:   &dns.Client{Timeout: timeout},
		mxCache:  map[string]*cacheEntry{},
		aCache:   map[string]*cacheEntry{},
		inflight: map[string]*sync.WaitGroup{},
	}, nil
}

// LookupMX returns the mail exchangers for domain, sorted by ascending
// preference, applying any configured static override and the RFC 5321
// §5.1 implicit-MX fallback (if a domain has no MX records but does have
// an address record, that address is used directly as a single MX of
// preference 0).
func (r *Resolver) LookupMX(ctx context.Context, domain string) ([]Host, error) {
	domain = dns.Fqdn(domain)

	if override, ok := r.Overrides[domain]; ok {
		hosts := make([]Host, len(override))
		for i, h := range override {
			hosts[i] = Host{Name: dns.Fqdn(h), Preference: uint16(i)}
		}
		return hosts, nil
	}

	if hosts, err, ok := r.cached(r.mxCache, "mx:"+domain); ok {
		return hosts, err
	}

	return r.singleflight("mx:"+domain, func() ([]Host, error) {
		hosts, ttl, err := r.exchangeMX(ctx, domain)
		if errors.Is(err, ErrNoSuchDomain) {
			r.store(r.mxCache, "mx:"+domain, nil, err, 5*time.Minute)
			return nil, err
		}
		if err == nil && len(hosts) == 0 {
			// No MX records but the name resolved: fall back to the
			// domain's own address per RFC 5321 §5.1.
			if _, aerr := r.LookupHost(ctx, domain); aerr == nil {
				hosts = []Host{{Name: domain, Preference: 0}}
			} else {
				err = ErrNoRoute
			}
		}
		r.store(r.mxCache, "mx:"+domain, hosts, err, ttl)
		return hosts, err
	})
}

// LookupHost returns the A/AAAA addresses for host.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]net.IP, error) {
	host = dns.Fqdn(host)

	if _, addrs, err, ok := r.cachedAddrs(host); ok {
		return addrs, err
	}

	v, err := r.singleflightAddrs(host, func() ([]net.IP, error) {
		var addrs []net.IP
		var minTTL time.Duration
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			msg := new(dns.Msg)
			msg.SetQuestion(host, qtype)
			msg.RecursionDesired = true

			in, err := r.exchange(ctx, msg)
			if err != nil {
				continue
			}
			if in.Rcode == dns.RcodeNameError {
				continue
			}
			for _, rr := range in.Answer {
				switch rec := rr.(type) {
				case *dns.A:
					addrs = append(addrs, rec.A)
					minTTL = minDuration(minTTL, time.Duration(rec.Hdr.Ttl)*time.Second)
				case *dns.AAAA:
					addrs = append(addrs, rec.AAAA)
					minTTL = minDuration(minTTL, time.Duration(rec.Hdr.Ttl)*time.Second)
				}
			}
		}
		var err error
		if len(addrs) == 0 {
			err = ErrNoRoute
		}
		if minTTL <= 0 {
			minTTL = 5 * time.Minute
		}
		r.storeAddrs(host, addrs, err, minTTL)
		return addrs, err
	})
	return v, err
}

func minDuration(a, b time.Duration) time.Duration {
	if a <= 0 {
		return b
	}
	if b < a {
		return b
	}
	return a
}

// exchangeMX performs the raw MX query and classifies its result.
func (r *Resolver) exchangeMX(ctx context.Context, domain string) ([]Host, time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(domain, dns.TypeMX)
	msg.RecursionDesired = true

	in, err := r.exchange(ctx, msg)
	if err != nil {
		return nil, 0, err
	}
	if in.Rcode == dns.RcodeNameError {
		return nil, 0, ErrNoSuchDomain
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, 0, fmt.Errorf("resolver: MX query for %s: rcode %s", domain, dns.RcodeToString[in.Rcode])
	}

	var hosts []Host
	var minTTL time.Duration
	for _, rr := range in.Answer {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		hosts = append(hosts, Host{Name: mx.Mx, Preference: mx.Preference})
		minTTL = minDuration(minTTL, time.Duration(mx.Hdr.Ttl)*time.Second)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Preference < hosts[j].Preference })
	if minTTL <= 0 {
		minTTL = 5 * time.Minute
	}
	return hosts, minTTL, nil
}

// exchange sends msg to the first server that answers, respecting ctx and
// r.Timeout.
func (r *Resolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var lastErr error
	for _, server := range r.Servers {
		deadline := time.Now().Add(r.Timeout)
		if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
			deadline = dl
		}
		c := *r.client
		c.Timeout = time.Until(deadline)
		in, _, err := c.Exchange(msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		return in, nil
	}
	if lastErr == nil {
		lastErr = errors.New("resolver: no servers configured")
	}
	return nil, fmt.Errorf("resolver: all servers failed: %w", lastErr)
}

func (r *Resolver) cached(cache map[string]*cacheEntry, key string) ([]Host, error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := cache[key]
	if !ok || time.Now().After(e.expires) {
		return nil, nil, false
	}
	return e.hosts, e.err, true
}

func (r *Resolver) store(cache map[string]*cacheEntry, key string, hosts []Host, err error, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cache[key] = &cacheEntry{hosts: hosts, err: err, expires: time.Now().Add(ttl)}
}

func (r *Resolver) cachedAddrs(key string) ([]Host, []net.IP, error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.aCache[key]
	if !ok || time.Now().After(e.expires) {
		return nil, nil, nil, false
	}
	return nil, e.addrs, e.err, true
}

func (r *Resolver) storeAddrs(key string, addrs []net.IP, err error, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aCache[key] = &cacheEntry{addrs: addrs, err: err, expires: time.Now().Add(ttl)}
}

// singleflight coalesces concurrent MX lookups for the same key: the
// first caller runs fn and populates the cache; callers that arrive while
// it is in flight wait for it to finish and then read the cache, rather
// than issuing their own wire queries.
func (r *Resolver) singleflight(key string, fn func() ([]Host, error)) ([]Host, error) {
	r.mu.Lock()
	if wg, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		wg.Wait()
		hosts, err, _ := r.cached(r.mxCache, key)
		return hosts, err
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	r.inflight[key] = wg
	r.mu.Unlock()

	hosts, err := fn()

	r.mu.Lock()
	delete(r.inflight, key)
	r.mu.Unlock()
	wg.Done()

	return hosts, err
}

func (r *Resolver) singleflightAddrs(key string, fn func() ([]net.IP, error)) ([]net.IP, error) {
	r.mu.Lock()
	if wg, ok := r.inflight["a:"+key]; ok {
		r.mu.Unlock()
		wg.Wait()
		_, addrs, err, _ := r.cachedAddrs(key)
		return addrs, err
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	r.inflight["a:"+key] = wg
	r.mu.Unlock()

	addrs, err := fn()

	r.mu.Lock()
	delete(r.inflight, "a:"+key)
	r.mu.Unlock()
	wg.Done()

	return addrs, err
}

// ClearCache drops all cached MX and address records, for the control
// plane's dns.clear-cache operation.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mxCache = map[string]*cacheEntry{}
	r.aCache = map[string]*cacheEntry{}
}

// Refresh evicts the cached MX record for domain (and, for domains
// resolved via the RFC 5321 §5.1 implicit-MX fallback, its own address
// record), so the next lookup re-resolves it instead of the whole cache,
// for the control plane's dns.refresh operation.
func (r *Resolver) Refresh(domain string) {
	domain = dns.Fqdn(domain)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mxCache, "mx:"+domain)
	delete(r.aCache, domain)
}

// CacheEntry describes one live cache entry, for the control plane's
// dns.list-cache operation.
type CacheEntry struct {
	Key     string
	Hosts   []Host
	Addrs   []net.IP
	Err     string
	Expires time.Time
}

// ListCache returns a snapshot of every unexpired cache entry.
func (r *Resolver) ListCache() []CacheEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var out []CacheEntry
	for k, e := range r.mxCache {
		if now.After(e.expires) {
			continue
		}
		ce := CacheEntry{Key: k, Hosts: e.hosts, Expires: e.expires}
		if e.err != nil {
			ce.Err = e.err.Error()
		}
		out = append(out, ce)
	}
	for k, e := range r.aCache {
		if now.After(e.expires) {
			continue
		}
		ce := CacheEntry{Key: k, Addrs: e.addrs, Expires: e.expires}
		if e.err != nil {
			ce.Err = e.err.Error()
		}
		out = append(out, ce)
	}
	return out
}
