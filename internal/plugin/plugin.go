// Package plugin implements the dispatch contract for validation hooks
// invoked at fixed points in the inbound session's lifecycle. Loader
// mechanics beyond the one concrete subprocess loader below are outside
// this package's scope; callers may register any Plugin implementation.
package plugin

import (
	"strings"
	"sync"
)

// Event identifies one of the six fixed dispatch points.
type Event int

const (
	ConnectionOpened Event = iota
	MailFrom
	RcptTo
	Data
	StartTLS
	ConnectionClosed
)

func (e Event) String() string {
	switch e {
	case ConnectionOpened:
		return "ConnectionOpened"
	case MailFrom:
		return "MailFrom"
	case RcptTo:
		return "RcptTo"
	case Data:
		return "Data"
	case StartTLS:
		return "StartTls"
	case ConnectionClosed:
		return "ConnectionClosed"
	default:
		return "Unknown"
	}
}

// Context is the opaque handle passed to every plugin callback. It
// exposes getters for connection/envelope state and a metadata map that
// plugins may mutate; setters are restricted to the fields the contract
// allows plugins to change.
type Context struct {
	mu sync.Mutex

	peerAddr   string
	ehloDomain string
	from       string
	to         []string
	data       []byte
	meta       map[string]string
}

// NewContext builds a Context for one connection. meta may be nil, in
// which case an empty map is created.
func NewContext(peerAddr string, meta map[string]string) *Context {
	if meta == nil {
		meta = map[string]string{}
	}
	return &Context{peerAddr: peerAddr, meta: meta}
}

func (c *Context) PeerAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerAddr
}

func (c *Context) EhloDomain() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ehloDomain
}

func (c *Context) SetEhloDomain(d string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ehloDomain = sanitize(d)
}

func (c *Context) From() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.from
}

func (c *Context) SetFrom(f string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.from = sanitize(f)
}

func (c *Context) To() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.to))
	copy(out, c.to)
	return out
}

func (c *Context) AddTo(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.to = append(c.to, sanitize(addr))
}

func (c *Context) Data() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

func (c *Context) SetData(d []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = d
}

// Meta returns the value for key, and whether it was present.
func (c *Context) Meta(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.meta[key]
	return v, ok
}

// SetMeta sets key to value in the metadata map.
func (c *Context) SetMeta(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta[sanitize(key)] = sanitize(value)
}

// Metadata returns a copy of the metadata map, for carrying connection-scoped
// state forward into a new Context (e.g. across MAIL FROM/RSET/STARTTLS).
func (c *Context) Metadata() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.meta))
	for k, v := range c.meta {
		out[k] = v
	}
	return out
}

// sanitize strips embedded NUL bytes before a string crosses the plugin
// FFI boundary (environment variables, in the subprocess loader's case).
func sanitize(s string) string {
	if strings.IndexByte(s, 0) < 0 {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// Plugin is the dispatch contract. A plugin implements only the events
// it cares about; Dispatcher checks each interface with a type
// assertion, the idiomatic Go substitute for an ABI with optional
// function pointers. Name identifies the plugin in logs and ordering.
type Plugin interface {
	Name() string
}

type ConnectionOpenedPlugin interface {
	Plugin
	OnConnectionOpened(ctx *Context) error
}

type MailFromPlugin interface {
	Plugin
	OnMailFrom(ctx *Context) error
}

type RcptToPlugin interface {
	Plugin
	OnRcptTo(ctx *Context) error
}

type DataPlugin interface {
	Plugin
	OnData(ctx *Context) error
}

type StartTLSPlugin interface {
	Plugin
	OnStartTLS(ctx *Context) error
}

type ConnectionClosedPlugin interface {
	Plugin
	OnConnectionClosed(ctx *Context) error
}

// Dispatcher invokes registered plugins, in configuration order, for a
// given event, stopping at the first error.
type Dispatcher struct {
	plugins []Plugin
}

// NewDispatcher builds a Dispatcher over plugins, preserving order.
func NewDispatcher(plugins ...Plugin) *Dispatcher {
	return &Dispatcher{plugins: plugins}
}

// Dispatch runs every registered plugin that implements the handler for
// event, in order, returning the first non-nil error (which halts
// dispatch) or nil if every plugin accepted.
func (d *Dispatcher) Dispatch(event Event, ctx *Context) error {
	if d == nil {
		return nil
	}
	for _, p := range d.plugins {
		var err error
		switch event {
		case ConnectionOpened:
			if h, ok := p.(ConnectionOpenedPlugin); ok {
				err = h.OnConnectionOpened(ctx)
			}
		case MailFrom:
			if h, ok := p.(MailFromPlugin); ok {
				err = h.OnMailFrom(ctx)
			}
		case RcptTo:
			if h, ok := p.(RcptToPlugin); ok {
				err = h.OnRcptTo(ctx)
			}
		case Data:
			if h, ok := p.(DataPlugin); ok {
				err = h.OnData(ctx)
			}
		case StartTLS:
			if h, ok := p.(StartTLSPlugin); ok {
				err = h.OnStartTLS(ctx)
			}
		case ConnectionClosed:
			if h, ok := p.(ConnectionClosedPlugin); ok {
				err = h.OnConnectionClosed(ctx)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}
