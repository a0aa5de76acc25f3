// Package supervisor owns posta's top-level process lifecycle: loading
// configuration, wiring every subsystem together, binding listeners and
// the control socket, and coordinating graceful shutdown behind one
// cancellation signal.
//
// Grounded on _examples/albertito-chasquid/chasquid.go's main()/
// signalHandler shape, generalized into a package (rather than left
// inline in main) so the wiring and the two independent shutdown
// deadlines are unit-testable.
package supervisor

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/posta-mta/posta/internal/breaker"
	"github.com/posta-mta/posta/internal/config"
	"github.com/posta-mta/posta/internal/controlplane"
	"github.com/posta-mta/posta/internal/courier"
	"github.com/posta-mta/posta/internal/delivery"
	"github.com/posta-mta/posta/internal/log"
	"github.com/posta-mta/posta/internal/maillog"
	"github.com/posta-mta/posta/internal/plugin"
	"github.com/posta-mta/posta/internal/protocol"
	"github.com/posta-mta/posta/internal/ratelimit"
	"github.com/posta-mta/posta/internal/resolver"
	"github.com/posta-mta/posta/internal/retry"
	"github.com/posta-mta/posta/internal/session"
	"github.com/posta-mta/posta/internal/spool"
	"github.com/posta-mta/posta/internal/systemd"
)

// ListenerDrainTimeout bounds how long Shutdown waits for in-flight
// sessions to finish on their own before connections are forced closed.
var ListenerDrainTimeout = 30 * time.Second

// DeliveryDrainTimeout bounds how long Shutdown waits for the delivery
// pipeline's worker pool to finish an in-flight attempt.
var DeliveryDrainTimeout = 30 * time.Second

// Supervisor owns every long-running subsystem and the listeners bound
// to it.
type Supervisor struct {
	Config *config.Config

	Store    spool.Store
	Resolver *resolver.Resolver
	Breaker  *breaker.Breaker
	Pipeline *delivery.Pipeline
	Control  *controlplane.Server

	// protoTemplate carries every field of the inbound protocol except
	// Mode, which varies per listener; bindListeners clones it for each
	// bound address.
	protoTemplate *session.SMTP

	tlsConfig *tls.Config
	listeners []boundListener

	connWG sync.WaitGroup
}

type boundListener struct {
	ln    net.Listener
	proto protocol.Protocol
}

// New builds a Supervisor from cfg: the spool, DNS resolver, circuit
// breaker, rate limiter, outbound courier, delivery pipeline, plugin
// dispatcher, inbound protocol and control-plane server, and binds
// every configured listener (but does not start accepting connections;
// call Run for that).
func New(cfg *config.Config) (*Supervisor, error) {
	store, err := spool.NewDir(cfg.SpoolRoot)
	if err != nil {
		return nil, fmt.Errorf("opening spool: %v", err)
	}
	if err := store.Reconcile(); err != nil {
		return nil, fmt.Errorf("reconciling spool: %v", err)
	}

	res, err := resolver.New(nil, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("initializing resolver: %v", err)
	}
	for domain, policy := range cfg.Delivery.Domains {
		if len(policy.MXOverride) > 0 {
			res.Overrides[domain] = policy.MXOverride
		}
	}

	policyFn := func(domain string) config.DomainPolicy {
		return cfg.Delivery.Domains[domain]
	}

	br := breaker.New(5, 300*time.Second)
	limiter := ratelimit.New(50, 50)

	smtpCourier := &courier.SMTP{
		HelloDomain: cfg.Hostname,
		Resolver:    res,
		Policy:      policyFn,
	}

	schedule := retry.Schedule{
		Base:        cfg.Delivery.Retry.Base,
		Max:         cfg.Delivery.Retry.Max,
		Jitter:      cfg.Delivery.Retry.Jitter,
		MaxAttempts: cfg.Delivery.Retry.MaxAttempts,
	}

	pipeline := &delivery.Pipeline{
		Store:        store,
		Courier:      smtpCourier,
		Breaker:      br,
		Limiter:      limiter,
		Schedule:     schedule,
		Workers:      cfg.Delivery.Workers,
		ScanInterval: cfg.Delivery.ScanInterval,
		BounceDomain: cfg.Delivery.BounceDomain,
		Policy:       policyFn,
	}
	if pipeline.BounceDomain == "" {
		pipeline.BounceDomain = cfg.Hostname
	}

	dispatcher, err := buildDispatcher(cfg.Modules)
	if err != nil {
		return nil, err
	}

	tlsConfig, err := loadTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	proto := &session.SMTP{
		Hostname:    cfg.Hostname,
		MaxDataSize: int64(cfg.MaxDataSizeMB) * 1024 * 1024,
		Timeouts:    session.DefaultTimeouts(),
		TLSConfig:   tlsConfig,
		Dispatcher:  dispatcher,
		Store:       store,
	}
	if err := proto.ValidateConfiguration(); err != nil {
		return nil, err
	}

	var control *controlplane.Server
	if cfg.ControlSocket != "" {
		control = &controlplane.Server{
			Store:    store,
			Resolver: res,
			Breaker:  br,
		}
		if cfg.ControlAuth.Enabled {
			control.TokenHashes = cfg.ControlAuth.TokenHashes
		}
	}

	s := &Supervisor{
		Config:        cfg,
		Store:         store,
		Resolver:      res,
		Breaker:       br,
		Pipeline:      pipeline,
		Control:       control,
		protoTemplate: proto,
		tlsConfig:     tlsConfig,
	}

	if err := s.bindListeners(cfg); err != nil {
		return nil, err
	}

	return s, nil
}

func buildDispatcher(modules []config.ModulePlugin) (*plugin.Dispatcher, error) {
	var plugins []plugin.Plugin
	for _, m := range modules {
		events, err := parseEvents(m.Events)
		if err != nil {
			return nil, fmt.Errorf("module %q: %v", m.Name, err)
		}
		plugins = append(plugins, plugin.NewSubprocessPlugin(m.Name, m.Path, m.Args, events))
	}
	return plugin.NewDispatcher(plugins...), nil
}

func parseEvents(names []string) ([]plugin.Event, error) {
	var out []plugin.Event
	for _, n := range names {
		switch n {
		case "ConnectionOpened":
			out = append(out, plugin.ConnectionOpened)
		case "MailFrom":
			out = append(out, plugin.MailFrom)
		case "RcptTo":
			out = append(out, plugin.RcptTo)
		case "Data":
			out = append(out, plugin.Data)
		case "StartTls":
			out = append(out, plugin.StartTLS)
		case "ConnectionClosed":
			out = append(out, plugin.ConnectionClosed)
		default:
			return nil, fmt.Errorf("unknown event %q", n)
		}
	}
	return out, nil
}

// loadTLSConfig loads certificates from "certs/<domain>/{fullchain,
// privkey}.pem", matching the layout letsencrypt produces, so operators
// can point this at the same certificate tree they already maintain.
func loadTLSConfig(cfg *config.Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	entries, err := os.ReadDir("certs")
	if err != nil {
		if os.IsNotExist(err) {
			return tlsConfig, nil
		}
		return nil, fmt.Errorf("reading certs/: %v", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join("certs", e.Name())
		certPath := filepath.Join(dir, "fullchain.pem")
		keyPath := filepath.Join(dir, "privkey.pem")
		if _, err := os.Stat(certPath); os.IsNotExist(err) {
			continue
		}
		if _, err := os.Stat(keyPath); os.IsNotExist(err) {
			continue
		}

		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("loading certificate for %q: %v", e.Name(), err)
		}
		tlsConfig.Certificates = append(tlsConfig.Certificates, cert)
		log.Infof("loaded certificate for %q", e.Name())
	}

	tlsConfig.BuildNameToCertificate() //nolint:staticcheck // chosen for parity with the teacher's cert-loading path
	return tlsConfig, nil
}

// protoFor clones the supervisor's protocol template with mode set,
// since Mode (submission/implicit-TLS) is a per-listener property.
func (s *Supervisor) protoFor(mode session.Mode) protocol.Protocol {
	clone := *s.protoTemplate
	clone.Mode = mode
	return &clone
}

// bindListeners opens every configured listener address (or claims
// systemd-provided sockets), without yet accepting connections.
func (s *Supervisor) bindListeners(cfg *config.Config) error {
	systemdLs, err := systemd.Listeners()
	if err != nil {
		return fmt.Errorf("getting systemd listeners: %v", err)
	}

	for _, l := range cfg.Listeners {
		mode := session.Mode{Submission: l.Submission, ImplicitTLS: l.ImplicitTLS}

		proto := s.protoFor(mode)

		if l.Addr == "systemd" {
			tag := "smtp"
			if l.Submission && l.ImplicitTLS {
				tag = "submission_tls"
			} else if l.Submission {
				tag = "submission"
			}
			for _, ln := range systemdLs[tag] {
				s.listeners = append(s.listeners, boundListener{ln: ln, proto: proto})
			}
			continue
		}

		ln, err := net.Listen("tcp", l.Addr)
		if err != nil {
			return fmt.Errorf("listening on %q: %v", l.Addr, err)
		}
		s.listeners = append(s.listeners, boundListener{ln: ln, proto: proto})
	}

	if len(s.listeners) == 0 {
		return fmt.Errorf("no listener addresses configured")
	}
	return nil
}

// Run starts accepting connections on every bound listener, the
// delivery pipeline, and (if configured) the control socket, and blocks
// until ctx is cancelled. Shutdown then proceeds with two independent
// drain deadlines: listeners stop accepting immediately, and in-flight
// sessions get ListenerDrainTimeout to finish on their own before their
// connections are forced closed; after that, the delivery pipeline gets
// a second deadline, DeliveryDrainTimeout, for Pipeline.Run (cancelled
// through the same ctx) to return.
func (s *Supervisor) Run(ctx context.Context) error {
	for _, bl := range s.listeners {
		maillog.Listening(bl.ln.Addr().String())
		go s.acceptLoop(ctx, bl)
	}

	deliveryDone := make(chan struct{})
	go func() {
		s.Pipeline.Run(ctx)
		close(deliveryDone)
	}()

	if s.Control != nil && s.Config.ControlSocket != "" {
		go func() {
			if err := s.Control.ListenAndServe(s.Config.ControlSocket); err != nil {
				log.Errorf("control socket: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Infof("shutting down")

	for _, bl := range s.listeners {
		bl.ln.Close()
	}
	if s.Control != nil {
		s.Control.Close()
	}

	drained := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(ListenerDrainTimeout):
		log.Errorf("listener drain timed out, some sessions may have been cut short")
	}

	select {
	case <-deliveryDone:
	case <-time.After(DeliveryDrainTimeout):
		log.Errorf("delivery drain timed out")
	}

	return nil
}

func (s *Supervisor) acceptLoop(ctx context.Context, bl boundListener) {
	for {
		conn, err := bl.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Errorf("accept on %s: %v", bl.ln.Addr(), err)
				return
			}
		}

		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			bl.proto.HandleConnection(ctx, conn)
		}()
	}
}
