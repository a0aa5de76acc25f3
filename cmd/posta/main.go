// Command posta is a relay-only SMTP daemon: it accepts mail from
// authorized clients and relays it onward, with no local delivery and
// no concept of local domains or mailboxes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/posta-mta/posta/internal/config"
	"github.com/posta-mta/posta/internal/log"
	"github.com/posta-mta/posta/internal/maillog"
	"github.com/posta-mta/posta/internal/supervisor"
)

var (
	configDir = flag.String("config_dir", "/etc/posta",
		"configuration directory")
	showVer = flag.Bool("version", false, "show version and exit")
)

// version is overridden at build time using -ldflags="-X main.version=...".
var version = "undefined"

func main() {
	flag.Parse()
	log.Init()

	if *showVer {
		fmt.Printf("posta %s\n", version)
		return
	}

	log.Infof("posta starting (version %s)", version)

	conf, err := config.Load(filepath.Join(*configDir, "posta.yaml"))
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config.LogConfig(conf)

	// Change to the config dir, so relative paths in the configuration
	// (the spool, the cert tree) are resolved from there.
	if err := os.Chdir(*configDir); err != nil {
		log.Fatalf("Error changing to config dir %q: %v", *configDir, err)
	}

	initMailLog(conf.MailLogPath)

	sup, err := supervisor.New(conf)
	if err != nil {
		log.Fatalf("Error initializing: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go signalHandler(cancel)

	if err := sup.Run(ctx); err != nil {
		log.Fatalf("Error running: %v", err)
	}
}

func initMailLog(path string) {
	var err error

	switch path {
	case "<syslog>":
		maillog.Default, err = maillog.NewSyslog()
	case "<stdout>":
		maillog.Default = maillog.New(os.Stdout)
	case "<stderr>":
		maillog.Default = maillog.New(os.Stderr)
	default:
		_ = os.MkdirAll(filepath.Dir(path), 0775)
		maillog.Default, err = maillog.NewFile(path)
	}

	if err != nil {
		log.Fatalf("Error opening mail log: %v", err)
	}
}

// signalHandler reopens the logs on SIGHUP (for log rotation), and
// cancels ctx on SIGINT/SIGTERM to begin a graceful shutdown.
func signalHandler(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for sig := range signals {
		switch sig {
		case syscall.SIGHUP:
			if err := log.Default.Reopen(); err != nil {
				log.Errorf("Error reopening log: %v", err)
			}
			if err := maillog.Default.Reopen(); err != nil {
				log.Errorf("Error reopening maillog: %v", err)
			}
		case syscall.SIGINT, syscall.SIGTERM:
			log.Infof("Received %v, shutting down", sig)
			cancel()
			return
		}
	}
}
