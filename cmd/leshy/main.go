// Command leshy is the process entry point: flag parsing, signal
// handling, listener bind and graceful shutdown, grounded on the
// teacher's flag-based main.go (plain flag.FlagSet per subcommand, no
// cobra/urfave).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miekg/dns"

	"grimm.is/leshy/internal/clock"
	"grimm.is/leshy/internal/config"
	"grimm.is/leshy/internal/forwarder"
	"grimm.is/leshy/internal/logging"
	"grimm.is/leshy/internal/reload"
	"grimm.is/leshy/internal/resolver"
	"grimm.is/leshy/internal/routeactor"
	"grimm.is/leshy/internal/routeagg"
	"grimm.is/leshy/internal/routemgr"
	"grimm.is/leshy/internal/routemgr/netlinkbackend"
	"grimm.is/leshy/internal/routemgr/shellbackend"
)

// Exit codes, spec.md §6.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitBindFailure   = 2
	exitBackendFailed = 3
)

const defaultConfigFile = "/etc/leshy/leshy.toml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitConfigError)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runRun(os.Args[2:]))
	case "check":
		os.Exit(runCheck(os.Args[2:]))
	default:
		printUsage()
		os.Exit(exitConfigError)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "usage: leshy <run|check> [--config path]\n")
}

func runCheck(args []string) int {
	flags := flag.NewFlagSet("check", flag.ExitOnError)
	configFile := flags.String("config", defaultConfigFile, "configuration file")
	flags.Parse(args)

	if _, err := config.Load(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return exitConfigError
	}
	fmt.Println("configuration OK")
	return exitOK
}

func runRun(args []string) int {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	configFile := flags.String("config", defaultConfigFile, "configuration file")
	backendFlag := flags.String("backend", "netlink", "route backend: netlink or shell")
	flags.Parse(args)

	log := logging.Default()

	var backend routemgr.Backend
	switch *backendFlag {
	case "netlink":
		backend = netlinkbackend.New()
	case "shell":
		backend = shellbackend.New()
	default:
		fmt.Fprintf(os.Stderr, "unknown backend %q (want netlink or shell)\n", *backendFlag)
		return exitConfigError
	}

	mgr := routemgr.New(backend, log)
	agg := routeagg.New()
	actor := routeactor.New(agg, mgr, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go actor.Run(ctx)

	handler := resolver.New(forwarder.New(log), actor, &clock.RealClock{}, log)

	coordinator := reload.New(*configFile, config.DefaultLoadOptions(), handler, actor, log)
	cfg, err := coordinator.Load(ctx)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		return exitConfigError
	}
	configureSyslog(cfg, log)

	udpServer := &dns.Server{Addr: cfg.Server.ListenAddress, Net: "udp", Handler: handler}
	tcpServer := &dns.Server{Addr: cfg.Server.ListenAddress, Net: "tcp", Handler: handler}

	bindErr := make(chan error, 2)
	go func() { bindErr <- udpServer.ListenAndServe() }()
	go func() { bindErr <- tcpServer.ListenAndServe() }()

	if cfg.Server.AutoReload {
		go func() {
			if err := coordinator.Watch(ctx); err != nil {
				log.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	log.Info("leshy started", "listen_address", cfg.Server.ListenAddress, "backend", *backendFlag)

	for {
		select {
		case err := <-bindErr:
			log.Error("listener failed", "error", err)
			cancel()
			return exitBindFailure

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				log.Info("received SIGHUP, reloading configuration")
				if err := coordinator.Reload(ctx); err != nil {
					log.Error("manual reload failed", "error", err)
				}

			case os.Interrupt, syscall.SIGTERM:
				log.Info("received shutdown signal", "signal", sig)
				shutdown(ctx, udpServer, tcpServer, actor)
				cancel()
				return exitOK
			}
		}
	}
}

// configureSyslog layers remote syslog output on top of the default
// stderr logger when the config requests it, grounded on the teacher's
// cmd/ctl_helpers.go configureSyslog.
func configureSyslog(cfg *config.Config, log *logging.Logger) {
	if !cfg.Syslog.Enabled {
		return
	}
	writer, err := logging.NewSyslogWriter(logging.SyslogConfig{
		Enabled:  true,
		Host:     cfg.Syslog.Host,
		Port:     cfg.Syslog.Port,
		Protocol: cfg.Syslog.Protocol,
		Tag:      cfg.Syslog.Tag,
		Facility: cfg.Syslog.Facility,
	})
	if err != nil {
		log.Error("failed to initialize syslog, continuing with stderr only", "error", err)
		return
	}

	log.SetOutput(io.MultiWriter(os.Stderr, writer))
	log.Info("syslog enabled", "host", cfg.Syslog.Host, "port", cfg.Syslog.Port)
}

// shutdown stops accepting new queries, drains in-flight handlers with a
// grace period, then withdraws every route in the route manager's shadow
// state, static routes included (spec.md §5).
func shutdown(ctx context.Context, udpServer, tcpServer *dns.Server, actor *routeactor.Actor) {
	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_ = udpServer.ShutdownContext(drainCtx)
	_ = tcpServer.ShutdownContext(drainCtx)

	actor.Drain(5 * time.Second)
}
