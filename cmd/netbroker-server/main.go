package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"netbroker"
)

// signalHandler ties SIGINT/SIGTERM to a graceful Manager.Shutdown,
// grounded on the teacher's cmd/main.go signal_handler (there tied to
// svc.StopServices() for the tunnel's Server/Client RunTask services).
type signalHandler struct {
	manager *netbroker.Manager
}

func (sh *signalHandler) run(wg *sync.WaitGroup) {
	defer wg.Done()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	fmt.Fprintf(os.Stderr, "shutting down on signal %s\n", sig)
	signal.Stop(sigCh)
	sh.manager.Shutdown()
}

func parseLogMask(level string) netbroker.LogMask {
	switch strings.ToLower(level) {
	case "debug":
		return netbroker.LogMaskAll
	case "info":
		return netbroker.LogMask(netbroker.LogInfo | netbroker.LogWarn | netbroker.LogError)
	case "warn":
		return netbroker.LogMask(netbroker.LogWarn | netbroker.LogError)
	case "error":
		return netbroker.LogMask(netbroker.LogError)
	default:
		return netbroker.LogMaskAll
	}
}

func run() error {
	var configFile, listenAddr, certFile, keyFile, dbPath, logFile, logLevel, ctlListen string
	var disableTLS, authLogin bool
	var hostnames, fingerprints stringList

	flgs := flag.NewFlagSet("", flag.ContinueOnError)
	flgs.StringVar(&configFile, "config", "", "path to a YAML config file")
	flgs.StringVar(&listenAddr, "listen-on", "", "address for the JSON-RPC listener")
	flgs.StringVar(&certFile, "cert-file", "", "TLS certificate file")
	flgs.StringVar(&keyFile, "key-file", "", "TLS key file")
	flgs.BoolVar(&disableTLS, "disable-tls", false, "run the listener without TLS")
	flgs.Var(&hostnames, "auth-hostname", "add an allowed hostname (repeatable)")
	flgs.Var(&fingerprints, "auth-fingerprint", "add an allowed TLS certificate fingerprint (repeatable)")
	flgs.BoolVar(&authLogin, "auth-login", false, "require username/password authentication")
	flgs.StringVar(&dbPath, "db-file", "netbroker.db", "sqlite credential database path")
	flgs.StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	flgs.StringVar(&logFile, "log-file", "", "write logs here instead of stderr")
	flgs.StringVar(&ctlListen, "ctl-listen-on", "", "address for the admin/metrics HTTP listener")
	flgs.SetOutput(io.Discard)

	if err := flgs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("argument error: %w", err)
	}

	var cfg *netbroker.Config
	var err error
	if configFile != "" {
		cfg, err = netbroker.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		cfg = netbroker.DefaultConfig()
	}

	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if certFile != "" && keyFile != "" {
		cfg.TLS.Enabled = true
		cfg.TLS.CertFile = certFile
		cfg.TLS.KeyFile = keyFile
	}
	if disableTLS {
		cfg.TLS.Enabled = false
	}
	if len(hostnames) > 0 {
		cfg.Auth.Mode = "hostname"
		cfg.Auth.Hostnames = hostnames
	}
	if len(fingerprints) > 0 {
		cfg.Auth.Mode = "fingerprint"
		cfg.Auth.Fingerprints = fingerprints
	}
	if authLogin {
		cfg.Auth.Mode = "password"
		cfg.Auth.DatabasePath = dbPath
	}

	credentials, err := netbroker.NewCredentialBackend(cfg)
	if err != nil {
		return fmt.Errorf("failed to open credential backend: %w", err)
	}

	var logger netbroker.Logger
	if logFile != "" {
		logger, err = netbroker.NewAppLoggerToFile("manager", logFile, cfg.LogMaxSize, cfg.LogRotate, parseLogMask(logLevel))
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
	} else {
		logger = netbroker.NewAppLogger("manager", os.Stderr, parseLogMask(logLevel))
	}

	mgr := netbroker.NewManager(cfg, logger, credentials)
	if err := mgr.Listen(cfg.Listen); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	fmt.Fprintf(os.Stderr, "netbroker manager listening on %s\n", mgr.Address())

	var wg sync.WaitGroup
	wg.Add(1)
	go mgr.Serve(&wg)

	if ctlListen != "" {
		ctl := netbroker.NewControlServer(mgr)
		go func() {
			if err := http.ListenAndServe(ctlListen, ctl); err != nil {
				fmt.Fprintf(os.Stderr, "control listener error: %s\n", err.Error())
			}
		}()
	}

	var sigWg sync.WaitGroup
	sigWg.Add(1)
	go (&signalHandler{manager: mgr}).run(&sigWg)

	wg.Wait()
	sigWg.Wait()
	return nil
}

// stringList accumulates repeated -auth-hostname flags, the same
// flag.Value pattern as the teacher's cmd/main.go flgs.Func callbacks.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
		os.Exit(1)
	}
}
