// Command turkeydpi runs the local fragmentation proxy.
//
//	turkeydpi bypass [-l <ip:port>] [--preset <name>] [-v]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/1etu/turkeydpi/internal/profile"
	"github.com/1etu/turkeydpi/internal/resolver"
	"github.com/1etu/turkeydpi/internal/session"
	"github.com/1etu/turkeydpi/proxy"
)

// Build-time version information, set via ldflags:
//
//	-X main.buildVersion=x.y.z -X main.buildCommit=abc123 -X main.buildDate=2026-08-01T00:00:00Z
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

// versionString formats the build banner printed by --version.
// turkeydpi doesn't ship a separate version subpackage: the only
// consumer of build metadata is this CLI's own --version flag and
// startup log line.
func versionString() string {
	return fmt.Sprintf("%s (%s, built %s)", buildVersion, buildCommit, buildDate)
}

type config struct {
	addr       string
	preset     string
	verbose    int
	dohURL     string
	dohIP      string
	timeout    time.Duration
	showVer    bool
	subcommand string
}

func loadConfig(args []string) (*config, error) {
	cfg := &config{}

	// The subcommand, if any, is a bare leading argument: "turkeydpi
	// bypass -l ...". The flag package stops parsing at the first
	// non-flag argument, so it must be peeled off before fs.Parse
	// ever sees the flags that follow it.
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cfg.subcommand = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("turkeydpi", flag.ContinueOnError)
	fs.StringVar(&cfg.addr, "l", proxy.DefaultAddr, "listen address")
	fs.StringVar(&cfg.preset, "preset", "turk-telekom", "fragmentation preset (turk-telekom, vodafone, superonline, aggressive)")
	fs.StringVar(&cfg.dohURL, "doh", resolver.DefaultEndpoint, "DNS-over-HTTPS endpoint")
	fs.StringVar(&cfg.dohIP, "doh-ip", "", "literal IP address to dial for --doh (required unless --doh's host is already a literal IP)")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "resolve and connect timeout")
	fs.BoolVar(&cfg.showVer, "version", false, "print version and exit")
	fs.Func("v", "raise log verbosity (repeatable)", func(string) error {
		cfg.verbose++
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := loadConfig(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	level := slog.LevelInfo
	addSource := false
	if cfg.verbose > 0 {
		level = slog.LevelDebug
	}
	if cfg.verbose > 1 {
		addSource = true
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: addSource,
	}))
	slog.SetDefault(logger)

	if cfg.showVer {
		fmt.Println("turkeydpi " + versionString())
		return 0
	}

	if cfg.subcommand != "" && cfg.subcommand != "bypass" {
		logger.Error("unknown subcommand", "subcommand", cfg.subcommand)
		return 1
	}

	return runBypass(cfg, logger)
}

func runBypass(cfg *config, logger *slog.Logger) int {
	prof, ok := profile.ByName(cfg.preset)
	if !ok {
		logger.Error("unknown preset", "preset", cfg.preset)
		return 1
	}

	res, err := resolver.New(resolver.Options{
		Endpoint:   cfg.dohURL,
		ResolverIP: cfg.dohIP,
		Timeout:    cfg.timeout,
	})
	if err != nil {
		logger.Error("failed to create resolver", "error", err)
		return 1
	}

	p := proxy.New(proxy.Config{
		Addr: cfg.addr,
		Session: session.Config{
			Profile:        prof,
			Resolver:       res,
			Logger:         logger,
			ConnectTimeout: cfg.timeout,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("turkeydpi started", "version", buildVersion, "addr", cfg.addr, "preset", prof.Name)

	startErr := make(chan error, 1)
	go func() { startErr <- p.Start() }()

	select {
	case err := <-startErr:
		if err != nil {
			logger.Error("proxy exited", "error", err)
			return 1
		}
		return 0
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
			return 2
		}
		return 0
	}
}
