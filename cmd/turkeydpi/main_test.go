package main

import (
	"io"
	"log/slog"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestLoadConfigDefaults(t *testing.T) {
	c := qt.New(t)

	cfg, err := loadConfig([]string{"bypass"})
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.subcommand, qt.Equals, "bypass")
	c.Assert(cfg.addr, qt.Equals, "127.0.0.1:8844")
	c.Assert(cfg.preset, qt.Equals, "turk-telekom")
	c.Assert(cfg.verbose, qt.Equals, 0)
}

func TestLoadConfigParsesFlagsAfterSubcommand(t *testing.T) {
	c := qt.New(t)

	cfg, err := loadConfig([]string{"bypass", "-l", "0.0.0.0:9999", "--preset", "aggressive", "-v", "-v"})
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.subcommand, qt.Equals, "bypass")
	c.Assert(cfg.addr, qt.Equals, "0.0.0.0:9999")
	c.Assert(cfg.preset, qt.Equals, "aggressive")
	c.Assert(cfg.verbose, qt.Equals, 2)
}

func TestLoadConfigWithoutSubcommand(t *testing.T) {
	c := qt.New(t)

	cfg, err := loadConfig([]string{"-l", "127.0.0.1:1234"})
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.subcommand, qt.Equals, "")
	c.Assert(cfg.addr, qt.Equals, "127.0.0.1:1234")
}

func TestLoadConfigDohIPFlag(t *testing.T) {
	c := qt.New(t)

	cfg, err := loadConfig([]string{"bypass", "--doh", "https://dns.google/dns-query", "--doh-ip", "8.8.8.8"})
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.dohURL, qt.Equals, "https://dns.google/dns-query")
	c.Assert(cfg.dohIP, qt.Equals, "8.8.8.8")
}

func TestRunBypassRejectsUnknownPreset(t *testing.T) {
	c := qt.New(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config{addr: "127.0.0.1:0", preset: "no-such-preset", timeout: time.Second}
	c.Assert(runBypass(cfg, logger), qt.Equals, 1)
}

func TestRunBypassRejectsNameDohEndpointWithoutResolverIP(t *testing.T) {
	c := qt.New(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config{
		addr:    "127.0.0.1:0",
		preset:  "turk-telekom",
		dohURL:  "https://dns.google/dns-query",
		timeout: time.Second,
	}
	c.Assert(runBypass(cfg, logger), qt.Equals, 1)
}

func TestVersionStringReflectsBuildVars(t *testing.T) {
	c := qt.New(t)

	origVersion, origCommit, origDate := buildVersion, buildCommit, buildDate
	defer func() { buildVersion, buildCommit, buildDate = origVersion, origCommit, origDate }()

	buildVersion, buildCommit, buildDate = "1.2.3", "deadbeef", "2026-08-01T00:00:00Z"
	c.Assert(versionString(), qt.Equals, "1.2.3 (deadbeef, built 2026-08-01T00:00:00Z)")
}

func TestRunRejectsUnknownSubcommand(t *testing.T) {
	c := qt.New(t)

	c.Assert(run([]string{"frobnicate"}), qt.Equals, 1)
}

func TestRunVersionFlag(t *testing.T) {
	c := qt.New(t)

	c.Assert(run([]string{"-version"}), qt.Equals, 0)
}
