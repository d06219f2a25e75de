// Command gatekeeperd runs an inbound SMTP server from a TOML config
// file.
//
// Usage:
//
//	gatekeeperd -config gatekeeper.toml
//
// A minimal config:
//
//	hostname = "mx1.example.com"
//	addr = ":25"
//
//	[tls]
//	cert = "/etc/gatekeeper/tls/cert.pem"
//	key = "/etc/gatekeeper/tls/key.pem"
//
//	[greylist]
//	path = "/var/lib/gatekeeper/greylist.db"
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sablemail/gatekeeper"
	"github.com/sablemail/gatekeeper/dns"
	"github.com/sablemail/gatekeeper/greylist"
	"github.com/sablemail/gatekeeper/ratelimit"
)

type config struct {
	Hostname    string `toml:"hostname"`
	Addr        string `toml:"addr"`
	RequireTLS  bool   `toml:"require_tls"`
	RequireAuth bool   `toml:"require_auth"`
	LogLevel    string `toml:"log_level"`

	TLS struct {
		Cert string `toml:"cert"`
		Key  string `toml:"key"`
	} `toml:"tls"`

	Policy struct {
		RejectSPFFail   bool `toml:"reject_spf_fail"`
		EnforceDMARC    bool `toml:"enforce_dmarc"`
		Quarantine      bool `toml:"quarantine"`
		StrictTempError bool `toml:"strict_temperror"`
	} `toml:"policy"`

	Limits struct {
		MaxMessageSizeMB int `toml:"max_message_size_mb"`
		MaxRecipients    int `toml:"max_recipients"`
		MaxConnections   int `toml:"max_connections"`
		ConnectionsPerIP int `toml:"connections_per_ip_per_minute"`
		MessagesPerHour  int `toml:"messages_per_hour"`
	} `toml:"limits"`

	DNS struct {
		Nameservers []string `toml:"nameservers"`
		TimeoutSec  int      `toml:"timeout_seconds"`
	} `toml:"dns"`

	Greylist struct {
		Path          string `toml:"path"`
		DelayMinutes  int    `toml:"delay_minutes"`
		RetentionDays int    `toml:"retention_days"`
	} `toml:"greylist"`

	// Accounts maps AUTH identities to passwords. Static accounts
	// suit small deployments; larger ones should implement
	// gatekeeper.CredentialStore against their user database.
	Accounts map[string]string `toml:"accounts"`
}

func main() {
	configPath := flag.String("config", "gatekeeper.toml", "path to TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "gatekeeperd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfg config
	md, err := toml.DecodeFile(configPath, &cfg)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	if cfg.Hostname == "" {
		return fmt.Errorf("config: hostname is required")
	}

	var level slog.Level
	if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return fmt.Errorf("config: log_level: %w", err)
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	sc := gatekeeper.DefaultServerConfig()
	sc.Hostname = cfg.Hostname
	sc.Addr = cfg.Addr
	sc.RequireTLS = cfg.RequireTLS
	sc.RequireAuth = cfg.RequireAuth
	sc.Logger = logger

	if md.IsDefined("policy") {
		sc.Policy = gatekeeper.PolicyConfig{
			RejectSPFFail:   cfg.Policy.RejectSPFFail,
			EnforceDMARC:    cfg.Policy.EnforceDMARC,
			Quarantine:      cfg.Policy.Quarantine,
			StrictTempError: cfg.Policy.StrictTempError,
		}
	}
	if cfg.Limits.MaxMessageSizeMB > 0 {
		sc.Limits.MaxMessageSize = int64(cfg.Limits.MaxMessageSizeMB) * 1024 * 1024
	}
	if cfg.Limits.MaxRecipients > 0 {
		sc.Limits.MaxRecipients = cfg.Limits.MaxRecipients
	}
	if cfg.Limits.MaxConnections > 0 {
		sc.MaxConnections = cfg.Limits.MaxConnections
	}

	limits := ratelimit.DefaultLimits()
	if cfg.Limits.ConnectionsPerIP > 0 {
		limits[ratelimit.Connections] = ratelimit.Limit{Max: cfg.Limits.ConnectionsPerIP, Window: time.Minute}
	}
	if cfg.Limits.MessagesPerHour > 0 {
		limits[ratelimit.MessagesPerUser] = ratelimit.Limit{Max: cfg.Limits.MessagesPerHour, Window: time.Hour}
	}
	sc.Limiter = ratelimit.NewLimiter(limits)

	if cfg.TLS.Cert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			return fmt.Errorf("loading TLS keypair: %w", err)
		}
		sc.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	rc := dns.ResolverConfig{Nameservers: cfg.DNS.Nameservers}
	if cfg.DNS.TimeoutSec > 0 {
		rc.Timeout = time.Duration(cfg.DNS.TimeoutSec) * time.Second
	}
	if dnsLimit, ok := sc.Limiter.Limit(ratelimit.DNSQueries); ok {
		rc.Gate = ratelimit.NewTokenBucket(dnsLimit.Max, dnsLimit.Window)
	}
	sc.Resolver = dns.NewResolver(rc)

	if cfg.Greylist.Path != "" {
		gc := greylist.Config{Path: cfg.Greylist.Path, Logger: logger}
		if cfg.Greylist.DelayMinutes > 0 {
			gc.Delay = time.Duration(cfg.Greylist.DelayMinutes) * time.Minute
		}
		if cfg.Greylist.RetentionDays > 0 {
			gc.Retention = time.Duration(cfg.Greylist.RetentionDays) * 24 * time.Hour
		}
		store, err := greylist.NewStore(gc)
		if err != nil {
			return fmt.Errorf("opening greylist store: %w", err)
		}
		defer store.Close()
		sc.Greylist = store
	}

	if len(cfg.Accounts) > 0 {
		sc.Credentials = gatekeeper.NewMemoryCredentials(cfg.Accounts)
	}

	server, err := gatekeeper.NewServer(sc)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe() }()
	logger.Info("listening", "addr", sc.Addr, "hostname", sc.Hostname)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case sig := <-sigc:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", "err", err)
	}
	err = <-errc
	if err == gatekeeper.ErrServerClosed {
		return nil
	}
	return err
}
