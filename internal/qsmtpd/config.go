package qsmtpd

import (
	"crypto/tls"
	"net"
	"time"

	"blitiri.com.ar/go/qsmtpd/internal/dnsres"
	"blitiri.com.ar/go/qsmtpd/internal/qqueue"
	"blitiri.com.ar/go/qsmtpd/internal/set"
)

// resolver is the subset of dnsres.Resolver the state machine itself
// needs directly (reverse-DNS of the connecting peer); the fuller
// taxonomies needed by internal/policy and internal/spf are satisfied
// by the same concrete type.
type resolver interface {
	LookupPTR(ip net.IP) ([]string, dnsres.Status, error)
	LookupA(name string) ([]net.IP, dnsres.Status, error)
	LookupAAAA(name string) ([]net.IP, dnsres.Status, error)
	LookupMX(domain string) ([]dnsres.MXRecord, dnsres.Status, error)
	LookupTXT(name string) ([]string, dnsres.Status, error)
}

// Config carries everything a Server (and the Conns it creates) needs,
// sourced from the control/ directory tree (internal/config) and the
// command line.
type Config struct {
	// Hostname is this server's own identity, used in the banner and
	// Received: header ("by <Hostname> with ...").
	Hostname string
	// MaxDataSize is the databytes limit on message size.
	MaxDataSize int64
	// LocalDomains is the set of domains this server accepts mail for
	// without authentication (rcpthosts + morercpthosts).
	LocalDomains *set.String

	// CommandTimeout bounds each individual command round-trip.
	CommandTimeout time.Duration
	// SessionTimeout bounds the whole connection, independent of how
	// many commands are exchanged.
	SessionTimeout time.Duration
	// TarpitDelay is slept before every rejection reply, uniformly,
	// per the error handling design's anti-abuse measure.
	TarpitDelay time.Duration
	// MaxBadCommands is how many consecutive erroring commands are
	// tolerated before the connection is dropped.
	MaxBadCommands int
	// MaxReceivedHeaders bounds the Received: hop count used for loop
	// detection.
	MaxReceivedHeaders int

	// TLSConfig is used both for STARTTLS and for TLS-wrapped listeners.
	TLSConfig *tls.Config

	// DomainsRoot is the vpopmail-style root directory; a domain's
	// config/mailbox directory is DomainsRoot/<domain>, and a user's is
	// DomainsRoot/<domain>/<localpart>.
	DomainsRoot string
	// GlobalConfDir is the final fallback scope for userconf lookups,
	// or "" to disable it.
	GlobalConfDir string

	// VpopCDBPath is the vpopmail "users/cdb" path.
	VpopCDBPath string
	// BounceCommand is the vpopmail default bounce .qmail-default
	// contents, distinguishing a true catch-all from "reject unknown
	// users".
	BounceCommand string

	// PostDataHook, if it exists on disk, is run after DATA completes
	// and before queueing, and may prepend extra headers or reject the
	// message.
	PostDataHook string

	// Queue hands an accepted message off to the external queue-child
	// binary.
	Queue *qqueue.Queue

	// HAProxyEnabled accepts a PROXY protocol v1 preamble before the
	// SMTP banner.
	HAProxyEnabled bool

	// AuthRealm and Checkpassword are the AUTH backend: argv[1] and
	// argv[2].. of the checkpassword-style helper invoked to verify a
	// username/password pair.
	AuthRealm         string
	CheckpasswordPath string
	CheckpasswordArgs []string

	// Resolver overrides DNS resolution; nil means dnsres.Default.
	Resolver resolver

	// StrictHeaderCheck enforces no 8-bit bytes in the headers. The body
	// is not checked for 8-bit bytes.
	StrictHeaderCheck bool

	// testing__disableSPF skips the SPF check, to keep package tests
	// from performing real DNS lookups; set only from tests.
	testingDisableSPF bool
}

func (cfg *Config) resolver() resolver {
	if cfg.Resolver != nil {
		return cfg.Resolver
	}
	return dnsres.Default
}

func (cfg *Config) commandTimeout() time.Duration {
	if cfg.CommandTimeout > 0 {
		return cfg.CommandTimeout
	}
	return time.Minute
}

func (cfg *Config) maxBadCommands() int {
	if cfg.MaxBadCommands > 0 {
		return cfg.MaxBadCommands
	}
	return 5
}
