// Package config loads the qmail-style control/ directory: one small
// file per setting, in the tradition of control/me, control/rcpthosts
// and friends, instead of a single structured config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/qsmtpd/internal/set"
)

// Config is everything read out of a control/ directory.
type Config struct {
	// Me is this host's own name (control/me, or the OS hostname when
	// absent), used as the default for HELOHost when control/helohost
	// is absent.
	Me string
	// HELOHost overrides Me for the EHLO/HELO banner (control/helohost).
	HELOHost string

	// RcptHosts is the primary set of domains accepted without
	// authentication (control/rcpthosts); MoreRcptHostsCDB is an
	// additional CDB-backed set for large installations
	// (control/morercpthosts.cdb).
	RcptHosts        *set.String
	MoreRcptHostsCDB string

	// TimeoutSMTPD bounds each inbound command round-trip
	// (control/timeoutsmtpd); TimeoutRemote bounds the outbound
	// client's (control/timeoutremote).
	TimeoutSMTPD  time.Duration
	TimeoutRemote time.Duration

	// DataBytes is the inbound message size limit, 0 meaning
	// unlimited (control/databytes).
	DataBytes int64
	// ChunkSizeRemote bounds one outbound BDAT chunk
	// (control/chunksizeremote).
	ChunkSizeRemote int64

	// OutgoingIP pins the local address used for outbound connections,
	// or "" to let the kernel choose (control/outgoingip).
	OutgoingIP string

	// ForceSSLAuth refuses AUTH on a connection that is not already
	// TLS-protected (control/forcesslauth present).
	ForceSSLAuth bool

	// FilterConf is the default per-domain/per-user policy file
	// content, used when a domain has none of its own
	// (control/filterconf).
	FilterConf string

	// VpopBounce is the vpopmail catch-all .qmail-default contents
	// that distinguishes "accept everything" from "reject unknown
	// users" (control/vpopbounce).
	VpopBounce string

	// ServerCertPath/TLSServerCiphers configure the inbound TLS
	// identity and cipher policy (control/servercert.pem,
	// control/tlsserverciphers).
	ServerCertPath   string
	TLSServerCiphers string
	// ClientCAPath/ClientCRLPath validate client certificates
	// presented during AUTH (control/clientca.pem,
	// control/clientcrl.pem).
	ClientCAPath  string
	ClientCRLPath string
	// TLSClients lists client certificate fingerprints or CNs allowed
	// to relay without a password (control/tlsclients).
	TLSClients []string

	// RelayClients/RelayClients6 are IPv4/IPv6 CIDR prefixes allowed
	// to relay without authentication (control/relayclients,
	// control/relayclients6).
	RelayClients  []string
	RelayClients6 []string

	// SMTPRoutes overrides MX lookup for specific destination domains
	// (control/smtproutes), "domain:host[:port]" per line.
	SMTPRoutes map[string]string
}

// Load reads every recognized file under dir, applying the qmail
// defaults for anything absent.
func Load(dir string) (*Config, error) {
	c := &Config{
		RcptHosts:       &set.String{},
		TimeoutSMTPD:    20 * time.Minute,
		TimeoutRemote:   20 * time.Minute,
		ChunkSizeRemote: 64 * 1024,
		SMTPRoutes:      map[string]string{},
	}

	var err error
	c.Me, err = readTrimmed(dir, "me", "")
	if err != nil {
		return nil, err
	}
	if c.Me == "" {
		c.Me, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("control/me missing and hostname unavailable: %v", err)
		}
	}

	c.HELOHost, err = readTrimmed(dir, "helohost", c.Me)
	if err != nil {
		return nil, err
	}

	hosts, err := readLines(dir, "rcpthosts")
	if err != nil {
		return nil, err
	}
	c.RcptHosts.Add(hosts...)

	c.MoreRcptHostsCDB = filepath.Join(dir, "morercpthosts.cdb")
	if _, err := os.Stat(c.MoreRcptHostsCDB); err != nil {
		c.MoreRcptHostsCDB = ""
	}

	if err := readDuration(dir, "timeoutsmtpd", &c.TimeoutSMTPD); err != nil {
		return nil, err
	}
	if err := readDuration(dir, "timeoutremote", &c.TimeoutRemote); err != nil {
		return nil, err
	}
	if err := readInt64(dir, "databytes", &c.DataBytes); err != nil {
		return nil, err
	}
	if err := readInt64(dir, "chunksizeremote", &c.ChunkSizeRemote); err != nil {
		return nil, err
	}

	c.OutgoingIP, err = readTrimmed(dir, "outgoingip", "")
	if err != nil {
		return nil, err
	}

	c.ForceSSLAuth, err = exists(dir, "forcesslauth")
	if err != nil {
		return nil, err
	}

	c.FilterConf, err = readWhole(dir, "filterconf", "")
	if err != nil {
		return nil, err
	}
	c.VpopBounce, err = readWhole(dir, "vpopbounce", "")
	if err != nil {
		return nil, err
	}

	c.ServerCertPath = filepath.Join(dir, "servercert.pem")
	if _, err := os.Stat(c.ServerCertPath); err != nil {
		c.ServerCertPath = ""
	}
	c.TLSServerCiphers, err = readTrimmed(dir, "tlsserverciphers", "")
	if err != nil {
		return nil, err
	}
	c.ClientCAPath = filepath.Join(dir, "clientca.pem")
	if _, err := os.Stat(c.ClientCAPath); err != nil {
		c.ClientCAPath = ""
	}
	c.ClientCRLPath = filepath.Join(dir, "clientcrl.pem")
	if _, err := os.Stat(c.ClientCRLPath); err != nil {
		c.ClientCRLPath = ""
	}

	c.TLSClients, err = readLines(dir, "tlsclients")
	if err != nil {
		return nil, err
	}
	c.RelayClients, err = readLines(dir, "relayclients")
	if err != nil {
		return nil, err
	}
	c.RelayClients6, err = readLines(dir, "relayclients6")
	if err != nil {
		return nil, err
	}

	routeLines, err := readLines(dir, "smtproutes")
	if err != nil {
		return nil, err
	}
	for _, l := range routeLines {
		domain, route, ok := strings.Cut(l, ":")
		if !ok {
			return nil, fmt.Errorf("malformed smtproutes line %q", l)
		}
		c.SMTPRoutes[domain] = route
	}

	return c, nil
}

func readWhole(dir, name, def string) (string, error) {
	buf, err := os.ReadFile(filepath.Join(dir, name))
	if os.IsNotExist(err) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading control/%s: %v", name, err)
	}
	return string(buf), nil
}

func readTrimmed(dir, name, def string) (string, error) {
	s, err := readWhole(dir, name, def)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

// readLines returns one entry per non-empty, non-comment line of
// control/name, or nil if the file does not exist.
func readLines(dir, name string) ([]string, error) {
	s, err := readWhole(dir, name, "")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

func readDuration(dir, name string, dst *time.Duration) error {
	s, err := readTrimmed(dir, name, "")
	if err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	secs, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("control/%s: %v", name, err)
	}
	*dst = time.Duration(secs) * time.Second
	return nil
}

func readInt64(dir, name string, dst *int64) error {
	s, err := readTrimmed(dir, name, "")
	if err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("control/%s: %v", name, err)
	}
	*dst = n
	return nil
}

func exists(dir, name string) (bool, error) {
	_, err := os.Stat(filepath.Join(dir, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// LogConfig logs the given configuration, in a human-friendly way.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  me: %q", c.Me)
	log.Infof("  helohost: %q", c.HELOHost)
	log.Infof("  databytes: %d", c.DataBytes)
	log.Infof("  chunksizeremote: %d", c.ChunkSizeRemote)
	log.Infof("  timeoutsmtpd: %s", c.TimeoutSMTPD)
	log.Infof("  timeoutremote: %s", c.TimeoutRemote)
	log.Infof("  outgoingip: %q", c.OutgoingIP)
	log.Infof("  forcesslauth: %v", c.ForceSSLAuth)
	log.Infof("  smtproutes: %d entries", len(c.SMTPRoutes))
}
