package qsmtpd

import (
	"crypto/tls"
	"net"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/qsmtpd/internal/maillog"
)

// SocketMode distinguishes the two ways a listening socket can behave:
// plain SMTP, or TLS-wrapped from the accept.
type SocketMode struct {
	// TLS means the listener wraps every accepted connection in a TLS
	// handshake before Conn.Handle ever sees it (the "submissions"
	// convention), as opposed to a plaintext listener where STARTTLS
	// is the only way in.
	TLS bool
}

func (m SocketMode) String() string {
	if m.TLS {
		return "TLS"
	}
	return "plain"
}

// Socket modes a Server can listen with.
var (
	ModeSMTP    = SocketMode{TLS: false}
	ModeSMTPTLS = SocketMode{TLS: true}
)

// Server accepts connections on a set of addresses and/or pre-opened
// listeners (the latter for systemd socket activation) and runs each
// one through a Conn built from cfg.
type Server struct {
	cfg *Config

	addrs     map[SocketMode][]string
	listeners map[SocketMode][]net.Listener
}

// NewServer returns a Server that will dispatch accepted connections
// using cfg.
func NewServer(cfg *Config) *Server {
	return &Server{
		cfg:       cfg,
		addrs:     map[SocketMode][]string{},
		listeners: map[SocketMode][]net.Listener{},
	}
}

// AddAddr registers an address for the server to listen on once
// ListenAndServe is called.
func (s *Server) AddAddr(addr string, mode SocketMode) {
	s.addrs[mode] = append(s.addrs[mode], addr)
}

// AddListeners registers already-open listeners (e.g. handed down by
// systemd socket activation) for the server to accept on.
func (s *Server) AddListeners(ls []net.Listener, mode SocketMode) {
	s.listeners[mode] = append(s.listeners[mode], ls...)
}

// ListenAndServe runs every registered address and listener. It does
// not return; a fatal listener error aborts the process, matching the
// teacher's all-or-nothing availability model (a half-up mail server
// is a worse failure mode than a crash-and-restart).
func (s *Server) ListenAndServe() {
	if s.cfg.TLSConfig != nil && len(s.cfg.TLSConfig.Certificates) == 0 {
		log.Fatalf("TLS configured but no certificates loaded")
	}

	for mode, addrs := range s.addrs {
		for _, addr := range addrs {
			l, err := net.Listen("tcp", addr)
			if err != nil {
				log.Fatalf("error listening on %s: %v", addr, err)
			}
			log.Infof("listening on %s (%v)", addr, mode)
			maillog.Listening(addr)
			go s.serve(l, mode)
		}
	}

	for mode, ls := range s.listeners {
		for _, l := range ls {
			log.Infof("listening on %s (%v, via systemd)", l.Addr(), mode)
			maillog.Listening(l.Addr().String())
			go s.serve(l, mode)
		}
	}

	for {
		time.Sleep(24 * time.Hour)
	}
}

// serve accepts connections from l forever, dispatching each to its
// own goroutine running Conn.Handle. mode.TLS wraps the listener with
// TLS, and handleTLS forces each connection's handshake before the
// command loop starts; STARTTLS upgrades happen per-connection
// afterward regardless of mode.
func (s *Server) serve(l net.Listener, mode SocketMode) {
	if mode.TLS {
		l = tls.NewListener(l, s.cfg.TLSConfig)
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			log.Fatalf("error accepting on %s: %v", l.Addr(), err)
		}

		c := NewConn(conn, s.cfg)
		if mode.TLS {
			c.onTLS = true
			if tc, ok := conn.(*tls.Conn); ok {
				go s.handleTLS(c, tc)
				continue
			}
		}
		go c.Handle()
	}
}

// handleTLS forces the handshake (crypto/tls defers it to the first
// read or write otherwise) so the Received: header and AUTH
// availability reflect the negotiated parameters from the first
// command on, then hands off to the ordinary Handle loop.
func (s *Server) handleTLS(c *Conn, tc *tls.Conn) {
	if err := tc.Handshake(); err != nil {
		tc.Close()
		return
	}
	state := tc.ConnectionState()
	c.tlsState = &tlsConnState{
		CipherSuite: state.CipherSuite,
		Version:     state.Version,
	}
	if state.ServerName != "" {
		c.sniHostname = state.ServerName
	}
	c.Handle()
}
