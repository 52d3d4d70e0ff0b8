package qsmtpd

import "crypto/tls"

// handleSTARTTLS upgrades the connection in place. It writes its own
// 220 reply before the handshake (the client expects it in the clear)
// and returns (0, "") so Conn.Handle sends nothing further.
func (c *Conn) handleSTARTTLS(params string) (int, string) {
	if c.onTLS {
		return 503, "5.5.1 You are already wearing that!"
	}
	if c.cfg.TLSConfig == nil {
		return 454, "4.7.0 TLS not available"
	}

	if err := c.lc.WriteLine(220, "2.0.0 go ahead"); err != nil {
		return 0, ""
	}

	server := tls.Server(c.conn, c.cfg.TLSConfig)
	if err := server.Handshake(); err != nil {
		c.tr.Errorf("TLS handshake: %v", err)
		return 0, ""
	}

	c.conn = server
	c.lc.SetRaw(server)

	state := server.ConnectionState()
	c.tlsState = &tlsConnState{
		CipherSuite: state.CipherSuite,
		Version:     state.Version,
	}

	// If the client requested a specific server name via SNI and we
	// completed the handshake, that's our identity from now on.
	if state.ServerName != "" {
		c.sniHostname = state.ServerName
	}

	c.resetEnvelope()
	c.onTLS = true
	c.completedAuth = false

	// A handshake invalidates any greeting the client gave before TLS;
	// RFC 3207 requires starting the transaction over from HELO/EHLO.
	c.heloDomain = ""
	c.isESMTP = false
	c.heloState = 0
	c.state = StateInitial

	return 0, ""
}
