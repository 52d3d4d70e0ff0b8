package qsmtpd

import (
	"fmt"
	"net"
	"strings"
	"time"

	"blitiri.com.ar/go/qsmtpd/internal/envelope"
	"blitiri.com.ar/go/qsmtpd/internal/haproxy"
	"blitiri.com.ar/go/qsmtpd/internal/lineio"
	"blitiri.com.ar/go/qsmtpd/internal/maillog"
	"blitiri.com.ar/go/qsmtpd/internal/spf"
	"blitiri.com.ar/go/qsmtpd/internal/trace"
)

// Conn represents one inbound SMTP connection, from banner to QUIT.
type Conn struct {
	cfg *Config

	conn       net.Conn
	lc         *lineio.Conn
	tr         *trace.Trace
	remoteAddr net.Addr

	// reverseName is the PTR name for remoteAddr, resolved once at
	// Handle() time; "" if there is none.
	reverseName string

	state     State
	heloState State // StatePostHELO or StatePostEHLO once greeted

	heloDomain string
	isESMTP    bool
	onTLS      bool
	tlsState   *tlsConnState
	// sniHostname overrides cfg.Hostname once a STARTTLS handshake
	// completes with a client-requested SNI name.
	sniHostname string

	mailFrom string
	isBounce bool
	rcptTo   []string
	data     []byte

	spfResult spf.Result
	spfExpl   string

	completedAuth bool
	authUser      string
	authDomain    string

	errCount int

	// deadline is when the whole session must end, independent of the
	// per-command timeout.
	deadline time.Time
}

// tlsConnState avoids importing crypto/tls in this file's public
// surface beyond what's needed; see starttls.go for the real type.
type tlsConnState = struct {
	CipherSuite uint16
	Version     uint16
}

// NewConn wraps conn for handling under cfg.
func NewConn(conn net.Conn, cfg *Config) *Conn {
	return &Conn{conn: conn, cfg: cfg, state: StateInitial}
}

// Close the underlying connection.
func (c *Conn) Close() {
	c.conn.Close()
}

// hostname is this server's identity as presented to the client: the
// configured Hostname, unless a STARTTLS handshake adopted a
// client-requested SNI name.
func (c *Conn) hostname() string {
	if c.sniHostname != "" {
		return c.sniHostname
	}
	return c.cfg.Hostname
}

// Handle runs the connection to completion: banner, command loop,
// QUIT or fatal error.
func (c *Conn) Handle() {
	defer c.Close()

	c.tr = trace.New("SMTP.Conn", c.conn.RemoteAddr().String())
	defer c.tr.Finish()

	c.deadline = time.Now().Add(c.cfg.SessionTimeout)
	c.remoteAddr = c.conn.RemoteAddr()

	c.lc = lineio.New(c.conn, c.cfg.commandTimeout())

	if c.cfg.HAProxyEnabled {
		src, dst, err := haproxy.Handshake(c.lc.Reader())
		if err != nil {
			c.tr.Errorf("haproxy handshake: %v", err)
			return
		}
		c.remoteAddr = src
		c.tr.Debugf("haproxy handshake: %v -> %v", src, dst)
	}

	if tcp, ok := c.remoteAddr.(*net.TCPAddr); ok {
		names, status, err := c.cfg.resolver().LookupPTR(tcp.IP)
		if status == 0 /* dnsres.OK */ && err == nil && len(names) > 0 {
			c.reverseName = strings.TrimSuffix(names[0], ".")
		}
	}

	if err := c.lc.WriteLine(220, fmt.Sprintf("%s ESMTP", c.hostname())); err != nil {
		return
	}

	for {
		if !time.Now().Before(c.deadline) {
			c.tr.Errorf("session deadline exceeded")
			return
		}

		line, err := c.lc.ReadLine()
		if err != nil {
			c.handleReadError(err)
			return
		}

		verb, params := lineio.SplitCommand(line)
		if verb == "" {
			if c.reject(500, "5.5.2 Unknown command") {
				return
			}
			continue
		}

		if c.tr != nil {
			if verb == "AUTH" {
				c.tr.Debugf("-> AUTH <redacted>")
			} else {
				c.tr.Debugf("-> %s %s", verb, params)
			}
		}

		if verb == "HELO" || verb == "EHLO" {
			if c.dispatchHELO(verb, params) {
				return
			}
			continue
		}

		d, ok := lookupCommand(verb)
		if !ok {
			if c.reject(500, "5.5.1 Unknown command") {
				return
			}
			continue
		}
		if c.state&d.allowed == 0 {
			if c.reject(503, "5.5.1 Bad sequence of commands") {
				return
			}
			continue
		}

		code, msg := d.handler(c, params)
		if verb == "QUIT" {
			c.lc.WriteLine(code, msg)
			return
		}
		if code == 0 {
			// STARTTLS already wrote its own reply (and possibly
			// upgraded the connection); nothing more to send.
			continue
		}

		if code >= 400 {
			if c.reject(code, msg) {
				return
			}
			continue
		}

		c.reply(code, msg)
		c.errCount = 0

		if d.next != 0 {
			c.state = d.next
		}
	}
}

func (c *Conn) handleReadError(err error) {
	if err == lineio.ErrLineTooLong {
		c.reject(500, "5.5.2 line too long")
		return
	}
	c.tr.Debugf("read error: %v", err)
}

// reply sends a normal (non-error) reply.
func (c *Conn) reply(code int, msg string) {
	c.tr.Debugf("<- %d %s", code, msg)
	c.lc.WriteLine(code, msg)
}

// reject sends an error reply after the uniform tarpit delay, and
// applies the bad-command counter / five-strikes close: the command
// that pushes the counter past the limit gets the closing multiline
// 550 instead of its own reply. It returns true if the connection
// should now close.
func (c *Conn) reject(code int, msg string) bool {
	if c.cfg.TarpitDelay > 0 {
		time.Sleep(c.cfg.TarpitDelay)
	}
	c.errCount++
	if c.errCount > c.cfg.maxBadCommands() {
		c.tr.Errorf("too many errors, closing connection")
		c.lc.WriteMultiline(550, []string{
			"Too many unrecognized commands or errors",
			"5.5.1 closing connection",
		})
		return true
	}
	c.tr.Errorf("-> rejected: %d %s", code, msg)
	c.lc.WriteLine(code, msg)
	return false
}

// oomBackoff implements the special out-of-memory response shape: two
// 421- lines with a pause between them, then a final 421. It does not
// count against the bad-command limit. In a garbage-collected runtime
// genuine allocation failure is not something Go code can usually
// recover from, so nothing in this package calls this on the normal
// path; it exists so the shape is implemented and directly testable.
func (c *Conn) oomBackoff(pause time.Duration) {
	fmt.Fprintf(c.lc.Writer(), "421-out of memory, please try again later\r\n")
	c.lc.Flush()
	time.Sleep(pause)
	fmt.Fprintf(c.lc.Writer(), "421-out of memory, please try again later\r\n")
	c.lc.Flush()
	time.Sleep(pause)
	c.lc.WriteLine(421, "4.3.0 out of memory, please try again later")
}

func (c *Conn) resetEnvelope() {
	c.mailFrom = ""
	c.isBounce = false
	c.rcptTo = nil
	c.data = nil
	c.spfResult = ""
	c.spfExpl = ""
}

// dispatchHELO handles HELO/EHLO directly, since unlike every other
// verb their next state depends on which of the two was sent. It
// returns true if the connection should now close.
func (c *Conn) dispatchHELO(verb, params string) bool {
	if c.state&heloStates == 0 {
		return c.reject(503, "5.5.1 Bad sequence of commands")
	}
	if strings.TrimSpace(params) == "" {
		return c.reject(501, "5.5.4 Syntax: HELO/EHLO requires a domain argument")
	}
	c.resetEnvelope()
	c.heloDomain = strings.Fields(params)[0]
	c.completedAuth = false

	if verb == "EHLO" {
		c.isESMTP = true
		c.heloState = StatePostEHLO
		c.state = StatePostEHLO
		c.tr.Debugf("<- 250 (EHLO extensions)")
		c.lc.WriteMultiline(250, c.ehloExtensions())
		c.errCount = 0
		return false
	}

	c.isESMTP = false
	c.heloState = StatePostHELO
	c.state = StatePostHELO
	c.reply(250, c.hostname())
	return false
}

// ehloExtensions is the segment list for the EHLO multiline reply, one
// extension per continuation line.
func (c *Conn) ehloExtensions() []string {
	segments := []string{
		c.hostname(),
		"PIPELINING",
		"8BITMIME",
		"ENHANCEDSTATUSCODES",
		fmt.Sprintf("SIZE %d", c.cfg.MaxDataSize),
	}
	if c.onTLS {
		segments = append(segments, "AUTH PLAIN LOGIN")
	} else {
		segments = append(segments, "STARTTLS")
	}
	segments = append(segments, "HELP")
	return segments
}

func (c *Conn) handleNOOP(params string) (int, string) { return 250, "2.0.0 ok" }

func (c *Conn) handleRSET(params string) (int, string) {
	c.resetEnvelope()
	if c.heloState != 0 {
		c.state = c.heloState
	} else {
		c.state = StateInitial
	}
	return 250, "2.0.0 ok"
}

func (c *Conn) handleQUIT(params string) (int, string) {
	return 221, "2.0.0 closing connection"
}

func (c *Conn) handleVRFY(params string) (int, string) {
	return 252, "2.5.0 cannot VRFY user, but will accept message and attempt delivery"
}

func (c *Conn) handleEXPN(params string) (int, string) {
	return 502, "5.5.1 EXPN not implemented"
}

func (c *Conn) handleHELP(params string) (int, string) {
	return 214, "2.0.0 https://tools.ietf.org/html/rfc5321"
}

func (c *Conn) localUserAddr(addr string) (string, string) {
	return envelope.Split(addr)
}

func (c *Conn) logRejected(from string, to []string, reason string) {
	maillog.Rejected(c.remoteAddr, from, to, reason)
}
