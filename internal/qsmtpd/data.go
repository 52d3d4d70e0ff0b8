package qsmtpd

import (
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"blitiri.com.ar/go/qsmtpd/internal/envelope"
	"blitiri.com.ar/go/qsmtpd/internal/maillog"
	"blitiri.com.ar/go/qsmtpd/internal/qqueue"
	"blitiri.com.ar/go/qsmtpd/internal/tlsconst"
)

// handleDATA reads the message body, sanity- and loop-checks it,
// stamps a Received: (and Received-SPF:) header, and hands it off to
// the external queue-injection program.
func (c *Conn) handleDATA(params string) (int, string) {
	if c.heloDomain == "" || c.mailFrom == "" && !c.isBounce {
		return 503, "5.5.1 Bad sequence of commands"
	}
	if len(c.rcptTo) == 0 {
		return 503, "5.5.1 need RCPT TO first"
	}

	// Blind pipelining defense: a client that starts writing the body
	// before seeing our 354 is violating the protocol's turn-taking,
	// and letting it through risks mixing body bytes with a command
	// we haven't replied to yet.
	if c.lc.HasPending() {
		return 550, "5.5.0 you must wait for my reply before sending data"
	}

	if err := c.lc.WriteLine(354, "go ahead"); err != nil {
		return 0, ""
	}

	data, err := qqueue.ReadBody(c.lc.Reader(), c.cfg.MaxDataSize)
	if err != nil {
		if err == qqueue.ErrMessageTooLarge {
			return 552, "5.3.4 message too big"
		}
		return 451, "4.3.0 error reading message data"
	}

	data = c.addReceivedHeader(data)

	if err := qqueue.CheckSanity(data, c.cfg.StrictHeaderCheck); err != nil {
		maillog.Rejected(c.remoteAddr, c.mailFrom, c.rcptTo, err.Error())
		return 554, err.Error()
	}
	if err := qqueue.CheckLoop(data, c.rcptTo, c.cfg.MaxReceivedHeaders); err != nil {
		maillog.Rejected(c.remoteAddr, c.mailFrom, c.rcptTo, err.Error())
		return 554, err.Error()
	}

	from := c.mailFrom
	reply, err := c.cfg.Queue.Put(from, c.rcptTo, data)
	if err != nil {
		c.tr.Errorf("queue handoff: %v", err)
		return 451, "4.3.0 error queueing message"
	}

	maillog.Handoff(c.remoteAddr, from, c.rcptTo, 0, reply.Msg)

	if reply.Code >= 200 && reply.Code < 300 {
		c.resetEnvelope()
		return 250, fmt.Sprintf("%s %s", reply.Msg, flavorText())
	}
	return reply.Code, reply.Msg
}

// addReceivedHeader prepends the Received: (and, when SPF ran,
// Received-SPF:) header to data.
func (c *Conn) addReceivedHeader(data []byte) []byte {
	proto := "SMTP"
	if c.isESMTP {
		proto = "ESMTP"
	}
	if c.onTLS {
		proto += "S"
	}

	ri := qqueue.ReceivedInfo{
		RemoteName:  c.reverseName,
		RemoteAddr:  addrLiteral(c.remoteAddr),
		HELO:        c.heloDomain,
		AuthID:      c.authUser,
		ServerName:  c.hostname(),
		ServerProto: proto,
		FirstRcpt:   firstOrEmpty(c.rcptTo),
		Now:         time.Now(),
	}
	if c.onTLS && c.tlsState != nil {
		ri.ServerProto = fmt.Sprintf("%s (%s %s)", ri.ServerProto,
			tlsconst.VersionName(c.tlsState.Version),
			tlsconst.CipherSuiteName(c.tlsState.CipherSuite))
	}

	data = envelope.AddHeader(data, "Received", qqueue.BuildReceived(ri))
	if c.spfResult != "" {
		data = envelope.AddHeader(data, "Received-SPF",
			qqueue.BuildReceivedSPF(string(c.spfResult), c.spfExpl))
	}
	return data
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

// addrLiteral renders addr per RFC 5321 section 4.1.3: IPv6 addresses
// take the "IPv6:" prefix, IPv4 addresses are used literally.
func addrLiteral(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}

	s := tcp.IP.String()
	if strings.Contains(s, ":") {
		return "IPv6:" + s
	}
	return s
}

var flavors = []string{
	"queued",
	"well, that escalated quickly",
	"you and I, in this moment, locked in electronic embrace",
}

func flavorText() string {
	return flavors[rand.Intn(len(flavors))]
}
