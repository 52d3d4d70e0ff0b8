package qsmtpd

import (
	"fmt"
	"net"
	"net/mail"
	"strings"

	"blitiri.com.ar/go/qsmtpd/internal/address"
	"blitiri.com.ar/go/qsmtpd/internal/envelope"
	"blitiri.com.ar/go/qsmtpd/internal/maillog"
	"blitiri.com.ar/go/qsmtpd/internal/normalize"
	"blitiri.com.ar/go/qsmtpd/internal/policy"
	"blitiri.com.ar/go/qsmtpd/internal/spf"
	"blitiri.com.ar/go/qsmtpd/internal/userconf"
	"blitiri.com.ar/go/qsmtpd/internal/userexists"
)

// handleMAIL parses and accepts a MAIL FROM, running the sender
// through SPF: a Fail rejects an unauthenticated sender, and the
// result is kept for the Received-SPF: header.
func (c *Conn) handleMAIL(params string) (int, string) {
	if !strings.HasPrefix(strings.ToLower(params), "from:") {
		return 500, "5.5.2 Unknown command"
	}

	mbox, _, err := address.ParseMailFrom(strings.TrimSpace(params[len("from:"):]))
	if err != nil {
		return 501, "5.1.7 Malformed sender address"
	}

	c.resetEnvelope()

	if mbox.Kind == address.Bounce {
		c.isBounce = true
		c.mailFrom = ""
		return 250, "2.1.0 You feel like you are being watched"
	}

	addr := mbox.String()
	if len(addr) > 256 {
		return 501, "5.1.7 Sender address too long"
	}

	addr, err = normalize.DomainToUnicode(addr)
	if err != nil {
		maillog.Rejected(c.remoteAddr, addr, nil,
			fmt.Sprintf("malformed sender domain: %v", err))
		return 501, "5.1.8 Malformed sender domain (IDNA conversion failed)"
	}

	c.spfResult, c.spfExpl = c.checkSPF(addr)
	if c.spfResult == spf.Fail && !c.completedAuth {
		maillog.Rejected(c.remoteAddr, addr, nil,
			fmt.Sprintf("failed SPF: %s", c.spfExpl))
		return 550, "5.7.23 SPF check failed"
	}

	c.mailFrom = addr
	return 250, "2.1.0 You feel like you are being watched"
}

// checkSPF evaluates SPF for addr's domain against the connecting IP,
// skipping authenticated connections and non-TCP test doubles.
func (c *Conn) checkSPF(addr string) (spf.Result, string) {
	if c.completedAuth || c.cfg.testingDisableSPF {
		return "", ""
	}

	tcp, ok := c.remoteAddr.(*net.TCPAddr)
	if !ok {
		return "", ""
	}

	res, expl, err := spf.CheckHost(&spf.Context{
		Sender:          addr,
		IP:              tcp.IP,
		HELO:            c.heloDomain,
		ReceivingDomain: c.hostname(),
		Resolver:        c.cfg.resolver(),
	}, envelope.DomainOf(addr))
	if err != nil {
		c.tr.Debugf("SPF error: %v", err)
	}
	return res, expl
}

// handleRCPT parses and accepts a RCPT TO, checking locality and
// mailbox existence for local domains and running the policy chain
// for everything else (relay is only allowed once authenticated).
func (c *Conn) handleRCPT(params string) (int, string) {
	if !strings.HasPrefix(strings.ToLower(params), "to:") {
		return 500, "5.5.2 Unknown command"
	}

	if len(c.rcptTo) > 100 {
		return 452, "4.5.3 Too many recipients"
	}

	raw := strings.TrimSpace(params[len("to:"):])
	e, err := mail.ParseAddress(raw)
	if err != nil || e.Address == "" {
		return 501, "5.1.3 Malformed destination address"
	}

	addr, err := normalize.DomainToUnicode(e.Address)
	if err != nil {
		return 501, "5.1.2 Malformed destination domain (IDNA conversion failed)"
	}
	if len(addr) > 256 {
		return 501, "5.1.3 Destination address too long"
	}

	local := envelope.DomainIn(addr, c.cfg.LocalDomains)
	if !local && !c.completedAuth {
		maillog.Rejected(c.remoteAddr, c.mailFrom, []string{addr}, "relay not allowed")
		return 550, "5.7.1 Relay not allowed"
	}

	// Authenticated relay is implicitly trusted: skip the anti-abuse
	// policy chain, which exists to protect local mailboxes from
	// unsolicited mail, not to police a user's own outbound traffic.
	if local && !c.completedAuth {
		conf := userconf.New(c.cfg.DomainsRoot+"/"+envelope.DomainOf(addr), "", c.cfg.GlobalConfDir)
		pc := &policy.Context{
			RemoteIP:     remoteIP(c.remoteAddr),
			ReverseName:  c.reverseName,
			HELO:         c.heloDomain,
			SenderDomain: envelope.DomainOf(c.mailFrom),
			IsBounce:     c.isBounce,
			Conf:         conf,
			Resolver:     c.cfg.resolver(),
			SPF: &spf.Context{
				Sender:          c.mailFrom,
				IP:              remoteIP(c.remoteAddr),
				HELO:            c.heloDomain,
				ReceivingDomain: c.hostname(),
				Resolver:        c.cfg.resolver(),
			},
		}
		result := policy.Run(pc, policy.DefaultChain)
		if result.Verdict == policy.DeniedWithMessage || result.Verdict == policy.DeniedTemporary {
			maillog.Rejected(c.remoteAddr, c.mailFrom, []string{addr}, result.Message)
			return policyStatusCode(result.Verdict), result.Message
		}
		if result.Verdict == policy.Errored {
			return 451, "4.3.0 Temporary error evaluating policy"
		}
	}

	if local {
		addr, err = normalize.Addr(addr)
		if err != nil {
			maillog.Rejected(c.remoteAddr, c.mailFrom, []string{addr},
				fmt.Sprintf("invalid address: %v", err))
			return 550, "5.1.3 Destination address is invalid"
		}

		user, domain := envelope.Split(addr)
		prober := userexists.Prober{CDBPath: c.cfg.VpopCDBPath, BounceCommand: c.cfg.BounceCommand}
		verdict, err := prober.Exists(domain, user)
		if err != nil {
			maillog.Rejected(c.remoteAddr, c.mailFrom, []string{addr},
				fmt.Sprintf("existence check error: %v", err))
			return 451, "4.3.0 Temporary error checking recipient"
		}
		if verdict == userexists.NoSuchUser {
			maillog.Rejected(c.remoteAddr, c.mailFrom, []string{addr}, "no such user")
			return 550, "5.1.1 Sorry, no mailbox here by that name"
		}
	}

	c.rcptTo = append(c.rcptTo, addr)
	return 250, "2.1.5 You feel like you are being watched"
}

func policyStatusCode(v policy.Verdict) int {
	if v == policy.DeniedTemporary {
		return 451
	}
	return 550
}

// remoteIP extracts the IP out of a net.Addr, or nil for non-TCP
// addresses (e.g. the net.Pipe ends used in tests).
func remoteIP(addr net.Addr) net.IP {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	return nil
}
