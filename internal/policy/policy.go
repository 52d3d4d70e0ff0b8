// Package policy implements the fixed-order chain of acceptance
// callbacks run against a recipient once its domain and user have been
// found local: DNS blocklists, SPF, right-hand-side blocklists, HELO
// checks, and bounce-specific checks. Each callback returns a typed
// verdict instead of writing an SMTP reply directly, so the caller can
// apply the fail_hard_on_temp / nonexist_on_block rewrites uniformly.
//
// Grounded on cb_dnsbl in original_source/callbacks/dnsbl.c for the
// list/whitelist/reverse-zone shape, and on Conn.checkSPF and
// Conn.secLevelCheck in internal/smtpsrv/conn.go for wiring a single
// check into the RCPT handler's accept/reject decision.
package policy

import (
	"fmt"
	"net"
	"strings"

	"blitiri.com.ar/go/qsmtpd/internal/address"
	"blitiri.com.ar/go/qsmtpd/internal/dnsres"
	"blitiri.com.ar/go/qsmtpd/internal/spf"
	"blitiri.com.ar/go/qsmtpd/internal/userconf"
)

// Verdict is the outcome of a single callback.
type Verdict int

const (
	// Passed means the callback has nothing to say; keep going.
	Passed Verdict = iota
	// Skipped means the callback doesn't apply (no config for it, or a
	// precondition wasn't met); treated exactly like Passed by Run, but
	// kept distinct for logging.
	Skipped
	// DeniedWithMessage means reject now with Message.
	DeniedWithMessage
	// DeniedTemporary means a transient failure (DNS timeout, usually);
	// promoted to DeniedWithMessage if the recipient's fail_hard_on_temp
	// setting is true.
	DeniedTemporary
	// Errored means the callback itself failed (e.g. a malformed config
	// file); this is not the client's fault, but we have no safe
	// default other than to stop the chain and surface it.
	Errored
)

func (v Verdict) String() string {
	switch v {
	case Passed:
		return "passed"
	case Skipped:
		return "skipped"
	case DeniedWithMessage:
		return "denied"
	case DeniedTemporary:
		return "denied-temporary"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

// Result is what a Callback returns.
type Result struct {
	Verdict Verdict
	Message string
	Scope   userconf.Scope
}

func passed() Result { return Result{Verdict: Passed} }
func skip() Result   { return Result{Verdict: Skipped} }

func deny(msg string, scope userconf.Scope) Result {
	return Result{Verdict: DeniedWithMessage, Message: msg, Scope: scope}
}

func tempErr(msg string, scope userconf.Scope) Result {
	return Result{Verdict: DeniedTemporary, Message: msg, Scope: scope}
}

func errored(err error) Result {
	return Result{Verdict: Errored, Message: err.Error()}
}

// aLookuper is the subset of dnsres.Resolver the list-based checks
// need; tests substitute a fake.
type aLookuper interface {
	LookupA(name string) ([]net.IP, dnsres.Status, error)
}

// Context carries the per-RCPT-TO information every callback needs.
// A fresh Context (sharing one userconf.Resolver) is built once per
// recipient so the checks agree on cached file lookups.
type Context struct {
	RemoteIP net.IP
	// ReverseName is the forward-confirmed PTR name for RemoteIP, or ""
	// if there is none.
	ReverseName string
	HELO        string
	// SenderDomain is the domain of MAIL FROM, or "" for the null
	// sender ("<>", a bounce).
	SenderDomain string
	IsBounce     bool

	Conf *userconf.Resolver
	// Resolver overrides the DNS resolver; nil means dnsres.Default.
	Resolver aLookuper
	// SPF is the evaluation context passed to spf.CheckHost; its IP,
	// HELO, Sender and ReceivingDomain fields should already be filled
	// in by the caller.
	SPF *spf.Context
}

func (c *Context) res() aLookuper {
	if c.Resolver != nil {
		return c.Resolver
	}
	return dnsres.Default
}

func (c *Context) boolSetting(key string) bool {
	n, _, err := c.Conf.GetSetting(key)
	return err == nil && n != 0
}

// Callback is one link in the policy chain.
type Callback func(c *Context) Result

// DefaultChain is the fixed order callbacks run in for every RCPT TO
// accepted past the local-user check.
var DefaultChain = []Callback{
	DNSBLCheck,
	SPFCheck,
	RHSBLCheck,
	HELOCheck,
	BounceCheck,
}

// Run executes callbacks in order, stopping at the first denial (after
// applying fail_hard_on_temp / nonexist_on_block) or error. Passed and
// Skipped results are transparent and never stop the chain.
func Run(c *Context, callbacks []Callback) Result {
	for _, cb := range callbacks {
		r := cb(c)
		switch r.Verdict {
		case Passed, Skipped:
			continue
		case Errored:
			return r
		case DeniedTemporary:
			if c.boolSetting("fail_hard_on_temp") {
				r.Verdict = DeniedWithMessage
			} else {
				return r
			}
		}
		if c.boolSetting("nonexist_on_block") {
			r.Message = "5.1.1 no such user"
		}
		return r
	}
	return passed()
}

// lookupZones tries each zone as "<target>.<zone>", in order, and
// returns the first one with an A record. temp is set if a lookup
// failed with a DNS timeout rather than a clean NXDOMAIN.
func lookupZones(c *Context, target string, zones []string) (zone string, temp bool, err error) {
	for _, z := range zones {
		name := target + "." + z
		_, st, lerr := c.res().LookupA(name)
		switch st {
		case dnsres.OK:
			return z, false, nil
		case dnsres.NoRecord:
			continue
		case dnsres.Temporary:
			return "", true, lerr
		default:
			if lerr != nil {
				return "", false, lerr
			}
		}
	}
	return "", false, nil
}

// DNSBLCheck looks the connecting IP up against the configured DNS
// blocklist zones, reversed into "d.c.b.a.zone" form (or the nibble
// form for IPv6), with a separate list key and whitelist for each IP
// version, matching cb_dnsbl's fnb/fnw split.
func DNSBLCheck(c *Context) Result {
	listKey, whiteKey := "dnsbl", "whitednsbl"
	if c.RemoteIP.To4() == nil {
		listKey, whiteKey = "dnsblv6", "whitednsblv6"
	}

	zones, scope, err := c.Conf.GetList(listKey, address.ValidateDomain)
	if err != nil {
		return errored(err)
	}
	if len(zones) == 0 {
		return skip()
	}

	reversed := reverseIP(c.RemoteIP)
	zone, temp, err := lookupZones(c, reversed, zones)
	if err != nil && !temp {
		return errored(err)
	}
	if temp {
		return tempErr("4.7.1 temporary DNS error on RBL lookup", scope)
	}
	if zone == "" {
		return passed()
	}

	if whitelisted(c, whiteKey, reversed) {
		return passed()
	}

	return deny(fmt.Sprintf("5.7.1 message rejected, you are listed in %s", zone), scope)
}

// RHSBLCheck looks the sender's domain up directly (not reversed)
// against the configured right-hand-side blocklist zones.
func RHSBLCheck(c *Context) Result {
	if c.SenderDomain == "" {
		return skip()
	}
	return domainZoneCheck(c, c.SenderDomain, "rhsbl", "whiterhsbl")
}

// HELOCheck looks the client's HELO/EHLO argument up against a
// configured blocklist, the same shape as RHSBLCheck.
func HELOCheck(c *Context) Result {
	if c.HELO == "" {
		return skip()
	}
	return domainZoneCheck(c, c.HELO, "helobl", "whitehelobl")
}

// BounceCheck applies only to bounces (null-sender messages), checking
// the connecting client's reverse name (falling back to its HELO)
// against a bounce-specific blocklist. Bounces are otherwise exempt
// from sender-domain checks like RHSBL and SPF, since there is no
// sender domain to check.
func BounceCheck(c *Context) Result {
	if !c.IsBounce {
		return skip()
	}
	target := c.ReverseName
	if target == "" {
		target = c.HELO
	}
	if target == "" {
		return skip()
	}
	return domainZoneCheck(c, target, "bouncebl", "whitebouncebl")
}

func domainZoneCheck(c *Context, target, listKey, whiteKey string) Result {
	zones, scope, err := c.Conf.GetList(listKey, address.ValidateDomain)
	if err != nil {
		return errored(err)
	}
	if len(zones) == 0 {
		return skip()
	}

	zone, temp, err := lookupZones(c, target, zones)
	if err != nil && !temp {
		return errored(err)
	}
	if temp {
		return tempErr(fmt.Sprintf("4.7.1 temporary DNS error checking %s", listKey), scope)
	}
	if zone == "" {
		return passed()
	}

	if whitelisted(c, whiteKey, target) {
		return passed()
	}

	return deny(fmt.Sprintf("5.7.1 message rejected, %s listed in %s", target, zone), scope)
}

func whitelisted(c *Context, whiteKey, target string) bool {
	whites, _, err := c.Conf.GetList(whiteKey, address.ValidateDomain)
	if err != nil || len(whites) == 0 {
		return false
	}
	zone, _, err := lookupZones(c, target, whites)
	return err == nil && zone != ""
}

func reverseIP(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.%d", v4[3], v4[2], v4[1], v4[0])
	}
	v6 := ip.To16()
	nibbles := make([]string, 0, 32)
	for i := len(v6) - 1; i >= 0; i-- {
		nibbles = append(nibbles, fmt.Sprintf("%x", v6[i]&0xf), fmt.Sprintf("%x", v6[i]>>4))
	}
	return strings.Join(nibbles, ".")
}

// spfPolicyOrder lists the SPF results that get rejected as the
// spfpolicy setting increases, per spec: 1) temperror only; 2) +fail;
// 3) +permerror; 4) +softfail; 5) +neutral; 6) +none.
var spfPolicyOrder = []spf.Result{
	spf.TempError, spf.Fail, spf.PermError, spf.SoftFail, spf.Neutral, spf.None,
}

// defaultSPFPolicy is applied when spfpolicy isn't set at any scope:
// reject temporary errors, hard fails, and syntactically broken
// records, but let softfail/neutral/none through unchallenged.
const defaultSPFPolicy = 3

func spfShouldDeny(level int, res spf.Result) bool {
	if level <= 0 {
		level = defaultSPFPolicy
	}
	if level > len(spfPolicyOrder) {
		level = len(spfPolicyOrder)
	}
	for i := 0; i < level; i++ {
		if spfPolicyOrder[i] == res {
			return true
		}
	}
	return false
}

// SPFCheck evaluates SPF for the sender's domain (or its HELO, for
// bounces), mapping the verdict to an action per the recipient's
// spfpolicy level, with spfignore and spfstrict overrides.
func SPFCheck(c *Context) Result {
	domain := c.SenderDomain
	if domain == "" {
		domain = c.HELO
	}
	if domain == "" || c.SPF == nil {
		return skip()
	}

	if c.ReverseName != "" {
		ignored, _, err := c.Conf.FindDomain("spfignore", c.ReverseName)
		if err != nil {
			return errored(err)
		}
		if ignored {
			return passed()
		}
	}

	res, exp, err := spf.CheckHost(c.SPF, domain)
	if err != nil && res != spf.TempError && res != spf.PermError {
		return errored(err)
	}

	if res == spf.None {
		strict, scope, ferr := c.Conf.FindDomain("spfstrict", domain)
		if ferr != nil {
			return errored(ferr)
		}
		if strict {
			return deny("5.7.1 no SPF record published, rejected per policy", scope)
		}
	}

	if res == spf.Pass {
		return passed()
	}

	level, scope, err := c.Conf.GetSetting("spfpolicy")
	if err != nil {
		return errored(err)
	}

	if !spfShouldDeny(level, res) {
		return passed()
	}

	if res == spf.TempError {
		return tempErr("4.7.1 temporary SPF error", scope)
	}
	if res == spf.PermError {
		return deny("5.5.2 syntax error in SPF record", scope)
	}

	msg := fmt.Sprintf("5.7.1 SPF check failed (%s)", res)
	if res == spf.Fail && exp != "" {
		msg += ": " + exp
	}
	return deny(msg, scope)
}
