// Package outbound implements the outbound SMTP client: resolving a
// target into a candidate list, connecting to it, and running the
// session (pipelined MAIL+RCPT, DATA or BDAT, STARTTLS), reporting the
// outcome back on stdout in the caller protocol the invoking queue
// process expects.
package outbound

import (
	"fmt"
	"net"
	"strings"

	"blitiri.com.ar/go/qsmtpd/internal/dnsres"
	"blitiri.com.ar/go/qsmtpd/internal/iplist"
)

// Router resolves DNS; satisfied by *dnsres.Resolver, with a fake used
// in tests.
type Router interface {
	LookupMX(domain string) ([]dnsres.MXRecord, dnsres.Status, error)
	LookupAAAA(name string) ([]net.IP, dnsres.Status, error)
	LookupA(name string) ([]net.IP, dnsres.Status, error)
}

// Routes is an optional smtproutes-style override: domain (or host) to
// a "host:port" or "host" destination that bypasses MX lookup; the
// destination host's AAAA/A addresses are used directly. ResolveRoute
// returns addresses only, so the port part of a destination is ignored.
type Routes map[string]string

// ResolveRoute builds the candidate list for target, which may be a
// literal "[addr]" form, an smtproutes override, or a domain name
// needing MX resolution (falling back to AAAA/A, synthesized at
// iplist.PrioritySynthesized, when there is no MX).
func ResolveRoute(r Router, target string, routes Routes) (*iplist.List, error) {
	if host, ok := literalAddr(target); ok {
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("outbound: invalid address literal %q", target)
		}
		return iplist.FromAddrs(target, []net.IP{ip}), nil
	}

	lookupName := target
	if override, ok := routes[target]; ok {
		lookupName = override
		if h, _, ok := strings.Cut(override, ":"); ok {
			lookupName = h
		}
		return resolveFallback(r, lookupName)
	}

	mxs, st, err := r.LookupMX(lookupName)
	switch st {
	case dnsres.OK:
		return resolveMXAddrs(r, mxs)
	case dnsres.NoRecord:
		return resolveFallback(r, lookupName)
	default:
		return nil, fmt.Errorf("outbound: MX lookup for %q: %v", lookupName, err)
	}
}

// literalAddr reports whether target is an "[addr]" literal form, and
// returns the address inside.
func literalAddr(target string) (string, bool) {
	if strings.HasPrefix(target, "[") && strings.HasSuffix(target, "]") {
		return target[1 : len(target)-1], true
	}
	return "", false
}

func resolveMXAddrs(r Router, mxs []dnsres.MXRecord) (*iplist.List, error) {
	// Cap the list to keep delivery attempt times sane, per RFC 5321
	// section 5.1's guidance and the teacher's own cap.
	if len(mxs) > 5 {
		mxs = mxs[:5]
	}

	l := &iplist.List{}
	for _, mx := range mxs {
		addrs, st, _ := r.LookupAAAA(mx.Host)
		for _, a := range addrs {
			l.Insert(&iplist.Candidate{Addr: a, Priority: uint32(mx.Pref), Name: mx.Host})
		}
		a4, st4, _ := r.LookupA(mx.Host)
		for _, a := range a4 {
			l.Insert(&iplist.Candidate{Addr: a, Priority: uint32(mx.Pref), Name: mx.Host})
		}
		_ = st
		_ = st4
	}
	if l.Len() == 0 {
		return nil, fmt.Errorf("outbound: no addresses found for any MX")
	}
	return l, nil
}

// resolveFallback builds a synthesized candidate list from AAAA/A
// records when name has no MX, per spec's "MX fallback priority"
// property: a single-priority (65536) list so any later-discovered
// true MX always outranks it.
func resolveFallback(r Router, name string) (*iplist.List, error) {
	aaaa, _, _ := r.LookupAAAA(name)
	a4, _, _ := r.LookupA(name)
	addrs := append(append([]net.IP{}, aaaa...), a4...)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("outbound: %q has neither MX nor address records", name)
	}
	return iplist.FromAddrs(name, addrs), nil
}
