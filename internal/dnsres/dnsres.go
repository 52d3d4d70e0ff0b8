// Package dnsres implements the DNS lookups the mail server needs: MX,
// address, and reverse-DNS resolution, each reporting a small error
// taxonomy instead of a raw error, so callers (policy checks, outbound
// routing) can tell a permanent failure from a retryable one without
// sniffing error strings.
package dnsres

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Status is the outcome of a lookup.
type Status int

const (
	// OK means the lookup succeeded and returned at least one record.
	OK Status = iota
	// NoRecord means the query succeeded but the name has no records of
	// the requested type (NOERROR/NODATA, or NXDOMAIN).
	NoRecord
	// Temporary means the lookup failed in a way that may succeed on
	// retry (timeout, SERVFAIL, refused).
	Temporary
	// Permanent means the lookup failed in a way that will not succeed
	// on retry (malformed name).
	Permanent
	// OutOfMemory means the resolver could not allocate the resources
	// needed to complete the query.
	OutOfMemory
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case NoRecord:
		return "no-record"
	case Temporary:
		return "temporary"
	case Permanent:
		return "permanent"
	case OutOfMemory:
		return "out-of-memory"
	default:
		return "unknown"
	}
}

// MXRecord is a single MX answer.
type MXRecord struct {
	Host string
	Pref uint16
}

// Resolver performs DNS lookups using a configured upstream server list,
// falling back to the system resolver when none are configured.
type Resolver struct {
	// Servers, if non-empty, are used instead of the system resolver
	// (each as "host:port"). Mainly useful for tests.
	Servers []string
	Timeout time.Duration
}

// Default is the package-level resolver used by the top-level
// functions below.
var Default = &Resolver{Timeout: 10 * time.Second}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 10 * time.Second
}

func (r *Resolver) exchange(qname string, qtype uint16) (*dns.Msg, Status, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(qname), qtype)
	m.RecursionDesired = true

	if len(r.Servers) == 0 {
		return r.exchangeViaSystem(m, qname, qtype)
	}

	c := &dns.Client{Timeout: r.timeout()}
	var lastErr error
	for _, server := range r.Servers {
		in, _, err := c.Exchange(m, server)
		if err != nil {
			lastErr = err
			continue
		}
		return in, classifyRcode(in.Rcode), nil
	}
	return nil, Temporary, lastErr
}

// exchangeViaSystem falls back to the standard library resolver when no
// explicit server list is configured. It only needs to support the
// record types used in this package (MX, A, AAAA, PTR, TXT), which
// net.Resolver exposes directly.
func (r *Resolver) exchangeViaSystem(m *dns.Msg, qname string, qtype uint16) (*dns.Msg, Status, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout())
	defer cancel()

	resolver := net.DefaultResolver
	out := new(dns.Msg)

	switch qtype {
	case dns.TypeMX:
		mxs, err := resolver.LookupMX(ctx, qname)
		if st, ok := classifyNetErr(err); !ok {
			return nil, st, err
		}
		for _, mx := range mxs {
			rr := &dns.MX{
				Hdr:        dns.RR_Header{Name: dns.Fqdn(qname), Rrtype: dns.TypeMX},
				Mx:         mx.Host,
				Preference: mx.Pref,
			}
			out.Answer = append(out.Answer, rr)
		}
	case dns.TypeA, dns.TypeAAAA:
		ips, err := resolver.LookupIP(ctx, ipNetwork(qtype), qname)
		if st, ok := classifyNetErr(err); !ok {
			return nil, st, err
		}
		for _, ip := range ips {
			if qtype == dns.TypeA {
				out.Answer = append(out.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: dns.Fqdn(qname), Rrtype: dns.TypeA},
					A:   ip,
				})
			} else {
				out.Answer = append(out.Answer, &dns.AAAA{
					Hdr:  dns.RR_Header{Name: dns.Fqdn(qname), Rrtype: dns.TypeAAAA},
					AAAA: ip,
				})
			}
		}
	case dns.TypePTR:
		names, err := resolver.LookupAddr(ctx, qname)
		if st, ok := classifyNetErr(err); !ok {
			return nil, st, err
		}
		for _, n := range names {
			out.Answer = append(out.Answer, &dns.PTR{
				Hdr: dns.RR_Header{Name: dns.Fqdn(qname), Rrtype: dns.TypePTR},
				Ptr: dns.Fqdn(n),
			})
		}
	case dns.TypeTXT:
		txts, err := resolver.LookupTXT(ctx, qname)
		if st, ok := classifyNetErr(err); !ok {
			return nil, st, err
		}
		for _, t := range txts {
			out.Answer = append(out.Answer, &dns.TXT{
				Hdr: dns.RR_Header{Name: dns.Fqdn(qname), Rrtype: dns.TypeTXT},
				Txt: []string{t},
			})
		}
	default:
		return nil, Permanent, fmt.Errorf("dnsres: unsupported query type %d", qtype)
	}

	return out, OK, nil
}

func ipNetwork(qtype uint16) string {
	if qtype == dns.TypeA {
		return "ip4"
	}
	return "ip6"
}

// classifyNetErr maps a net.DNSError into a Status. The bool return is
// false when the error should be returned immediately (ok==false means
// "stop, use this status"); true means "no error, proceed".
func classifyNetErr(err error) (Status, bool) {
	if err == nil {
		return OK, true
	}
	dnsErr, ok := err.(*net.DNSError)
	if !ok {
		return Temporary, false
	}
	if dnsErr.IsNotFound {
		return NoRecord, false
	}
	if dnsErr.Temporary() || dnsErr.Timeout() {
		return Temporary, false
	}
	return Permanent, false
}

func classifyRcode(rcode int) Status {
	switch rcode {
	case dns.RcodeSuccess:
		return OK
	case dns.RcodeNameError:
		return NoRecord
	case dns.RcodeServerFailure, dns.RcodeRefused:
		return Temporary
	default:
		return Permanent
	}
}

// LookupMX resolves the MX records for domain, sorted by preference
// ascending (stable). When the name has no MX records (NODATA or
// NXDOMAIN), it returns NoRecord so the caller can fall back to A/AAAA.
func (r *Resolver) LookupMX(domain string) ([]MXRecord, Status, error) {
	msg, st, err := r.exchange(domain, dns.TypeMX)
	if st != OK {
		return nil, st, err
	}

	var out []MXRecord
	for _, rr := range msg.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			out = append(out, MXRecord{Host: mx.Mx, Pref: mx.Preference})
		}
	}
	if len(out) == 0 {
		return nil, NoRecord, nil
	}

	insertionSortMX(out)
	return out, OK, nil
}

func insertionSortMX(mxs []MXRecord) {
	for i := 1; i < len(mxs); i++ {
		j := i
		for j > 0 && mxs[j-1].Pref > mxs[j].Pref {
			mxs[j-1], mxs[j] = mxs[j], mxs[j-1]
			j--
		}
	}
}

// LookupAAAA resolves IPv6 addresses for name.
func (r *Resolver) LookupAAAA(name string) ([]net.IP, Status, error) {
	return r.lookupAddr(name, dns.TypeAAAA)
}

// LookupA resolves IPv4 addresses for name, returned as v4-mapped IPv6
// addresses so callers can treat the IP list uniformly.
func (r *Resolver) LookupA(name string) ([]net.IP, Status, error) {
	ips, st, err := r.lookupAddr(name, dns.TypeA)
	if st != OK {
		return nil, st, err
	}
	mapped := make([]net.IP, len(ips))
	for i, ip := range ips {
		mapped[i] = ip.To16()
	}
	return mapped, OK, nil
}

func (r *Resolver) lookupAddr(name string, qtype uint16) ([]net.IP, Status, error) {
	msg, st, err := r.exchange(name, qtype)
	if st != OK {
		return nil, st, err
	}

	var out []net.IP
	for _, rr := range msg.Answer {
		switch v := rr.(type) {
		case *dns.A:
			out = append(out, v.A)
		case *dns.AAAA:
			out = append(out, v.AAAA)
		}
	}
	if len(out) == 0 {
		return nil, NoRecord, nil
	}
	return out, OK, nil
}

// LookupPTR reverse-resolves a single IPv6 (or v4-mapped IPv6) address.
func (r *Resolver) LookupPTR(ip net.IP) ([]string, Status, error) {
	arpa, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return nil, Permanent, err
	}
	msg, st, err := r.exchange(arpa, dns.TypePTR)
	if st != OK {
		return nil, st, err
	}
	var out []string
	for _, rr := range msg.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			out = append(out, strings.TrimSuffix(ptr.Ptr, "."))
		}
	}
	if len(out) == 0 {
		return nil, NoRecord, nil
	}
	return out, OK, nil
}

// LookupTXT resolves TXT records for name, one string per record (the
// individual character-strings of a record already joined).
func (r *Resolver) LookupTXT(name string) ([]string, Status, error) {
	msg, st, err := r.exchange(name, dns.TypeTXT)
	if st != OK {
		return nil, st, err
	}
	var out []string
	for _, rr := range msg.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			joined := ""
			for _, s := range txt.Txt {
				joined += s
			}
			out = append(out, joined)
		}
	}
	if len(out) == 0 {
		return nil, NoRecord, nil
	}
	return out, OK, nil
}

// Package-level convenience wrappers using Default.

func LookupMX(domain string) ([]MXRecord, Status, error) { return Default.LookupMX(domain) }
func LookupAAAA(name string) ([]net.IP, Status, error)    { return Default.LookupAAAA(name) }
func LookupA(name string) ([]net.IP, Status, error)       { return Default.LookupA(name) }
func LookupPTR(ip net.IP) ([]string, Status, error)       { return Default.LookupPTR(ip) }
func LookupTXT(name string) ([]string, Status, error)     { return Default.LookupTXT(name) }
