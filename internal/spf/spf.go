// Package spf implements SPF (Sender Policy Framework) record
// retrieval, macro expansion, and mechanism evaluation.
//
// Supported mechanisms: all, include, a, mx, ip4, ip6, exists, ptr.
// Supported modifiers: redirect=, exp= (the explanation string itself
// is only expanded, never fetched and returned to the client, since
// that is a policy-callback decision, not this package's).
//
// References:
// https://tools.ietf.org/html/rfc7208
// https://en.wikipedia.org/wiki/Sender_Policy_Framework
package spf

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"blitiri.com.ar/go/qsmtpd/internal/dnsres"
)

// maxRecursion is the maximum number of records fetched in one check
// (the initial one plus every include and redirect), cf.
// https://tools.ietf.org/html/rfc7208#section-4.6.4. DNS lookups made
// by the a, mx, ptr and exists mechanisms are not counted.
const maxRecursion = 20

// Result and Errors. Note the values have meaning, we use them in
// headers.
// https://tools.ietf.org/html/rfc7208#section-8
type Result string

var (
	// None: not able to reach any conclusion.
	None = Result("none")
	// Neutral: no definite assertion (positive or negative).
	Neutral = Result("neutral")
	// Pass: client is authorized to inject mail.
	Pass = Result("pass")
	// Fail: client is *not* authorized to use the domain.
	Fail = Result("fail")
	// SoftFail: not authorized, but unwilling to make a strong policy
	// statement.
	SoftFail = Result("softfail")
	// TempError: transient error while performing the check.
	TempError = Result("temperror")
	// PermError: records could not be correctly interpreted.
	PermError = Result("permerror")
)

// QualToResult maps an SPF qualifier character to the Result it
// produces when its mechanism matches.
var QualToResult = map[byte]Result{
	'+': Pass,
	'-': Fail,
	'~': SoftFail,
	'?': Neutral,
}

// resolver is the subset of dnsres.Resolver's methods this package
// needs; it exists so tests can substitute a fake without touching the
// network. *dnsres.Resolver satisfies it.
type resolver interface {
	LookupTXT(name string) ([]string, dnsres.Status, error)
	LookupMX(domain string) ([]dnsres.MXRecord, dnsres.Status, error)
	LookupAAAA(name string) ([]net.IP, dnsres.Status, error)
	LookupA(name string) ([]net.IP, dnsres.Status, error)
	LookupPTR(ip net.IP) ([]string, dnsres.Status, error)
}

// Context carries the macro expansion inputs: the sender mailbox, the
// remote IP, the HELO/EHLO argument, and the receiving MTA's own
// domain, plus the current recursion depth. The domain under
// evaluation is passed to CheckHost separately, and the reverse-DNS
// name for %{p} is looked up when that macro is expanded.
type Context struct {
	// Sender is the MAIL FROM mailbox, or the synthetic
	// "postmaster@HELO" used when MAIL FROM is empty.
	Sender string
	// IP is the remote SMTP client's address.
	IP net.IP
	// HELO is the HELO/EHLO argument given by the remote client.
	HELO string
	// ReceivingDomain is this server's own identity, used to expand %{r}.
	ReceivingDomain string

	// Resolver overrides the DNS resolver used for lookups; nil means
	// dnsres.Default. Tests substitute a fake implementing the same
	// methods.
	Resolver resolver

	depth int
}

func (c *Context) res() resolver {
	if c.Resolver != nil {
		return c.Resolver
	}
	return dnsres.Default
}

// CheckHost evaluates the SPF policy for domain against the given
// context, per https://tools.ietf.org/html/rfc7208#section-4. It
// returns the verdict and, when the record carried an exp= modifier
// and the final verdict is Fail, the expanded explanation string.
func CheckHost(ctx *Context, domain string) (Result, string, error) {
	c := *ctx
	return c.check(domain)
}

func (c *Context) check(domain string) (Result, string, error) {
	if c.depth > maxRecursion {
		return PermError, "", fmt.Errorf("spf: recursion limit reached")
	}
	c.depth++

	txt, err := c.getDNSRecord(domain)
	if err != nil {
		if isTemporary(err) {
			return TempError, "", err
		}
		if err == errMultipleRecords {
			return PermError, "", err
		}
		return None, "", err
	}
	if txt == "" {
		return None, "", nil
	}

	allFields := strings.Fields(txt)

	// redirect= and exp= are modifiers, not mechanisms: they can appear
	// anywhere in the record but never themselves produce a match, and
	// exp='s explanation must be available no matter where in the
	// record it was written, including before a terminal "all" earlier
	// in the term list. Pull both out before evaluating mechanisms.
	var expTemplate, redirectTemplate string
	var fields []string
	for _, field := range allFields {
		switch {
		case strings.HasPrefix(field, "exp="):
			expTemplate = field[len("exp="):]
		case strings.HasPrefix(field, "redirect="):
			redirectTemplate = field[len("redirect="):]
		default:
			fields = append(fields, field)
		}
	}

	explain := func(res Result) (string, error) {
		if res != Fail || expTemplate == "" {
			return "", nil
		}
		return c.expandWithFlag(expTemplate, domain, true)
	}

	for _, field := range fields {
		if strings.HasPrefix(field, "v=") {
			continue
		}

		result, ok := QualToResult[field[0]]
		if ok {
			field = field[1:]
		} else {
			result = Pass
		}

		switch {
		case field == "all":
			exp, err := explain(result)
			return result, exp, err

		case strings.HasPrefix(field, "include:"):
			if matched, res, err := c.includeField(result, field); matched {
				exp, eerr := explain(res)
				if eerr != nil && err == nil {
					err = eerr
				}
				return res, exp, err
			}

		case strings.HasPrefix(field, "a") && (field == "a" || field[1] == ':' || field[1] == '/'):
			if matched, res, err := c.aField(result, field, domain); matched {
				exp, _ := explain(res)
				return res, exp, err
			}

		case strings.HasPrefix(field, "mx") && (field == "mx" || field[2] == ':' || field[2] == '/'):
			if matched, res, err := c.mxField(result, field, domain); matched {
				exp, _ := explain(res)
				return res, exp, err
			}

		case strings.HasPrefix(field, "ip4:") || strings.HasPrefix(field, "ip6:"):
			if matched, res, err := c.ipField(result, field); matched {
				exp, _ := explain(res)
				return res, exp, err
			}

		case strings.HasPrefix(field, "exists:"):
			if matched, res, err := c.existsField(result, field, domain); matched {
				exp, _ := explain(res)
				return res, exp, err
			}

		case strings.HasPrefix(field, "ptr"):
			if matched, res, err := c.ptrField(result, field, domain); matched {
				exp, _ := explain(res)
				return res, exp, err
			}

		default:
			return PermError, "", fmt.Errorf("spf: unknown term %q", field)
		}
	}

	if redirectTemplate != "" {
		target, err := c.expand(redirectTemplate, domain)
		if err != nil {
			return PermError, "", err
		}
		res, exp, err := c.check(target)
		if res == None {
			res = PermError
		}
		if exp == "" {
			exp, _ = explain(res)
		}
		return res, exp, err
	}

	// Reached the end of the record without a result.
	// https://tools.ietf.org/html/rfc7208#section-4.7
	return Neutral, "", nil
}

// getDNSRecord fetches the TXT records for domain and returns the
// unique v=spf1 record, if any. More than one is a PermError per
// https://tools.ietf.org/html/rfc7208#section-3.2.
func (c *Context) getDNSRecord(domain string) (string, error) {
	txts, st, err := c.res().LookupTXT(domain)
	if st == dnsres.NoRecord {
		return "", nil
	}
	if err != nil {
		if st == dnsres.Temporary && !isTemporary(err) {
			err = &net.DNSError{Err: err.Error(), Name: domain, IsTemporary: true}
		}
		return "", err
	}

	var found string
	count := 0
	for _, txt := range txts {
		if txt == "v=spf1" || strings.HasPrefix(txt, "v=spf1 ") {
			found = txt
			count++
		}
	}
	if count > 1 {
		return "", errMultipleRecords
	}
	return found, nil
}

var errMultipleRecords = fmt.Errorf("spf: multiple v=spf1 records")

func isTemporary(err error) bool {
	derr, ok := err.(*net.DNSError)
	return ok && derr.Temporary()
}

func (c *Context) ipField(res Result, field string) (bool, Result, error) {
	fip := field[4:]
	isV6 := strings.HasPrefix(field, "ip6:")

	if strings.Contains(fip, "/") {
		_, ipnet, err := net.ParseCIDR(fip)
		if err != nil {
			return true, PermError, err
		}
		ones, _ := ipnet.Mask.Size()
		if isV6 && (ones < 8 || ones > 128) {
			return true, PermError, fmt.Errorf("spf: ip6 mask out of range: /%d", ones)
		}
		if !isV6 && (ones < 8 || ones > 32) {
			return true, PermError, fmt.Errorf("spf: ip4 mask out of range: /%d", ones)
		}
		if ipnet.Contains(c.IP) {
			return true, res, nil
		}
	} else {
		ip := net.ParseIP(fip)
		if ip == nil {
			return true, PermError, fmt.Errorf("spf: invalid ip value %q", fip)
		}
		if ip.Equal(c.IP) {
			return true, res, nil
		}
	}

	return false, "", nil
}

func (c *Context) includeField(res Result, field string) (bool, Result, error) {
	// https://tools.ietf.org/html/rfc7208#section-5.2
	incdomain, err := c.expand(field[len("include:"):], "")
	if err != nil {
		return true, PermError, err
	}
	ir, _, err := c.check(incdomain)
	switch ir {
	case Pass:
		return true, res, err
	case Fail, SoftFail, Neutral:
		return false, ir, err
	case TempError:
		return true, TempError, err
	case PermError, None:
		return true, PermError, err
	}
	return false, "", fmt.Errorf("spf: unreachable")
}

func ipMatch(ip, tomatch net.IP, mask int) (bool, error) {
	if mask >= 0 {
		_, ipnet, err := net.ParseCIDR(fmt.Sprintf("%s/%d", tomatch.String(), mask))
		if err != nil {
			return false, err
		}
		return ipnet.Contains(ip), nil
	}
	return ip.Equal(tomatch), nil
}

var aRegexp = regexp.MustCompile(`^a(:([^/]+))?(/(.+))?$`)
var mxRegexp = regexp.MustCompile(`^mx(:([^/]+))?(/(.+))?$`)

func (c *Context) domainAndMask(re *regexp.Regexp, field, domain string) (string, int, error) {
	mask := -1
	if groups := re.FindStringSubmatch(field); groups != nil {
		if groups[2] != "" {
			expanded, err := c.expand(groups[2], domain)
			if err != nil {
				return "", -1, err
			}
			domain = expanded
		}
		if groups[4] != "" {
			n, err := strconv.Atoi(groups[4])
			if err != nil {
				return "", -1, fmt.Errorf("spf: invalid mask in %q", field)
			}
			mask = n
		}
	}
	if mask >= 0 {
		if c.IP.To4() != nil && (mask < 8 || mask > 32) {
			return "", -1, fmt.Errorf("spf: ip4 mask out of range: /%d", mask)
		}
		if c.IP.To4() == nil && (mask < 8 || mask > 128) {
			return "", -1, fmt.Errorf("spf: ip6 mask out of range: /%d", mask)
		}
	}
	return domain, mask, nil
}

func (c *Context) aField(res Result, field, domain string) (bool, Result, error) {
	// https://tools.ietf.org/html/rfc7208#section-5.3
	domain, mask, err := c.domainAndMask(aRegexp, field, domain)
	if err != nil {
		return true, PermError, err
	}

	ips, err := c.lookupIP(domain)
	if err != nil {
		if isTemporary(err) {
			return true, TempError, err
		}
		return false, "", nil
	}
	for _, ip := range ips {
		ok, err := ipMatch(c.IP, ip, mask)
		if ok {
			return true, res, nil
		} else if err != nil {
			return true, PermError, err
		}
	}
	return false, "", nil
}

func (c *Context) mxField(res Result, field, domain string) (bool, Result, error) {
	// https://tools.ietf.org/html/rfc7208#section-5.4
	domain, mask, err := c.domainAndMask(mxRegexp, field, domain)
	if err != nil {
		return true, PermError, err
	}

	mxs, st, err := c.res().LookupMX(domain)
	if st == dnsres.NoRecord {
		return false, "", nil
	}
	if err != nil {
		if isTemporary(err) {
			return true, TempError, err
		}
		return false, "", nil
	}

	var mxips []net.IP
	for _, mx := range mxs {
		ips, err := c.lookupIP(mx.Host)
		if err != nil {
			if isTemporary(err) {
				return true, TempError, err
			}
			continue
		}
		mxips = append(mxips, ips...)
	}
	for _, ip := range mxips {
		ok, err := ipMatch(c.IP, ip, mask)
		if ok {
			return true, res, nil
		} else if err != nil {
			return true, PermError, err
		}
	}
	return false, "", nil
}

// existsField processes the "exists" mechanism: matches if the
// expanded domain resolves to any A record at all, regardless of
// value. It is commonly used with a DNSBL-style target to test the
// rightmost 4 octets of the IP encoded in the domain name.
func (c *Context) existsField(res Result, field, domain string) (bool, Result, error) {
	target, err := c.expand(field[len("exists:"):], domain)
	if err != nil {
		return true, PermError, err
	}
	ips, st, err := c.res().LookupA(target)
	if st != dnsres.NoRecord && err != nil && isTemporary(err) {
		return true, TempError, err
	}
	if st == dnsres.OK && len(ips) > 0 {
		return true, res, nil
	}
	return false, "", nil
}

// ptrField processes the "ptr" mechanism: forward-confirmed reverse
// DNS, matching if any validated PTR name for the client IP is, or is
// a subdomain of, the (optionally given) target domain.
func (c *Context) ptrField(res Result, field, domain string) (bool, Result, error) {
	target := domain
	if strings.HasPrefix(field, "ptr:") {
		expanded, err := c.expand(field[len("ptr:"):], domain)
		if err != nil {
			return true, PermError, err
		}
		target = expanded
	} else if field != "ptr" {
		return true, PermError, fmt.Errorf("spf: malformed ptr term %q", field)
	}

	names, st, err := c.res().LookupPTR(c.IP)
	if st == dnsres.NoRecord {
		return false, "", nil
	}
	if err != nil {
		if isTemporary(err) {
			return true, TempError, err
		}
		return false, "", nil
	}

	checked := 0
	for _, name := range names {
		if checked >= 10 {
			// https://tools.ietf.org/html/rfc7208#section-5.5
			break
		}
		checked++

		ips, err := c.lookupIP(name)
		if err != nil {
			continue
		}
		confirmed := false
		for _, ip := range ips {
			if ip.Equal(c.IP) {
				confirmed = true
				break
			}
		}
		if !confirmed {
			continue
		}
		if name == target || strings.HasSuffix(name, "."+target) {
			return true, res, nil
		}
	}
	return false, "", nil
}

func (c *Context) lookupIP(host string) ([]net.IP, error) {
	var out []net.IP
	aaaa, st, err := c.res().LookupAAAA(host)
	if st != dnsres.NoRecord && err != nil && isTemporary(err) {
		return nil, err
	}
	if st == dnsres.OK {
		out = append(out, aaaa...)
	}
	a, st, err := c.res().LookupA(host)
	if st != dnsres.NoRecord && err != nil && isTemporary(err) {
		return nil, err
	}
	if st == dnsres.OK {
		out = append(out, a...)
	}
	return out, nil
}

// expand performs RFC 7208 section 7 macro expansion on template,
// using domain as the current %{d} expansion target. Capitalized macro
// letters apply URL-escaping to the substituted value.
func (c *Context) expand(template, domain string) (string, error) {
	return c.expandWithFlag(template, domain, false)
}

// expandWithFlag is expand, plus inExp which allows the c/r/t macro
// letters: those are only meaningful in an exp= explanation string,
// never in a record evaluated for a pass/fail verdict, since they leak
// local resolver detail that other implementations have no way to
// reproduce. https://tools.ietf.org/html/rfc7208#section-7.1
func (c *Context) expandWithFlag(template, domain string, inExp bool) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(template) {
		ch := template[i]
		if ch != '%' {
			b.WriteByte(ch)
			i++
			continue
		}
		if i+1 >= len(template) {
			return "", fmt.Errorf("spf: trailing %% in macro string")
		}
		switch template[i+1] {
		case '%':
			b.WriteByte('%')
			i += 2
		case '_':
			b.WriteByte(' ')
			i += 2
		case '-':
			b.WriteString("%20")
			i += 2
		case '{':
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				return "", fmt.Errorf("spf: unterminated macro in %q", template)
			}
			piece := template[i+2 : i+end]
			expanded, err := c.expandMacroLetter(piece, domain, inExp)
			if err != nil {
				return "", err
			}
			b.WriteString(expanded)
			i += end + 1
		default:
			return "", fmt.Errorf("spf: invalid macro escape in %q", template)
		}
	}
	return b.String(), nil
}

var macroSpecRegexp = regexp.MustCompile(`^([A-Za-z])(\d*)(r?)(.*)$`)

// expandMacroLetter expands a single macro specifier (the contents
// between "%{" and "}", e.g. "s", "l1r", "d2").
func (c *Context) expandMacroLetter(spec, domain string, inExp bool) (string, error) {
	groups := macroSpecRegexp.FindStringSubmatch(spec)
	if groups == nil {
		return "", fmt.Errorf("spf: malformed macro spec %q", spec)
	}
	letter := groups[1]
	digits := groups[2]
	reversed := groups[3] == "r"
	delims := groups[4]
	if delims == "" {
		delims = "."
	}

	upper := letter >= "A" && letter <= "Z"
	var value string

	switch strings.ToLower(letter) {
	case "s":
		value = c.Sender
	case "l":
		value = localPart(c.Sender)
	case "o":
		value = domainPart(c.Sender)
	case "d":
		value = domain
	case "i":
		value = ipMacroValue(c.IP)
	case "p":
		value = c.validatedDomainName(domain)
	case "v":
		if c.IP.To4() != nil {
			value = "in-addr"
		} else {
			value = "ip6"
		}
	case "h":
		value = c.HELO
	case "c":
		if !inExp {
			return "", fmt.Errorf("spf: macro %%{c} only valid in exp=")
		}
		value = c.IP.String()
	case "r":
		if !inExp {
			return "", fmt.Errorf("spf: macro %%{r} only valid in exp=")
		}
		value = c.ReceivingDomain
		if value == "" {
			value = "unknown"
		}
	case "t":
		if !inExp {
			return "", fmt.Errorf("spf: macro %%{t} only valid in exp=")
		}
		value = "0"
	default:
		return "", fmt.Errorf("spf: unknown macro letter %q", letter)
	}

	value = splitAndLimit(value, delims, digits, reversed)

	if upper {
		value = url.QueryEscape(value)
	}

	return value, nil
}

func localPart(mailbox string) string {
	if i := strings.LastIndexByte(mailbox, '@'); i >= 0 {
		return mailbox[:i]
	}
	return mailbox
}

func domainPart(mailbox string) string {
	if i := strings.LastIndexByte(mailbox, '@'); i >= 0 {
		return mailbox[i+1:]
	}
	return mailbox
}

func ipMacroValue(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	// Expand to the dotted nibble form for IPv6, per
	// https://tools.ietf.org/html/rfc7208#section-7.3
	v6 := ip.To16()
	nibbles := make([]string, 0, 32)
	for _, b := range v6 {
		nibbles = append(nibbles, fmt.Sprintf("%x", b>>4), fmt.Sprintf("%x", b&0xf))
	}
	rev := make([]string, len(nibbles))
	for i, n := range nibbles {
		rev[len(nibbles)-1-i] = n
	}
	return strings.Join(rev, ".")
}

// splitAndLimit splits value on any of the characters in delims,
// optionally reverses the order of the resulting pieces, keeps at most
// the last N pieces (where N comes from digits, empty meaning "all"),
// and rejoins with ".".
func splitAndLimit(value, delims, digits string, reversed bool) string {
	parts := splitAny(value, delims)
	if reversed {
		for l, r := 0, len(parts)-1; l < r; l, r = l+1, r-1 {
			parts[l], parts[r] = parts[r], parts[l]
		}
	}
	if digits != "" {
		if n, err := strconv.Atoi(digits); err == nil && n > 0 && n < len(parts) {
			parts = parts[len(parts)-n:]
		}
	}
	return strings.Join(parts, ".")
}

func splitAny(s, chars string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(chars, r)
	})
}

// validatedDomainName implements the "p" macro: the first validated
// (forward-confirmed) PTR name for the client IP that matches domain,
// or "unknown" if none does.
func (c *Context) validatedDomainName(domain string) string {
	names, st, err := c.res().LookupPTR(c.IP)
	if st != dnsres.OK || err != nil {
		return "unknown"
	}
	for _, name := range names {
		ips, err := c.lookupIP(name)
		if err != nil {
			continue
		}
		for _, ip := range ips {
			if ip.Equal(c.IP) {
				if name == domain || strings.HasSuffix(name, "."+domain) {
					return name
				}
				break
			}
		}
	}
	return "unknown"
}
