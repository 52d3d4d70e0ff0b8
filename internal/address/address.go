// Package address parses the mailbox arguments of MAIL FROM and RCPT TO,
// including the RFC 2821 source-route form, and validates domain
// syntax.
package address

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// Kind classifies a successfully parsed address.
type Kind int

const (
	// Normal is a plain "local@domain" mailbox.
	Normal Kind = iota
	// Bounce is the empty reverse path ("<>"), valid only for MAIL FROM.
	Bounce
	// Postmaster is the bare "postmaster" form with no "@domain", valid
	// only for RCPT TO.
	Postmaster
)

// Mailbox is a successfully parsed address, plus any ESMTP parameters
// that followed it on the command line.
type Mailbox struct {
	Kind   Kind
	Local  string
	Domain string
	// Params holds the raw trailing bytes after the closing '>' (the
	// ESMTP MAIL/RCPT parameters, e.g. "SIZE=1024 BODY=8BITMIME").
	Params string
}

// String renders the mailbox back as "local@domain", or "" for a
// bounce, or "postmaster" for the postmaster special case.
func (m Mailbox) String() string {
	switch m.Kind {
	case Bounce:
		return ""
	case Postmaster:
		return "postmaster"
	default:
		return m.Local + "@" + m.Domain
	}
}

// Reason classifies a parse failure.
type Reason int

const (
	// SyntaxError means the argument could not be parsed as a mailbox
	// at all.
	SyntaxError Reason = iota
	// NotLocal means the domain is syntactically valid but is not
	// handled as a local domain. Note address itself never checks
	// locality; this value exists for callers that layer that check in
	// using the same Reason type for consistent error reporting.
	NotLocal
	// LocalButNonexistent means the domain is local but the mailbox
	// does not exist.
	LocalButNonexistent
)

func (r Reason) Error() string {
	switch r {
	case SyntaxError:
		return "syntax error in mailbox address"
	case NotLocal:
		return "domain not local"
	case LocalButNonexistent:
		return "mailbox does not exist"
	default:
		return "invalid mailbox"
	}
}

// ParseError wraps a Reason with the offending input, for logging.
type ParseError struct {
	Reason Reason
	Input  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %q", e.Reason, e.Input)
}

func (e *ParseError) Unwrap() error { return e.Reason }

// ParseMailFrom parses the argument of a MAIL FROM command (the
// "<...>" mailbox and anything following it). An empty reverse path
// ("<>") is accepted as Bounce.
func ParseMailFrom(arg string) (Mailbox, string, error) {
	path, params, err := splitPathAndParams(arg)
	if err != nil {
		return Mailbox{}, "", err
	}
	if path == "" {
		return Mailbox{Kind: Bounce, Params: params}, params, nil
	}
	return parsePath(path, params, false)
}

// ParseRcptTo parses the argument of a RCPT TO command. The bare
// "postmaster" form (no "@domain") is accepted as Postmaster.
func ParseRcptTo(arg string) (Mailbox, string, error) {
	path, params, err := splitPathAndParams(arg)
	if err != nil {
		return Mailbox{}, "", err
	}
	if path == "" {
		return Mailbox{}, "", &ParseError{Reason: SyntaxError, Input: arg}
	}
	if strings.EqualFold(path, "postmaster") {
		return Mailbox{Kind: Postmaster, Params: params}, params, nil
	}
	return parsePath(path, params, true)
}

// splitPathAndParams extracts the "<...>" path portion and the
// trailing ESMTP parameter string. An empty argument yields an empty
// path; a non-empty argument that does not start with "<" or has no
// closing ">" is a syntax error.
func splitPathAndParams(arg string) (path, params string, err error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", "", nil
	}

	if arg[0] != '<' {
		return "", "", &ParseError{Reason: SyntaxError, Input: arg}
	}

	end := strings.IndexByte(arg, '>')
	if end < 0 {
		return "", "", &ParseError{Reason: SyntaxError, Input: arg}
	}

	path = arg[1:end]
	rest := strings.TrimSpace(arg[end+1:])
	return path, rest, nil
}

// parsePath parses the inside of the "<...>" path, handling the
// RFC 2821 source-route form by discarding the route once the trailing
// mailbox is known to be syntactically valid.
func parsePath(path, params string, isRcpt bool) (Mailbox, string, error) {
	if strings.HasPrefix(path, "@") {
		idx := strings.IndexByte(path, ':')
		if idx < 0 {
			return Mailbox{}, "", &ParseError{Reason: SyntaxError, Input: path}
		}
		path = path[idx+1:]
	}

	at := strings.LastIndexByte(path, '@')
	if at < 0 {
		return Mailbox{}, "", &ParseError{Reason: SyntaxError, Input: path}
	}

	local := path[:at]
	domain := path[at+1:]

	if local == "" {
		return Mailbox{}, "", &ParseError{Reason: SyntaxError, Input: path}
	}
	if err := ValidateDomain(domain); err != nil {
		return Mailbox{}, "", &ParseError{Reason: SyntaxError, Input: path}
	}

	return Mailbox{Kind: Normal, Local: local, Domain: domain, Params: params}, params, nil
}

var errEmptyDomain = errors.New("empty domain")

// ValidateDomain checks domain syntax: letters, digits, dots and
// hyphens; no leading or trailing dot; no double dot; total length at
// most 255; and, as the stricter historical rule this repo follows,
// the top label must end in a letter (so a bare numeric or
// single-label TLD-like name is rejected).
func ValidateDomain(domain string) error {
	if domain == "" {
		return errEmptyDomain
	}
	if len(domain) > 255 {
		return fmt.Errorf("domain too long: %d bytes", len(domain))
	}
	if domain[0] == '.' || domain[len(domain)-1] == '.' {
		return fmt.Errorf("domain has leading or trailing dot: %q", domain)
	}
	if strings.Contains(domain, "..") {
		return fmt.Errorf("domain has a double dot: %q", domain)
	}

	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return fmt.Errorf("single-label domain is not valid: %q", domain)
	}

	for _, label := range labels {
		if label == "" {
			return fmt.Errorf("empty label in domain: %q", domain)
		}
		for _, c := range label {
			if !isDomainChar(c) {
				return fmt.Errorf("invalid character %q in domain: %q", c, domain)
			}
		}
	}

	top := labels[len(labels)-1]
	last := top[len(top)-1]
	if !(last >= 'a' && last <= 'z') && !(last >= 'A' && last <= 'Z') {
		return fmt.Errorf("top label must end in a letter: %q", domain)
	}

	if _, err := idna.ToASCII(domain); err != nil {
		return fmt.Errorf("invalid IDNA domain %q: %v", domain, err)
	}

	return nil
}

func isDomainChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.':
		return true
	default:
		return false
	}
}
