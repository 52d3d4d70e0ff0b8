// Package normalize contains functions to normalize usernames, domains and
// addresses.
package normalize

import (
	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"

	"blitiri.com.ar/go/qsmtpd/internal/envelope"
)

// User normalices an username using PRECIS.
// On error, it will also return the original username to simplify callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Domain normalices a domain name to its IDNA ASCII ("punycode") form,
// so two different-looking spellings of the same domain compare equal.
func Domain(domain string) (string, error) {
	return idna.Lookup.ToASCII(domain)
}

// DomainToUnicode normalizes the domain part of a "local@domain" address
// to IDNA ASCII, leaving the local part untouched. It's applied to the
// whole address because that's the form MAIL FROM/RCPT TO hand around.
func DomainToUnicode(addr string) (string, error) {
	user, domain := envelope.Split(addr)
	if domain == "" {
		return addr, nil
	}

	domain, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}

// Addr normalices an email address using PRECIS.
// On error, it will also return the original address to simplify callers.
func Addr(addr string) (string, error) {
	user, domain := envelope.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}
