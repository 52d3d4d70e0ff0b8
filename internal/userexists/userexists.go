// Package userexists implements the vpopmail-style local recipient
// probe: given a domain already known to be handled locally and a
// mailbox local part, it decides whether the address is deliverable,
// falls to a catch-all, or should be rejected outright.
//
// The "." -> ":" localpart rewrite vpopmail applies when looking up
// .qmail files is intentionally kept entirely inside this package: it
// is a delivery-backend quirk, not an address-syntax rule, and must
// never leak into internal/address or the SMTP layer above it.
package userexists

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/colinmarc/cdb"
)

// Verdict is the outcome of a local recipient probe.
type Verdict int

const (
	// NotLocalDomain means the domain has no entry in the vpopmail CDB
	// at all: it isn't a locally hosted vpopmail domain, so the caller
	// should accept without further local checks (the mail is relayed
	// or handled by a different backend).
	NotLocalDomain Verdict = iota
	// Deliverable means the user's own maildir/.qmail exists.
	Deliverable
	// MailingList means the address matched a .qmail-<localpart> or
	// .qmail-<localpart>-default file.
	MailingList
	// CatchAll means no specific file matched, but a
	// .qmail-<prefix>-default or a non-bounce .qmail-default caught it.
	CatchAll
	// NoSuchUser means the domain is local and no catch-all applies:
	// the mailbox genuinely does not exist.
	NoSuchUser
)

// Prober looks up local recipients against a vpopmail "users/cdb" file
// and the per-domain .qmail-* control files it references.
type Prober struct {
	// CDBPath is the path to the vpopmail "users/cdb" file.
	CDBPath string
	// BounceCommand is the exact contents of a vpopmail bounce-style
	// .qmail-default (normally "| vdelivermail '' bounce-no-mailbox"),
	// used to tell a true catch-all apart from the default "reject
	// unknown users" entry.
	BounceCommand string
}

// Exists probes whether localpart@domain is a known local recipient.
// err is only non-nil for I/O failures other than "does not exist";
// EACCES on a user directory is deliberately treated as Deliverable
// (optimistic accept, matching the historical behavior) rather than an
// error.
func (p *Prober) Exists(domain, localpart string) (Verdict, error) {
	domainDir, err := p.lookupDomainDir(domain)
	if err != nil {
		return NotLocalDomain, err
	}
	if domainDir == "" {
		return NotLocalDomain, nil
	}

	userDir := filepath.Join(domainDir, localpart)
	switch _, err := openCloexec(userDir); {
	case err == nil:
		return Deliverable, nil
	case errors.Is(err, os.ErrPermission):
		return Deliverable, nil
	case !errors.Is(err, os.ErrNotExist):
		return NoSuchUser, err
	}

	rewritten := strings.ReplaceAll(localpart, ".", ":")

	if qmailFileExists(domainDir, ".qmail-"+rewritten) {
		return MailingList, nil
	}
	if qmailFileExists(domainDir, ".qmail-"+rewritten+"-default") {
		return MailingList, nil
	}

	for _, prefix := range prefixesOf(rewritten) {
		if qmailFileExists(domainDir, ".qmail-"+prefix+"-default") {
			return CatchAll, nil
		}
	}

	contents, ok := readQmailFile(domainDir, ".qmail-default")
	if !ok {
		return NoSuchUser, nil
	}
	if p.BounceCommand != "" && strings.TrimSpace(contents) == strings.TrimSpace(p.BounceCommand) {
		return NoSuchUser, nil
	}
	return CatchAll, nil
}

// prefixesOf returns every "-"-separated prefix of s, shortest first,
// excluding s itself (already tried as the exact mailing-list name).
// For "foo-bar-baz" it returns ["foo", "foo-bar"].
func prefixesOf(s string) []string {
	var out []string
	idx := strings.IndexByte(s, '-')
	for idx >= 0 {
		out = append(out, s[:idx])
		next := strings.IndexByte(s[idx+1:], '-')
		if next < 0 {
			break
		}
		idx = idx + 1 + next
	}
	return out
}

func qmailFileExists(domainDir, name string) bool {
	f, err := openCloexec(filepath.Join(domainDir, name))
	if err != nil {
		return false
	}
	f.Close()
	return true
}

func readQmailFile(domainDir, name string) (string, bool) {
	f, err := openCloexec(filepath.Join(domainDir, name))
	if err != nil {
		return "", false
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, 4096))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func openCloexec(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDONLY|os.O_CLOEXEC, 0)
}

// lookupDomainDir queries the vpopmail "users/cdb" file for domain's
// directory, using the "!<domain>-" key format vpopmail's vget_dir
// uses. An empty result with a nil error means the domain has no
// vpopmail entry.
func (p *Prober) lookupDomainDir(domain string) (string, error) {
	db, err := cdb.Open(p.CDBPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	defer db.Close()

	key := "!" + domain + "-"
	rec, err := db.Get([]byte(key))
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", nil
	}

	// Record format: realdomain\0uid\0gid\0path\0 (trailing slashes
	// stripped, this package re-adds exactly one).
	fields := splitNUL(rec)
	if len(fields) < 4 {
		return "", nil
	}
	dir := strings.TrimRight(fields[3], "/")
	return dir + "/", nil
}

func splitNUL(b []byte) []string {
	var out []string
	start := 0
	for i, c := range b {
		if c == 0 {
			out = append(out, string(b[start:i]))
			start = i + 1
		}
	}
	return out
}
