// Package userconf implements the two-level (user, domain, and
// optionally global) per-recipient configuration lookup: most settings
// can be overridden at the user level, fall back to the domain level,
// and finally to a global default.
package userconf

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Scope identifies which level of the hierarchy satisfied a lookup.
type Scope int

const (
	None Scope = iota
	User
	Domain
	Global
)

func (s Scope) String() string {
	switch s {
	case User:
		return "user"
	case Domain:
		return "domain"
	case Global:
		return "global"
	default:
		return "none"
	}
}

// inheritSentinel is the magic line that tells get_list to splice in
// the same key read from the next wider scope, in place of itself.
const inheritSentinel = "!inherit"

// Resolver resolves settings for a single recipient. It is meant to be
// created fresh per RCPT TO: GetFile caches, per key, which scope's
// file it found (by path, not file descriptor, since Go doesn't expose
// directory fds the way the original O_DIRECTORY handles did) for the
// lifetime of one recipient. GetList, GetSetting and FindDomain read
// the files afresh on every call.
type Resolver struct {
	DomainDir string
	UserDir   string // may be empty if there is no user-specific directory
	GlobalDir string // may be empty to disable the global fallback

	fileCache map[string]fileLookup
}

type fileLookup struct {
	scope Scope
	path  string
	ok    bool
}

// New creates a Resolver for one recipient.
func New(domainDir, userDir, globalDir string) *Resolver {
	return &Resolver{
		DomainDir: domainDir,
		UserDir:   userDir,
		GlobalDir: globalDir,
		fileCache: make(map[string]fileLookup),
	}
}

func (r *Resolver) candidates(key string) []struct {
	scope Scope
	path  string
} {
	var out []struct {
		scope Scope
		path  string
	}
	if r.UserDir != "" {
		out = append(out, struct {
			scope Scope
			path  string
		}{User, filepath.Join(r.UserDir, key)})
	}
	out = append(out, struct {
		scope Scope
		path  string
	}{Domain, filepath.Join(r.DomainDir, key)})
	if r.GlobalDir != "" {
		out = append(out, struct {
			scope Scope
			path  string
		}{Global, filepath.Join(r.GlobalDir, key)})
	}
	return out
}

// GetFile opens the first existing file among user_dir/key,
// domain_dir/key, and (if configured) global/key, returning the open
// file and which scope matched. The caller owns the returned file and
// must close it.
func (r *Resolver) GetFile(key string) (*os.File, Scope, error) {
	if cached, ok := r.fileCache[key]; ok {
		if !cached.ok {
			return nil, None, nil
		}
		f, err := os.Open(cached.path)
		return f, cached.scope, err
	}

	for _, c := range r.candidates(key) {
		f, err := os.Open(c.path)
		if err == nil {
			r.fileCache[key] = fileLookup{scope: c.scope, path: c.path, ok: true}
			return f, c.scope, nil
		}
		if !os.IsNotExist(err) {
			return nil, None, err
		}
	}
	r.fileCache[key] = fileLookup{ok: false}
	return nil, None, nil
}

// Validator is applied to each non-empty, non-comment line of a list
// file; it returns an error to reject a malformed entry.
type Validator func(line string) error

// GetList reads key as a newline-delimited list of strings, applying
// validate to each entry. A line that is exactly "!inherit" is replaced
// by re-reading the same key at the next wider scope and splicing its
// entries in place.
func (r *Resolver) GetList(key string, validate Validator) ([]string, Scope, error) {
	return r.getListFrom(key, validate, User)
}

func (r *Resolver) getListFrom(key string, validate Validator, from Scope) ([]string, Scope, error) {
	for _, c := range r.candidates(key) {
		if c.scope < from {
			continue
		}
		lines, err := readLines(c.path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, None, err
		}

		var out []string
		for _, line := range lines {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if line == inheritSentinel {
				inherited, _, err := r.getListFrom(key, validate, c.scope+1)
				if err != nil {
					return nil, None, err
				}
				out = append(out, inherited...)
				continue
			}
			if validate != nil {
				if err := validate(line); err != nil {
					return nil, None, fmt.Errorf("%s:%q: %w", key, line, err)
				}
			}
			out = append(out, line)
		}
		return out, c.scope, nil
	}
	return nil, None, nil
}

// FindDomain opens key as a list file and reports whether any entry
// matches domain under left-anchored subdomain semantics: an entry
// "example.com" matches "foo.example.com" as well as "example.com"
// itself; an entry ".example.com" matches only proper subdomains.
func (r *Resolver) FindDomain(key, domain string) (bool, Scope, error) {
	entries, scope, err := r.GetList(key, nil)
	if err != nil {
		return false, None, err
	}
	for _, e := range entries {
		if domainMatches(e, domain) {
			return true, scope, nil
		}
	}
	return false, None, nil
}

func domainMatches(entry, domain string) bool {
	if strings.HasPrefix(entry, ".") {
		suffix := entry
		return strings.HasSuffix(domain, suffix) && len(domain) > len(suffix)
	}
	if entry == domain {
		return true
	}
	return strings.HasSuffix(domain, "."+entry)
}

// GetSetting reads key as a single integer setting.
func (r *Resolver) GetSetting(key string) (int, Scope, error) {
	f, scope, err := r.GetFile(key)
	if err != nil {
		return 0, None, err
	}
	if f == nil {
		return 0, None, nil
	}
	defer f.Close()

	data, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && len(data) == 0 {
		return 0, None, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(data))
	if err != nil {
		return 0, None, fmt.Errorf("%s: invalid integer setting: %w", key, err)
	}
	return n, scope, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
