// Package auth implements SASL PLAIN/LOGIN decoding and authentication
// against an external checkpassword-style helper program.
package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"strings"
	"time"

	"blitiri.com.ar/go/qsmtpd/internal/normalize"
)

// Authenticator verifies user/domain/password triples by invoking an
// external checkpassword-style helper: the program at Path is run with
// Args followed by the identity ("user@domain", plus "@Realm" when
// Realm is set) as its last argument, and the password is written to
// the helper's stdin followed by a NUL, the classic checkpassword(8)
// convention.
// The helper's own exit status (0 success, nonzero failure) is the
// verdict; nothing it prints is read.
type Authenticator struct {
	Path string
	Args []string
	// Realm is appended after "user@domain@" when building the
	// identity passed to the helper, or left out entirely if empty.
	Realm string

	// Timeout bounds one helper invocation.
	Timeout time.Duration

	// AuthDuration is the minimum wall-clock time an Authenticate call
	// takes, successful or not, to blunt basic timing attacks against
	// the helper's own latency variance.
	AuthDuration time.Duration
}

// NewAuthenticator returns an Authenticator configured to run path
// with the given extra arguments.
func NewAuthenticator(path string, args ...string) *Authenticator {
	return &Authenticator{
		Path:         path,
		Args:         args,
		Timeout:      10 * time.Second,
		AuthDuration: 100 * time.Millisecond,
	}
}

// Authenticate the user@domain with the given password.
func (a *Authenticator) Authenticate(user, domain, password string) (bool, error) {
	defer func(start time.Time) {
		elapsed := time.Since(start)
		delay := a.AuthDuration - elapsed
		if delay > 0 {
			maxDelta := int64(float64(delay) * 0.2)
			if maxDelta > 0 {
				delay += time.Duration(rand.Int63n(maxDelta))
			}
			time.Sleep(delay)
		}
	}(time.Now())

	identity := user + "@" + domain
	if a.Realm != "" {
		identity += "@" + a.Realm
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.Timeout)
	defer cancel()

	args := append(append([]string{}, a.Args...), identity)
	cmd := exec.CommandContext(ctx, a.Path, args...)
	cmd.Env = append(os.Environ(), "AUTH_USER="+user, "AUTH_DOMAIN="+domain)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return false, fmt.Errorf("auth: creating stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("auth: starting checkpassword helper: %w", err)
	}

	if _, err := stdin.Write(append([]byte(password), 0)); err != nil {
		stdin.Close()
		cmd.Wait()
		return false, fmt.Errorf("auth: writing password: %w", err)
	}
	stdin.Close()

	err = cmd.Wait()
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return false, nil
	}
	return false, fmt.Errorf("auth: checkpassword helper: %w", err)
}

// DecodeResponse decodes a SASL PLAIN auth response.
//
// It must be a base64-encoded string of the form:
//
//	<authorization id> NUL <authentication id> NUL <password>
//
// https://tools.ietf.org/html/rfc4954#section-4.1.
//
// Either both IDs match, or one of them is empty. The identity is
// expected to be in the form "user@domain" (not an RFC requirement,
// our own convention).
func DecodeResponse(response string) (user, domain, passwd string, err error) {
	buf, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return
	}

	bufsp := bytes.SplitN(buf, []byte{0}, 3)
	if len(bufsp) != 3 {
		err = fmt.Errorf("response pieces != 3, as per RFC")
		return
	}

	identity := ""
	passwd = string(bufsp[2])

	z := string(bufsp[0])
	c := string(bufsp[1])
	if (z != "" && c != "") && (z != c) {
		err = fmt.Errorf("auth IDs do not match")
		return
	}
	if z != "" {
		identity = z
	}
	if c != "" {
		identity = c
	}

	if identity == "" {
		err = fmt.Errorf("empty identity, must be in the form user@domain")
		return
	}

	idsp := strings.SplitN(identity, "@", 2)
	if len(idsp) != 2 {
		err = fmt.Errorf("identity must be in the form user@domain")
		return
	}

	user = idsp[0]
	domain = idsp[1]

	user, err = normalize.User(user)
	if err != nil {
		return
	}
	domain, err = normalize.Domain(domain)
	if err != nil {
		return
	}

	return
}
