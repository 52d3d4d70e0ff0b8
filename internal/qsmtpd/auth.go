package qsmtpd

import (
	"encoding/base64"
	"strings"

	"blitiri.com.ar/go/qsmtpd/internal/auth"
	"blitiri.com.ar/go/qsmtpd/internal/maillog"
)

// authenticator builds the checkpassword-style helper invoker from cfg,
// or nil if none is configured.
func (cfg *Config) authenticator() *auth.Authenticator {
	if cfg.CheckpasswordPath == "" {
		return nil
	}
	a := auth.NewAuthenticator(cfg.CheckpasswordPath, cfg.CheckpasswordArgs...)
	a.Realm = cfg.AuthRealm
	return a
}

// handleAUTH implements AUTH PLAIN and AUTH LOGIN, checking the
// decoded identity against the configured checkpassword-style helper.
func (c *Conn) handleAUTH(params string) (int, string) {
	if c.completedAuth {
		return 503, "5.5.1 already authenticated"
	}
	authr := c.cfg.authenticator()
	if authr == nil {
		return 454, "4.7.0 authentication not available"
	}

	mech, rest := lineSplit(params)
	mech = strings.ToUpper(mech)

	var response string
	switch mech {
	case "PLAIN":
		if rest != "" {
			response = rest
		} else {
			r, err := c.readAuthContinuation("")
			if err != nil {
				return 0, ""
			}
			response = r
		}
	case "LOGIN":
		r, err := c.authLogin(rest)
		if err != nil {
			return 0, ""
		}
		response = r
	default:
		return 504, "5.5.4 unsupported authentication mechanism"
	}

	if response == "" {
		return 501, "5.5.2 empty authentication response"
	}

	user, domain, passwd, err := auth.DecodeResponse(response)
	if err != nil {
		maillog.Auth(c.remoteAddr, "<malformed>", false)
		return 501, "5.5.2 malformed authentication response"
	}

	ok, err := authr.Authenticate(user, domain, passwd)
	if err != nil {
		c.tr.Errorf("auth: %v", err)
		return 454, "4.7.0 temporary authentication failure"
	}

	maillog.Auth(c.remoteAddr, user+"@"+domain, ok)
	if !ok {
		return 535, "5.7.8 authentication failed"
	}

	c.completedAuth = true
	c.authUser = user
	c.authDomain = domain
	return 235, "2.7.0 authentication successful"
}

// authLogin runs the (two-prompt) AUTH LOGIN exchange and returns the
// "authzid\0authcid\0passwd" response DecodeResponse expects, built
// out of the base64 username and password the client sends back.
func (c *Conn) authLogin(initial string) (string, error) {
	username := initial
	var err error
	if username == "" {
		username, err = c.readAuthPrompt("VXNlcm5hbWU6") // "Username:"
		if err != nil {
			return "", err
		}
	}
	password, err := c.readAuthPrompt("UGFzc3dvcmQ6") // "Password:"
	if err != nil {
		return "", err
	}

	u, err := base64decode(username)
	if err != nil {
		return "", nil
	}
	p, err := base64decode(password)
	if err != nil {
		return "", nil
	}
	return base64.StdEncoding.EncodeToString([]byte(u + "\x00" + u + "\x00" + p)), nil
}

// readAuthPrompt sends a "334 <b64 prompt>" continuation line and
// returns the client's raw (still base64-encoded) response line.
func (c *Conn) readAuthPrompt(b64Prompt string) (string, error) {
	if err := c.lc.WriteLine(334, b64Prompt); err != nil {
		return "", err
	}
	return c.lc.ReadLine()
}

// readAuthContinuation sends a bare "334 " continuation (used for AUTH
// PLAIN with no initial response) and returns the client's reply.
func (c *Conn) readAuthContinuation(prompt string) (string, error) {
	if err := c.lc.WriteLine(334, prompt); err != nil {
		return "", err
	}
	return c.lc.ReadLine()
}

func base64decode(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// lineSplit splits "MECH rest" into its two pieces; rest is "" if there
// was no second token.
func lineSplit(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}
