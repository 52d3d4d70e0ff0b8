package outbound

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"blitiri.com.ar/go/qsmtpd/internal/lineio"
)

// Ext is a bitmask of the ESMTP extensions this server can make use of
// on the outbound side, parsed from the EHLO response.
type Ext int

const (
	ExtSize Ext = 1 << iota
	ExtPipelining
	ExtStartTLS
	Ext8BitMIME
	ExtChunking
)

// SecLevel classifies the outcome of a STARTTLS handshake, kept as a
// small enum separate from any wire-visible encoding (see
// iplist.State for the analogous split on the connect side).
type SecLevel int

const (
	SecPlain SecLevel = iota
	SecTLSInsecure
	SecTLSSecure
)

// ErrNoStartTLS is returned by StartTLS when the remote never
// advertised the extension; callers treat this as "continue in
// plaintext", not a failure.
var ErrNoStartTLS = errors.New("outbound: remote does not support STARTTLS")

// Session is a single outbound SMTP client exchange against one
// already-connected remote.
type Session struct {
	conn    *lineio.Conn
	exts    Ext
	maxSize int64
	helo    string

	TLSState *tls.ConnectionState
	SecLevel SecLevel
}

type reply struct {
	code  int
	lines []string
}

func (r reply) text() string {
	return strings.Join(r.lines, " ")
}

func (r reply) String() string {
	return fmt.Sprintf("%d %s", r.code, r.text())
}

func readReply(conn *lineio.Conn) (reply, error) {
	var r reply
	for {
		line, err := conn.ReadLine()
		if err != nil {
			return r, err
		}
		if len(line) < 4 {
			return r, fmt.Errorf("outbound: malformed reply %q", line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			return r, fmt.Errorf("outbound: malformed reply code %q", line)
		}
		r.code = code
		r.lines = append(r.lines, line[4:])
		switch line[3] {
		case ' ':
			return r, nil
		case '-':
			continue
		default:
			return r, fmt.Errorf("outbound: malformed reply separator %q", line)
		}
	}
}

func writeCommand(conn *lineio.Conn, format string, args ...interface{}) error {
	cmd := fmt.Sprintf(format, args...)
	if _, err := fmt.Fprintf(conn.Writer(), "%s\r\n", cmd); err != nil {
		return err
	}
	return conn.Flush()
}

// Greet consumes the 220 banner and performs EHLO, falling back to
// HELO on a 5xx EHLO response.
func Greet(conn *lineio.Conn, helo string) (*Session, error) {
	banner, err := readReply(conn)
	if err != nil {
		return nil, fmt.Errorf("outbound: reading banner: %w", err)
	}
	if banner.code != 220 {
		return nil, fmt.Errorf("outbound: unexpected banner: %s", banner)
	}

	s := &Session{conn: conn}
	if err := s.ehlo(helo); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) ehlo(helo string) error {
	s.helo = helo
	if err := writeCommand(s.conn, "EHLO %s", helo); err != nil {
		return err
	}
	r, err := readReply(s.conn)
	if err != nil {
		return err
	}

	if r.code/100 == 5 {
		if err := writeCommand(s.conn, "HELO %s", helo); err != nil {
			return err
		}
		hr, err := readReply(s.conn)
		if err != nil {
			return err
		}
		if hr.code != 250 {
			return fmt.Errorf("outbound: HELO rejected: %s", hr)
		}
		s.exts = 0
		return nil
	}
	if r.code != 250 {
		return fmt.Errorf("outbound: EHLO rejected: %s", r)
	}

	s.exts = 0
	if len(r.lines) > 1 {
		for _, line := range r.lines[1:] {
			s.parseExtension(line)
		}
	}
	return nil
}

func (s *Session) parseExtension(line string) {
	verb, params := lineio.SplitCommand(line)
	switch verb {
	case "SIZE":
		s.exts |= ExtSize
		if n, err := strconv.ParseInt(strings.TrimSpace(params), 10, 64); err == nil {
			s.maxSize = n
		}
	case "PIPELINING":
		s.exts |= ExtPipelining
	case "STARTTLS":
		s.exts |= ExtStartTLS
	case "8BITMIME":
		s.exts |= Ext8BitMIME
	case "CHUNKING":
		s.exts |= ExtChunking
	}
}

// Has reports whether the remote advertised the given extension.
func (s *Session) Has(e Ext) bool { return s.exts&e != 0 }

// MaxSize is the remote's advertised SIZE limit, or 0 if not
// advertised.
func (s *Session) MaxSize() int64 { return s.maxSize }

// certRoots lets tests override the root pool used to validate
// certificates; nil means "use the system roots".
var certRoots *x509.CertPool

// StartTLS issues STARTTLS, performs the handshake over raw (the
// underlying net.Conn), and re-issues EHLO as required by RFC 3207.
// It returns ErrNoStartTLS without touching the connection if the
// remote never advertised the extension.
func (s *Session) StartTLS(raw net.Conn, serverName string) error {
	if !s.Has(ExtStartTLS) {
		return ErrNoStartTLS
	}
	if err := writeCommand(s.conn, "STARTTLS"); err != nil {
		return err
	}
	r, err := readReply(s.conn)
	if err != nil {
		return err
	}
	if r.code != 220 {
		return fmt.Errorf("outbound: STARTTLS rejected: %s", r)
	}

	cfg := &tls.Config{
		ServerName: serverName,
		// Self-signed and invalid certificates are common among mail
		// servers; verify separately so we can classify rather than
		// outright reject, following the teacher's same trade-off.
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			s.SecLevel = verifyConnection(cs)
			return nil
		},
	}
	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return fmt.Errorf("outbound: TLS handshake: %w", err)
	}
	s.conn.SetRaw(tlsConn)
	state := tlsConn.ConnectionState()
	s.TLSState = &state

	return s.ehlo(s.helo)
}

func verifyConnection(cs tls.ConnectionState) SecLevel {
	if len(cs.PeerCertificates) == 0 {
		return SecTLSInsecure
	}
	opts := x509.VerifyOptions{
		DNSName:       cs.ServerName,
		Intermediates: x509.NewCertPool(),
		Roots:         certRoots,
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	if _, err := cs.PeerCertificates[0].Verify(opts); err != nil {
		return SecTLSInsecure
	}
	return SecTLSSecure
}

// RecipientResult is one recipient's outcome from a MailAndRcpt call.
type RecipientResult struct {
	Addr  string
	Class byte // 'r' accepted, 's' temp rejected, 'h' perm rejected
	Reply string
}

// MailAndRcpt issues MAIL FROM followed by one RCPT TO per recipient,
// pipelining the whole burst in one write when the remote advertised
// PIPELINING, and reading the replies back in order regardless. A
// rejected MAIL FROM aborts the whole attempt; a rejected RCPT TO only
// drops that one recipient.
func (s *Session) MailAndRcpt(from string, rcpts []string, size int64, eightBit bool) ([]RecipientResult, error) {
	mailCmd := fmt.Sprintf("MAIL FROM:<%s>", from)
	if s.Has(ExtSize) && size > 0 {
		mailCmd += fmt.Sprintf(" SIZE=%d", size)
	}
	if s.Has(Ext8BitMIME) {
		if eightBit {
			mailCmd += " BODY=8BITMIME"
		} else {
			mailCmd += " BODY=7BIT"
		}
	}

	cmds := make([]string, 0, len(rcpts)+1)
	cmds = append(cmds, mailCmd)
	for _, rcpt := range rcpts {
		cmds = append(cmds, fmt.Sprintf("RCPT TO:<%s>", rcpt))
	}

	if s.Has(ExtPipelining) {
		var buf bytes.Buffer
		for _, c := range cmds {
			fmt.Fprintf(&buf, "%s\r\n", c)
		}
		if _, err := s.conn.Writer().Write(buf.Bytes()); err != nil {
			return nil, err
		}
		if err := s.conn.Flush(); err != nil {
			return nil, err
		}
	}

	results := make([]RecipientResult, 0, len(rcpts))
	for i, c := range cmds {
		if !s.Has(ExtPipelining) {
			if err := writeCommand(s.conn, "%s", c); err != nil {
				return nil, err
			}
		}
		r, err := readReply(s.conn)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			if r.code/100 != 2 {
				return nil, fmt.Errorf("outbound: MAIL FROM rejected: %s", r)
			}
			continue
		}

		class := byte('h')
		switch r.code / 100 {
		case 2:
			class = 'r'
		case 4:
			class = 's'
		}
		results = append(results, RecipientResult{
			Addr:  rcpts[i-1],
			Class: class,
			Reply: r.String(),
		})
	}
	return results, nil
}

// AnyAccepted reports whether at least one recipient was accepted.
func AnyAccepted(results []RecipientResult) bool {
	for _, r := range results {
		if r.Class == 'r' {
			return true
		}
	}
	return false
}

// Data sends the message body via the classic DATA command,
// dot-stuffing as it goes, and returns the final reply code and text.
// data is assumed to use '\n'-terminated lines (the internal
// representation qqueue.ReadBody produces).
func (s *Session) Data(data []byte) (int, string, error) {
	if err := writeCommand(s.conn, "DATA"); err != nil {
		return 0, "", err
	}
	r, err := readReply(s.conn)
	if err != nil {
		return 0, "", err
	}
	if r.code != 354 {
		return r.code, r.String(), nil
	}

	if err := writeDotStuffed(s.conn.Writer(), data); err != nil {
		return 0, "", err
	}
	if err := s.conn.Flush(); err != nil {
		return 0, "", err
	}

	fr, err := readReply(s.conn)
	if err != nil {
		return 0, "", err
	}
	return fr.code, fr.String(), nil
}

func writeDotStuffed(w io.Writer, data []byte) error {
	lines := bytes.Split(data, []byte("\n"))
	// bytes.Split on a trailing '\n' yields one extra empty element;
	// drop it so we don't emit a spurious blank line.
	if n := len(lines); n > 0 && len(lines[n-1]) == 0 {
		lines = lines[:n-1]
	}
	for _, line := range lines {
		if len(line) > 0 && line[0] == '.' {
			if _, err := w.Write([]byte{'.'}); err != nil {
				return err
			}
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte(".\r\n"))
	return err
}

// BDAT sends the message body in CHUNKING-framed pieces of at most
// chunkSize bytes, the last marked LAST, and returns the final reply.
// An empty message still sends a single "BDAT 0 LAST".
func (s *Session) BDAT(data []byte, chunkSize int) (int, string, error) {
	if chunkSize <= 0 {
		chunkSize = 32768
	}

	offset := 0
	for {
		end := offset + chunkSize
		last := false
		if end >= len(data) {
			end = len(data)
			last = true
		}
		chunk := data[offset:end]

		verb := fmt.Sprintf("BDAT %d", len(chunk))
		if last {
			verb += " LAST"
		}
		if _, err := fmt.Fprintf(s.conn.Writer(), "%s\r\n", verb); err != nil {
			return 0, "", err
		}
		if _, err := s.conn.Writer().Write(chunk); err != nil {
			return 0, "", err
		}
		if err := s.conn.Flush(); err != nil {
			return 0, "", err
		}

		r, err := readReply(s.conn)
		if err != nil {
			return 0, "", err
		}
		if last || r.code/100 != 2 {
			return r.code, r.String(), nil
		}
		offset = end
	}
}

// Quit sends QUIT and discards the reply; errors are ignored since the
// session is ending regardless.
func (s *Session) Quit() {
	if err := writeCommand(s.conn, "QUIT"); err != nil {
		return
	}
	readReply(s.conn)
}
