package qsmtpd

import (
	"crypto/tls"
	"testing"

	"blitiri.com.ar/go/qsmtpd/internal/testlib"
)

// selfSignedConfig builds a throwaway server *tls.Config for
// exercising a real STARTTLS handshake end to end.
func selfSignedConfig(t *testing.T) *tls.Config {
	t.Helper()
	dir := t.TempDir()
	if _, err := testlib.GenerateCert(dir, "mail.example.com"); err != nil {
		t.Fatalf("generating certificate: %v", err)
	}
	cert, err := tls.LoadX509KeyPair(dir+"/cert.pem", dir+"/key.pem")
	if err != nil {
		t.Fatalf("loading generated certificate: %v", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func TestHandleSTARTTLSNoConfig(t *testing.T) {
	c := newTestConn(testConfig())
	code, _ := c.handleSTARTTLS("")
	if code != 454 {
		t.Errorf("STARTTLS without TLSConfig code = %d, want 454", code)
	}
}

func TestHandleSTARTTLSAlreadyOn(t *testing.T) {
	cfg := testConfig()
	cfg.TLSConfig = selfSignedConfig(t)
	c := newTestConn(cfg)
	c.onTLS = true

	code, _ := c.handleSTARTTLS("")
	if code != 503 {
		t.Errorf("STARTTLS while already on TLS code = %d, want 503", code)
	}
}

func TestHandleSTARTTLSHandshake(t *testing.T) {
	cfg := testConfig()
	cfg.TLSConfig = selfSignedConfig(t)

	br, client := newTestSession(t, cfg)
	defer client.Close()
	readReply(t, br) // banner

	client.Write([]byte("EHLO a.example\r\n"))
	readReply(t, br)

	client.Write([]byte("MAIL FROM:<sender@example.org>\r\n"))
	readReply(t, br)

	client.Write([]byte("STARTTLS\r\n"))
	code, _ := readReply(t, br)
	if code != 220 {
		t.Fatalf("STARTTLS code = %d, want 220", code)
	}

	tlsClient := tls.Client(client, &tls.Config{
		ServerName:         "sni.example.com",
		InsecureSkipVerify: true,
	})
	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	defer tlsClient.Close()

	// The envelope and HELO state reset on STARTTLS per RFC 3207: a
	// RCPT without a fresh EHLO/MAIL FROM on the encrypted channel must
	// fail with a bad-sequence error, not relay the pre-TLS state.
	writeTLSLine(t, tlsClient, "RCPT TO:<rcpt@example.com>\r\n")
	code = readTLSReplyCode(t, tlsClient)
	if code != 503 {
		t.Errorf("RCPT immediately after STARTTLS code = %d, want 503", code)
	}
}

func writeTLSLine(t *testing.T, conn *tls.Conn, line string) {
	t.Helper()
	if _, err := conn.Write([]byte(line)); err != nil {
		t.Fatalf("writing over TLS: %v", err)
	}
}

func readTLSReplyCode(t *testing.T, conn *tls.Conn) int {
	t.Helper()
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("reading over TLS: %v", err)
	}
	line := string(buf[:n])
	if len(line) < 3 {
		t.Fatalf("short TLS reply %q", line)
	}
	code := 0
	for _, d := range line[:3] {
		if d < '0' || d > '9' {
			t.Fatalf("malformed reply code in %q", line)
		}
		code = code*10 + int(d-'0')
	}
	return code
}
