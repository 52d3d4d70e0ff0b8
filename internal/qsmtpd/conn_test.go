package qsmtpd

import (
	"bufio"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"blitiri.com.ar/go/qsmtpd/internal/dnsres"
	"blitiri.com.ar/go/qsmtpd/internal/qqueue"
	"blitiri.com.ar/go/qsmtpd/internal/set"
)

// noRecordResolver answers every lookup with "no record", so the
// policy chain's DNS-backed checks (SPF, DNSBL/RHSBL zone lookups)
// resolve deterministically without touching the network.
type noRecordResolver struct{}

func (noRecordResolver) LookupPTR(net.IP) ([]string, dnsres.Status, error) { return nil, dnsres.NoRecord, nil }
func (noRecordResolver) LookupA(string) ([]net.IP, dnsres.Status, error)   { return nil, dnsres.NoRecord, nil }
func (noRecordResolver) LookupAAAA(string) ([]net.IP, dnsres.Status, error) {
	return nil, dnsres.NoRecord, nil
}
func (noRecordResolver) LookupMX(string) ([]dnsres.MXRecord, dnsres.Status, error) {
	return nil, dnsres.NoRecord, nil
}
func (noRecordResolver) LookupTXT(string) ([]string, dnsres.Status, error) {
	return nil, dnsres.NoRecord, nil
}

func testConfig() *Config {
	return &Config{
		Hostname:           "mail.example.com",
		MaxDataSize:        1000000,
		LocalDomains:       set.NewString("example.com"),
		CommandTimeout:     5 * time.Second,
		SessionTimeout:     time.Minute,
		MaxBadCommands:     3,
		MaxReceivedHeaders: 100,
		VpopCDBPath:        "/nonexistent/users.cdb",
		Resolver:           noRecordResolver{},
		testingDisableSPF:  true,
	}
}

// readReply reads one (possibly multiline) SMTP reply and returns its
// code and the text of each line.
func readReply(t *testing.T, r *bufio.Reader) (int, []string) {
	t.Helper()
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading reply: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			t.Fatalf("short reply line %q", line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			t.Fatalf("malformed reply code in %q: %v", line, err)
		}
		sep := line[3]
		lines = append(lines, line[4:])
		if sep == ' ' {
			return code, lines
		}
		if sep != '-' {
			t.Fatalf("unexpected reply separator %q in %q", sep, line)
		}
	}
}

func newTestSession(t *testing.T, cfg *Config) (*bufio.Reader, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	c := NewConn(server, cfg)
	go c.Handle()
	return bufio.NewReader(client), client
}

func TestBannerAndEHLO(t *testing.T) {
	br, client := newTestSession(t, testConfig())
	defer client.Close()

	code, _ := readReply(t, br)
	if code != 220 {
		t.Fatalf("banner code = %d, want 220", code)
	}

	client.Write([]byte("EHLO there.example\r\n"))
	code, lines := readReply(t, br)
	if code != 250 {
		t.Fatalf("EHLO code = %d, want 250", code)
	}
	if len(lines) == 0 || lines[0] != "mail.example.com" {
		t.Errorf("EHLO first line = %q, want hostname", lines)
	}
	if lines[len(lines)-1] != "HELP" {
		t.Errorf("EHLO last line = %q, want HELP", lines[len(lines)-1])
	}

	var sawStartTLS bool
	for _, l := range lines {
		if l == "STARTTLS" {
			sawStartTLS = true
		}
	}
	if !sawStartTLS {
		t.Errorf("EHLO reply missing STARTTLS: %v", lines)
	}

	client.Write([]byte("QUIT\r\n"))
	code, _ = readReply(t, br)
	if code != 221 {
		t.Errorf("QUIT code = %d, want 221", code)
	}
}

func TestBadSequenceOfCommands(t *testing.T) {
	br, client := newTestSession(t, testConfig())
	defer client.Close()
	readReply(t, br) // banner

	// RCPT before MAIL, after only a plain HELO: bad sequence.
	client.Write([]byte("HELO there.example\r\n"))
	readReply(t, br)

	client.Write([]byte("RCPT TO:<a@example.com>\r\n"))
	code, _ := readReply(t, br)
	if code != 503 {
		t.Errorf("RCPT before MAIL = %d, want 503", code)
	}
}

func TestUnknownCommand(t *testing.T) {
	br, client := newTestSession(t, testConfig())
	defer client.Close()
	readReply(t, br) // banner

	client.Write([]byte("BOGUS\r\n"))
	code, _ := readReply(t, br)
	if code != 500 {
		t.Errorf("unknown command = %d, want 500", code)
	}
}

func TestTooManyBadCommandsCloses(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBadCommands = 2
	br, client := newTestSession(t, cfg)
	defer client.Close()
	readReply(t, br) // banner

	for i := 0; i < 2; i++ {
		client.Write([]byte("BOGUS\r\n"))
		code, _ := readReply(t, br)
		if code != 500 {
			t.Fatalf("bad command %d = %d, want 500", i, code)
		}
	}

	// The third strike closes the connection with a multiline 550.
	client.Write([]byte("BOGUS\r\n"))
	code, lines := readReply(t, br)
	if code != 550 {
		t.Fatalf("final bad command = %d, want 550", code)
	}
	if len(lines) < 2 {
		t.Errorf("expected a multiline close reply, got %v", lines)
	}
}

func TestReHELOAfterMAILNeedsRSET(t *testing.T) {
	br, client := newTestSession(t, testConfig())
	defer client.Close()
	readReply(t, br) // banner

	client.Write([]byte("EHLO a.example\r\n"))
	readReply(t, br)

	client.Write([]byte("MAIL FROM:<sender@example.org>\r\n"))
	code, _ := readReply(t, br)
	if code != 250 {
		t.Fatalf("MAIL FROM = %d, want 250", code)
	}

	// Once MAIL FROM has been issued, a fresh EHLO is a bad sequence;
	// RSET ends the transaction, after which RCPT needs a new MAIL FROM.
	client.Write([]byte("EHLO a.example\r\n"))
	code, _ = readReply(t, br)
	if code != 503 {
		t.Errorf("EHLO after MAIL = %d, want 503", code)
	}

	client.Write([]byte("RSET\r\n"))
	readReply(t, br)

	client.Write([]byte("RCPT TO:<rcpt@example.com>\r\n"))
	code, _ = readReply(t, br)
	if code != 503 {
		t.Errorf("RCPT after RSET without MAIL = %d, want 503", code)
	}
}

func TestFullTransactionToQueue(t *testing.T) {
	dir := t.TempDir()
	bodyOut := dir + "/body.out"
	script := dir + "/fake-queue.sh"
	writeFakeQueueScript(t, script, bodyOut, 0)

	cfg := testConfig()
	cfg.Queue = &qqueue.Queue{Binary: script, Timeout: 5 * time.Second}

	br, client := newTestSession(t, cfg)
	defer client.Close()
	readReply(t, br) // banner

	client.Write([]byte("EHLO a.example\r\n"))
	readReply(t, br)

	client.Write([]byte("MAIL FROM:<sender@example.org>\r\n"))
	if code, _ := readReply(t, br); code != 250 {
		t.Fatalf("MAIL FROM code = %d", code)
	}

	client.Write([]byte("RCPT TO:<rcpt@example.com>\r\n"))
	if code, _ := readReply(t, br); code != 250 {
		t.Fatalf("RCPT TO code = %d", code)
	}

	client.Write([]byte("DATA\r\n"))
	if code, _ := readReply(t, br); code != 354 {
		t.Fatalf("DATA code = %d, want 354", code)
	}

	client.Write([]byte("Subject: hi\r\n\r\nbody line\r\n.\r\n"))
	code, _ := readReply(t, br)
	if code != 250 {
		t.Fatalf("after final dot code = %d, want 250", code)
	}
}

// writeFakeQueueScript writes a POSIX sh script mimicking a
// queue-injection binary: it copies its body (stdin) to bodyOut,
// drains the envelope pipe, and exits with exitCode.
func writeFakeQueueScript(t *testing.T, script, bodyOut string, exitCode int) {
	t.Helper()
	contents := "#!/bin/sh\n" +
		"cat > '" + bodyOut + "'\n" +
		"cat <&1 > /dev/null\n" +
		"exit " + strconv.Itoa(exitCode) + "\n"
	if err := os.WriteFile(script, []byte(contents), 0o755); err != nil {
		t.Fatalf("writing fake queue script: %v", err)
	}
}
