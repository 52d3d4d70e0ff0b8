package outbound

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"blitiri.com.ar/go/qsmtpd/internal/lineio"
)

// scriptedServer feeds a fixed conversation over one end of a net.Pipe:
// for each expected client line, it writes back the given reply (which
// may itself be multi-line, CRLF already included). It stops once the
// script is exhausted (or on a read or write error); lines the client
// sends after that are not read.
func scriptedServer(t *testing.T, conn net.Conn, banner string, steps []struct {
	expectPrefix string
	reply        string
}) {
	t.Helper()
	go func() {
		r := bufio.NewReader(conn)
		conn.Write([]byte(banner))
		for _, step := range steps {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if step.expectPrefix != "" && !strings.HasPrefix(line, step.expectPrefix) {
				t.Errorf("server got %q, expected prefix %q", line, step.expectPrefix)
			}
			if _, err := conn.Write([]byte(step.reply)); err != nil {
				return
			}
		}
	}()
}

func TestSessionGreetEHLOAndPipelinedRcpt(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	scriptedServer(t, server, "220 mx.example.com ESMTP\r\n", []struct {
		expectPrefix string
		reply        string
	}{
		{"EHLO ", "250-mx.example.com\r\n250-PIPELINING\r\n250-SIZE 1000000\r\n250 8BITMIME\r\n"},
		{"MAIL FROM:", "250 ok\r\n"},
		{"RCPT TO:<r1", "250 ok\r\n"},
		{"RCPT TO:<r2", "550 no such user\r\n"},
	})

	lc := lineio.New(client, 5*time.Second)
	s, err := Greet(lc, "sender.example.com")
	if err != nil {
		t.Fatalf("Greet: %v", err)
	}
	if !s.Has(ExtPipelining) || !s.Has(ExtSize) || !s.Has(Ext8BitMIME) {
		t.Fatalf("extensions not parsed: got mask %v", s.exts)
	}
	if s.Has(ExtStartTLS) {
		t.Errorf("STARTTLS was not advertised but Has reports true")
	}
	if s.MaxSize() != 1000000 {
		t.Errorf("got max size %d, want 1000000", s.MaxSize())
	}

	results, err := s.MailAndRcpt("from@example.com", []string{"r1@example.com", "r2@example.com"}, 100, true)
	if err != nil {
		t.Fatalf("MailAndRcpt: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Class != 'r' || results[1].Class != 'h' {
		t.Errorf("got classes %c, %c, want r, h", results[0].Class, results[1].Class)
	}
}

func TestSessionEHLOFallsBackToHELO(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	scriptedServer(t, server, "220 mx.example.com SMTP\r\n", []struct {
		expectPrefix string
		reply        string
	}{
		{"EHLO ", "500 command not recognized\r\n"},
		{"HELO ", "250 mx.example.com\r\n"},
	})

	lc := lineio.New(client, 5*time.Second)
	s, err := Greet(lc, "sender.example.com")
	if err != nil {
		t.Fatalf("Greet: %v", err)
	}
	if s.exts != 0 {
		t.Errorf("expected no extensions after HELO fallback, got %v", s.exts)
	}
}

func TestSessionDataDotStuffing(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var receivedBody string
	bodyRead := make(chan struct{})
	go func() {
		r := bufio.NewReader(server)
		server.Write([]byte("220 mx ESMTP\r\n"))
		r.ReadString('\n') // EHLO
		server.Write([]byte("250 mx\r\n"))
		r.ReadString('\n') // DATA
		server.Write([]byte("354 go ahead\r\n"))
		var b strings.Builder
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			b.WriteString(line)
			if line == ".\r\n" {
				break
			}
		}
		receivedBody = b.String()
		close(bodyRead)
		server.Write([]byte("250 ok queued\r\n"))
	}()

	lc := lineio.New(client, 5*time.Second)
	s, err := Greet(lc, "sender.example.com")
	if err != nil {
		t.Fatalf("Greet: %v", err)
	}

	code, text, err := s.Data([]byte("Subject: x\n.leading dot\nbody\n"))
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if code != 250 {
		t.Errorf("got code %d, want 250", code)
	}
	if !strings.Contains(text, "ok queued") {
		t.Errorf("got text %q", text)
	}

	<-bodyRead
	want := "Subject: x\r\n..leading dot\r\nbody\r\n.\r\n"
	if receivedBody != want {
		t.Errorf("got body %q, want %q", receivedBody, want)
	}
}
