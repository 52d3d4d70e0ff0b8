package qqueue

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// ReceivedInfo carries the fields that go into the Received: header this
// server prepends to every accepted message.
type ReceivedInfo struct {
	RemoteName  string // validated PTR name, or "" if none
	RemoteAddr  string // address literal, e.g. "1.2.3.4" or "[::1]"
	HELO        string
	AuthID      string // SASL identity, "" if unauthenticated
	ServerName  string
	ServerProto string // "SMTP", "ESMTP", or "ESMTPS"
	FirstRcpt   string
	Now         time.Time
}

// BuildReceived formats the Received: header value (without the
// trailing key; see envelope.AddHeader) per RFC 5321 section 4.4 and
// RFC 5322 section 3.6.7's date grammar.
func BuildReceived(ri ReceivedInfo) string {
	var b strings.Builder
	if ri.RemoteName != "" {
		fmt.Fprintf(&b, "from %s (%s [%s])\n", ri.HELO, ri.RemoteName, ri.RemoteAddr)
	} else {
		fmt.Fprintf(&b, "from %s ([%s])\n", ri.HELO, ri.RemoteAddr)
	}
	fmt.Fprintf(&b, "by %s with %s\n", ri.ServerName, ri.ServerProto)
	if ri.AuthID != "" {
		fmt.Fprintf(&b, "(authenticated as %s)\n", ri.AuthID)
	}
	fmt.Fprintf(&b, "for <%s>; %s\n", ri.FirstRcpt, ri.Now.Format(time.RFC1123Z))
	return b.String()
}

// BuildReceivedSPF formats the Received-SPF: header value, per
// https://tools.ietf.org/html/rfc7208#section-9.1.
func BuildReceivedSPF(result, explanation string) string {
	if explanation == "" {
		return result
	}
	return fmt.Sprintf("%s (%s)", result, explanation)
}

// CheckSanity enforces the basic header well-formedness invariants:
// exactly one Date: and one From:, and (when strict is true) no bytes
// ≥ 0x80 anywhere in the headers.
func CheckSanity(data []byte, strict bool) error {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("5.6.0 error parsing message: %v", err)
	}

	if n := len(msg.Header["Date"]); n != 1 {
		return fmt.Errorf("5.6.0 message must have exactly one Date header, has %d", n)
	}
	if n := len(msg.Header["From"]); n != 1 {
		return fmt.Errorf("5.6.0 message must have exactly one From header, has %d", n)
	}

	if strict {
		headerEnd := bytes.Index(data, []byte("\r\n\r\n"))
		if headerEnd < 0 {
			headerEnd = bytes.Index(data, []byte("\n\n"))
		}
		if headerEnd < 0 {
			headerEnd = len(data)
		}
		for _, c := range data[:headerEnd] {
			if c >= 0x80 {
				return fmt.Errorf("5.6.0 8-bit byte in header of a non-8BITMIME message")
			}
		}
	}

	return nil
}

// CheckLoop detects two well-known loop conditions: too many Received
// hops, and a Delivered-To: line that already names one of the
// recipients this message is about to be delivered to.
func CheckLoop(data []byte, recipients []string, maxReceived int) error {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("5.6.0 error parsing message: %v", err)
	}

	if n := len(msg.Header["Received"]); n > maxReceived {
		return fmt.Errorf("5.4.6 loop detected (%d hops)", n)
	}

	for _, dt := range msg.Header["Delivered-To"] {
		dt = strings.TrimSpace(dt)
		for _, rcpt := range recipients {
			if strings.EqualFold(dt, rcpt) {
				return fmt.Errorf("5.4.6 loop detected (Delivered-To: %s)", dt)
			}
		}
	}

	return nil
}
