package outbound

import (
	"bytes"
	"io"
)

// Overall status bytes for the outbound caller protocol.
const (
	StatusAccepted  byte = 'K'
	StatusTemp      byte = 'Z'
	StatusPermanent byte = 'D'
)

// WriteResult formats the outbound caller protocol onto w: the overall
// status byte followed by its reply text, then one byte+reply pair per
// recipient (r/s/h), each NUL-terminated.
func WriteResult(w io.Writer, overall byte, overallReply string, rcpts []RecipientResult) error {
	var b bytes.Buffer
	b.WriteByte(overall)
	b.WriteString(overallReply)
	b.WriteByte(0)
	for _, r := range rcpts {
		b.WriteByte(r.Class)
		b.WriteString(r.Reply)
		b.WriteByte(0)
	}
	_, err := w.Write(b.Bytes())
	return err
}

// WriteFatal formats a pre-session failure (no usable MX, configuration
// error, connection exhaustion): a single status byte, message, and
// trailing newline, matching the caller protocol's local-failure form.
func WriteFatal(w io.Writer, status byte, msg string) error {
	_, err := io.WriteString(w, string(status)+msg+"\n")
	return err
}

// OverallFor maps a final SMTP reply code (from DATA/BDAT) to the
// caller protocol's overall status byte.
func OverallFor(code int) byte {
	switch code / 100 {
	case 2:
		return StatusAccepted
	case 4:
		return StatusTemp
	default:
		return StatusPermanent
	}
}
