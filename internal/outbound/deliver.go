package outbound

import (
	"context"
	"fmt"
	"net"
	"time"

	"blitiri.com.ar/go/qsmtpd/internal/iplist"
	"blitiri.com.ar/go/qsmtpd/internal/lineio"
)

// Config holds the knobs a delivery attempt needs, sourced from the
// control/ files (control/timeoutremote, control/chunksizeremote,
// control/outgoingip, control/smtproutes) by the caller.
type Config struct {
	HelloDomain    string
	OutboundIP     net.IP
	Port           string
	DialTimeout    time.Duration
	SessionTimeout time.Duration
	ChunkSize      int
	UseTLS         bool
	Routes         Routes
}

func (c Config) port() string {
	if c.Port != "" {
		return c.Port
	}
	return "25"
}

func (c Config) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return 1 * time.Minute
}

func (c Config) sessionTimeout() time.Duration {
	if c.SessionTimeout > 0 {
		return c.SessionTimeout
	}
	return 10 * time.Minute
}

// Outcome is the result of a Deliver call, ready to be formatted via
// WriteResult.
type Outcome struct {
	Overall      byte
	OverallReply string
	Recipients   []RecipientResult
}

// Deliver resolves target, tries each candidate in priority order
// until one completes a session (successfully or with a permanent
// failure), and reports the outcome. A candidate that fails to connect
// or errors out transiently during the session is marked Tried and the
// next one is attempted; once the list is exhausted the whole delivery
// is reported as a temporary failure, matching "all MXs returned
// transient failures" semantics.
func Deliver(ctx context.Context, router Router, cfg Config, target, from string, rcpts []string, data []byte) Outcome {
	list, err := ResolveRoute(router, target, cfg.Routes)
	if err != nil {
		return Outcome{Overall: StatusTemp, OverallReply: err.Error()}
	}

	var lastErr error
	for {
		conn, cand, err := TryConnect(ctx, list, cfg.port(), cfg.OutboundIP, cfg.dialTimeout())
		if err != nil {
			if lastErr != nil {
				return Outcome{Overall: StatusTemp, OverallReply: fmt.Sprintf("all MXs returned transient failures (last: %v)", lastErr)}
			}
			return Outcome{Overall: StatusTemp, OverallReply: fmt.Sprintf("could not connect: %v", err)}
		}

		outcome, permanent, attemptErr := attempt(ctx, conn, cfg, cand, from, rcpts, data)
		if attemptErr == nil {
			return outcome
		}
		if permanent {
			return Outcome{Overall: StatusPermanent, OverallReply: attemptErr.Error()}
		}
		lastErr = attemptErr
		list.MarkTried(cand)
	}
}

func attempt(ctx context.Context, raw net.Conn, cfg Config, cand *iplist.Candidate, from string, rcpts []string, data []byte) (Outcome, bool, error) {
	defer raw.Close()
	lc := lineio.New(raw, cfg.sessionTimeout())

	s, err := Greet(lc, cfg.HelloDomain)
	if err != nil {
		return Outcome{}, false, err
	}

	if cfg.UseTLS {
		if err := s.StartTLS(raw, cand.Name); err != nil && err != ErrNoStartTLS {
			// A STARTTLS handshake failure is retried without TLS by
			// convention elsewhere (inbound); for outbound we treat it
			// as transient and move to the next candidate, since the
			// remote may simply have a broken TLS stack.
			return Outcome{}, false, err
		}
	}

	eightBit := true
	results, err := s.MailAndRcpt(from, rcpts, int64(len(data)), eightBit)
	if err != nil {
		return Outcome{}, false, err
	}
	if !AnyAccepted(results) {
		s.Quit()
		return Outcome{Overall: StatusPermanent, OverallReply: "all recipients rejected", Recipients: results}, false, nil
	}

	var code int
	var text string
	if s.Has(ExtChunking) {
		code, text, err = s.BDAT(data, cfg.ChunkSize)
	} else {
		code, text, err = s.Data(data)
	}
	if err != nil {
		return Outcome{}, false, err
	}
	s.Quit()

	return Outcome{Overall: OverallFor(code), OverallReply: text, Recipients: results}, false, nil
}
