package outbound

import (
	"context"
	"errors"
	"net"
	"time"

	"blitiri.com.ar/go/qsmtpd/internal/iplist"
)

// ErrExhausted means every candidate in the list has been tried and
// failed, or the list was empty to begin with.
var ErrExhausted = errors.New("outbound: no more candidates to try")

// Dialer is the subset of net.Dialer used to connect, so tests can
// substitute a fake.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TryConnect scans list for the next untried candidate (in priority
// order) and attempts to connect to it, binding outboundIP as the
// local address if non-nil. On success the candidate is marked Active
// (and every earlier still-Pending candidate Tried, per
// iplist.MarkActive); on failure the candidate is marked Tried and the
// next one is attempted. Returns ErrExhausted once no candidates
// remain.
func TryConnect(ctx context.Context, list *iplist.List, port string, outboundIP net.IP, dialTimeout time.Duration) (net.Conn, *iplist.Candidate, error) {
	var lastErr error
	for {
		c := list.NextPending()
		if c == nil {
			if lastErr != nil {
				return nil, nil, lastErr
			}
			return nil, nil, ErrExhausted
		}

		dialer := &net.Dialer{Timeout: dialTimeout}
		if outboundIP != nil {
			dialer.LocalAddr = &net.TCPAddr{IP: outboundIP}
		}

		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		conn, err := dialer.DialContext(dctx, "tcp", net.JoinHostPort(c.Addr.String(), port))
		cancel()

		if err != nil {
			lastErr = err
			list.MarkTried(c)
			continue
		}
		list.MarkActive(c)
		return conn, c, nil
	}
}
