// qmail-remote delivers one message to a remote host, reading the
// message body from stdin and writing the caller protocol result (a
// status byte and per-recipient replies) to stdout.
//
// Usage: qmail-remote host sender recipient...
package main

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/qsmtpd/internal/config"
	"blitiri.com.ar/go/qsmtpd/internal/dnsres"
	"blitiri.com.ar/go/qsmtpd/internal/outbound"
)

func main() {
	if len(os.Args) < 4 {
		log.Errorf("usage: qmail-remote host sender recipient...")
		os.Exit(111)
	}
	target := os.Args[1]
	from := os.Args[2]
	rcpts := os.Args[3:]

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		outbound.WriteFatal(os.Stdout, outbound.StatusTemp, "reading message: "+err.Error())
		os.Exit(0)
	}

	controlDir := os.Getenv("QMAILREMOTE_CONTROLDIR")
	if controlDir == "" {
		controlDir = "/var/qmail/control"
	}
	cc, err := config.Load(controlDir)
	if err != nil {
		outbound.WriteFatal(os.Stdout, outbound.StatusTemp, "loading control: "+err.Error())
		os.Exit(0)
	}

	cfg := outbound.Config{
		HelloDomain:    cc.HELOHost,
		Port:           "25",
		DialTimeout:    1 * time.Minute,
		SessionTimeout: cc.TimeoutRemote,
		ChunkSize:      int(cc.ChunkSizeRemote),
		UseTLS:         true,
		Routes:         outbound.Routes(cc.SMTPRoutes),
	}
	if cc.OutgoingIP != "" {
		if ip := net.ParseIP(cc.OutgoingIP); ip != nil {
			cfg.OutboundIP = ip
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.SessionTimeout+cfg.DialTimeout)
	defer cancel()

	outcome := outbound.Deliver(ctx, dnsres.Default, cfg, target, from, rcpts, data)
	if err := outbound.WriteResult(os.Stdout, outcome.Overall, outcome.OverallReply, outcome.Recipients); err != nil {
		log.Errorf("writing result: %v", err)
		os.Exit(111)
	}
}
