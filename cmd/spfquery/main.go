// spfquery evaluates an SPF policy from the command line.
//
// Not for production use: development and experimentation only.
//
// Usage: spfquery <ip> <sender> [helo]
package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"blitiri.com.ar/go/qsmtpd/internal/envelope"
	"blitiri.com.ar/go/qsmtpd/internal/spf"
)

func main() {
	flag.Parse()

	if flag.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "usage: spfquery <ip> <sender> [helo]")
		os.Exit(2)
	}

	ip := net.ParseIP(flag.Arg(0))
	sender := flag.Arg(1)
	helo := flag.Arg(2)

	domain := envelope.DomainOf(sender)
	if domain == "" {
		domain = helo
	}

	r, expl, err := spf.CheckHost(&spf.Context{
		Sender: sender,
		IP:     ip,
		HELO:   helo,
	}, domain)

	fmt.Println(r)
	if expl != "" {
		fmt.Println(expl)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
