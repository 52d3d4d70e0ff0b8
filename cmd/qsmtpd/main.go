// qsmtpd is an inbound SMTP server, with a focus on simplicity,
// security, and ease of operation.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/systemd"

	"blitiri.com.ar/go/qsmtpd/internal/config"
	"blitiri.com.ar/go/qsmtpd/internal/qqueue"
	"blitiri.com.ar/go/qsmtpd/internal/qsmtpd"
)

var (
	controlDir = flag.String("control_dir", "/var/qmail/control",
		"control/ directory to load configuration from")
	domainsRoot = flag.String("domains_root", "/var/qmail/users",
		"vpopmail-style domains root directory")
	globalConfDir = flag.String("global_conf_dir", "",
		"fallback scope for per-user policy file lookups, empty to disable")
	vpopCDBPath = flag.String("vpop_cdb_path", "",
		"vpopmail users/cdb path, empty to derive from domains_root")
	queueBin = flag.String("queue_bin", "/var/qmail/bin/qmail-queue",
		"path to the queue-injection binary")
	listenAddr = flag.String("addr", ":smtp",
		"address to listen on, or \"systemd\" to take a named socket "+
			"(\"smtp\") from socket activation")
	haproxy    = flag.Bool("haproxy", false,
		"accept a PROXY protocol v1 preamble before the SMTP banner")
	showVer = flag.Bool("version", false, "show version and exit")
)

var version = "undefined"

func main() {
	flag.Parse()
	log.Init()

	parseVersionInfo()

	if *showVer {
		fmt.Printf("qsmtpd %s\n", version)
		return
	}

	log.Infof("qsmtpd starting (version %s)", version)
	rand.Seed(time.Now().UnixNano())

	cc, err := config.Load(*controlDir)
	if err != nil {
		log.Fatalf("error loading control dir %q: %v", *controlDir, err)
	}
	config.LogConfig(cc)

	launchMonitoringServer(cc)

	go signalHandler()

	cfg := &qsmtpd.Config{
		Hostname:           cc.HELOHost,
		MaxDataSize:        cc.DataBytes,
		LocalDomains:       cc.RcptHosts,
		CommandTimeout:     cc.TimeoutSMTPD,
		SessionTimeout:     20 * time.Minute,
		TarpitDelay:        2 * time.Second,
		MaxBadCommands:     5,
		MaxReceivedHeaders: 100,
		DomainsRoot:        *domainsRoot,
		GlobalConfDir:      *globalConfDir,
		VpopCDBPath:        vpopCDBPathOrDefault(),
		BounceCommand:      cc.VpopBounce,
		Queue: &qqueue.Queue{
			Binary:  *queueBin,
			Timeout: 5 * time.Minute,
		},
		HAProxyEnabled:    *haproxy,
		StrictHeaderCheck: true,
	}

	if cc.ServerCertPath != "" {
		// control/servercert.pem bundles certificate and key in one
		// file, the qmail-tls convention; LoadX509KeyPair scans each
		// argument independently for the block type it wants, so
		// passing the same path twice works.
		cert, err := tls.LoadX509KeyPair(cc.ServerCertPath, cc.ServerCertPath)
		if err != nil {
			log.Errorf("error loading server certificate: %v", err)
		} else {
			cfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		}
	}

	// command-line surface per the helper convention: argv[1] is the
	// AUTH realm, argv[2] the checkpassword-style helper path,
	// argv[3..] its own sub-command arguments.
	if args := flag.Args(); len(args) >= 2 {
		cfg.AuthRealm = args[0]
		cfg.CheckpasswordPath = args[1]
		cfg.CheckpasswordArgs = args[2:]
	}

	srv := qsmtpd.NewServer(cfg)
	if *listenAddr == "systemd" {
		ls, err := systemd.Listeners()
		if err != nil {
			log.Fatalf("error getting systemd listeners: %v", err)
		}
		if len(ls["smtp"]) == 0 {
			log.Fatalf("no \"smtp\" named socket from systemd")
		}
		srv.AddListeners(ls["smtp"], qsmtpd.ModeSMTP)
	} else {
		srv.AddAddr(*listenAddr, qsmtpd.ModeSMTP)
	}
	srv.ListenAndServe()
}

func vpopCDBPathOrDefault() string {
	if *vpopCDBPath != "" {
		return *vpopCDBPath
	}
	return *domainsRoot + "/cdb"
}

func signalHandler() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigs
	log.Infof("received signal %v, exiting", s)
	os.Exit(0)
}
