package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/qsmtpd/internal/config"
	"blitiri.com.ar/go/qsmtpd/internal/expvarom"
	"blitiri.com.ar/go/qsmtpd/internal/nettrace"

	// To enable live profiling in the monitoring server.
	_ "net/http/pprof"
)

var monitoringAddr = flag.String("monitoring_addr", "",
	"address to listen on for the monitoring HTTP server, empty to disable")

// Build information, overridden at build time using
// -ldflags="-X main.version=blah".
var sourceDateTs = ""

var (
	versionVar = expvar.NewString("qsmtpd/version")

	sourceDate      time.Time
	sourceDateVar   = expvar.NewString("qsmtpd/sourceDateStr")
	sourceDateTsVar = expvarom.NewInt("qsmtpd/sourceDateTimestamp",
		"timestamp when the binary was built, in seconds since epoch")
)

func parseVersionInfo() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	dirty := false
	gitRev := ""
	gitTime := ""
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.modified":
			if s.Value == "true" {
				dirty = true
			}
		case "vcs.time":
			gitTime = s.Value
		case "vcs.revision":
			gitRev = s.Value
		}
	}

	if sourceDateTs != "" {
		sdts, err := strconv.ParseInt(sourceDateTs, 10, 0)
		if err == nil {
			sourceDate = time.Unix(sdts, 0)
		}
	} else {
		sourceDate, _ = time.Parse(time.RFC3339, gitTime)
	}
	sourceDateVar.Set(sourceDate.Format("2006-01-02 15:04:05 -0700"))
	sourceDateTsVar.Set(sourceDate.Unix())

	if version == "undefined" || version == "" {
		version = sourceDate.Format("20060102")
		if gitRev != "" {
			version += fmt.Sprintf("-%.9s", gitRev)
		}
		if dirty {
			version += "-dirty"
		}
	}
	versionVar.Set(version)
}

func launchMonitoringServer(cc *config.Config) {
	if *monitoringAddr == "" {
		return
	}

	log.Infof("monitoring HTTP server listening on %s", *monitoringAddr)

	osHostname, _ := os.Hostname()

	indexData := struct {
		Version    string
		GoVersion  string
		SourceDate time.Time
		StartTime  time.Time
		Config     *config.Config
		Hostname   string
	}{
		Version:    version,
		GoVersion:  runtime.Version(),
		SourceDate: sourceDate,
		StartTime:  time.Now(),
		Config:     cc,
		Hostname:   osHostname,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if err := monitoringHTMLIndex.Execute(w, indexData); err != nil {
			log.Infof("monitoring handler error: %v", err)
		}
	})

	srv := &http.Server{Addr: *monitoringAddr, Handler: mux}

	mux.HandleFunc("/exit", exitHandler(srv))
	mux.HandleFunc("/metrics", expvarom.MetricsHandler)
	mux.HandleFunc("/debug/flags", debugFlagsHandler)
	mux.HandleFunc("/debug/config", debugConfigHandler(cc))
	mux.HandleFunc("/debug/traces", nettrace.RenderTraces)

	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("monitoring server failed: %v", err)
		}
	}()
}

var tmplFuncs = template.FuncMap{
	"since":         time.Since,
	"roundDuration": roundDuration,
}

var monitoringHTMLIndex = template.Must(
	template.New("index").Funcs(tmplFuncs).Parse(
		`<!DOCTYPE html>
<html>

<head>
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Hostname}}: qsmtpd monitoring</title>

<style type="text/css">
  body {
    font-family: sans-serif;
  }
  @media (prefers-color-scheme: dark) {
    body {
      background: #121212;
      color: #c9d1d9;
    }
    a { color: #44b4ec; }
  }
</style>
</head>

<body>
<h1>qsmtpd @{{.Config.Me}}</h1>

<p>
qsmtpd {{.Version}}<br>
source date {{.SourceDate.Format "2006-01-02 15:04:05 -0700"}}<br>
built with {{.GoVersion}}<br>
</p>

<p>
started {{.StartTime.Format "Mon, 2006-01-02 15:04:05 -0700"}}<br>
up for {{.StartTime | since | roundDuration}}<br>
os hostname <i>{{.Hostname}}</i><br>
</p>

<ul>
  <li>monitoring
    <ul>
      <li><a href="/debug/traces">traces</a>
      <li>exported variables:
          <a href="/debug/vars">expvar</a>,
          <a href="/metrics">openmetrics</a>
    </ul>
  <li>execution
    <ul>
      <li><a href="/debug/flags">flags</a>
      <li><a href="/debug/config">config</a>
      <li><a href="/debug/pprof/cmdline">command line</a>
    </ul>
  <li><a href="/debug/pprof">pprof</a>
    <ul>
    </ul>
</ul>
</body>

</html>
`))

func exitHandler(srv *http.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			http.Error(w, "use POST method for exiting", http.StatusMethodNotAllowed)
			return
		}

		log.Infof("received /exit")
		http.Error(w, "OK exiting", http.StatusOK)

		go func() {
			if err := srv.Shutdown(context.Background()); err != nil {
				log.Fatalf("monitoring server shutdown failed: %v", err)
			}
			os.Exit(0)
		}()
	}
}

func debugFlagsHandler(w http.ResponseWriter, _ *http.Request) {
	visited := make(map[string]bool)

	flag.Visit(func(f *flag.Flag) {
		fmt.Fprintf(w, "-%s=%s\n", f.Name, f.Value.String())
		visited[f.Name] = true
	})

	fmt.Fprintf(w, "\n")

	flag.VisitAll(func(f *flag.Flag) {
		if !visited[f.Name] {
			fmt.Fprintf(w, "-%s=%s\n", f.Name, f.Value.String())
		}
	})
}

func debugConfigHandler(cc *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "me: %q\n", cc.Me)
		fmt.Fprintf(w, "helohost: %q\n", cc.HELOHost)
		fmt.Fprintf(w, "databytes: %d\n", cc.DataBytes)
		fmt.Fprintf(w, "chunksizeremote: %d\n", cc.ChunkSizeRemote)
		fmt.Fprintf(w, "timeoutsmtpd: %s\n", cc.TimeoutSMTPD)
		fmt.Fprintf(w, "timeoutremote: %s\n", cc.TimeoutRemote)
		fmt.Fprintf(w, "forcesslauth: %v\n", cc.ForceSSLAuth)
		fmt.Fprintf(w, "smtproutes: %d entries\n", len(cc.SMTPRoutes))
	}
}

func roundDuration(d time.Duration) time.Duration {
	return d.Round(time.Second)
}
