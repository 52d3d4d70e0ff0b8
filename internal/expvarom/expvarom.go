// Package expvarom exports variables both via expvar and in Prometheus'
// text exposition format, so the same counters shown on /debug/vars can be
// scraped directly.
//
// It only implements the subset we need: plain integers, and string-keyed
// maps of integers (used for per-label counters like "command" or
// "response code").
package expvarom

import (
	"bytes"
	"expvar"
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// exposable is implemented by every metric this package creates, so they
// can all be registered in the same Prometheus-text exposition handler.
type exposable interface {
	name() string
	writePromText(w *bytes.Buffer)
}

var (
	mu      sync.Mutex
	metrics []exposable
)

func register(m exposable) {
	mu.Lock()
	defer mu.Unlock()
	metrics = append(metrics, m)
}

// WritePromText writes all registered metrics in Prometheus' text
// exposition format, for use in an HTTP handler.
func WritePromText(w *bytes.Buffer) {
	mu.Lock()
	defer mu.Unlock()
	for _, m := range metrics {
		m.writePromText(w)
	}
}

// MetricsHandler is an http.HandlerFunc that serves all registered
// metrics in Prometheus' text exposition format.
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	buf := &bytes.Buffer{}
	WritePromText(buf)
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write(buf.Bytes())
}

// Int is an expvar.Int that is also exposed via Prometheus.
type Int struct {
	expvar.Int
	n    string
	help string
}

// NewInt creates, publishes, and returns a new Int with the given name and
// help text.
func NewInt(name, help string) *Int {
	v := &Int{n: name, help: help}
	expvar.Publish(name, &v.Int)
	register(v)
	return v
}

func (v *Int) name() string { return v.n }

func (v *Int) writePromText(w *bytes.Buffer) {
	fmt.Fprintf(w, "# HELP %s %s\n", promName(v.n), v.help)
	fmt.Fprintf(w, "# TYPE %s counter\n", promName(v.n))
	fmt.Fprintf(w, "%s %d\n", promName(v.n), v.Value())
}

// Map is a string-keyed map of counters, exposed both via expvar.Map and
// Prometheus, with a single label dimension.
type Map struct {
	expvar.Map
	n         string
	label     string
	help      string
}

// NewMap creates, publishes, and returns a new Map. label is the name of
// the single Prometheus label each entry in the map is keyed by (e.g.
// "command", "code").
func NewMap(name, label, help string) *Map {
	v := &Map{n: name, label: label, help: help}
	v.Map.Init()
	expvar.Publish(name, &v.Map)
	register(v)
	return v
}

func (v *Map) name() string { return v.n }

// Add increments the counter for the given key by delta.
func (v *Map) Add(key string, delta int64) {
	v.Map.Add(key, delta)
}

func (v *Map) writePromText(w *bytes.Buffer) {
	fmt.Fprintf(w, "# HELP %s %s\n", promName(v.n), v.help)
	fmt.Fprintf(w, "# TYPE %s counter\n", promName(v.n))

	keys := []string{}
	v.Map.Do(func(kv expvar.KeyValue) {
		keys = append(keys, kv.Key)
	})
	sort.Strings(keys)

	for _, k := range keys {
		iv := v.Map.Get(k)
		fmt.Fprintf(w, "%s{%s=%q} %s\n", promName(v.n), v.label, k, iv.String())
	}
}

// promName turns a "pkg/subpkg/name" expvar-style name into a
// Prometheus-friendly "pkg_subpkg_name" identifier.
func promName(s string) string {
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b[i] = c
		default:
			b[i] = '_'
		}
	}
	return string(b)
}
