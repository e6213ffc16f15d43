// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for gnssbus, rendered in the text exposition format without
// prometheus/client_golang.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	Events / Deliveries       →  key = "topic"
//	Transitions               →  key = "status"
//	Webhooks                  →  key = "topic\toutcome"
//	HTTPReqs                  →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt    →  key = "method\tpath"
//
// Values owned by other components (actor runtime, persist pools, the command
// lifecycle, the relay) are read at scrape time through Collectors.
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all counters
// in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Collectors ───────────────────────────────────────────────────────────────

// Sample is one value read at scrape time.
type Sample struct {
	Name   string
	Help   string
	Type   string // "counter" or "gauge"
	Labels string // preformatted, e.g. `pool="dao"`; may be empty
	Value  int64
}

// Collector returns samples owned by another component.
type Collector func() []Sample

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all gnssbus application metrics. The zero value is ready to
// use.
type Registry struct {
	// Bus counters.  key = "topic"
	Events     labelCounter // publishes
	Deliveries labelCounter // subscribers reached

	// Command lifecycle.  key = status name
	Transitions labelCounter

	// Webhook pushes.  key = "topic\toutcome"
	Webhooks labelCounter

	// HTTP-level counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)

	mu         sync.Mutex
	collectors []Collector
}

// Register adds a scrape-time collector.
func (r *Registry) Register(c Collector) {
	r.mu.Lock()
	r.collectors = append(r.collectors, c)
	r.mu.Unlock()
}

// ObservePublish records one publish on topic that reached n subscribers. Its
// signature matches eventbus.Observer.
func (r *Registry) ObservePublish(topic string, n int) {
	r.Events.Inc(topic)
	r.Deliveries.Add(topic, int64(n))
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, r.render())
	})
}

func (r *Registry) render() string {
	var b strings.Builder

	// ── bus counters ──────────────────────────────────────────────────────
	writeFamily(&b, "gnssbus_events_published_total",
		"Total events published on the bus by topic", "counter",
		func(fn func(labels, val string)) {
			r.Events.Each(func(key string, val int64) {
				fn(fmt.Sprintf(`topic=%q`, key), fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "gnssbus_events_delivered_total",
		"Total subscriber deliveries by topic", "counter",
		func(fn func(labels, val string)) {
			r.Deliveries.Each(func(key string, val int64) {
				fn(fmt.Sprintf(`topic=%q`, key), fmt.Sprintf("%d", val))
			})
		})

	// ── command lifecycle ─────────────────────────────────────────────────
	writeFamily(&b, "gnssbus_termcmd_transitions_total",
		"Accepted command status transitions by target status", "counter",
		func(fn func(labels, val string)) {
			r.Transitions.Each(func(key string, val int64) {
				fn(fmt.Sprintf(`status=%q`, key), fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "gnssbus_webhook_pushes_total",
		"Webhook pushes by topic and outcome", "counter",
		func(fn func(labels, val string)) {
			r.Webhooks.Each(func(key string, val int64) {
				topic, outcome := splitTwo(key)
				fn(fmt.Sprintf(`topic=%q,outcome=%q`, topic, outcome), fmt.Sprintf("%d", val))
			})
		})

	// ── HTTP counters ─────────────────────────────────────────────────────
	writeFamily(&b, "gnssbus_http_requests_total",
		"Total HTTP requests by method, path, and status code", "counter",
		func(fn func(labels, val string)) {
			r.HTTPReqs.Each(func(key string, val int64) {
				method, path, status := splitThree(key)
				fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
					fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "gnssbus_http_request_duration_milliseconds_sum",
		"Sum of HTTP request durations in milliseconds", "counter",
		func(fn func(labels, val string)) {
			r.HTTPDurMs.Each(func(key string, val int64) {
				method, path := splitTwo(key)
				fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
					fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "gnssbus_http_request_duration_milliseconds_count",
		"Count of observed HTTP request durations", "counter",
		func(fn func(labels, val string)) {
			r.HTTPDurCnt.Each(func(key string, val int64) {
				method, path := splitTwo(key)
				fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
					fmt.Sprintf("%d", val))
			})
		})

	// ── collectors ────────────────────────────────────────────────────────
	r.mu.Lock()
	collectors := append([]Collector(nil), r.collectors...)
	r.mu.Unlock()

	byName := map[string][]Sample{}
	var names []string
	for _, c := range collectors {
		for _, s := range c() {
			if _, ok := byName[s.Name]; !ok {
				names = append(names, s.Name)
			}
			byName[s.Name] = append(byName[s.Name], s)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		samples := byName[name]
		fmt.Fprintf(&b, "# HELP %s %s\n", name, samples[0].Help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, samples[0].Type)
		for _, s := range samples {
			if s.Labels == "" {
				fmt.Fprintf(&b, "%s %d\n", name, s.Value)
			} else {
				fmt.Fprintf(&b, "%s{%s} %d\n", name, s.Labels, s.Value)
			}
		}
	}

	return b.String()
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	sort.Strings(lines)
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// WebhookKey builds the label key used by Webhooks.
func WebhookKey(topic, outcome string) string {
	return topic + "\t" + outcome
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
