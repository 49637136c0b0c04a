package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestLabel struct {
	handler string
	method  string
	code    string
}

type errorLabel struct {
	handler string
	method  string
}

type latencyLabel struct {
	handler string
	method  string
}

type toolLabel struct {
	tool    string
	outcome string
}

type histogram struct {
	bounds     []float64
	cumulative []uint64
	sum        float64
	count      uint64
}

type registry struct {
	mu       sync.Mutex
	requests map[requestLabel]uint64
	errors   map[errorLabel]uint64
	latency  map[latencyLabel]*histogram
	tools    map[toolLabel]uint64
}

var defaultRegistry = &registry{
	requests: make(map[requestLabel]uint64),
	errors:   make(map[errorLabel]uint64),
	latency:  make(map[latencyLabel]*histogram),
	tools:    make(map[toolLabel]uint64),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultRegistry.record(handler, method, status, duration)
}

// ObserveToolRun records the outcome of a single agent tool invocation.
func ObserveToolRun(tool string, success bool) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	defaultRegistry.mu.Lock()
	defaultRegistry.tools[toolLabel{tool: tool, outcome: outcome}]++
	defaultRegistry.mu.Unlock()
}

func (c *registry) record(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestLabel{handler: handler, method: method, code: strconv.Itoa(status)}]++
	if status >= 500 {
		c.errors[errorLabel{handler: handler, method: method}]++
	}

	key := latencyLabel{handler: handler, method: method}
	hist := c.latency[key]
	if hist == nil {
		hist = newLatencyHistogram()
		c.latency[key] = hist
	}
	hist.record(duration.Seconds())
}

func newLatencyHistogram() *histogram {
	bounds := []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		bounds:     bounds,
		cumulative: make([]uint64, len(bounds)),
	}
}

func (h *histogram) record(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.bounds {
		if value <= bound {
			for ; idx < len(h.cumulative); idx++ {
				h.cumulative[idx]++
			}
			break
		}
	}
	// Values above the last bound only show up in the +Inf bucket via h.count.
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultRegistry.render())
	})
}

// writeFamily appends a HELP/TYPE header followed by the family's sample
// lines in lexical order, which keeps the output table-diff friendly.
func writeFamily(b *strings.Builder, name, kind, help string, samples []string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
	sort.Strings(samples)
	for _, line := range samples {
		b.WriteString(line)
	}
}

func (c *registry) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(1024)

	reqs := make([]string, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, fmt.Sprintf("openlake_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			key.handler, key.method, key.code, value))
	}
	writeFamily(&b, "openlake_http_requests_total", "counter",
		"Total number of HTTP requests processed.", reqs)

	errs := make([]string, 0, len(c.errors))
	for key, value := range c.errors {
		errs = append(errs, fmt.Sprintf("openlake_http_request_errors_total{handler=%q,method=%q} %d\n",
			key.handler, key.method, value))
	}
	writeFamily(&b, "openlake_http_request_errors_total", "counter",
		"Total number of HTTP requests that resulted in a server error.", errs)

	lats := make([]string, 0, len(c.latency))
	for key, hist := range c.latency {
		var sample strings.Builder
		for idx, bound := range hist.bounds {
			fmt.Fprintf(&sample, "openlake_http_request_duration_seconds_bucket{handler=%q,method=%q,le=%q} %d\n",
				key.handler, key.method, trimFloat(bound), hist.cumulative[idx])
		}
		fmt.Fprintf(&sample, "openlake_http_request_duration_seconds_bucket{handler=%q,method=%q,le=\"+Inf\"} %d\n",
			key.handler, key.method, hist.count)
		fmt.Fprintf(&sample, "openlake_http_request_duration_seconds_sum{handler=%q,method=%q} %s\n",
			key.handler, key.method, trimFloat(hist.sum))
		fmt.Fprintf(&sample, "openlake_http_request_duration_seconds_count{handler=%q,method=%q} %d\n",
			key.handler, key.method, hist.count)
		lats = append(lats, sample.String())
	}
	writeFamily(&b, "openlake_http_request_duration_seconds", "histogram",
		"HTTP request duration in seconds.", lats)

	tools := make([]string, 0, len(c.tools))
	for key, value := range c.tools {
		tools = append(tools, fmt.Sprintf("openlake_tool_runs_total{tool=%q,outcome=%q} %d\n",
			key.tool, key.outcome, value))
	}
	writeFamily(&b, "openlake_tool_runs_total", "counter",
		"Total number of agent tool invocations.", tools)

	return b.String()
}

func trimFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	serveErr := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-serveErr:
		return err
	}
}
