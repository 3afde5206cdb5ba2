package observability

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// PrometheusExporter serves a registry in Prometheus text exposition
// format (version 0.0.4).
type PrometheusExporter struct {
	registry *Registry
}

// NewPrometheusExporter creates an exporter backed by the given registry.
func NewPrometheusExporter(registry *Registry) *PrometheusExporter {
	return &PrometheusExporter{registry: registry}
}

// ServeHTTP implements http.Handler for the /metrics endpoint.
func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(e.Format()))
}

// Format renders every instrument, name-sorted. The registry lock is
// released before rendering; each instrument synchronizes its own reads.
func (e *PrometheusExporter) Format() string {
	names, byName := e.registry.snapshotInstruments()

	var b strings.Builder
	for _, name := range names {
		switch m := byName[name].(type) {
		case *Counter:
			writeScalar(&b, name, m.help, "counter", m.labels, m.Value())
		case *Gauge:
			writeScalar(&b, name, m.help, "gauge", m.labels, m.Value())
		case *Histogram:
			writeHistogram(&b, name, m)
		}
	}
	return b.String()
}

func writeScalar(b *strings.Builder, name, help, kind string, labels map[string]string, value float64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, kind)
	b.WriteString(name)
	if pairs := labelPairs(labels); pairs != "" {
		b.WriteString("{" + pairs + "}")
	}
	b.WriteString(" " + formatFloat(value) + "\n\n")
}

func writeHistogram(b *strings.Builder, name string, h *Histogram) {
	bounds, cumulative, sum, count := h.BucketCounts()

	fmt.Fprintf(b, "# HELP %s %s\n", name, h.help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)

	// The le label goes last so the base pairs render once.
	base := labelPairs(h.labels)
	bucketLabels := func(le string) string {
		if base == "" {
			return `{le="` + le + `"}`
		}
		return "{" + base + `,le="` + le + `"}`
	}

	for i, bound := range bounds {
		fmt.Fprintf(b, "%s_bucket%s %d\n", name, bucketLabels(formatFloat(bound)), cumulative[i])
	}
	fmt.Fprintf(b, "%s_bucket%s %d\n", name, bucketLabels("+Inf"), count)

	suffix := ""
	if base != "" {
		suffix = "{" + base + "}"
	}
	fmt.Fprintf(b, "%s_sum%s %s\n", name, suffix, formatFloat(sum))
	fmt.Fprintf(b, "%s_count%s %d\n\n", name, suffix, count)
}

// labelPairs renders labels as `k1="v1",k2="v2"`, key-sorted, without
// braces. Empty and nil maps render as "".
func labelPairs(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + strconv.Quote(labels[k])
	}
	return strings.Join(parts, ",")
}

// formatFloat renders a value the way Prometheus expects: shortest exact
// representation, with infinities spelled out.
func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
