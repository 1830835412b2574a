// Package observability exports benchmark results as Prometheus metrics
// and keeps per-backend timer statistics across iterations.
package observability

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arkilian/iobench/internal/report"
)

const namespace = "iobench"

// Textfile is a report sink that mirrors every row into a gauge and writes
// the registry in text exposition format on Close, for node_exporter's
// textfile collector.
type Textfile struct {
	path     string
	registry *prometheus.Registry
	seconds  *prometheus.GaugeVec
	calls    *prometheus.GaugeVec
	bytes    *prometheus.GaugeVec
}

// NewTextfile creates a sink that writes metrics to path.
func NewTextfile(path string) *Textfile {
	labels := []string{"workload", "timer", "participation", "filter", "iteration"}
	t := &Textfile{
		path:     path,
		registry: prometheus.NewRegistry(),
		seconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timer_seconds",
			Help:      "Accumulated wall-clock seconds per timer slot and iteration.",
		}, labels),
		calls: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timer_calls",
			Help:      "Number of timed regions accumulated into the slot.",
		}, labels),
		bytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chunk_size_bytes",
			Help:      "Configured chunk size of the iteration.",
		}, []string{"workload", "iteration"}),
	}
	t.registry.MustRegister(t.seconds, t.calls, t.bytes)
	return t
}

func (t *Textfile) Append(rows []report.Row) error {
	for _, r := range rows {
		iter := strconv.Itoa(r.Iteration)
		lv := []string{r.Workload, r.Timer, string(r.Participation), string(r.Filter), iter}
		t.seconds.WithLabelValues(lv...).Set(r.Seconds())
		t.calls.WithLabelValues(lv...).Set(float64(r.Calls))
		t.bytes.WithLabelValues(r.Workload, iter).Set(float64(r.ChunkSizeBytes))
	}
	return nil
}

func (t *Textfile) Close() error {
	return errors.Wrapf(prometheus.WriteToTextfile(t.path, t.registry), "writing metrics to %s", t.path)
}
