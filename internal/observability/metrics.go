package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/prometheus/common/expfmt"
)

// Namespace prefixes every metric name.
const Namespace = "sessionprep"

// Metrics holds the Prometheus collectors of a batch run on a private
// registry, so repeated runs in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	sessions      prometheus.Gauge
	events        prometheus.Gauge
	converted     prometheus.Gauge
	unknownEvents prometheus.Gauge
	lastSuccess   prometheus.Gauge
	stageDuration *prometheus.GaugeVec
	stageRows     *prometheus.GaugeVec
	failures      *prometheus.CounterVec
}

// NewMetrics creates and registers the run collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Name: "sessions",
			Help: "Sessions in the last feature table.",
		}),
		events: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Name: "events",
			Help: "Events flattened in the last run.",
		}),
		converted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Name: "converted_sessions",
			Help: "Sessions with at least one order in the last run.",
		}),
		unknownEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Name: "unknown_events",
			Help: "Events whose type is not clicks, carts or orders.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Name: "last_success_timestamp_seconds",
			Help: "Unix time of the last successful run.",
		}),
		stageDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace, Name: "stage_duration_seconds",
			Help: "Wall time of each stage in the last run.",
		}, []string{"stage"}),
		stageRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace, Name: "stage_rows",
			Help: "Rows produced by each stage in the last run.",
		}, []string{"stage"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Name: "failures_total",
			Help: "Failed runs by stage and error code.",
		}, []string{"stage", "code"}),
	}
	m.registry.MustRegister(
		m.sessions, m.events, m.converted, m.unknownEvents, m.lastSuccess,
		m.stageDuration, m.stageRows, m.failures,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RunTotals are the table-level counts of a finished run.
type RunTotals struct {
	Sessions      int
	Events        int
	Converted     int
	UnknownEvents int64
}

// ObserveRun records the stage timings and totals of a successful run.
func (m *Metrics) ObserveRun(stats *RunStats, totals RunTotals) {
	m.observeStages(stats)
	m.sessions.Set(float64(totals.Sessions))
	m.events.Set(float64(totals.Events))
	m.converted.Set(float64(totals.Converted))
	m.unknownEvents.Set(float64(totals.UnknownEvents))
	m.lastSuccess.SetToCurrentTime()
}

// ObserveFailure records the stages that ran and counts the failure.
func (m *Metrics) ObserveFailure(stats *RunStats, stage, code string) {
	m.observeStages(stats)
	if code == "" {
		code = "UNKNOWN"
	}
	m.failures.WithLabelValues(stage, code).Inc()
}

func (m *Metrics) observeStages(stats *RunStats) {
	if stats == nil {
		return
	}
	for _, st := range stats.Stages() {
		m.stageDuration.WithLabelValues(st.Name).Set(st.Duration.Seconds())
		m.stageRows.WithLabelValues(st.Name).Set(float64(st.Rows))
	}
}

// WriteText writes the registry in the Prometheus text exposition format.
func (m *Metrics) WriteText(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("observability: gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("observability: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WriteTextfile writes the metrics to path for the node_exporter textfile
// collector. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("observability: create metrics directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("observability: create metrics file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := m.WriteText(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("observability: close metrics file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("observability: rename metrics file: %w", err)
	}
	return nil
}

// Push sends the metrics to a Prometheus Pushgateway, replacing the
// previous push of job.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if err := push.New(url, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("observability: push to %s: %w", url, err)
	}
	return nil
}
