// Package metrics exposes migration outcomes as Prometheus metrics.
package metrics

import (
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirajehossain/mongomigratex/internal/migrator"
)

const namespace = "mongomigratex"

// Collector implements migrator.Observer on its own registry.
type Collector struct {
	registry *prometheus.Registry

	Units          *prometheus.CounterVec
	UnitDuration   *prometheus.HistogramVec
	CurrentVersion *prometheus.GaugeVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		Units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Migration units run, by outcome.",
		}, []string{"namespace", "direction", "result"}),
		UnitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Duration of migration units in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"namespace", "direction"}),
		CurrentVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_version",
			Help:      "Highest applied version per namespace.",
		}, []string{"namespace"}),
	}
	reg.MustRegister(c.Units, c.UnitDuration, c.CurrentVersion)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) UnitDone(ns string, dir migrator.Direction, _ int64, d time.Duration, err error) {
	c.Units.WithLabelValues(ns, string(dir), result(err)).Inc()
	c.UnitDuration.WithLabelValues(ns, string(dir)).Observe(d.Seconds())
}

func (c *Collector) VersionChanged(ns string, version int64) {
	c.CurrentVersion.WithLabelValues(ns).Set(float64(version))
}

// WriteTextfile writes the registry in the text exposition format, for the
// node_exporter textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}

func result(err error) string {
	if err == nil {
		return "success"
	}
	var pe *migrator.PartialApplicationError
	if errors.As(err, &pe) && pe.RolledBack {
		return "rolled_back"
	}
	if code := migrator.CodeOf(err); code != 0 {
		return strings.ReplaceAll(code.String(), " ", "_")
	}
	return "error"
}
