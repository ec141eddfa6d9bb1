// Package metrics holds the Prometheus collectors for the glyph daemon.
package metrics

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"xdao.co/glyph/crystal"
	"xdao.co/glyph/fingerprint"
	"xdao.co/glyph/timeindex"
)

// Metrics is a set of collectors registered on one Registerer.
type Metrics struct {
	pointsAppended   *prometheus.CounterVec
	resonance        prometheus.Histogram
	crystallizations *prometheus.CounterVec
	registryOps      *prometheus.CounterVec
}

var _ crystal.Observer = (*Metrics)(nil)

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		pointsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "glyph_time_points_appended_total",
			Help: "Time points appended to the ledger by result",
		}, []string{"result"}),
		resonance: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "glyph_chord_resonance",
			Help:    "Resonance scores of scored chords",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		crystallizations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "glyph_crystallizations_total",
			Help: "Crystallization attempts by outcome",
		}, []string{"outcome"}),
		registryOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "glyph_registry_operations_total",
			Help: "Glyph registry operations by operation and result",
		}, []string{"op", "result"}),
	}
}

func (m *Metrics) ObserveScore(score float64) { m.resonance.Observe(score) }

func (m *Metrics) ObserveCrystallize(outcome string) {
	m.crystallizations.WithLabelValues(outcome).Inc()
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, crystal.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// WrapLog counts appends passing through next.
func (m *Metrics) WrapLog(next timeindex.Log) timeindex.Log {
	return countingLog{next: next, m: m}
}

type countingLog struct {
	next timeindex.Log
	m    *Metrics
}

func (l countingLog) Append(ctx context.Context, p timeindex.TimePoint) error {
	err := l.next.Append(ctx, p)
	l.m.pointsAppended.WithLabelValues(result(err)).Inc()
	return err
}

// WrapRegistry counts operations passing through next.
func (m *Metrics) WrapRegistry(next crystal.Registry) crystal.Registry {
	return countingRegistry{next: next, m: m}
}

type countingRegistry struct {
	next crystal.Registry
	m    *Metrics
}

func (r countingRegistry) Lookup(ctx context.Context, id cid.Cid) (crystal.Glyph, error) {
	g, err := r.next.Lookup(ctx, id)
	r.m.registryOps.WithLabelValues("lookup", result(err)).Inc()
	return g, err
}

func (r countingRegistry) LookupFingerprint(ctx context.Context, fp fingerprint.Fingerprint) (crystal.Glyph, error) {
	g, err := r.next.LookupFingerprint(ctx, fp)
	r.m.registryOps.WithLabelValues("lookup_fingerprint", result(err)).Inc()
	return g, err
}

func (r countingRegistry) Register(ctx context.Context, g crystal.Glyph) (crystal.Glyph, bool, error) {
	stored, created, err := r.next.Register(ctx, g)
	res := result(err)
	if err == nil && !created {
		res = "existing"
	}
	r.m.registryOps.WithLabelValues("register", res).Inc()
	return stored, created, err
}
