// Package metrics exposes Prometheus collectors for the live engine.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eddisonso.com/litfinder/internal/apperr"
	"eddisonso.com/litfinder/internal/store"
)

var (
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "litfinder",
		Name:      "sessions_active",
		Help:      "Connected live sessions",
	})
	MirrorBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "litfinder",
		Name:      "mirror_batches_total",
		Help:      "Change batches applied to local mirrors",
	}, []string{"collection"})
	ChatSubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "litfinder",
		Name:      "chat_subscriptions_active",
		Help:      "Open chat subscriptions across sessions",
	})
	MarkersPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "litfinder",
		Name:      "markers_placed_total",
		Help:      "Map markers placed by kind",
	}, []string{"kind"})
	StoreWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "litfinder",
		Name:      "store_writes_total",
		Help:      "Store writes by operation and result",
	}, []string{"op", "result"})
)

func init() {
	prometheus.MustRegister(SessionsActive, MirrorBatches, ChatSubscriptionsActive, MarkersPlaced, StoreWrites)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// InstrumentStore counts writes made through s.
func InstrumentStore(s store.Store) store.Store {
	return instrumented{Store: s}
}

type instrumented struct {
	store.Store
}

func (i instrumented) Create(ctx context.Context, collection string, fields store.Document) (string, error) {
	id, err := i.Store.Create(ctx, collection, fields)
	observeWrite("create", err)
	return id, err
}

func (i instrumented) Update(ctx context.Context, collection, id string, fields store.Document) error {
	err := i.Store.Update(ctx, collection, id, fields)
	observeWrite("update", err)
	return err
}

func (i instrumented) Delete(ctx context.Context, collection, id string) error {
	err := i.Store.Delete(ctx, collection, id)
	observeWrite("delete", err)
	return err
}

func (i instrumented) UpsertMerge(ctx context.Context, collection, id string, fields store.Document) error {
	err := i.Store.UpsertMerge(ctx, collection, id, fields)
	observeWrite("upsert", err)
	return err
}

func observeWrite(op string, err error) {
	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
	}
	StoreWrites.WithLabelValues(op, result).Inc()
}
