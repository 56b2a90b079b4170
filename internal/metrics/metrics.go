package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gustycube/netenrich/internal/health"
)

var (
	RecordsTotal      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "netenrich_records_total", Help: "records processed"}, []string{"status"})
	LookupsTotal      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "netenrich_lookups_total", Help: "inventory lookups by kind and outcome"}, []string{"kind", "outcome"})
	LookupSeconds     = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "netenrich_lookup_seconds", Help: "inventory call latency", Buckets: prometheus.ExponentialBuckets(0.005, 2, 12)}, []string{"verb"})
	AutopopulateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "netenrich_autopopulate_total", Help: "auto-population outcomes"}, []string{"outcome"})
	CacheRequests     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "netenrich_cache_requests_total", Help: "cache gets by result"}, []string{"cache", "result"})
	CacheEvictions    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "netenrich_cache_evictions_total", Help: "cache evictions by reason"}, []string{"cache", "reason"})
	CacheEntries      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "netenrich_cache_entries", Help: "entries currently held, expired ones included until evicted"}, []string{"cache"})
	BatchesTotal      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "netenrich_batches_total", Help: "emitted record batches by outcome"}, []string{"outcome"})
	BreakerState      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "netenrich_backend_breaker_open", Help: "1 while the inventory circuit breaker is open"})
)

func init() {
	prometheus.MustRegister(RecordsTotal, LookupsTotal, LookupSeconds, AutopopulateTotal, CacheRequests, CacheEvictions, CacheEntries, BatchesTotal, BreakerState)
}

func ServeWithHealth(addr string, healthHandler *health.Handler, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler.HealthHandler)
	mux.HandleFunc("/ready", healthHandler.ReadinessHandler)
	mux.HandleFunc("/live", healthHandler.LivenessHandler)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnw("metrics server stopped", "err", err)
	}
}
