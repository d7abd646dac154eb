package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the media orchestrator.
type Metrics struct {
	registry                *prometheus.Registry
	requestsTotal           prometheus.Counter
	errorsTotal             prometheus.Counter
	stateTransitionsTotal   prometheus.Counter
	invalidTransitionsTotal prometheus.Counter
	assetsLoadedTotal       prometheus.Counter
	assetErrorsTotal        prometheus.Counter
	registryAssets          prometheus.Gauge
	pendingOperations       prometheus.Gauge
}

// New creates and registers Prometheus metrics for the orchestrator.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "media_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "media_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	stateTransitionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "media_state_transitions_total",
		Help: "Total number of accepted playback state transitions",
	})
	invalidTransitionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "media_invalid_transitions_total",
		Help: "Total number of rejected playback state transitions",
	})
	assetsLoadedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "media_assets_loaded_total",
		Help: "Total number of media assets loaded successfully",
	})
	assetErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "media_asset_errors_total",
		Help: "Total number of media assets that failed to load",
	})
	registryAssets := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "media_registry_assets",
		Help: "Number of assets currently registered",
	})
	pendingOperations := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "media_pending_operations",
		Help: "Number of agent operations awaiting a response",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		stateTransitionsTotal,
		invalidTransitionsTotal,
		assetsLoadedTotal,
		assetErrorsTotal,
		registryAssets,
		pendingOperations,
	)

	return &Metrics{
		registry:                registry,
		requestsTotal:           requestsTotal,
		errorsTotal:             errorsTotal,
		stateTransitionsTotal:   stateTransitionsTotal,
		invalidTransitionsTotal: invalidTransitionsTotal,
		assetsLoadedTotal:       assetsLoadedTotal,
		assetErrorsTotal:        assetErrorsTotal,
		registryAssets:          registryAssets,
		pendingOperations:       pendingOperations,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the HTTP error counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncStateTransitions increments the accepted transition counter.
func (m *Metrics) IncStateTransitions() {
	m.stateTransitionsTotal.Inc()
}

// IncInvalidTransitions increments the rejected transition counter.
func (m *Metrics) IncInvalidTransitions() {
	m.invalidTransitionsTotal.Inc()
}

// IncAssetsLoaded increments the loaded asset counter.
func (m *Metrics) IncAssetsLoaded() {
	m.assetsLoadedTotal.Inc()
}

// IncAssetErrors increments the failed asset counter.
func (m *Metrics) IncAssetErrors() {
	m.assetErrorsTotal.Inc()
}

// SetRegistryAssets sets the registered asset gauge.
func (m *Metrics) SetRegistryAssets(n int) {
	m.registryAssets.Set(float64(n))
}

// SetPendingOperations sets the pending agent operation gauge.
func (m *Metrics) SetPendingOperations(n int) {
	m.pendingOperations.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g.
// registry size and pending operations).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
