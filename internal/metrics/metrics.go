package metrics

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pool metrics
var (
	PoolEntriesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nightshift_pool_entries_active",
			Help: "Number of live PoolEntry slots per agent",
		},
		[]string{"agent_id"},
	)

	CheckoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nightshift_pool_checkouts_total",
			Help: "Total pool checkouts by path",
		},
		[]string{"agent_id", "path"}, // path: warm | cold
	)

	WarmFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nightshift_pool_warm_failures_total",
			Help: "Total warm checkouts that failed health and were discarded",
		},
		[]string{"agent_id"},
	)

	IdleEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nightshift_pool_idle_evictions_total",
			Help: "Total entries destroyed by the idle-eviction timer",
		},
		[]string{"agent_id"},
	)
)

// VM lifecycle metrics
var (
	VMBootDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nightshift_vm_boot_duration_seconds",
			Help:    "Time of a cold start, from workspace staging to first successful health probe",
			Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0},
		},
		[]string{"agent_id"},
	)

	VMsDestroyedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nightshift_vms_destroyed_total",
			Help: "Total VMs destroyed, by reason",
		},
		[]string{"agent_id", "reason"}, // reason: warm_unhealthy | idle | invalidated | drained
	)

	NetworkLeasesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nightshift_network_leases_active",
			Help: "Number of TAP device / subnet leases currently allocated",
		},
		[]string{},
	)
)

// Run and Event Buffer metrics
var (
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nightshift_runs_total",
			Help: "Total runs executed, by outcome",
		},
		[]string{"agent_id", "outcome"}, // outcome: completed | error
	)

	RunRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nightshift_run_retries_total",
			Help: "Total runs that needed the one warm-failure retry",
		},
		[]string{"agent_id"},
	)

	EventBufferSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nightshift_event_buffer_records",
			Help: "Number of buffered event records awaiting reap, per run",
		},
		[]string{"run_id"},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nightshift_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		PoolEntriesActive,
		CheckoutsTotal,
		WarmFailuresTotal,
		IdleEvictionsTotal,
		VMBootDuration,
		VMsDestroyedTotal,
		NetworkLeasesActive,
		RunsTotal,
		RunRetriesTotal,
		EventBufferSize,
		HTTPRequestsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()

			return err
		}
	}
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the given address.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			// Errors are ignored, metrics are non-critical
		}
	}()
	return srv
}
