// Package metrics exposes the Prometheus collectors shared by the HTTP layer,
// the platform client, the ledger and the scan scheduler.
//
// Label sets stay bounded: routes use the registered gin path, platform calls
// use the operation name, and ledger awards use the score kind.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles every metric the service emits. A nil *Collectors is valid and records nothing.
type Collectors struct {
	httpRequests     *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
	platformRequests *prometheus.CounterVec
	platformLatency  *prometheus.HistogramVec
	awards           *prometheus.CounterVec
	tokenRefreshes   *prometheus.CounterVec
	scanSubjects     *prometheus.CounterVec
	scanRuns         prometheus.Counter
	pendingSwept     prometheus.Counter
}

// New registers the collectors on registerer (prometheus.DefaultRegisterer when nil).
func New(registerer prometheus.Registerer) *Collectors {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	c := &Collectors{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		platformRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "platform_requests_total",
			Help: "Outbound X API calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		platformLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "platform_request_duration_seconds",
			Help:    "Duration of outbound X API calls in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		awards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_awards_total",
			Help: "Award attempts by score kind and result.",
		}, []string{"kind", "result"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokens_refresh_total",
			Help: "Credential refresh attempts by result.",
		}, []string{"result"}),
		scanSubjects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scan_subjects_total",
			Help: "Subjects processed by the re-scan by result.",
		}, []string{"result"}),
		scanRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scan_runs_total",
			Help: "Completed re-scan passes.",
		}),
		pendingSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pkce_pending_swept_total",
			Help: "Expired pending authorizations removed by the sweep.",
		}),
	}
	registerer.MustRegister(
		c.httpRequests,
		c.httpLatency,
		c.platformRequests,
		c.platformLatency,
		c.awards,
		c.tokenRefreshes,
		c.scanSubjects,
		c.scanRuns,
		c.pendingSwept,
	)
	return c
}

// Middleware instruments gin requests by method, route and status.
func (c *Collectors) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if c == nil {
			ctx.Next()
			return
		}
		start := time.Now()
		ctx.Next()

		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := ctx.Request.Method
		c.httpRequests.WithLabelValues(method, path, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.httpLatency.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// ObservePlatformCall records one outbound call.
func (c *Collectors) ObservePlatformCall(operation, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.platformRequests.WithLabelValues(operation, outcome).Inc()
	c.platformLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveAward records one award attempt.
func (c *Collectors) ObserveAward(kind, result string) {
	if c == nil {
		return
	}
	c.awards.WithLabelValues(kind, result).Inc()
}

// ObserveRefresh records one credential refresh attempt.
func (c *Collectors) ObserveRefresh(result string) {
	if c == nil {
		return
	}
	c.tokenRefreshes.WithLabelValues(result).Inc()
}

// ObserveScanSubject records the result of scanning one subject.
func (c *Collectors) ObserveScanSubject(result string) {
	if c == nil {
		return
	}
	c.scanSubjects.WithLabelValues(result).Inc()
}

// ObserveScanRun records a finished scan pass.
func (c *Collectors) ObserveScanRun() {
	if c == nil {
		return
	}
	c.scanRuns.Inc()
}

// ObservePendingSwept records removed pending authorizations.
func (c *Collectors) ObservePendingSwept(count int) {
	if c == nil || count <= 0 {
		return
	}
	c.pendingSwept.Add(float64(count))
}
