package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total requests by endpoint, method, and status.",
		},
		[]string{"endpoint", "method", "status"},
	)

	SamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_samples_total",
			Help: "Telemetry samples received, by model and outcome (processed|rejected).",
		},
		[]string{"model", "outcome"},
	)

	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_evaluations_total",
			Help: "Policy instance evaluations, by kind and result (matched|unmatched|error).",
		},
		[]string{"kind", "result"},
	)

	BillingChargesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "policy_billing_charges_total",
			Help: "Billing events emitted with a non-zero charge.",
		},
	)

	BillingChargedAmount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "policy_billing_charged_amount_total",
			Help: "Sum of all charges emitted, in account currency units.",
		},
	)

	AlarmsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_alarms_total",
			Help: "Alarm events emitted, by alarm type and level.",
		},
		[]string{"type", "level"},
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_dispatches_total",
			Help: "Control dispatch units, by outcome (created|acked|retried|failed).",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		requestCounter,
		SamplesTotal,
		EvaluationsTotal,
		BillingChargesTotal,
		BillingChargedAmount,
		AlarmsTotal,
		DispatchesTotal,
	)
}

func Handler() http.Handler { return promhttp.Handler() }

// Middleware counts requests per endpoint. /metrics itself is excluded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		requestCounter.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rw.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps WebSocket upgrades working through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}
