package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adsum", Name: "http_requests_total", Help: "Processed API requests",
	}, []string{"route", "code"})
	HandlerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "adsum", Name: "handler_errors_total", Help: "Handler errors",
	})
	DBPing = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "adsum", Name: "db_ping_seconds", Help: "DB ping latency",
		Buckets: prometheus.DefBuckets,
	})

	CodeRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adsum", Name: "code_rotations_total", Help: "Verification code rotations",
	}, []string{"reason"})
	CodePersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "adsum", Name: "code_persist_failures_total", Help: "Failed attempts to persist a rotated code",
	})
	SessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adsum", Name: "session_transitions_total", Help: "Session lifecycle transitions",
	}, []string{"to"})
	BroadcastErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adsum", Name: "beacon_broadcast_errors_total", Help: "Beacon broadcast start/stop failures",
	}, []string{"op"})

	Submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adsum", Name: "attendance_submissions_total", Help: "Attendance submissions by outcome",
	}, []string{"outcome"})
	ProximityResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adsum", Name: "proximity_results_total", Help: "Proximity signal evaluations",
	}, []string{"signal", "result"})
	ManualChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adsum", Name: "manual_attendance_changes_total", Help: "Teacher overrides applied",
	}, []string{"op"})
	RosterRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adsum", Name: "roster_refreshes_total", Help: "Roster recomputations",
	}, []string{"trigger"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequests, HandlerErrors, DBPing,
		CodeRotations, CodePersistFailures, SessionTransitions, BroadcastErrors,
		Submissions, ProximityResults, ManualChanges, RosterRefreshes,
	)
}

func Handler() http.Handler { return promhttp.Handler() }

func ObserveDBPing(d time.Duration) { DBPing.Observe(d.Seconds()) }
