package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Enrollment metrics
	TokensCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_enrollment_tokens_created_total",
			Help: "Total number of enrollment tokens created",
		},
	)

	TokensConsumedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_enrollment_tokens_consumed_total",
			Help: "Total number of enrollment tokens consumed successfully",
		},
	)

	EnrollmentFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_enrollment_failures_total",
			Help: "Total number of failed enrollment attempts by reason",
		},
		[]string{"reason"},
	)

	// Certificate metrics
	CertificatesIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_certificates_issued_total",
			Help: "Total number of node certificates issued",
		},
	)

	CertificatesRenewedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_certificates_renewed_total",
			Help: "Total number of node certificates renewed",
		},
	)

	CertificatesRevokedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_certificates_revoked_total",
			Help: "Total number of node certificates revoked",
		},
	)

	RevocationSetSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_revocation_set_size",
			Help: "Number of thumbprints in the in-memory revocation set",
		},
	)

	// Node metrics
	NodesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_nodes",
			Help: "Number of registered nodes by status",
		},
		[]string{"status"},
	)

	// Reservation metrics
	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_reservations_total",
			Help: "Total number of reservation requests by outcome",
		},
		[]string{"outcome"},
	)

	ReservationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_reservations_active",
			Help: "Number of reservations currently holding capacity",
		},
	)

	ReservationsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_reservations_expired_total",
			Help: "Total number of reservations expired by the sweep",
		},
	)

	// Audit metrics
	AuditEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_audit_entries_total",
			Help: "Total number of audit entries recorded by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TokensCreatedTotal)
	prometheus.MustRegister(TokensConsumedTotal)
	prometheus.MustRegister(EnrollmentFailuresTotal)
	prometheus.MustRegister(CertificatesIssuedTotal)
	prometheus.MustRegister(CertificatesRenewedTotal)
	prometheus.MustRegister(CertificatesRevokedTotal)
	prometheus.MustRegister(RevocationSetSize)
	prometheus.MustRegister(NodesByStatus)
	prometheus.MustRegister(ReservationsTotal)
	prometheus.MustRegister(ReservationsActive)
	prometheus.MustRegister(ReservationsExpiredTotal)
	prometheus.MustRegister(AuditEntriesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
