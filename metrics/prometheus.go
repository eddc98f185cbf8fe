package metrics

import "github.com/prometheus/client_golang/prometheus"

var createdOrder = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "certmate_order_created_total",
		Help: "Number of created certificate orders by CA",
	},
	[]string{"ca"},
)

var finishedOrder = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "certmate_order_finished_total",
		Help: "Number of successfully finished orders by CA",
	},
	[]string{"ca"},
)

var failedOrder = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "certmate_order_failed_total",
		Help: "Number of failed orders by CA",
	},
	[]string{"ca"},
)

var challengeRound = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "certmate_challenge_round_total",
		Help: "Number of challenge polling rounds by CA",
	},
	[]string{"ca"},
)

var dnsRecordWrite = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "certmate_dns_record_write_total",
		Help: "Number of DNS record create/delete calls by provider",
	},
	[]string{"provider", "action"},
)

var renewedCertificate = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "certmate_certificate_renewed_total",
		Help: "Number of renewed certificates by CA",
	},
	[]string{"ca"},
)

var deploymentRun = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "certmate_deployment_run_total",
		Help: "Number of deployment runs by provider and result",
	},
	[]string{"provider", "result"},
)

var expiringCertificate = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "certmate_certificate_expiring",
		Help: "Number of certificates within the renewal window",
	},
	[]string{},
)

func IncCreatedOrder(ca string) {
	createdOrder.WithLabelValues(ca).Inc()
}

func IncFinishedOrder(ca string) {
	finishedOrder.WithLabelValues(ca).Inc()
}

func IncFailedOrder(ca string) {
	failedOrder.WithLabelValues(ca).Inc()
}

func IncChallengeRound(ca string) {
	challengeRound.WithLabelValues(ca).Inc()
}

func IncDnsRecordWrite(provider, action string) {
	dnsRecordWrite.WithLabelValues(provider, action).Inc()
}

func IncRenewedCertificate(ca string) {
	renewedCertificate.WithLabelValues(ca).Inc()
}

func IncDeploymentRun(provider, result string) {
	deploymentRun.WithLabelValues(provider, result).Inc()
}

func SetExpiringCertificate(value float64) {
	expiringCertificate.WithLabelValues().Set(value)
}

func init() {
	prometheus.Register(createdOrder)
	prometheus.Register(finishedOrder)
	prometheus.Register(failedOrder)
	prometheus.Register(challengeRound)
	prometheus.Register(dnsRecordWrite)
	prometheus.Register(renewedCertificate)
	prometheus.Register(deploymentRun)
	prometheus.Register(expiringCertificate)
}
