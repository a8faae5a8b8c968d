package netbroker

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

// ManagerCollector exports the Manager's running counters to
// Prometheus. Grounded directly on the teacher's deleted
// server-metrics.go ServerCollector: same BuildInfo gauge shape, same
// prefix-from-name convention, same Describe/Collect split, with the
// tunnel's conns/routes/peers/ssh-proxy-sessions counters replaced by
// the broker's sessions/services/pending/routing counters.
type ManagerCollector struct {
	manager *Manager

	BuildInfo         *prometheus.Desc
	Sessions          *prometheus.Desc
	Services          *prometheus.Desc
	PendingRequests   *prometheus.Desc
	RequestsRouted    *prometheus.Desc
	NotificationsSent *prometheus.Desc
	ErrorsSent        *prometheus.Desc
}

// NewManagerCollector returns a ManagerCollector with every
// prometheus.Desc initialized, named after prefix.
func NewManagerCollector(manager *Manager, prefix string) ManagerCollector {
	if prefix == "" {
		prefix = "netbroker_"
	}
	return ManagerCollector{
		manager: manager,

		BuildInfo: prometheus.NewDesc(
			prefix+"build_info",
			"Build information",
			[]string{"goarch", "goos", "goversion"}, nil,
		),
		Sessions: prometheus.NewDesc(
			prefix+"sessions",
			"Number of live peer sessions (Clients, Services, and Terminals combined)",
			nil, nil,
		),
		Services: prometheus.NewDesc(
			prefix+"services",
			"Number of currently registered Services",
			nil, nil,
		),
		PendingRequests: prometheus.NewDesc(
			prefix+"pending_requests",
			"Number of Client requests awaiting a Service reply",
			nil, nil,
		),
		RequestsRouted: prometheus.NewDesc(
			prefix+"requests_routed_total",
			"Total number of requests forwarded from a Client to a Service",
			nil, nil,
		),
		NotificationsSent: prometheus.NewDesc(
			prefix+"notifications_sent_total",
			"Total number of notification deliveries to linked Clients",
			nil, nil,
		),
		ErrorsSent: prometheus.NewDesc(
			prefix+"errors_sent_total",
			"Total number of error frames sent back to a peer",
			nil, nil,
		),
	}
}

func (c ManagerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.BuildInfo
	ch <- c.Sessions
	ch <- c.Services
	ch <- c.PendingRequests
	ch <- c.RequestsRouted
	ch <- c.NotificationsSent
	ch <- c.ErrorsSent
}

func (c ManagerCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		c.BuildInfo, prometheus.GaugeValue, 1,
		runtime.GOARCH, runtime.GOOS, runtime.Version(),
	)

	sessions, services, pending := c.manager.Stats()
	ch <- prometheus.MustNewConstMetric(c.Sessions, prometheus.GaugeValue, float64(sessions))
	ch <- prometheus.MustNewConstMetric(c.Services, prometheus.GaugeValue, float64(services))
	ch <- prometheus.MustNewConstMetric(c.PendingRequests, prometheus.GaugeValue, float64(pending))

	ch <- prometheus.MustNewConstMetric(
		c.RequestsRouted, prometheus.CounterValue, float64(c.manager.stats.requestsRouted.Load()),
	)
	ch <- prometheus.MustNewConstMetric(
		c.NotificationsSent, prometheus.CounterValue, float64(c.manager.stats.notificationsSent.Load()),
	)
	ch <- prometheus.MustNewConstMetric(
		c.ErrorsSent, prometheus.CounterValue, float64(c.manager.stats.errorsSent.Load()),
	)
}
