package netbroker

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestManagerCollectorGathersWithoutError(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil, NoAuthBackend{})
	mgr.stats.requestsRouted.Add(3)
	mgr.stats.notificationsSent.Add(5)
	mgr.stats.errorsSent.Add(1)

	reg := prometheus.NewRegistry()
	if err := reg.Register(NewManagerCollector(mgr, "test_")); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"test_build_info",
		"test_sessions",
		"test_services",
		"test_pending_requests",
		"test_requests_routed_total",
		"test_notifications_sent_total",
		"test_errors_sent_total",
	} {
		if !names[want] {
			t.Errorf("missing metric family %q", want)
		}
	}
}
