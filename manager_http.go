package netbroker

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// jsonOutSession and jsonOutService mirror the shape of the teacher's
// server-ctl.go json_out_server_conn/json_out_server_route DTOs,
// generalized from tunnel connections/routes to broker sessions and
// registered Services.
type jsonOutSession struct {
	Address string `json:"address"`
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
	State   string `json:"state"`
}

type jsonOutService struct {
	Name       string `json:"name"`
	MaxClients int    `json:"max-clients"`
	Linked     int    `json:"linked-clients"`
}

type jsonErrmsg struct {
	Text string `json:"error"`
}

// ControlServer exposes a read-mostly admin/metrics HTTP surface next
// to the Manager's JSON-RPC listener, grounded on the teacher's
// deleted server-ctl.go mux registration (server.go's ctl_mux setup)
// but trimmed to the handful of endpoints this broker's operators
// actually need: session/service listing, a kick endpoint, and
// Prometheus metrics.
type ControlServer struct {
	manager *Manager
	mux     *http.ServeMux
}

func NewControlServer(manager *Manager) *ControlServer {
	c := &ControlServer{manager: manager, mux: http.NewServeMux()}

	registry := prometheus.NewRegistry()
	registry.MustRegister(NewManagerCollector(manager, "netbroker_"))

	c.mux.HandleFunc("/sessions", c.handleSessions)
	c.mux.HandleFunc("/sessions/{address}", c.handleSession)
	c.mux.HandleFunc("/services", c.handleServices)
	c.mux.HandleFunc("/debug/connections", c.handleConnectionLog)
	c.mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return c
}

func (c *ControlServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	c.mux.ServeHTTP(w, req)
}

func (c *ControlServer) handleSessions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	c.manager.mu.Lock()
	out := make([]jsonOutSession, 0, len(c.manager.sessions))
	for addr, s := range c.manager.sessions {
		out = append(out, jsonOutSession{
			Address: addr,
			Role:    s.Role().String(),
			Name:    s.Name(),
			State:   s.State().String(),
		})
	}
	c.manager.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (c *ControlServer) handleSession(w http.ResponseWriter, req *http.Request) {
	addr := req.PathValue("address")
	session, ok := c.manager.sessionByAddress(addr)
	if !ok {
		writeJSON(w, http.StatusNotFound, jsonErrmsg{Text: "no session at that address"})
		return
	}

	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, jsonOutSession{
			Address: session.Address(),
			Role:    session.Role().String(),
			Name:    session.Name(),
			State:   session.State().String(),
		})
	case http.MethodDelete:
		session.ReqStop()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (c *ControlServer) handleServices(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	names := c.manager.links.ListServices()
	out := make([]jsonOutService, 0, len(names))
	for _, name := range names {
		out = append(out, jsonOutService{
			Name:   name,
			Linked: len(c.manager.links.LinkedClients(name)),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleConnectionLog exposes the Manager's accept/reject/disconnect
// audit trail (connection_log.go), grounded on original_source's
// ConnectionsTable surfaced here for operators rather than behind an
// admin RPC.
func (c *ControlServer) handleConnectionLog(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, c.manager.connLog.Recent())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
