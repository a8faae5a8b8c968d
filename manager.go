package netbroker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// managerStats holds the counters ManagerCollector (manager_metrics.go)
// exports, grounded on the teacher's Server.stats atomic counter block
// (server.go, consumed by server-metrics.go's ServerCollector).
type managerStats struct {
	requestsRouted    atomic.Int64
	notificationsSent atomic.Int64
	errorsSent        atomic.Int64
}

// ManagerState is the Manager's own lifecycle position (spec.md §4.6),
// distinct from any one PeerSession's SessionState.
type ManagerState int

const (
	ManagerStarting ManagerState = iota
	ManagerRunning
	ManagerDraining
	ManagerStopped
)

func (s ManagerState) String() string {
	switch s {
	case ManagerStarting:
		return "starting"
	case ManagerRunning:
		return "running"
	case ManagerDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// Manager owns the listening socket, the Service directory, the
// pending-request table, and every live PeerSession. Grounded on the
// teacher's deleted server.go Server type (struct holding Cfg, a
// logger, connection registries, and a stop_chan/stop_req pair),
// trimmed from a multi-listener tunnel gateway down to the single
// TCP/TLS listener spec.md describes, with grpc/http-proxy concerns
// replaced by the JSON broker's link/pending tables and admin router.
type Manager struct {
	config      *Config
	log         Logger
	credentials Backend
	links       *LinkTable
	pending     *PendingTable
	router      *Router

	// notifications fans Service notifications out to linked Clients.
	// Grounded on the teacher's server.go ServerEventBulletin, but used
	// through its topic-keyed Subscribe/Publish path rather than the
	// teacher's untopic'd Enqueue/RunTask broadcast, since a Service's
	// notifications must reach only the Clients linked to it.
	notifications *Bulletin[*NotificationFrame]
	notifySubsMu  sync.Mutex
	notifySubs    map[string]map[string]*BulletinSubscription[*NotificationFrame]

	// connLog records accept/reject/disconnect events for the
	// /debug/connections operator surface (manager_http.go), grounded
	// on original_source's ConnectionsTable audit trail.
	connLog *ConnectionLog

	listener net.Listener
	state    Atom[ManagerState]

	mu       sync.Mutex
	sessions map[string]*PeerSession
	wg       sync.WaitGroup

	stopCh     chan struct{}
	stopOnce   sync.Once
	stats      managerStats
}

// Stats exposes the Manager's running counters for ManagerCollector.
func (m *Manager) Stats() (sessions, services, pending int) {
	m.mu.Lock()
	sessions = len(m.sessions)
	m.mu.Unlock()
	services = len(m.links.ListServices())
	pending = m.pending.Len()
	return
}

func NewManager(cfg *Config, log Logger, credentials Backend) *Manager {
	if log == nil {
		log = discardLogger{}
	}
	m := &Manager{
		config:        cfg,
		log:           log,
		credentials:   credentials,
		links:         NewLinkTable(),
		pending:       NewPendingTable(),
		sessions:      make(map[string]*PeerSession),
		stopCh:        make(chan struct{}),
		notifications: NewBulletin[*NotificationFrame](1024),
		notifySubs:    make(map[string]map[string]*BulletinSubscription[*NotificationFrame]),
		connLog:       NewConnectionLog(256),
	}
	m.router = NewRouter(m)
	m.state.Set(ManagerStarting)
	return m
}

// Listen binds the Manager's TCP socket, wrapping it in TLS if the
// config carries a TLS section, and applying per-OS socket tuning via
// tuneListenControl (socket.go). TLS enabled with a certificate/key
// that cannot be loaded is a startup error, not a plaintext fallback.
func (m *Manager) Listen(addr string) error {
	lc := net.ListenConfig{Control: tuneListenControl}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("bind failed: %w", err)
	}

	tlsConfig := m.config.TLSConfig()
	if tlsConfig == nil && m.config.TLS.Enabled {
		ln.Close()
		return fmt.Errorf("TLS is enabled but the certificate/key pair could not be loaded")
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	if m.config.MaxConnections > 0 {
		ln = limitListener(ln, m.config.MaxConnections)
	}

	m.listener = ln
	m.state.Set(ManagerRunning)
	return nil
}

func (m *Manager) Address() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Serve runs the accept loop until the Manager is asked to shut down.
// Grounded on the teacher's RunTask(wg *sync.WaitGroup) convention:
// callers pass a WaitGroup and Serve marks it done as soon as the
// accept loop itself unwinds (sessions keep running independently on
// their own goroutines, tracked by m.wg).
func (m *Manager) Serve(wg *sync.WaitGroup) {
	defer wg.Done()
	defer recoverToError(m.log, "manager")

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				m.log.Write("manager", LogError, "accept failed: %s", err.Error())
				return
			}
		}
		m.spawnSession(conn)
	}
}

func (m *Manager) spawnSession(conn net.Conn) {
	session := newPeerSession(conn, m)

	m.mu.Lock()
	m.sessions[session.Address()] = session
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		session.Run()
	}()
}

func (m *Manager) sessionClosed(s *PeerSession) {
	m.mu.Lock()
	delete(m.sessions, s.Address())
	m.mu.Unlock()

	if s.Role() == RoleService && s.Name() != "" {
		affected := m.links.UnregisterService(s.Name())
		notification := NewNotificationFrame(s.Name(), map[string]interface{}{"reason": "service-gone"})
		m.notifications.Publish(s.Name(), notification)
		for _, clientID := range affected {
			m.unsubscribeNotifications(clientID, s.Name())
		}

		// spec.md §8 S5: any Client request this Service still owed an
		// answer for gets a service-gone error instead of hanging
		// forever in the pending table.
		for _, answer := range m.pending.PurgeService(s.Name()) {
			answer.client.Send(NewErrorFrame(
				ErrServiceGone(s.Name()), answer.client.Address(), answer.uid,
			))
		}
	}

	for _, uid := range m.pending.PurgeClient(s.Address()) {
		m.log.Write(s.Address(), LogDebug, "pending request uid=%s abandoned by peer-disconnected", uid)
	}
	m.links.PurgeClient(s.Address())
	m.unsubscribeAllNotifications(s.Address())
}

// subscribeNotifications starts forwarding service's published
// notifications to client, for the lifetime of the link.
func (m *Manager) subscribeNotifications(client *PeerSession, service string) {
	m.notifySubsMu.Lock()
	if m.notifySubs[client.Address()] != nil {
		if _, already := m.notifySubs[client.Address()][service]; already {
			m.notifySubsMu.Unlock()
			return
		}
	}
	m.notifySubsMu.Unlock()

	sub, err := m.notifications.Subscribe(service)
	if err != nil {
		return
	}

	m.notifySubsMu.Lock()
	if m.notifySubs[client.Address()] == nil {
		m.notifySubs[client.Address()] = make(map[string]*BulletinSubscription[*NotificationFrame])
	}
	m.notifySubs[client.Address()][service] = sub
	m.notifySubsMu.Unlock()

	go func() {
		for msg := range sub.C {
			client.Send(msg)
		}
	}()
}

func (m *Manager) unsubscribeNotifications(clientID, service string) {
	m.notifySubsMu.Lock()
	var sub *BulletinSubscription[*NotificationFrame]
	if subs := m.notifySubs[clientID]; subs != nil {
		sub = subs[service]
		delete(subs, service)
		if len(subs) == 0 {
			delete(m.notifySubs, clientID)
		}
	}
	m.notifySubsMu.Unlock()

	if sub != nil {
		m.notifications.Unsubscribe(sub)
	}
}

func (m *Manager) unsubscribeAllNotifications(clientID string) {
	m.notifySubsMu.Lock()
	subs := m.notifySubs[clientID]
	delete(m.notifySubs, clientID)
	m.notifySubsMu.Unlock()

	for _, sub := range subs {
		m.notifications.Unsubscribe(sub)
	}
}

func (m *Manager) sessionByAddress(addr string) (*PeerSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[addr]
	return s, ok
}

// Kick forcibly closes the session at address, matching spec.md §4.6's
// admin kick operation.
func (m *Manager) Kick(address string) (bool, error) {
	session, ok := m.sessionByAddress(address)
	if !ok {
		return false, ErrInvalidRequest("no session at address %q", address)
	}
	session.ReqStop()
	return true, nil
}

// Identity returns the Manager's own long-form identity, including the
// roster of connected Clients and registered Services (spec.md §6).
func (m *Manager) Identity() *Identity {
	m.mu.Lock()
	clients := make(map[string]string, len(m.sessions))
	for addr, s := range m.sessions {
		if s.Role() == RoleClient || s.Role() == RoleTerminal {
			clients[addr] = s.Name()
		}
	}
	m.mu.Unlock()

	services := make(map[string]*Identity)
	for _, name := range m.links.ListServices() {
		if _, identity, ok := m.links.ServiceSession(name); ok {
			services[name] = identity
		}
	}

	host, portStr, _ := net.SplitHostPort(m.Address())
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return NewManagerIdentity(host, port, clients, services)
}

func (m *Manager) isUserRegistered(username string) bool {
	sb, ok := m.credentials.(*SqliteBackend)
	if !ok {
		return false
	}
	names, err := sb.Usernames()
	if err != nil {
		return false
	}
	for _, n := range names {
		if n == username {
			return true
		}
	}
	return false
}

func (m *Manager) isUserAdmin(username string) bool {
	sb, ok := m.credentials.(*SqliteBackend)
	if !ok {
		return false
	}
	admin, err := sb.IsUserAdmin(username)
	return err == nil && admin
}

// Shutdown transitions the Manager through draining → stopped
// (spec.md §4.6): stop accepting, mark every session draining, wait
// until every session has closed or ShutdownGrace has elapsed,
// whichever comes first, then close every remaining socket. The wait
// does not end early when the pending-request table empties, so with
// any peer still connected Shutdown takes the full grace period.
// Idempotent, since both a signal handler and an admin
// shutdown_manager call may trigger it.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { m.shutdown() })
}

func (m *Manager) shutdown() {
	m.state.Set(ManagerDraining)
	close(m.stopCh)
	if m.listener != nil {
		m.listener.Close()
	}

	m.mu.Lock()
	sessions := make([]*PeerSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.setState(StateDraining)
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.config.ShutdownGrace()):
		for _, s := range sessions {
			s.ReqStop()
		}
	}

	m.state.Set(ManagerStopped)
}
