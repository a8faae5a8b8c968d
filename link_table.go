package netbroker

import "sync"

// LinkMode is the constraint a Client can hold on a Service (spec.md
// §4.1 "Link", §4.3).
type LinkMode int

const (
	LinkNone LinkMode = iota
	LinkShared
	LinkExclusive
)

// serviceEntry is one registered Service: its session, its advertised
// identity, and the set of Clients currently linked to it. Grounded on
// the teacher's ServerRoute registry shape (name → session plus a
// client set), generalized from proxy routes to Service links.
type serviceEntry struct {
	name       string
	session    *PeerSession
	identity   *Identity
	maxClients int // -1 means unlimited
	links      map[string]LinkMode
	exclusive  string // clientID holding the exclusive lock, "" if none
}

func (s *serviceEntry) linkedCount() int { return len(s.links) }

// LinkTable is the process-wide Service directory and Client↔Service
// link/lock table (spec.md §4.3). All mutation happens under a single
// mutex; the spec calls this out explicitly as acceptable ("a
// fine-grained mutex" alternative to message-passing ownership).
type LinkTable struct {
	mu       sync.Mutex
	services map[string]*serviceEntry
	// clientLinks tracks, for each linked Client, which Services it
	// currently holds a link on, so a disconnecting Client's entries
	// can be purged without scanning every Service.
	clientLinks map[string]map[string]struct{}
}

func NewLinkTable() *LinkTable {
	return &LinkTable{
		services:    make(map[string]*serviceEntry),
		clientLinks: make(map[string]map[string]struct{}),
	}
}

// RegisterService adds a newly-identified Service to the directory.
func (t *LinkTable) RegisterService(name string, session *PeerSession, identity *Identity, maxClients int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.services[name]; exists {
		return ErrLinkRefused("a service named %q is already registered", name)
	}
	t.services[name] = &serviceEntry{
		name:       name,
		session:    session,
		identity:   identity,
		maxClients: maxClients,
		links:      make(map[string]LinkMode),
	}
	return nil
}

// UnregisterService removes a Service and returns the clientIDs that
// were linked to it, so the caller can deliver a service-gone
// notification to each (spec.md §4.3 cascading teardown).
func (t *LinkTable) UnregisterService(name string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.services[name]
	if !ok {
		return nil
	}
	clients := make([]string, 0, len(entry.links))
	for clientID := range entry.links {
		clients = append(clients, clientID)
		if set := t.clientLinks[clientID]; set != nil {
			delete(set, name)
			if len(set) == 0 {
				delete(t.clientLinks, clientID)
			}
		}
	}
	delete(t.services, name)
	return clients
}

func (t *LinkTable) ServiceSession(name string) (*PeerSession, *Identity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.services[name]
	if !ok {
		return nil, nil, false
	}
	return entry.session, entry.identity, true
}

func (t *LinkTable) ListServices() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.services))
	for name := range t.services {
		names = append(names, name)
	}
	return names
}

// Link grants clientID a (non-exclusive) link to service, subject to
// the max_clients cap and exclusive-lock invariant (spec.md §4.3).
func (t *LinkTable) Link(clientID, service string) (*Identity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.services[service]
	if !ok {
		return nil, ErrServiceNotFound(service)
	}
	if _, already := entry.links[clientID]; already {
		return entry.identity, nil
	}
	if entry.exclusive != "" && entry.exclusive != clientID {
		return nil, ErrLinkRefused("locked-exclusive: service %q is exclusively locked", service)
	}
	if entry.maxClients >= 0 && entry.linkedCount() >= entry.maxClients {
		return nil, ErrLinkRefused("max-clients-reached: service %q already has %d linked clients", service, entry.maxClients)
	}

	entry.links[clientID] = LinkNone
	if t.clientLinks[clientID] == nil {
		t.clientLinks[clientID] = make(map[string]struct{})
	}
	t.clientLinks[clientID][service] = struct{}{}
	return entry.identity, nil
}

// Unlink is idempotent: unlinking a Client that was never linked is
// not an error (spec.md §4.4 property "link then unlink leaves the
// link table unchanged").
func (t *LinkTable) Unlink(clientID, service string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.services[service]
	if !ok {
		return nil
	}
	delete(entry.links, clientID)
	if entry.exclusive == clientID {
		entry.exclusive = ""
	}
	if set := t.clientLinks[clientID]; set != nil {
		delete(set, service)
		if len(set) == 0 {
			delete(t.clientLinks, clientID)
		}
	}
	return nil
}

// Lock grants clientID an exclusive or shared lock on service.
// Exclusive requires no other Client currently linked and no existing
// lock of either kind; shared requires no exclusive lock held by
// another Client. Locking implicitly links the Client if it is not
// already linked.
func (t *LinkTable) Lock(clientID, service string, mode LinkMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.services[service]
	if !ok {
		return ErrServiceNotFound(service)
	}

	switch mode {
	case LinkExclusive:
		if entry.exclusive != "" && entry.exclusive != clientID {
			return ErrLinkRefused("locked-exclusive: service %q is already exclusively locked", service)
		}
		for other := range entry.links {
			if other != clientID {
				return ErrLinkRefused("locked-exclusive: service %q has other linked clients", service)
			}
		}
		entry.exclusive = clientID
	case LinkShared:
		if entry.exclusive != "" && entry.exclusive != clientID {
			return ErrLinkRefused("locked-exclusive: service %q is exclusively locked", service)
		}
	default:
		return ErrInvalidRequest("lock mode must be shared or exclusive")
	}

	entry.links[clientID] = mode
	if t.clientLinks[clientID] == nil {
		t.clientLinks[clientID] = make(map[string]struct{})
	}
	t.clientLinks[clientID][service] = struct{}{}
	return nil
}

// Unlock releases whatever lock clientID holds on service, leaving the
// underlying link (if any) in place.
func (t *LinkTable) Unlock(clientID, service string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.services[service]
	if !ok {
		return nil
	}
	if entry.exclusive == clientID {
		entry.exclusive = ""
	}
	if mode, linked := entry.links[clientID]; linked && mode != LinkNone {
		entry.links[clientID] = LinkNone
	}
	return nil
}

// LinkedClients returns every Client currently linked to service, used
// for notification fan-out.
func (t *LinkTable) LinkedClients(service string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.services[service]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(entry.links))
	for clientID := range entry.links {
		out = append(out, clientID)
	}
	return out
}

func (t *LinkTable) IsLinked(clientID, service string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.services[service]
	if !ok {
		return false
	}
	_, linked := entry.links[clientID]
	return linked
}

// PurgeClient removes every link and lock clientID holds, returned as
// the set of Service names it was linked to — called when a Client's
// session closes (spec.md §4.4 property #5).
func (t *LinkTable) PurgeClient(clientID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.clientLinks[clientID]
	if set == nil {
		return nil
	}
	names := make([]string, 0, len(set))
	for service := range set {
		names = append(names, service)
		if entry, ok := t.services[service]; ok {
			delete(entry.links, clientID)
			if entry.exclusive == clientID {
				entry.exclusive = ""
			}
		}
	}
	delete(t.clientLinks, clientID)
	return names
}
