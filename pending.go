package netbroker

import "sync"

// pendingKey identifies one in-flight Client request (spec.md §4.4):
// the pair (client address, uid) is only required to be unique within
// the lifetime of a single Client session, not globally.
type pendingKey struct {
	clientAddr string
	uid        string
}

// pendingEntry is who is waiting (client) and which Service owes the
// answer, so a Service's mid-flight death (spec.md §8 S5) can resolve
// every request it still owes without scanning the whole table by
// value type alone.
type pendingEntry struct {
	client  *PeerSession
	service string
}

// PendingTable correlates a forwarded Client request with the Service
// reply or error that eventually answers it.
type PendingTable struct {
	mu      sync.Mutex
	entries map[pendingKey]pendingEntry
}

func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[pendingKey]pendingEntry)}
}

// Register records that clientAddr is waiting on uid, to be answered
// by whichever Service reply or error names that (requester, uid)
// pair. Returns a reserved-uid/duplicate-uid BrokerError if uid is
// already pending for this Client, or if it collides with the
// reserved notification uid (spec.md §4.4).
func (p *PendingTable) Register(client *PeerSession, service, uid string) error {
	if uid == NotificationUID {
		return ErrReservedUID(uid)
	}

	key := pendingKey{clientAddr: client.Address(), uid: uid}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[key]; exists {
		return ErrDuplicateUID(uid)
	}
	p.entries[key] = pendingEntry{client: client, service: service}
	return nil
}

// Resolve looks up the Client waiting on (requester, uid), removing
// the entry. The second return value is false if no such entry exists
// (the reply is stale or the uid was never registered) — the caller
// should drop and log the frame rather than treat it as fatal.
func (p *PendingTable) Resolve(requester, uid string) (*PeerSession, bool) {
	key := pendingKey{clientAddr: requester, uid: uid}

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	return entry.client, ok
}

// Len reports the number of in-flight requests, for ManagerCollector.
func (p *PendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// PurgeClient removes every entry belonging to a Client whose session
// just closed and returns their uids. Its caller, Manager.sessionClosed,
// only logs those uids; no peer-disconnected error frame is sent to the
// Service that still holds the request, and a late reply from it is
// dropped as unknown.
func (p *PendingTable) PurgeClient(clientAddr string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var uids []string
	for key := range p.entries {
		if key.clientAddr == clientAddr {
			uids = append(uids, key.uid)
			delete(p.entries, key)
		}
	}
	return uids
}

// pendingAnswer pairs a waiting Client with the uid it is owed an
// answer for, returned by PurgeService so the caller can deliver a
// service-gone error to each (spec.md §8 S5).
type pendingAnswer struct {
	client *PeerSession
	uid    string
}

// PurgeService removes every entry a now-dead Service still owed an
// answer for, returning who to notify.
func (p *PendingTable) PurgeService(service string) []pendingAnswer {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []pendingAnswer
	for key, entry := range p.entries {
		if entry.service == service {
			out = append(out, pendingAnswer{client: entry.client, uid: key.uid})
			delete(p.entries, key)
		}
	}
	return out
}
