package netbroker

import (
	"net"

	"golang.org/x/net/netutil"
)

// limitListener bounds the number of simultaneous connections the
// Manager's accept loop will hold open, so a flood of Clients can't
// exhaust file descriptors before the handshake timeout even has a
// chance to reject them. golang.org/x/net/netutil.LimitListener is the
// standard idiomatic wrapper for this; the teacher's tunnel doesn't
// need a global cap (MaxPeers there bounds peer connections per route,
// not total accepted sockets), so this is new wiring rather than an
// adaptation of teacher code.
func limitListener(ln net.Listener, n int) net.Listener {
	return netutil.LimitListener(ln, n)
}
