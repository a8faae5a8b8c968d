package netbroker

import (
	"net"
	"sync"
	"testing"
	"time"
)

// testPeer drives one TCP connection through the handshake far enough
// to exercise spec.md §8's testable properties without a real client
// or service implementation on the other end.
type testPeer struct {
	t     *testing.T
	conn  net.Conn
	codec *FrameCodec
}

func dialPeer(t *testing.T, addr string, result interface{}) *testPeer {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	codec := NewFrameCodec(conn, conn, 0)

	if _, err := codec.ReadMessage(); err != nil {
		conn.Close()
		t.Fatalf("read identity probe: %v", err)
	}
	if err := codec.WriteMessage(map[string]interface{}{"result": result}); err != nil {
		conn.Close()
		t.Fatalf("write identity reply: %v", err)
	}
	return &testPeer{t: t, conn: conn, codec: codec}
}

func (p *testPeer) request(service, attribute string, args []interface{}, uid string) {
	p.t.Helper()
	if err := p.codec.WriteMessage(NewRequestFrame(service, attribute, args, nil, uid)); err != nil {
		p.t.Fatalf("write request: %v", err)
	}
}

func (p *testPeer) read() *rawFrame {
	p.t.Helper()
	raw, err := p.codec.ReadMessage()
	if err != nil {
		p.t.Fatalf("read message: %v", err)
	}
	return raw
}

func (p *testPeer) readWithin(d time.Duration) (*rawFrame, error) {
	p.conn.SetReadDeadline(time.Now().Add(d))
	defer p.conn.SetReadDeadline(time.Time{})
	return p.codec.ReadMessage()
}

func (p *testPeer) close() { p.conn.Close() }

func startTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.HandshakeTimeoutS = 5
	cfg.ShutdownGraceS = 1

	mgr := NewManager(cfg, nil, NoAuthBackend{})
	if err := mgr.Listen(cfg.Listen); err != nil {
		t.Fatalf("listen: %v", err)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go mgr.Serve(&wg)
	t.Cleanup(func() {
		mgr.Shutdown()
	})
	return mgr
}

// TestManagerEchoRoundTrip covers spec.md §8 S1: a Client links to a
// Service, sends a request, and receives back the Service's reply
// correlated by uid.
func TestManagerEchoRoundTrip(t *testing.T) {
	mgr := startTestManager(t)

	svc := dialPeer(t, mgr.Address(), "service Echo")
	defer svc.close()

	cli := dialPeer(t, mgr.Address(), "client Tester")
	defer cli.close()

	cli.request(ManagerService, "link", []interface{}{"Echo"}, "link-1")
	linkReply := cli.read()
	if linkReply.Requester == nil {
		t.Fatalf("expected a link reply")
	}

	cli.request("Echo", "ping", []interface{}{"hello"}, "req-1")

	req := svc.read()
	if req.Attribute == nil || *req.Attribute != "ping" {
		t.Fatalf("service did not see the forwarded request: %+v", req)
	}
	requester := ""
	if req.Requester != nil {
		requester = *req.Requester
	}
	uid := ""
	if req.UID != nil {
		uid = *req.UID
	}
	if err := svc.codec.WriteMessage(NewReplyFrame(req.Args[0], requester, uid)); err != nil {
		t.Fatalf("service reply: %v", err)
	}

	reply := cli.read()
	if reply.Result == nil {
		t.Fatalf("expected a result in the client's reply")
	}
	var got string
	if err := jsonUnmarshalLenient(reply.Result, &got); err != nil || got != "hello" {
		t.Fatalf("expected echoed result %q, got %q (err=%v)", "hello", got, err)
	}
}

// TestManagerUnknownService covers spec.md §8 S2: linking to a Service
// name nobody has registered fails with ServiceNotFound.
func TestManagerUnknownService(t *testing.T) {
	mgr := startTestManager(t)

	cli := dialPeer(t, mgr.Address(), "client Tester")
	defer cli.close()

	cli.request(ManagerService, "link", []interface{}{"NoSuchService"}, "link-1")
	reply := cli.read()
	if reply.Error == nil || !*reply.Error {
		t.Fatalf("expected an error frame, got %+v", reply)
	}
	if reply.Message == nil || !containsSubstring(*reply.Message, "ServiceNotFound") {
		t.Fatalf("expected a ServiceNotFound error, got %+v", reply.Message)
	}
}

// TestManagerMaxClients covers spec.md §8 S3: a Service advertising
// max_clients=1 refuses a second concurrent link, then admits a new
// Client once the first disconnects.
func TestManagerMaxClients(t *testing.T) {
	mgr := startTestManager(t)

	maxOne := 1
	svc := dialPeer(t, mgr.Address(), &Identity{
		Type:       "service",
		Name:       "Capped",
		MaxClients: &maxOne,
	})
	defer svc.close()

	first := dialPeer(t, mgr.Address(), "client First")
	defer first.close()
	first.request(ManagerService, "link", []interface{}{"Capped"}, "l1")
	if reply := first.read(); reply.Error != nil && *reply.Error {
		t.Fatalf("first link should have succeeded: %+v", reply.Message)
	}

	second := dialPeer(t, mgr.Address(), "client Second")
	defer second.close()
	second.request(ManagerService, "link", []interface{}{"Capped"}, "l2")
	reply := second.read()
	if reply.Error == nil || !*reply.Error {
		t.Fatalf("expected max-clients refusal, got %+v", reply)
	}

	first.close()
	time.Sleep(100 * time.Millisecond)

	second.request(ManagerService, "link", []interface{}{"Capped"}, "l3")
	retry := second.read()
	if retry.Error != nil && *retry.Error {
		t.Fatalf("expected retry link to succeed once the slot freed up: %+v", retry.Message)
	}
}

// TestManagerNotificationFanout covers spec.md §8 S4: a Service's
// notification reaches every Client currently linked to it.
func TestManagerNotificationFanout(t *testing.T) {
	mgr := startTestManager(t)

	svc := dialPeer(t, mgr.Address(), "service Feed")
	defer svc.close()

	a := dialPeer(t, mgr.Address(), "client A")
	defer a.close()
	b := dialPeer(t, mgr.Address(), "client B")
	defer b.close()

	a.request(ManagerService, "link", []interface{}{"Feed"}, "l1")
	a.read()
	b.request(ManagerService, "link", []interface{}{"Feed"}, "l2")
	b.read()

	if err := svc.codec.WriteMessage(NewNotificationFrame("Feed", map[string]interface{}{"tick": 1})); err != nil {
		t.Fatalf("publish notification: %v", err)
	}

	for _, p := range []*testPeer{a, b} {
		raw, err := p.readWithin(2 * time.Second)
		if err != nil {
			t.Fatalf("expected a fanned-out notification: %v", err)
		}
		if raw.UID == nil || *raw.UID != NotificationUID {
			t.Fatalf("expected a notification frame, got %+v", raw)
		}
	}
}

// TestManagerServiceDeathResolvesPending covers spec.md §8 S5: a
// Client's in-flight request to a Service that disconnects mid-flight
// is answered with a service-gone error instead of hanging.
func TestManagerServiceDeathResolvesPending(t *testing.T) {
	mgr := startTestManager(t)

	svc := dialPeer(t, mgr.Address(), "service Slow")

	cli := dialPeer(t, mgr.Address(), "client Tester")
	defer cli.close()

	cli.request(ManagerService, "link", []interface{}{"Slow"}, "l1")
	cli.read()

	cli.request("Slow", "work", nil, "req-1")
	if _, err := svc.readWithin(2 * time.Second); err != nil {
		t.Fatalf("service never saw the forwarded request: %v", err)
	}

	svc.close()

	// The Client is both linked to "Slow" (so it also receives the
	// service-gone notification published on teardown) and owed an
	// answer for req-1, and those two frames arrive on independent
	// goroutines with no ordering guarantee between them — scan for
	// the one carrying req-1's uid rather than assuming it's first.
	deadline := time.Now().Add(2 * time.Second)
	var reply *rawFrame
	for time.Now().Before(deadline) {
		raw, err := cli.readWithin(time.Until(deadline))
		if err != nil {
			t.Fatalf("expected a service-gone error before the deadline, got read error: %v", err)
		}
		if raw.UID != nil && *raw.UID == "req-1" {
			reply = raw
			break
		}
	}
	if reply == nil {
		t.Fatalf("never received a frame carrying uid req-1")
	}
	if reply.Error == nil || !*reply.Error {
		t.Fatalf("expected an error frame, got %+v", reply)
	}
	if reply.Message == nil || !containsSubstring(*reply.Message, "service-gone") {
		t.Fatalf("expected a service-gone error, got %+v", reply.Message)
	}
}

// TestManagerGracefulShutdown covers spec.md §8 S6: Shutdown drains
// within its grace period (here configured to 1s) and every live
// session's socket ends up closed.
func TestManagerGracefulShutdown(t *testing.T) {
	mgr := startTestManager(t)

	cli := dialPeer(t, mgr.Address(), "client Tester")
	defer cli.close()

	done := make(chan struct{})
	go func() {
		mgr.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Shutdown did not return within its grace period")
	}

	if mgr.state.Get() != ManagerStopped {
		t.Fatalf("expected ManagerStopped, got %s", mgr.state.Get())
	}

	cli.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := cli.conn.Read(buf); err == nil {
		t.Fatalf("expected the client socket to be closed by shutdown")
	}
}

// TestManagerConnectionLogAdminQuery covers the admin-only
// connection_log route to the accept/disconnect audit trail: a non-admin Client is
// refused, and an admin Client sees its own "connected" entry once the
// handshake completes.
func TestManagerConnectionLogAdminQuery(t *testing.T) {
	mgr := startTestManager(t)

	cli := dialPeer(t, mgr.Address(), "client Tester")
	defer cli.close()

	cli.request(ManagerService, "connection_log", nil, "q1")
	reply := cli.read()
	if reply.Error == nil || !*reply.Error {
		t.Fatalf("expected permission-denied for a non-admin caller, got %+v", reply)
	}

	// Promote the session to admin directly, the way an
	// already-authenticated login-mode session would have been marked
	// during the handshake.
	mgr.mu.Lock()
	for _, s := range mgr.sessions {
		if s.Name() == "Tester" {
			s.admin.Store(true)
		}
	}
	mgr.mu.Unlock()

	cli.request(ManagerService, "connection_log", nil, "q2")
	reply = cli.read()
	if reply.Error != nil && *reply.Error {
		t.Fatalf("expected connection_log to succeed for an admin caller: %+v", reply.Message)
	}
	var entries []ConnectionLogEntry
	if err := jsonUnmarshalLenient(reply.Result, &entries); err != nil {
		t.Fatalf("decode connection_log result: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Event == "connected" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected at least one \"connected\" entry, got %+v", entries)
	}
}

// TestManagerDrainingRejectsNewRequests covers spec.md §8 S6(a): once
// the Manager starts draining, a session's new requests are answered
// with a draining error instead of being routed normally, while the
// socket itself stays open until the grace period elapses.
func TestManagerDrainingRejectsNewRequests(t *testing.T) {
	mgr := startTestManager(t)

	svc := dialPeer(t, mgr.Address(), "service Echo")
	defer svc.close()

	cli := dialPeer(t, mgr.Address(), "client Tester")
	defer cli.close()

	cli.request(ManagerService, "link", []interface{}{"Echo"}, "l1")
	cli.read()

	go mgr.Shutdown()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cli.session(mgr).State() == StateDraining {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cli.request("Echo", "ping", []interface{}{"hello"}, "req-1")
	reply, err := cli.readWithin(2 * time.Second)
	if err != nil {
		t.Fatalf("expected a draining error before the socket closes: %v", err)
	}
	if reply.Error == nil || !*reply.Error {
		t.Fatalf("expected an error frame, got %+v", reply)
	}
	if reply.Message == nil || !containsSubstring(*reply.Message, "draining") {
		t.Fatalf("expected a draining error, got %+v", reply.Message)
	}
}

func (p *testPeer) session(mgr *Manager) *PeerSession {
	s, ok := mgr.sessionByAddress(p.conn.LocalAddr().String())
	if !ok {
		p.t.Fatalf("no session found for local address %s", p.conn.LocalAddr())
	}
	return s
}

// TestManagerTerminalShortcutGrammar covers SPEC_FULL §12's terminal
// shortcut grammar: a session that identifies with the "client <name>"
// short form may send plain "<service> <attribute> [args...]" lines
// instead of JSON, and "disconnect" closes the session.
func TestManagerTerminalShortcutGrammar(t *testing.T) {
	mgr := startTestManager(t)

	svc := dialPeer(t, mgr.Address(), "service Echo")
	defer svc.close()

	cli := dialPeer(t, mgr.Address(), "client Tester")
	defer cli.close()

	cli.writeLine(t, "link Echo")
	linkReply := cli.read()
	if linkReply.Error != nil && *linkReply.Error {
		t.Fatalf("expected the terminal link shortcut to succeed: %+v", linkReply.Message)
	}

	cli.writeLine(t, "Echo ping hello")

	req := svc.read()
	if req.Attribute == nil || *req.Attribute != "ping" {
		t.Fatalf("service did not see the forwarded terminal request: %+v", req)
	}
	requester, uid := "", ""
	if req.Requester != nil {
		requester = *req.Requester
	}
	if req.UID != nil {
		uid = *req.UID
	}
	if err := svc.codec.WriteMessage(NewReplyFrame(req.Args[0], requester, uid)); err != nil {
		t.Fatalf("service reply: %v", err)
	}

	reply := cli.read()
	var got string
	if err := jsonUnmarshalLenient(reply.Result, &got); err != nil || got != "hello" {
		t.Fatalf("expected echoed result %q, got %q (err=%v)", "hello", got, err)
	}

	cli.writeLine(t, "disconnect")
	cli.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := cli.conn.Read(buf); err == nil {
		t.Fatalf("expected the session to close after the disconnect shortcut")
	}
}

// writeLine writes a bare line terminated by "\r\n" directly to the
// connection, bypassing FrameCodec's JSON marshaling, the way a human
// typing into a raw terminal (Putty, telnet) would.
func (p *testPeer) writeLine(t *testing.T, line string) {
	t.Helper()
	if _, err := p.conn.Write([]byte(line + "\r\n")); err != nil {
		t.Fatalf("write terminal line %q: %v", line, err)
	}
}

// dialBareTerminal connects and answers the identity probe with a bare
// line carrying no JSON envelope at all, the way a human typing into a
// raw telnet/Putty session would (spec.md §4.2 step 3, §6 "Terminal
// shortcut").
func dialBareTerminal(t *testing.T, addr, line string) *testPeer {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	codec := NewFrameCodec(conn, conn, 0)

	if _, err := codec.ReadMessage(); err != nil {
		conn.Close()
		t.Fatalf("read identity probe: %v", err)
	}
	p := &testPeer{t: t, conn: conn, codec: codec}
	p.writeLine(t, line)
	return p
}

// TestManagerBareTerminalIdentity covers a real terminal peer's
// handshake: a telnet/Putty user answers the identity probe with the
// bare line "client Tester", no JSON quoting or braces at all. Before
// requestIdentity fell back to ParseShortIdentity on undecodable
// lines, this handshake could never complete.
func TestManagerBareTerminalIdentity(t *testing.T) {
	mgr := startTestManager(t)

	svc := dialPeer(t, mgr.Address(), "service Echo")
	defer svc.close()

	cli := dialBareTerminal(t, mgr.Address(), "client Tester")
	defer cli.close()

	cli.request(ManagerService, "identity", nil, "id-1")
	reply := cli.read()
	if reply.Error != nil && *reply.Error {
		t.Fatalf("expected the bare-line handshake to succeed: %+v", reply.Message)
	}
}

// TestManagerTerminalShortcutSkipsLinkCheck covers spec.md §4.5 item 2:
// the shortcut terminal form forwards straight to the named Service
// without requiring a prior `link` call.
func TestManagerTerminalShortcutSkipsLinkCheck(t *testing.T) {
	mgr := startTestManager(t)

	svc := dialPeer(t, mgr.Address(), "service Echo")
	defer svc.close()

	cli := dialPeer(t, mgr.Address(), "client Tester")
	defer cli.close()

	cli.writeLine(t, "Echo ping hello")

	req := svc.read()
	if req.Attribute == nil || *req.Attribute != "ping" {
		t.Fatalf("expected the terminal shortcut to forward without a prior link: %+v", req)
	}
}

// TestManagerReservedUIDClosesSession covers spec.md §7: a request
// abusing the reserved notification uid is protocol-error, fatal to
// the offending session, not just an error-and-continue.
func TestManagerReservedUIDClosesSession(t *testing.T) {
	mgr := startTestManager(t)

	cli := dialPeer(t, mgr.Address(), "client Tester")
	defer cli.close()

	cli.request(ManagerService, "identity", nil, NotificationUID)

	reply := cli.read()
	if reply.Error == nil || !*reply.Error {
		t.Fatalf("expected an error frame, got %+v", reply)
	}
	if reply.Message == nil || !containsSubstring(*reply.Message, "reserved-uid") {
		t.Fatalf("expected a reserved-uid error, got %+v", reply.Message)
	}

	cli.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := cli.conn.Read(buf); err == nil {
		t.Fatalf("expected the session to close after reserved-uid abuse")
	}
}

func containsSubstring(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
