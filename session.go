package netbroker

import (
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"
)

// SessionState is a PeerSession's position in the handshake state
// machine (spec.md §4.2).
type SessionState int32

const (
	StateTCPOpen SessionState = iota
	StateTLSHandshaking
	StateIdentifyPending
	StateAuthPending
	StateRegister
	StateReady
	StateDraining
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateTCPOpen:
		return "tcp-open"
	case StateTLSHandshaking:
		return "tls-handshaking"
	case StateIdentifyPending:
		return "identify-pending"
	case StateAuthPending:
		return "auth-pending"
	case StateRegister:
		return "register"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerSession is one TCP (optionally TLS) connection promoted through
// the handshake into a Client, Service, or terminal role. One
// PeerSession owns exactly one reader goroutine and one writer
// goroutine; the router and notification fan-out hand frames to the
// writer through Send. Grounded on the teacher's ServerPeerConn/ClientConn shape
// (struct + NewX constructor + RunTask() error + atomic stop flag,
// s-peer.go/client-peer.go) generalized from tunnel-peer bookkeeping to
// protocol-session bookkeeping.
type PeerSession struct {
	conn   net.Conn
	codec  *FrameCodec
	log    Logger
	id     string // log tag: remote address
	manager *Manager

	state   atomic.Int32
	role    atomic.Int32
	stopReq atomic.Bool

	name       string // Client/Service self-reported name
	admin      atomic.Bool
	failedAuth int

	outbox chan outboundFrame
	done   chan struct{}
}

type outboundFrame struct {
	value interface{}
}

func newPeerSession(conn net.Conn, mgr *Manager) *PeerSession {
	s := &PeerSession{
		conn:    conn,
		codec:   NewFrameCodec(conn, conn, mgr.config.MaxFrameSize),
		log:     mgr.log,
		id:      conn.RemoteAddr().String(),
		manager: mgr,
		outbox:  make(chan outboundFrame, 64),
		done:    make(chan struct{}),
	}
	s.state.Store(int32(StateTCPOpen))
	s.role.Store(int32(RoleUnidentified))
	return s
}

func (s *PeerSession) State() SessionState { return SessionState(s.state.Load()) }
func (s *PeerSession) setState(st SessionState) { s.state.Store(int32(st)) }

func (s *PeerSession) Role() Role     { return Role(s.role.Load()) }
func (s *PeerSession) setRole(r Role) { s.role.Store(int32(r)) }

func (s *PeerSession) Name() string    { return s.name }
func (s *PeerSession) Address() string { return s.id }
func (s *PeerSession) IsAdmin() bool   { return s.admin.Load() }

// Send enqueues a frame for the writer goroutine. Non-blocking is not
// an option here (unlike Bulletin fan-out) because a dropped reply
// or error frame is a protocol violation, so Send blocks until either
// the outbox accepts it or the session is closing.
func (s *PeerSession) Send(v interface{}) {
	select {
	case s.outbox <- outboundFrame{value: v}:
	case <-s.done:
	}
}

// ReqStop requests that the session's goroutines unwind and the
// connection close, matching the teacher's ReqStop/stop_req naming.
func (s *PeerSession) ReqStop() {
	if s.stopReq.CompareAndSwap(false, true) {
		s.conn.Close()
	}
}

// Run drives the handshake then the steady-state reader/writer loop.
// It returns once the session is fully closed.
func (s *PeerSession) Run() {
	defer recoverToError(s.log, s.id)
	defer close(s.done)
	defer s.teardown()

	go s.writeLoop()

	if err := s.handshake(); err != nil {
		s.log.Write(s.id, LogWarn, "handshake failed: %s", err.Error())
		s.manager.connLog.Record(s.id, "rejected", err.Error())
		s.setState(StateClosed)
		return
	}

	s.manager.connLog.Record(s.id, "connected", "")
	s.setState(StateReady)
	s.readLoop()
}

func (s *PeerSession) writeLoop() {
	for {
		select {
		case frame := <-s.outbox:
			if err := s.codec.WriteMessage(frame.value); err != nil {
				s.log.Write(s.id, LogDebug, "write failed: %s", err.Error())
				s.ReqStop()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *PeerSession) readLoop() {
	for {
		raw, err := s.readRequest()
		if err != nil {
			if be, ok := err.(*BrokerError); ok {
				s.Send(NewErrorFrame(be, s.id, ""))
				if be.Kind == "MessageError" {
					s.ReqStop()
					return
				}
				continue
			}
			return // EOF or connection error
		}
		s.manager.router.Dispatch(s, raw)
	}
}

// readRequest reads one frame line. An anonymous-terminal session
// (Role() == RoleTerminal, spec.md §6 "Terminal shortcut") may send a
// bare line like `Echo ping hello` instead of JSON; those lines fail
// JSON decoding, so for terminal sessions a decode failure falls back
// to terminal.go's ParseTerminalLine grammar before giving up.
func (s *PeerSession) readRequest() (*rawFrame, error) {
	line, err := s.codec.ReadFrame()
	if err != nil {
		return nil, err
	}

	var rf rawFrame
	jsonErr := jsonUnmarshalLenient(line, &rf)
	if jsonErr == nil {
		return &rf, nil
	}
	if s.Role() != RoleTerminal {
		return nil, ErrMalformedFrame("invalid JSON - %s", jsonErr.Error())
	}

	req, parseErr := ParseTerminalLine(string(line))
	if parseErr != nil {
		return nil, ErrMalformedFrame("invalid JSON and unrecognized terminal input - %s", parseErr.Error())
	}
	return rawFrameFromRequest(req), nil
}

func (s *PeerSession) teardown() {
	wasReady := s.State() != StateTCPOpen && s.State() != StateClosed
	s.setState(StateClosed)
	s.conn.Close()
	if wasReady {
		s.manager.connLog.Record(s.id, "disconnected", "")
	}
	s.manager.sessionClosed(s)
}

// handshake drives tls-handshaking → identify-pending → auth-pending →
// register, leaving the session in StateRegister on success; Run then
// moves it to StateReady.
func (s *PeerSession) handshake() error {
	if tlsConn, ok := s.conn.(*tls.Conn); ok {
		s.setState(StateTLSHandshaking)
		ctx, cancel := deadlineContext(s.manager.config.HandshakeTimeout())
		defer cancel()
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return ErrAuthenticationFailed("TLS handshake failed: " + err.Error())
		}
	}

	s.setState(StateIdentifyPending)
	identity, shortRole, shortName, err := s.requestIdentity()
	if err != nil {
		return err
	}

	if identity != nil {
		switch identity.Type {
		case "client":
			s.setRole(RoleClient)
		case "service":
			s.setRole(RoleService)
		default:
			return ErrMalformedFrame("unrecognized identity type %q", identity.Type)
		}
		s.name = identity.Name
	} else {
		// A peer answering the identity probe with the short form
		// instead of a JSON object is, per spec.md §2, one of the
		// "Client | Service | anonymous-terminal" categories: a
		// short-form "client"/"client <name>" reply marks an
		// anonymous-terminal session, which readLoop additionally
		// accepts request lines in terminal.go's shortcut grammar from
		// (spec.md §6 "Terminal shortcut").
		switch shortRole {
		case "client":
			s.setRole(RoleTerminal)
		case "service":
			s.setRole(RoleService)
		default:
			return ErrMalformedFrame("unrecognized short identity %q", shortRole)
		}
		s.name = shortName
	}

	if err := s.authenticate(); err != nil {
		return err
	}

	s.setState(StateRegister)
	return s.register(identity)
}

func (s *PeerSession) authenticate() error {
	backend := s.manager.credentials
	if backend == nil || backend.Mode() == AuthNone {
		return nil
	}
	s.setState(StateAuthPending)

	switch backend.Mode() {
	case AuthHostname:
		host, _, _ := net.SplitHostPort(s.conn.RemoteAddr().String())
		if !backend.CheckHostname(host) {
			return ErrAuthenticationFailed("hostname not in allow-list")
		}
		return nil
	case AuthFingerprint:
		tlsConn, ok := s.conn.(*tls.Conn)
		if !ok {
			return ErrAuthenticationFailed("fingerprint auth requires TLS")
		}
		fp := PeerCertificateFingerprint(tlsConn.ConnectionState())
		if fp == "" || !backend.CheckFingerprint(fp) {
			return ErrAuthenticationFailed("certificate fingerprint not in allow-list")
		}
		return nil
	case AuthPassword:
		for attempt := 0; attempt < 3; attempt++ {
			username, err := s.promptLine("username")
			if err != nil {
				return err
			}
			password, err := s.promptLine("password")
			if err != nil {
				return err
			}
			admin, authErr := backend.Authenticate(username, password)
			if authErr == nil {
				s.admin.Store(admin)
				s.name = username
				return nil
			}
			s.failedAuth++
		}
		return ErrAuthenticationFailed("too many failed login attempts")
	default:
		return nil
	}
}

func (s *PeerSession) register(identity *Identity) error {
	if s.Role() != RoleService {
		return nil
	}
	maxClients := -1
	var attrs map[string]string
	if identity != nil {
		if identity.MaxClients != nil {
			maxClients = *identity.MaxClients
		}
		attrs = identity.Attributes
	}
	if identity == nil {
		identity = NewServiceIdentity(s.name, attrs, maxClients)
	}
	return s.manager.links.RegisterService(s.name, s, identity, maxClients)
}

// requestIdentity sends the identity probe and reads back either a
// long-form Identity object or a short terminal-mode reply
// ("client"/"client NAME"/"service NAME"). A genuine terminal peer
// (telnet/Putty) types the bare line with no JSON envelope at all
// (spec.md §4.2 step 3 "the literal strings", §6 "Terminal shortcut";
// original_source/msl/network/manager.py:get_handshake_data: "it is
// convenient to return the string if the connection is through a
// terminal"), so a line that fails JSON decoding entirely is retried
// through ParseShortIdentity directly, the same fallback readRequest
// already applies to request lines.
func (s *PeerSession) requestIdentity() (identity *Identity, shortRole, shortName string, err error) {
	s.Send(NewIdentityRequestFrame(s.manager.Address()))

	s.conn.SetReadDeadline(time.Now().Add(s.manager.config.HandshakeTimeout()))
	defer s.conn.SetReadDeadline(time.Time{})

	line, readErr := s.codec.ReadFrame()
	if readErr != nil {
		return nil, "", "", ErrTimeout("identity-error: %s", readErr.Error())
	}

	var raw rawFrame
	if jsonErr := jsonUnmarshalLenient(line, &raw); jsonErr != nil {
		role, name, parseErr := ParseShortIdentity(string(line))
		if parseErr != nil {
			return nil, "", "", parseErr
		}
		return nil, role, name, nil
	}

	if len(raw.Result) == 0 {
		return nil, "", "", ErrMalformedFrame("identity-error: missing result")
	}
	var asString string
	if err := jsonUnmarshalLenient(raw.Result, &asString); err == nil {
		role, name, parseErr := parseShortIdentity(asString)
		if parseErr != nil {
			return nil, "", "", parseErr
		}
		return nil, role, name, nil
	}

	var id Identity
	if err := jsonUnmarshalLenient(raw.Result, &id); err != nil {
		return nil, "", "", ErrMalformedFrame("identity-error: %s", err.Error())
	}
	return &id, "", "", nil
}

func (s *PeerSession) promptLine(prompt string) (string, error) {
	s.Send(&ReplyFrame{Result: prompt, UID: ""})

	s.conn.SetReadDeadline(time.Now().Add(s.manager.config.HandshakeTimeout()))
	defer s.conn.SetReadDeadline(time.Time{})

	raw, err := s.codec.ReadMessage()
	if err != nil {
		return "", ErrTimeout("auth-error: %s", err.Error())
	}
	var value string
	if err := jsonUnmarshalLenient(raw.Result, &value); err != nil {
		return "", ErrMalformedFrame("auth-error: expected string reply")
	}
	return value, nil
}
