package netbroker

import "runtime"

// Router classifies and dispatches every inbound frame from a `ready`
// PeerSession (spec.md §4.5). One Router is shared by every session a
// Manager owns; the Manager state it touches (LinkTable, PendingTable,
// the notification Bulletin, the ConnectionLog, the atomic stats
// counters) is already internally synchronized, so Router itself holds
// no state of its own. Grounded on the teacher's deleted
// server.go `receive_from_stream` dispatch loop (a big switch over
// packet kind), generalized from binary PACKET_KIND values to the
// five JSON frame shapes classified by rawFrame.Classify().
type Router struct {
	manager *Manager
}

func NewRouter(m *Manager) *Router {
	return &Router{manager: m}
}

func (r *Router) sendError(sender *PeerSession, be *BrokerError, uid string) {
	sender.Send(NewErrorFrame(be, sender.Address(), uid))
	r.manager.stats.errorsSent.Add(1)
}

// Dispatch classifies raw and routes it according to spec.md §4.5.
// It never panics the caller: every code path that can fail sends an
// error frame back to sender instead of propagating, and a panic
// inside handling a single request is recovered here and turned into a
// service-exception error frame (spec.md §7, SPEC_FULL §10.2) instead
// of unwinding into readLoop's recoverToError and tearing the session
// down.
func (r *Router) Dispatch(sender *PeerSession, raw *rawFrame) {
	defer func() {
		if rec := recover(); rec != nil {
			buf := make([]byte, 65536)
			buf = buf[:runtime.Stack(buf, false)]
			r.manager.log.Write(sender.Address(), LogError, "recovered from panic dispatching frame: %v\n%s", rec, buf)
			uid := ""
			if raw.UID != nil {
				uid = *raw.UID
			}
			r.sendError(sender, ErrServiceException(rec, buf), uid)
		}
	}()

	switch raw.Classify() {
	case FrameRequest:
		if sender.State() == StateDraining {
			uid := ""
			if raw.UID != nil {
				uid = *raw.UID
			}
			r.sendError(sender, ErrDraining(), uid)
			return
		}
		r.dispatchRequest(sender, raw)
	case FrameReply, FrameError:
		r.dispatchReplyOrError(sender, raw)
	case FrameNotification:
		r.dispatchNotification(sender, raw)
	default:
		r.sendError(sender, ErrMalformedFrame("unrecognized frame shape"), "")
	}
}

func (r *Router) dispatchRequest(sender *PeerSession, raw *rawFrame) {
	if raw.Service == nil {
		r.sendError(sender, ErrMalformedFrame("request frame missing \"service\""), "")
		return
	}
	service := *raw.Service
	attribute := *raw.Attribute
	uid := ""
	if raw.UID != nil {
		uid = *raw.UID
	}

	if uid == NotificationUID {
		// spec.md §7: reserved-uid abuse is a protocol-error, "fatal to
		// the offending session" (§4.5 item 5), so the error frame is
		// followed by closing the session rather than leaving it open.
		// The frame is written synchronously rather than queued through
		// Send, so it reaches the peer before ReqStop closes the socket.
		sender.codec.WriteMessage(NewErrorFrame(ErrReservedUID(uid), sender.Address(), uid))
		r.manager.stats.errorsSent.Add(1)
		sender.ReqStop()
		return
	}

	// terminal.go's "disconnect"/"exit" shortcut (spec.md §6) targets
	// the pseudo-service "self": close the session, no reply sent.
	if service == "self" && attribute == "disconnect" {
		sender.ReqStop()
		return
	}

	if service == ManagerService {
		r.dispatchAdmin(sender, attribute, raw.Args, raw.Kwargs, uid)
		return
	}

	r.forwardToService(sender, service, attribute, raw.Args, raw.Kwargs, uid, raw.terminal)
}

// forwardToService routes a Client request on to the named Service.
// viaTerminalShortcut exempts the call from the link-table check
// (spec.md §4.5 item 2) when the request came from terminal.go's
// direct "<service> <attribute> ..." line grammar rather than an
// explicit `link` call.
func (r *Router) forwardToService(sender *PeerSession, service, attribute string, args []interface{}, kwargs map[string]interface{}, uid string, viaTerminalShortcut bool) {
	if !viaTerminalShortcut && !r.manager.links.IsLinked(sender.Address(), service) {
		r.sendError(sender, ErrLinkRefused("not-linked: no active link to service %q", service), uid)
		return
	}

	serviceSession, _, ok := r.manager.links.ServiceSession(service)
	if !ok {
		r.sendError(sender, ErrServiceNotFound(service), uid)
		return
	}

	if err := r.manager.pending.Register(sender, service, uid); err != nil {
		r.sendError(sender, WrapError(err), uid)
		return
	}

	forwarded := NewRequestFrame(service, attribute, args, kwargs, uid)
	forwarded.Requester = sender.Address()
	serviceSession.Send(forwarded)
	r.manager.stats.requestsRouted.Add(1)
}

func (r *Router) dispatchReplyOrError(sender *PeerSession, raw *rawFrame) {
	requester := ""
	if raw.Requester != nil {
		requester = *raw.Requester
	}
	uid := ""
	if raw.UID != nil {
		uid = *raw.UID
	}

	client, ok := r.manager.pending.Resolve(requester, uid)
	if !ok {
		r.manager.log.Write(sender.Address(), LogDebug, "dropping reply/error for unknown pending request (requester=%s uid=%s)", requester, uid)
		return
	}

	if raw.Error != nil && *raw.Error {
		msg := ""
		if raw.Message != nil {
			msg = *raw.Message
		}
		client.Send(&ErrorFrame{Error: true, Message: msg, Traceback: raw.Traceback, Result: nil, Requester: requester, UID: uid})
		return
	}

	var result interface{}
	if len(raw.Result) > 0 {
		jsonUnmarshalLenient(raw.Result, &result)
	}
	client.Send(NewReplyFrame(result, requester, uid))
}

func (r *Router) dispatchNotification(sender *PeerSession, raw *rawFrame) {
	service := *raw.Service
	if sender.Name() != service && sender.Role() == RoleService {
		service = sender.Name()
	}

	var result interface{}
	if len(raw.Result) > 0 {
		jsonUnmarshalLenient(raw.Result, &result)
	}

	notification := NewNotificationFrame(service, result)
	r.manager.stats.notificationsSent.Add(int64(len(r.manager.links.LinkedClients(service))))
	r.manager.notifications.Publish(service, notification)
}

// dispatchAdmin implements the Manager's own admin method table
// (spec.md §4.5 item 1): identity, link, unlink, lock, unlock,
// shutdown_manager, kick, plus read-only credential-backend queries.
func (r *Router) dispatchAdmin(sender *PeerSession, attribute string, args []interface{}, kwargs map[string]interface{}, uid string) {
	result, err := r.callAdmin(sender, attribute, args, kwargs)
	if err != nil {
		r.sendError(sender, WrapError(err), uid)
		return
	}
	sender.Send(NewReplyFrame(result, sender.Address(), uid))
}

func (r *Router) callAdmin(sender *PeerSession, attribute string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	switch attribute {
	case "identity":
		return r.manager.Identity(), nil

	case "link":
		name, err := stringArg(args, kwargs, "service", 0)
		if err != nil {
			return nil, err
		}
		identity, linkErr := r.manager.links.Link(sender.Address(), name)
		if linkErr != nil {
			return nil, linkErr
		}
		r.manager.subscribeNotifications(sender, name)
		return identity, nil

	case "unlink":
		name, err := stringArg(args, kwargs, "service", 0)
		if err != nil {
			return nil, err
		}
		err = r.manager.links.Unlink(sender.Address(), name)
		r.manager.unsubscribeNotifications(sender.Address(), name)
		return true, err

	case "lock":
		name, err := stringArg(args, kwargs, "service", 0)
		if err != nil {
			return nil, err
		}
		mode, err := lockModeArg(args, kwargs)
		if err != nil {
			return nil, err
		}
		return true, r.manager.links.Lock(sender.Address(), name, mode)

	case "unlock":
		name, err := stringArg(args, kwargs, "service", 0)
		if err != nil {
			return nil, err
		}
		return true, r.manager.links.Unlock(sender.Address(), name)

	case "shutdown_manager":
		if !sender.IsAdmin() {
			return nil, ErrPermissionDenied("shutdown_manager requires admin role")
		}
		go r.manager.Shutdown()
		return true, nil

	case "kick":
		if !sender.IsAdmin() {
			return nil, ErrPermissionDenied("kick requires admin role")
		}
		addr, err := stringArg(args, kwargs, "address", 0)
		if err != nil {
			return nil, err
		}
		return r.manager.Kick(addr)

	case "users_table.is_user_registered":
		username, err := stringArg(args, kwargs, "username", 0)
		if err != nil {
			return nil, err
		}
		return r.manager.isUserRegistered(username), nil

	case "users_table.is_user_admin":
		username, err := stringArg(args, kwargs, "username", 0)
		if err != nil {
			return nil, err
		}
		return r.manager.isUserAdmin(username), nil

	case "connection_log":
		if !sender.IsAdmin() {
			return nil, ErrPermissionDenied("connection_log requires admin role")
		}
		return r.manager.connLog.Recent(), nil

	default:
		return nil, ErrAttributeNotFound(ManagerService, attribute)
	}
}

func stringArg(args []interface{}, kwargs map[string]interface{}, key string, index int) (string, error) {
	if v, ok := kwargs[key]; ok {
		if s, ok := v.(string); ok {
			return s, nil
		}
		return "", ErrInvalidRequest("expected %q to be a string", key)
	}
	if index < len(args) {
		if s, ok := args[index].(string); ok {
			return s, nil
		}
		return "", ErrInvalidRequest("expected argument %d to be a string", index)
	}
	return "", ErrInvalidRequest("missing required argument %q", key)
}

func lockModeArg(args []interface{}, kwargs map[string]interface{}) (LinkMode, error) {
	mode, err := stringArg(args, kwargs, "mode", 1)
	if err != nil {
		return LinkNone, err
	}
	switch mode {
	case "exclusive":
		return LinkExclusive, nil
	case "shared":
		return LinkShared, nil
	default:
		return LinkNone, ErrInvalidRequest("lock mode must be \"shared\" or \"exclusive\", got %q", mode)
	}
}
