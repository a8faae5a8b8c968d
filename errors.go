package netbroker

import "fmt"

// BrokerError is what crosses the wire as an ErrorFrame. Kind mirrors
// the Python exception class name the original implementation put in
// front of "message" (network.py's send_error: error.__class__.__name__
// + ': ' + str(error)) so a client written against the original wire
// format still sees a recognizable "ClassName: detail" message string.
type BrokerError struct {
	Kind      string
	Detail    string
	Traceback []string
}

func (e *BrokerError) Error() string {
	if e.Detail == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Detail
}

func newBrokerError(kind, format string, args ...interface{}) *BrokerError {
	return &BrokerError{Kind: kind, Detail: fmt.Sprintf(format, args...), Traceback: nil}
}

func ErrInvalidRequest(format string, args ...interface{}) *BrokerError {
	return newBrokerError("InvalidRequest", format, args...)
}

func ErrServiceNotFound(name string) *BrokerError {
	return newBrokerError("ServiceNotFound", "service %q is not registered", name)
}

// ErrServiceGone answers a Client's in-flight request when the Service
// it targeted disconnects before replying (spec.md §8 S5).
func ErrServiceGone(name string) *BrokerError {
	return newBrokerError("ServiceNotFound", "service-gone: service %q disconnected while the request was pending", name)
}

func ErrAttributeNotFound(service, attribute string) *BrokerError {
	return newBrokerError("AttributeError", "service %q has no attribute %q", service, attribute)
}

func ErrAuthenticationFailed(detail string) *BrokerError {
	return newBrokerError("AuthenticationError", "%s", detail)
}

func ErrLinkRefused(format string, args ...interface{}) *BrokerError {
	return newBrokerError("LinkError", format, args...)
}

func ErrFrameTooLarge(size, limit int) *BrokerError {
	return newBrokerError("MessageError", "frame of %d bytes exceeds the %d byte limit", size, limit)
}

func ErrMalformedFrame(format string, args ...interface{}) *BrokerError {
	return newBrokerError("MessageError", format, args...)
}

func ErrTimeout(format string, args ...interface{}) *BrokerError {
	return newBrokerError("TimeoutError", format, args...)
}

func ErrPermissionDenied(format string, args ...interface{}) *BrokerError {
	return newBrokerError("PermissionError", format, args...)
}

func ErrDuplicateUID(uid string) *BrokerError {
	return newBrokerError("InvalidRequest", "uid %q is already pending for this connection", uid)
}

// ErrReservedUID answers a request that abuses the notification-only
// uid (spec.md §7 "reserved-uid", listed under protocol-error as fatal
// to the offending session).
func ErrReservedUID(uid string) *BrokerError {
	return newBrokerError("InvalidRequest", "reserved-uid: uid %q is reserved for notifications", uid)
}

// ErrDraining answers a request arriving after the Manager has started
// draining this session (spec.md §4.6, §8 S6(a)): no new requests are
// accepted from a draining peer.
func ErrDraining() *BrokerError {
	return newBrokerError("DrainingError", "draining: the Manager is shutting down and is not accepting new requests")
}

// ErrServiceException wraps a recovered panic from inside Dispatch into
// a service-exception-class error frame (spec.md §7, SPEC_FULL §10.2),
// carrying a best-effort stack trace the way the teacher's
// dump_call_frame_and_exit captures one, but scoped to the offending
// request instead of exiting the process.
func ErrServiceException(reason interface{}, stack []byte) *BrokerError {
	return &BrokerError{
		Kind:      "ServiceException",
		Detail:    fmt.Sprintf("%v", reason),
		Traceback: []string{string(stack)},
	}
}

// WrapError turns an arbitrary Go error raised while executing a
// Service-side or Manager-side admin call into a BrokerError, the way
// the original Manager wraps whatever exception a Service raised.
func WrapError(err error) *BrokerError {
	if be, ok := err.(*BrokerError); ok {
		return be
	}
	return newBrokerError("RuntimeError", "%s", err.Error())
}
