package wampy

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotConnected is returned by operations on a client without an
	// established session.
	ErrNotConnected = errors.New("wampy: not connected")
	// ErrConnectionClosed resolves every request still pending when the
	// session is torn down.
	ErrConnectionClosed = errors.New("wampy: connection closed")
	// ErrHandshakeTimeout is returned when the router does not answer HELLO
	// within the handshake timeout.
	ErrHandshakeTimeout = errors.New("wampy: handshake timeout")
	// ErrTimeout is returned when a request is not answered in time. The
	// session stays usable and the request may be retried.
	ErrTimeout = errors.New("wampy: timeout waiting for response")
	// ErrDuplicateRegistration is returned when a procedure name is already
	// owned (or being registered) by this session.
	ErrDuplicateRegistration = errors.New("wampy: procedure already registered by this session")
	// ErrUnknownRequest is returned when a response carries a request ID that
	// has no pending request, e.g. a RESULT arriving after its call timed out.
	ErrUnknownRequest = errors.New("wampy: unknown request id")
	// ErrNotRegistered is returned by Unregister for a procedure this session
	// does not own.
	ErrNotRegistered = errors.New("wampy: procedure not registered by this session")
	// ErrNotSubscribed is returned by Unsubscribe for a topic this session
	// has no subscription for.
	ErrNotSubscribed = errors.New("wampy: topic not subscribed by this session")
)

// ConnectionError is a transport level failure. It is fatal to the session.
type ConnectionError struct{ error }

func (e *ConnectionError) Cause() error {
	return e.error
}

func (e *ConnectionError) Unwrap() error {
	return e.error
}

func connectionError(err error) error {
	if err == nil || IsConnectionError(err) {
		return err
	}
	return &ConnectionError{err}
}

// IsConnectionError reports whether err is, or wraps, a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// ProtocolError is returned when the handshake is aborted by the router or
// the router answers with an unexpected message.
type ProtocolError struct {
	Reason  URI
	Details map[string]interface{}
	msg     string
}

func (e *ProtocolError) Error() string {
	if e.Reason == "" {
		return "wampy: protocol error: " + e.msg
	}
	return fmt.Sprintf("wampy: protocol error: %s: %s", e.msg, e.Reason)
}

// RPCError is the error reported by the router or callee for a CALL.
type RPCError struct {
	Procedure   URI
	Err         URI
	Arguments   []interface{}
	ArgumentsKw map[string]interface{}
}

func (e *RPCError) Error() string {
	s := fmt.Sprintf("error calling procedure '%v': %v", e.Procedure, e.Err)
	if len(e.Arguments) > 0 {
		s += fmt.Sprintf(": %v", e.Arguments[0])
	}
	return s
}

// RegistrationRejected is returned when the router answers REGISTER with an
// ERROR, e.g. because another session already owns the procedure.
type RegistrationRejected struct {
	Procedure URI
	Reason    URI
}

func (e *RegistrationRejected) Error() string {
	return fmt.Sprintf("error registering procedure '%v': %v", e.Procedure, e.Reason)
}

// SubscriptionRejected is returned when the router answers SUBSCRIBE with an
// ERROR.
type SubscriptionRejected struct {
	Topic  URI
	Reason URI
}

func (e *SubscriptionRejected) Error() string {
	return fmt.Sprintf("error subscribing to topic '%v': %v", e.Topic, e.Reason)
}

// DecodeError is returned by a Serializer for a payload that is not a valid
// WAMP message. A transport drops the frame and keeps reading.
type DecodeError struct {
	msg string
}

func (e *DecodeError) Error() string {
	return "wampy: decode error: " + e.msg
}

func decodeErrorf(format string, args ...interface{}) error {
	return &DecodeError{msg: fmt.Sprintf(format, args...)}
}

// errorReply turns an ERROR reply to a request into the matching Go error.
func errorReply(e *Error, target URI) error {
	switch e.Type {
	case REGISTER:
		return &RegistrationRejected{Procedure: target, Reason: e.Error}
	case SUBSCRIBE:
		return &SubscriptionRejected{Topic: target, Reason: e.Error}
	default:
		return &RPCError{
			Procedure:   target,
			Err:         e.Error,
			Arguments:   e.Arguments,
			ArgumentsKw: e.ArgumentsKw,
		}
	}
}

func formatUnexpectedMessage(msg Message, expected MessageType) string {
	s := fmt.Sprintf("received unexpected %s message while waiting for %s", msg.MessageType(), expected)
	switch m := msg.(type) {
	case *Abort:
		s += ": " + string(m.Reason)
	case *Goodbye:
		s += ": " + string(m.Reason)
	case *Error:
		s += ": " + string(m.Error)
	}
	return s
}
