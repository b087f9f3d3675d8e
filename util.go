package wampy

import "sync/atomic"

const (
	// --- Interactions ---

	// Peer provided an incorrect URI for any URI-based attribute of WAMP message,
	// such as realm, topic or procedure.
	ErrInvalidURI = URI("wamp.error.invalid_uri")

	// A Dealer could not perform a call, since no procedure is currently
	// registered under the given URI.
	ErrNoSuchProcedure = URI("wamp.error.no_such_procedure")

	// A procedure could not be registered, since a procedure with the given URI
	// is already registered.
	ErrProcedureAlreadyExists = URI("wamp.error.procedure_already_exists")

	// A Dealer could not perform an unregister, since the given registration is
	// not active.
	ErrNoSuchRegistration = URI("wamp.error.no_such_registration")

	// A Broker could not perform an unsubscribe, since the given subscription is
	// not active.
	ErrNoSuchSubscription = URI("wamp.error.no_such_subscription")

	// A call failed, since the given argument types or values are not acceptable
	// to the called procedure.
	ErrInvalidArgument = URI("wamp.error.invalid_argument")

	// A callee failed while handling an invocation. The error description is
	// sent as the single positional argument.
	ErrRuntimeError = URI("wamp.error.runtime_error")

	// --- Session Close ---

	// The Peer is shutting down completely - used as a GOODBYE (or ABORT) reason.
	CloseSystemShutdown = URI("wamp.close.system_shutdown")

	// The Peer wants to leave the realm - used as a GOODBYE reason.
	CloseRealm = URI("wamp.close.close_realm")

	// A Peer acknowledges ending of a session - used as a GOODBYE reply reason.
	CloseGoodbyeAndOut = URI("wamp.close.goodbye_and_out")

	// --- Authorization ---

	// A join, call, register, publish or subscribe failed, since the Peer is not
	// authorized to perform the operation.
	ErrNotAuthorized = URI("wamp.error.not_authorized")

	// Peer wanted to join a non-existing realm (and the Router did not allow to
	// auto-create the realm)
	ErrNoSuchRealm = URI("wamp.error.no_such_realm")

	// Sent as an ABORT reason when the peer violated the protocol, e.g. by
	// answering HELLO with something other than WELCOME.
	ErrProtocolViolation = URI("wamp.error.protocol_violation")
)

// IDs in the session scope must be in [1, 2^53].
const maxRequestID uint64 = 1 << 53

// idGenerator hands out session scoped request IDs. IDs increase by one and
// roll over to 1 after maxRequestID.
type idGenerator struct {
	last uint64
}

func (g *idGenerator) next() ID {
	for {
		last := atomic.LoadUint64(&g.last)
		next := last + 1
		if next > maxRequestID {
			next = 1
		}
		if atomic.CompareAndSwapUint64(&g.last, last, next) {
			return ID(next)
		}
	}
}
