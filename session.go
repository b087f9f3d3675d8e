package wampy

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// State is the lifecycle state of a Session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Established
	Closing
	Closed
)

func (st State) String() string {
	switch st {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// A Session is one WAMP session on one transport. It owns the transport, the
// request table and the local procedure and topic registries.
//
// Inbound messages are handled by a single goroutine in arrival order.
// Procedure and event handlers run inline on that goroutine: a slow handler
// delays every message behind it, and a handler that blocks on Call over the
// same session will only return once that call times out.
type Session struct {
	cfg   Config
	peer  Peer
	realm URI

	mu      sync.Mutex
	state   State
	id      ID
	details map[string]interface{}

	ids        idGenerator
	calls      *callRegistry
	procedures *procedureRegistry
	topics     *topicRegistry

	// handler context, canceled on teardown
	ctx    context.Context
	cancel context.CancelFunc

	goodbye     chan struct{}
	goodbyeOnce sync.Once
	done        chan struct{}
	closeOnce   sync.Once
}

func newSession(peer Peer, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:        cfg,
		peer:       peer,
		realm:      URI(cfg.Realm),
		state:      Connecting,
		calls:      newCallRegistry(),
		procedures: newProcedureRegistry(),
		topics:     newTopicRegistry(),
		ctx:        ctx,
		cancel:     cancel,
		goodbye:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Connect dials cfg.RouterURL and joins cfg.Realm.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	peer, err := Dial(ctx, cfg.RouterURL, cfg, nil)
	if err != nil {
		return nil, connectionError(errors.Wrapf(err, "dial %s", cfg.RouterURL))
	}
	return Join(ctx, peer, cfg)
}

// Join runs the HELLO/WELCOME handshake for cfg.Realm over an established
// transport and starts the dispatch loop. On failure the transport is closed.
func Join(ctx context.Context, peer Peer, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	s := newSession(peer, cfg)
	if err := s.handshake(ctx); err != nil {
		return nil, err
	}
	go s.receive()
	return s, nil
}

func helloDetails(cfg Config) map[string]interface{} {
	details := map[string]interface{}{
		"agent": agent,
		"roles": map[string]interface{}{
			"caller":     map[string]interface{}{},
			"callee":     map[string]interface{}{},
			"publisher":  map[string]interface{}{},
			"subscriber": map[string]interface{}{},
		},
	}
	if cfg.AuthID != "" {
		details["authid"] = cfg.AuthID
	}
	return details
}

func (s *Session) handshake(ctx context.Context) error {
	hello := &Hello{Realm: s.realm, Details: helloDetails(s.cfg)}
	if err := s.peer.Send(hello); err != nil {
		s.teardown(closedBecause("handshake failed"))
		return connectionError(errors.Wrap(err, "sending HELLO"))
	}

	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-s.peer.Receive():
		if !ok {
			s.teardown(closedBecause("handshake failed"))
			return connectionError(errors.New("connection closed while waiting for WELCOME"))
		}
		switch m := msg.(type) {
		case *Welcome:
			s.mu.Lock()
			s.id = m.Id
			s.details = m.Details
			s.state = Established
			s.mu.Unlock()
			log.Info().Uint64("session", uint64(m.Id)).Str("realm", string(s.realm)).Msg("joined realm")
			return nil
		case *Abort:
			s.teardown(closedBecause("handshake aborted"))
			return &ProtocolError{Reason: m.Reason, Details: m.Details, msg: "router aborted the handshake"}
		default:
			s.peer.Send(&Abort{Details: map[string]interface{}{}, Reason: ErrProtocolViolation})
			s.teardown(closedBecause("handshake failed"))
			return &ProtocolError{msg: formatUnexpectedMessage(msg, WELCOME)}
		}
	case <-timer.C:
		s.teardown(closedBecause("handshake timed out"))
		return errors.Wrapf(ErrHandshakeTimeout, "no WELCOME for realm %s within %s", s.realm, s.cfg.HandshakeTimeout)
	case <-ctx.Done():
		s.teardown(closedBecause("handshake canceled"))
		return errors.Wrap(ctx.Err(), "waiting for WELCOME")
	}
}

// receive handles messages from the router until the session ends.
func (s *Session) receive() {
	c := s.peer.Receive()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		select {
		case msg, ok := <-c:
			if !ok {
				log.Warn().Uint64("session", uint64(s.ID())).Msg("transport closed by remote")
				s.teardown(closedBecause("transport closed"))
				return
			}
			s.route(msg)
		case <-s.done:
			return
		}
	}
}

func (s *Session) route(msg Message) {
	switch m := msg.(type) {
	case *Result:
		s.resolve(m.Request, m)
	case *Error:
		s.resolve(m.Request, m)
	case *Registered:
		s.resolve(m.Request, m)
	case *Unregistered:
		s.resolve(m.Request, m)
	case *Subscribed:
		s.resolve(m.Request, m)
	case *Unsubscribed:
		s.resolve(m.Request, m)
	case *Published:
		s.resolve(m.Request, m)

	case *Invocation:
		s.procedures.dispatch(s, m)

	case *Event:
		s.topics.dispatch(s, m)

	case *Goodbye:
		if s.State() == Closing {
			s.goodbyeOnce.Do(func() { close(s.goodbye) })
			return
		}
		log.Info().Str("reason", string(m.Reason)).Msg("router closed the session")
		s.reply(&Goodbye{Details: map[string]interface{}{}, Reason: CloseGoodbyeAndOut})
		s.teardown(closedBecause("router said goodbye: " + string(m.Reason)))

	case *Abort:
		log.Warn().Str("reason", string(m.Reason)).Msg("router aborted the session")
		s.teardown(closedBecause("router aborted: " + string(m.Reason)))

	default:
		log.Warn().Str("type", msg.MessageType().String()).Msg("dropping unhandled message")
	}
}

func (s *Session) resolve(id ID, msg Message) {
	if err := s.calls.resolve(id, msg); err != nil {
		log.Warn().Err(err).Msg("dropping reply")
	}
}

func (s *Session) send(msg Message) error {
	if err := s.peer.Send(msg); err != nil {
		return connectionError(errors.Wrapf(err, "sending %s", msg.MessageType()))
	}
	return nil
}

// reply sends a message from the dispatch loop, where nobody is waiting for
// the error.
func (s *Session) reply(msg Message) {
	if err := s.send(msg); err != nil {
		log.Warn().Err(err).Msg("error sending reply")
	}
}

func closedBecause(reason string) error {
	return errors.WithMessage(ErrConnectionClosed, reason)
}

// teardown releases everything the session owns. Only the first call has an
// effect.
func (s *Session) teardown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closed
		s.id = 0
		s.mu.Unlock()

		close(s.done)
		s.cancel()
		s.calls.cancelAll(cause)
		s.procedures.clear()
		s.topics.clear()
		if err := s.peer.Close(); err != nil {
			log.Debug().Err(err).Msg("error closing transport")
		}
		log.Info().Str("realm", string(s.realm)).Str("cause", cause.Error()).Msg("session closed")
	})
}

// Disconnect leaves the realm and closes the transport. It sends GOODBYE if
// the session is established and waits up to GoodbyeTimeout for the router's
// reply. Calling it more than once has no further effect.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	established := s.state == Established
	if established {
		s.state = Closing
	}
	s.mu.Unlock()

	if established {
		err := s.peer.Send(&Goodbye{Details: map[string]interface{}{}, Reason: CloseRealm})
		if err == nil {
			timer := time.NewTimer(s.cfg.GoodbyeTimeout)
			select {
			case <-s.goodbye:
			case <-timer.C:
				log.Debug().Msg("no GOODBYE reply from router")
			case <-s.done:
			}
			timer.Stop()
		}
	}
	s.teardown(closedBecause("session closed by client"))
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the session ID assigned by the router, or 0 unless the session
// is established.
func (s *Session) ID() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Established {
		return 0
	}
	return s.id
}

func (s *Session) Realm() URI {
	return s.realm
}

// Details returns the WELCOME details sent by the router.
func (s *Session) Details() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.details
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) established() error {
	if s.State() != Established {
		return ErrNotConnected
	}
	return nil
}
