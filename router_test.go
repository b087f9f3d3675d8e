package wampy

import (
	"context"
	"crypto/tls"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const testRealm = "wampy.test"

func testConfig() Config {
	return Config{
		Realm:            testRealm,
		HandshakeTimeout: time.Second,
		ResponseTimeout:  2 * time.Second,
		GoodbyeTimeout:   200 * time.Millisecond,
	}
}

type routerSession struct {
	id   ID
	peer Peer
	// the router sent GOODBYE and waits for the reply
	leaving bool
}

type remoteProcedure struct {
	callee    *routerSession
	procedure URI
}

type pendingInvocation struct {
	caller  *routerSession
	request ID
}

// delivery is a message the router sends once its lock is released.
type delivery struct {
	to  *routerSession
	msg Message
}

// testRouter is a single realm dealer and broker for tests.
type testRouter struct {
	realm URI
	ids   idGenerator

	mu       sync.Mutex
	sessions map[ID]*routerSession

	// dealer
	procedures    map[ID]remoteProcedure
	registrations map[URI]ID
	invocations   map[ID]pendingInvocation

	// broker: one subscription ID per topic, shared by every subscriber
	topics      map[URI]ID
	subTopics   map[ID]URI
	subscribers map[ID]map[ID]*routerSession
	// received counts messages by type
	received map[MessageType]int
}

func newTestRouter() *testRouter {
	return &testRouter{
		realm:         testRealm,
		sessions:      make(map[ID]*routerSession),
		procedures:    make(map[ID]remoteProcedure),
		registrations: make(map[URI]ID),
		invocations:   make(map[ID]pendingInvocation),
		topics:        make(map[URI]ID),
		subTopics:     make(map[ID]URI),
		subscribers:   make(map[ID]map[ID]*routerSession),
		received:      make(map[MessageType]int),
	}
}

// accept runs the router side of the handshake and serves the session until
// it leaves.
func (r *testRouter) accept(peer Peer) error {
	select {
	case msg, ok := <-peer.Receive():
		if !ok {
			return errors.New("connection closed before HELLO")
		}
		hello, ok := msg.(*Hello)
		if !ok {
			peer.Send(&Abort{Details: map[string]interface{}{}, Reason: ErrProtocolViolation})
			peer.Close()
			return errors.Errorf("expected HELLO, got %s", msg.MessageType())
		}
		if hello.Realm != r.realm {
			peer.Send(&Abort{Details: map[string]interface{}{}, Reason: ErrNoSuchRealm})
			peer.Close()
			return errors.Errorf("no such realm: %s", hello.Realm)
		}
	case <-time.After(5 * time.Second):
		peer.Close()
		return errors.New("timeout waiting for HELLO")
	}

	sess := &routerSession{id: r.ids.next(), peer: peer}
	r.mu.Lock()
	r.sessions[sess.id] = sess
	r.mu.Unlock()

	welcome := &Welcome{
		Id: sess.id,
		Details: map[string]interface{}{
			"roles": map[string]interface{}{
				"broker": map[string]interface{}{},
				"dealer": map[string]interface{}{},
			},
		},
	}
	if err := peer.Send(welcome); err != nil {
		r.removeSession(sess)
		return err
	}
	go r.serve(sess)
	return nil
}

func (r *testRouter) serve(sess *routerSession) {
	defer r.removeSession(sess)
	for msg := range sess.peer.Receive() {
		if _, ok := msg.(*Goodbye); ok {
			r.mu.Lock()
			leaving := sess.leaving
			r.mu.Unlock()
			if !leaving {
				sess.peer.Send(&Goodbye{Details: map[string]interface{}{}, Reason: CloseGoodbyeAndOut})
			}
			return
		}

		r.mu.Lock()
		r.received[msg.MessageType()]++
		out := r.handle(sess, msg)
		r.mu.Unlock()
		for _, d := range out {
			if err := d.to.peer.Send(d.msg); err != nil {
				log.Debug().Err(err).Msg("test router: send failed")
			}
		}
	}
}

func (r *testRouter) removeSession(sess *routerSession) {
	r.mu.Lock()
	delete(r.sessions, sess.id)
	for id, proc := range r.procedures {
		if proc.callee == sess {
			delete(r.procedures, id)
			delete(r.registrations, proc.procedure)
		}
	}
	for subID, subs := range r.subscribers {
		delete(subs, sess.id)
		if len(subs) == 0 {
			r.dropSubscription(subID)
		}
	}
	r.mu.Unlock()
	sess.peer.Close()
}

// kick ends a session from the router side.
func (r *testRouter) kick(id ID, reason URI) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		sess.leaving = true
	}
	r.mu.Unlock()
	if ok {
		sess.peer.Send(&Goodbye{Details: map[string]interface{}{}, Reason: reason})
	}
}

func (r *testRouter) count(mt MessageType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received[mt]
}

func (r *testRouter) registered(procedure URI) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.registrations[procedure]
	return ok
}

// dial connects a client through an in-memory pipe.
func (r *testRouter) dial(ctx context.Context, rawurl string, cfg Config, tlscfg *tls.Config) (Peer, error) {
	client, server := pipe()
	go func() {
		if err := r.accept(server); err != nil {
			log.Debug().Err(err).Msg("test router: accept failed")
		}
	}()
	return client, nil
}

// join opens a session on the router that is closed when the test ends.
func (r *testRouter) join(t *testing.T, cfg Config) *Session {
	t.Helper()
	peer, err := r.dial(context.Background(), "", cfg, nil)
	require.NoError(t, err)
	s, err := Join(context.Background(), peer, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Disconnect() })
	return s
}

func routerError(to *routerSession, mt MessageType, request ID, reason URI) delivery {
	return delivery{to, &Error{
		Type:    mt,
		Request: request,
		Details: make(map[string]interface{}),
		Error:   reason,
	}}
}

func (r *testRouter) handle(sess *routerSession, msg Message) []delivery {
	switch m := msg.(type) {
	case *Register:
		return r.register(sess, m)
	case *Unregister:
		return r.unregister(sess, m)
	case *Call:
		return r.call(sess, m)
	case *Yield:
		return r.yield(m)
	case *Error:
		if m.Type == INVOCATION {
			return r.invocationError(m)
		}
	case *Subscribe:
		return r.subscribe(sess, m)
	case *Unsubscribe:
		return r.unsubscribe(sess, m)
	case *Publish:
		return r.publish(sess, m)
	default:
		log.Debug().Str("type", msg.MessageType().String()).Msg("test router: unhandled message")
	}
	return nil
}

func (r *testRouter) register(callee *routerSession, msg *Register) []delivery {
	if _, ok := r.registrations[msg.Procedure]; ok {
		return []delivery{routerError(callee, REGISTER, msg.Request, ErrProcedureAlreadyExists)}
	}
	reg := r.ids.next()
	r.procedures[reg] = remoteProcedure{callee, msg.Procedure}
	r.registrations[msg.Procedure] = reg
	return []delivery{{callee, &Registered{Request: msg.Request, Registration: reg}}}
}

func (r *testRouter) unregister(callee *routerSession, msg *Unregister) []delivery {
	proc, ok := r.procedures[msg.Registration]
	if !ok || proc.callee != callee {
		return []delivery{routerError(callee, UNREGISTER, msg.Request, ErrNoSuchRegistration)}
	}
	delete(r.procedures, msg.Registration)
	delete(r.registrations, proc.procedure)
	return []delivery{{callee, &Unregistered{Request: msg.Request}}}
}

func (r *testRouter) call(caller *routerSession, msg *Call) []delivery {
	reg, ok := r.registrations[msg.Procedure]
	if !ok {
		return []delivery{routerError(caller, CALL, msg.Request, ErrNoSuchProcedure)}
	}
	proc := r.procedures[reg]
	inv := r.ids.next()
	r.invocations[inv] = pendingInvocation{caller: caller, request: msg.Request}
	return []delivery{{proc.callee, &Invocation{
		Request:      inv,
		Registration: reg,
		Details:      map[string]interface{}{},
		Arguments:    msg.Arguments,
		ArgumentsKw:  msg.ArgumentsKw,
	}}}
}

func (r *testRouter) yield(msg *Yield) []delivery {
	pending, ok := r.invocations[msg.Request]
	if !ok {
		return nil
	}
	delete(r.invocations, msg.Request)
	return []delivery{{pending.caller, &Result{
		Request:     pending.request,
		Details:     map[string]interface{}{},
		Arguments:   msg.Arguments,
		ArgumentsKw: msg.ArgumentsKw,
	}}}
}

func (r *testRouter) invocationError(msg *Error) []delivery {
	pending, ok := r.invocations[msg.Request]
	if !ok {
		return nil
	}
	delete(r.invocations, msg.Request)
	return []delivery{{pending.caller, &Error{
		Type:        CALL,
		Request:     pending.request,
		Details:     make(map[string]interface{}),
		Error:       msg.Error,
		Arguments:   msg.Arguments,
		ArgumentsKw: msg.ArgumentsKw,
	}}}
}

func (r *testRouter) subscribe(sess *routerSession, msg *Subscribe) []delivery {
	id, ok := r.topics[msg.Topic]
	if !ok {
		id = r.ids.next()
		r.topics[msg.Topic] = id
		r.subTopics[id] = msg.Topic
		r.subscribers[id] = make(map[ID]*routerSession)
	}
	r.subscribers[id][sess.id] = sess
	return []delivery{{sess, &Subscribed{Request: msg.Request, Subscription: id}}}
}

func (r *testRouter) unsubscribe(sess *routerSession, msg *Unsubscribe) []delivery {
	subs, ok := r.subscribers[msg.Subscription]
	if !ok || subs[sess.id] == nil {
		return []delivery{routerError(sess, UNSUBSCRIBE, msg.Request, ErrNoSuchSubscription)}
	}
	delete(subs, sess.id)
	if len(subs) == 0 {
		r.dropSubscription(msg.Subscription)
	}
	return []delivery{{sess, &Unsubscribed{Request: msg.Request}}}
}

func (r *testRouter) dropSubscription(id ID) {
	delete(r.topics, r.subTopics[id])
	delete(r.subTopics, id)
	delete(r.subscribers, id)
}

func (r *testRouter) publish(publisher *routerSession, msg *Publish) []delivery {
	pubID := r.ids.next()
	excludePublisher := true
	if exclude, ok := msg.Options["exclude_me"].(bool); ok {
		excludePublisher = exclude
	}

	var out []delivery
	if id, ok := r.topics[msg.Topic]; ok {
		for _, sub := range r.subscribers[id] {
			if sub == publisher && excludePublisher {
				continue
			}
			out = append(out, delivery{sub, &Event{
				Subscription: id,
				Publication:  pubID,
				Details:      make(map[string]interface{}),
				Arguments:    msg.Arguments,
				ArgumentsKw:  msg.ArgumentsKw,
			}})
		}
	}
	if ack, _ := msg.Options["acknowledge"].(bool); ack {
		out = append(out, delivery{publisher, &Published{Request: msg.Request, Publication: pubID}})
	}
	return out
}
