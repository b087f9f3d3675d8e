package wampy

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// pendingCall is a request waiting for the router. Its result slot is
// written exactly once: by the dispatch loop, by a timeout or by teardown.
type pendingCall struct {
	request ID
	kind    MessageType
	created time.Time
	// onReply runs on the dispatch goroutine before the waiter wakes up.
	onReply func(Message)

	once sync.Once
	done chan struct{}
	msg  Message
	err  error
}

func (pc *pendingCall) fill(msg Message, err error) bool {
	filled := false
	pc.once.Do(func() {
		pc.msg, pc.err = msg, err
		close(pc.done)
		filled = true
	})
	return filled
}

// callRegistry correlates outgoing requests (CALL, REGISTER, SUBSCRIBE,
// UNREGISTER, UNSUBSCRIBE and acknowledged PUBLISH) with their replies by
// request ID.
type callRegistry struct {
	mu      sync.Mutex
	pending map[ID]*pendingCall
	closed  error
}

func newCallRegistry() *callRegistry {
	return &callRegistry{pending: make(map[ID]*pendingCall)}
}

func (r *callRegistry) add(id ID, kind MessageType, onReply func(Message)) (*pendingCall, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed != nil {
		return nil, r.closed
	}
	if _, ok := r.pending[id]; ok {
		return nil, errors.Errorf("request id %d already pending", id)
	}
	pc := &pendingCall{
		request: id,
		kind:    kind,
		created: time.Now(),
		onReply: onReply,
		done:    make(chan struct{}),
	}
	r.pending[id] = pc
	return pc, nil
}

// resolve hands a reply to the request waiting for it. A reply for a request
// that is no longer pending returns ErrUnknownRequest and has no other effect.
func (r *callRegistry) resolve(id ID, msg Message) error {
	r.mu.Lock()
	pc, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return errors.Wrapf(ErrUnknownRequest, "%s for request %d", msg.MessageType(), id)
	}
	log.Debug().
		Uint64("request", uint64(id)).
		Str("reply", msg.MessageType().String()).
		Dur("latency", time.Since(pc.created)).
		Msg("request resolved")
	if pc.onReply != nil {
		pc.onReply(msg)
	}
	pc.fill(msg, nil)
	return nil
}

func (r *callRegistry) remove(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; !ok {
		return false
	}
	delete(r.pending, id)
	return true
}

// cancelAll fails every pending request with err and rejects new ones.
func (r *callRegistry) cancelAll(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[ID]*pendingCall)
	r.closed = err
	r.mu.Unlock()

	for _, pc := range pending {
		pc.fill(nil, err)
	}
}

func (r *callRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// wait blocks until the request is resolved, timeout elapses or ctx is done.
// A zero timeout leaves the deadline to ctx.
func (r *callRegistry) wait(ctx context.Context, pc *pendingCall, timeout time.Duration) (Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var err error
	select {
	case <-pc.done:
		return pc.msg, pc.err
	case <-expired:
		err = errors.Wrapf(ErrTimeout, "%s request %d after %s", pc.kind, pc.request, timeout)
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			err = errors.Wrapf(ErrTimeout, "%s request %d: %s", pc.kind, pc.request, ctx.Err())
		} else {
			err = errors.Wrapf(ctx.Err(), "%s request %d", pc.kind, pc.request)
		}
	}

	if r.remove(pc.request) {
		pc.fill(nil, err)
		return nil, err
	}
	// the dispatch loop won the race, its reply is in the slot
	<-pc.done
	return pc.msg, pc.err
}

// request sends req and waits for the reply correlated by id.
func (s *Session) request(ctx context.Context, id ID, req Message, onReply func(Message)) (Message, error) {
	pc, err := s.calls.add(id, req.MessageType(), onReply)
	if err != nil {
		return nil, err
	}
	if err := s.send(req); err != nil {
		s.calls.remove(id)
		return nil, err
	}
	return s.calls.wait(ctx, pc, s.cfg.ResponseTimeout)
}

// Call calls a procedure given a URI and blocks until the RESULT or ERROR
// arrives. The session's ResponseTimeout bounds the wait; a deadline on ctx
// shortens it for this call only. Both surface as ErrTimeout.
func (s *Session) Call(ctx context.Context, procedure string, args []interface{}, kwargs map[string]interface{}) (*Result, error) {
	if err := s.established(); err != nil {
		return nil, err
	}
	id := s.ids.next()
	call := &Call{
		Request:     id,
		Options:     make(map[string]interface{}),
		Procedure:   URI(procedure),
		Arguments:   args,
		ArgumentsKw: kwargs,
	}
	msg, err := s.request(ctx, id, call, nil)
	if err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case *Result:
		return m, nil
	case *Error:
		return nil, errorReply(m, URI(procedure))
	default:
		return nil, &ProtocolError{msg: formatUnexpectedMessage(msg, RESULT)}
	}
}
