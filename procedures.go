package wampy

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Endpoint is the session handle passed to handlers. It lets a handler call
// and publish without reaching for any global client.
type Endpoint interface {
	ID() ID
	Call(ctx context.Context, procedure string, args []interface{}, kwargs map[string]interface{}) (*Result, error)
	Publish(topic string, args []interface{}, kwargs map[string]interface{}) error
}

// Request is an INVOCATION or EVENT delivered to a local handler.
type Request struct {
	Endpoint Endpoint
	// Name is the procedure or topic the request was delivered for.
	Name    URI
	Args    []interface{}
	Kwargs  map[string]interface{}
	Details map[string]interface{}
}

// MethodHandler is an RPC endpoint. Returning a non-nil error, or panicking,
// answers the caller with wamp.error.runtime_error.
type MethodHandler func(ctx context.Context, req *Request) (*CallResult, error)

type registration struct {
	id        ID
	procedure URI
	handler   MethodHandler
}

// procedureRegistry holds the procedures this session provides.
type procedureRegistry struct {
	mu     sync.RWMutex
	byID   map[ID]*registration
	byName map[URI]*registration
	// names with a REGISTER in flight
	reserved map[URI]struct{}
}

func newProcedureRegistry() *procedureRegistry {
	return &procedureRegistry{
		byID:     make(map[ID]*registration),
		byName:   make(map[URI]*registration),
		reserved: make(map[URI]struct{}),
	}
}

func (r *procedureRegistry) reserve(procedure URI) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[procedure]; ok {
		return errors.Wrapf(ErrDuplicateRegistration, "%s", procedure)
	}
	if _, ok := r.reserved[procedure]; ok {
		return errors.Wrapf(ErrDuplicateRegistration, "%s", procedure)
	}
	r.reserved[procedure] = struct{}{}
	return nil
}

func (r *procedureRegistry) release(procedure URI) {
	r.mu.Lock()
	delete(r.reserved, procedure)
	r.mu.Unlock()
}

func (r *procedureRegistry) commit(id ID, procedure URI, fn MethodHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, procedure)
	reg := &registration{id: id, procedure: procedure, handler: fn}
	r.byID[id] = reg
	r.byName[procedure] = reg
}

func (r *procedureRegistry) lookup(id ID) (*registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[id]
	return reg, ok
}

func (r *procedureRegistry) byProcedure(procedure URI) (*registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[procedure]
	return reg, ok
}

func (r *procedureRegistry) remove(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.byID[id]; ok {
		delete(r.byID, id)
		if r.byName[reg.procedure] == reg {
			delete(r.byName, reg.procedure)
		}
	}
}

func (r *procedureRegistry) clear() {
	r.mu.Lock()
	r.byID = make(map[ID]*registration)
	r.byName = make(map[URI]*registration)
	r.reserved = make(map[URI]struct{})
	r.mu.Unlock()
}

// dispatch runs the handler for an INVOCATION and answers with YIELD or
// ERROR. Handler failures never reach the dispatch loop.
func (r *procedureRegistry) dispatch(s *Session, msg *Invocation) {
	reg, ok := r.lookup(msg.Registration)
	if !ok {
		log.Warn().Uint64("registration", uint64(msg.Registration)).Msg("no handler registered for registration")
		s.reply(&Error{
			Type:    INVOCATION,
			Request: msg.Request,
			Details: make(map[string]interface{}),
			Error:   ErrNoSuchRegistration,
		})
		return
	}

	req := &Request{
		Endpoint: s,
		Name:     reg.procedure,
		Args:     msg.Arguments,
		Kwargs:   msg.ArgumentsKw,
		Details:  msg.Details,
	}
	result, err := invoke(s.ctx, reg.handler, req)

	var tosend Message
	switch {
	case err != nil:
		log.Error().Err(err).Str("procedure", string(reg.procedure)).Msg("procedure handler failed")
		tosend = &Error{
			Type:      INVOCATION,
			Request:   msg.Request,
			Details:   make(map[string]interface{}),
			Error:     ErrRuntimeError,
			Arguments: []interface{}{err.Error()},
		}
	case result == nil:
		tosend = &Yield{Request: msg.Request, Options: make(map[string]interface{})}
	case result.Err != "":
		tosend = &Error{
			Type:        INVOCATION,
			Request:     msg.Request,
			Details:     make(map[string]interface{}),
			Error:       result.Err,
			Arguments:   result.Args,
			ArgumentsKw: result.Kwargs,
		}
	default:
		tosend = &Yield{
			Request:     msg.Request,
			Options:     make(map[string]interface{}),
			Arguments:   result.Args,
			ArgumentsKw: result.Kwargs,
		}
	}
	s.reply(tosend)
}

func invoke(ctx context.Context, fn MethodHandler, req *Request) (result *CallResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic in handler: %v", p)
		}
	}()
	return fn(ctx, req)
}

// Register registers a procedure with the router and blocks until the router
// acknowledges it.
func (s *Session) Register(ctx context.Context, procedure string, fn MethodHandler) (ID, error) {
	if err := s.established(); err != nil {
		return 0, err
	}
	name := URI(procedure)
	if err := s.procedures.reserve(name); err != nil {
		return 0, err
	}

	id := s.ids.next()
	register := &Register{
		Request:   id,
		Options:   make(map[string]interface{}),
		Procedure: name,
	}
	// commit on the dispatch loop so an INVOCATION right behind REGISTERED
	// finds its handler
	msg, err := s.request(ctx, id, register, func(reply Message) {
		if registered, ok := reply.(*Registered); ok {
			s.procedures.commit(registered.Registration, name, fn)
		}
	})
	if err != nil {
		s.procedures.release(name)
		return 0, err
	}
	switch m := msg.(type) {
	case *Registered:
		log.Debug().Str("procedure", procedure).Uint64("registration", uint64(m.Registration)).Msg("registered")
		return m.Registration, nil
	case *Error:
		s.procedures.release(name)
		return 0, errorReply(m, name)
	default:
		s.procedures.release(name)
		return 0, &ProtocolError{msg: formatUnexpectedMessage(msg, REGISTERED)}
	}
}

// Unregister removes a procedure registered by this session.
func (s *Session) Unregister(ctx context.Context, procedure string) error {
	if err := s.established(); err != nil {
		return err
	}
	reg, ok := s.procedures.byProcedure(URI(procedure))
	if !ok {
		return errors.Wrapf(ErrNotRegistered, "%s", procedure)
	}

	id := s.ids.next()
	unregister := &Unregister{
		Request:      id,
		Registration: reg.id,
	}
	msg, err := s.request(ctx, id, unregister, func(reply Message) {
		if _, ok := reply.(*Unregistered); ok {
			s.procedures.remove(reg.id)
		}
	})
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *Unregistered:
		return nil
	case *Error:
		if m.Error == ErrNoSuchRegistration {
			s.procedures.remove(reg.id)
		}
		return errorReply(m, reg.procedure)
	default:
		return &ProtocolError{msg: formatUnexpectedMessage(msg, UNREGISTERED)}
	}
}
