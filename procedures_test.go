package wampy

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registerScripted registers fn and acknowledges it from the router with
// registration ID reg.
func registerScripted(t *testing.T, s *Session, router *localPeer, name string, reg ID, fn MethodHandler) {
	t.Helper()
	errs := make(chan error, 1)
	go func() {
		_, err := s.Register(context.Background(), name, fn)
		errs <- err
	}()
	register := expect(t, router, REGISTER).(*Register)
	assert.Equal(t, URI(name), register.Procedure)
	require.NoError(t, router.Send(&Registered{Request: register.Request, Registration: reg}))
	require.NoError(t, <-errs)
}

func invocation(request, reg ID, args ...interface{}) *Invocation {
	return &Invocation{Request: request, Registration: reg, Details: emptyDict(), Arguments: args}
}

func TestInvocationRightAfterRegistered(t *testing.T) {
	s, router := scripted(t, testConfig())

	errs := make(chan error, 1)
	go func() {
		_, err := s.Register(context.Background(), "echo", echo)
		errs <- err
	}()
	register := expect(t, router, REGISTER).(*Register)
	// no gap between the acknowledgement and the first invocation
	require.NoError(t, router.Send(&Registered{Request: register.Request, Registration: 7}))
	require.NoError(t, router.Send(invocation(100, 7, "hi")))

	yield := expect(t, router, YIELD).(*Yield)
	assert.Equal(t, ID(100), yield.Request)
	assert.Equal(t, []interface{}{"hi"}, yield.Arguments)
	require.NoError(t, <-errs)
}

func TestRegisterDuplicate(t *testing.T) {
	s, router := scripted(t, testConfig())

	// while the first REGISTER is in flight
	errs := make(chan error, 1)
	go func() {
		_, err := s.Register(context.Background(), "echo", echo)
		errs <- err
	}()
	register := expect(t, router, REGISTER).(*Register)
	_, err := s.Register(context.Background(), "echo", echo)
	assert.ErrorIs(t, err, ErrDuplicateRegistration)

	require.NoError(t, router.Send(&Registered{Request: register.Request, Registration: 7}))
	require.NoError(t, <-errs)

	// and after it was acknowledged
	_, err = s.Register(context.Background(), "echo", echo)
	assert.ErrorIs(t, err, ErrDuplicateRegistration)
	expectNothing(t, router)
}

func TestRegisterRejected(t *testing.T) {
	s, router := scripted(t, testConfig())

	errs := make(chan error, 1)
	go func() {
		_, err := s.Register(context.Background(), "echo", echo)
		errs <- err
	}()
	register := expect(t, router, REGISTER).(*Register)
	require.NoError(t, router.Send(&Error{
		Type:    REGISTER,
		Request: register.Request,
		Details: emptyDict(),
		Error:   ErrProcedureAlreadyExists,
	}))

	var rejected *RegistrationRejected
	require.ErrorAs(t, <-errs, &rejected)
	assert.Equal(t, ErrProcedureAlreadyExists, rejected.Reason)

	// the name is free again locally
	registerScripted(t, s, router, "echo", 8, echo)
}

func TestRegisterTimeoutReleasesName(t *testing.T) {
	cfg := testConfig()
	cfg.ResponseTimeout = 30 * time.Millisecond
	s, router := scripted(t, cfg)

	_, err := s.Register(context.Background(), "echo", echo)
	require.ErrorIs(t, err, ErrTimeout)
	expect(t, router, REGISTER)

	go s.Register(context.Background(), "echo", echo)
	expect(t, router, REGISTER)
}

func TestHandlerFailuresBecomeErrors(t *testing.T) {
	s, router := scripted(t, testConfig())

	registerScripted(t, s, router, "panics", 1, func(context.Context, *Request) (*CallResult, error) {
		panic("boom")
	})
	registerScripted(t, s, router, "fails", 2, func(context.Context, *Request) (*CallResult, error) {
		return nil, errors.New("disk full")
	})
	registerScripted(t, s, router, "rejects", 3, func(context.Context, *Request) (*CallResult, error) {
		return ErrorResult(ErrInvalidArgument, []interface{}{"need a name"}, nil), nil
	})
	registerScripted(t, s, router, "echo", 4, echo)

	require.NoError(t, router.Send(invocation(10, 1)))
	e := expect(t, router, ERROR).(*Error)
	assert.Equal(t, INVOCATION, e.Type)
	assert.Equal(t, ID(10), e.Request)
	assert.Equal(t, ErrRuntimeError, e.Error)
	require.Len(t, e.Arguments, 1)
	assert.Contains(t, e.Arguments[0], "boom")

	require.NoError(t, router.Send(invocation(11, 2)))
	e = expect(t, router, ERROR).(*Error)
	assert.Equal(t, ErrRuntimeError, e.Error)
	assert.Equal(t, []interface{}{"disk full"}, e.Arguments)

	require.NoError(t, router.Send(invocation(12, 3)))
	e = expect(t, router, ERROR).(*Error)
	assert.Equal(t, ErrInvalidArgument, e.Error)
	assert.Equal(t, []interface{}{"need a name"}, e.Arguments)

	// the dispatch loop survived all of the above
	require.NoError(t, router.Send(invocation(13, 4, "still here")))
	yield := expect(t, router, YIELD).(*Yield)
	assert.Equal(t, []interface{}{"still here"}, yield.Arguments)
	assert.Equal(t, Established, s.State())
}

func TestNilResultYieldsNothing(t *testing.T) {
	s, router := scripted(t, testConfig())
	registerScripted(t, s, router, "noop", 1, func(context.Context, *Request) (*CallResult, error) {
		return nil, nil
	})

	require.NoError(t, router.Send(invocation(10, 1)))
	yield := expect(t, router, YIELD).(*Yield)
	assert.Nil(t, yield.Arguments)
	assert.Nil(t, yield.ArgumentsKw)
}

func TestInvocationForUnknownRegistration(t *testing.T) {
	_, router := scripted(t, testConfig())

	require.NoError(t, router.Send(invocation(10, 99)))
	e := expect(t, router, ERROR).(*Error)
	assert.Equal(t, ErrNoSuchRegistration, e.Error)
	assert.Equal(t, ID(10), e.Request)
}

func TestHandlerReceivesRequest(t *testing.T) {
	s, router := scripted(t, testConfig())

	requests := make(chan *Request, 1)
	var handlerCtx context.Context
	registerScripted(t, s, router, "inspect", 5, func(ctx context.Context, req *Request) (*CallResult, error) {
		handlerCtx = ctx
		requests <- req
		return MapResult(map[string]interface{}{"session": uint64(req.Endpoint.ID())}), nil
	})

	require.NoError(t, router.Send(&Invocation{
		Request:      10,
		Registration: 5,
		Details:      map[string]interface{}{"caller": 3},
		Arguments:    []interface{}{"a"},
		ArgumentsKw:  map[string]interface{}{"b": "c"},
	}))
	yield := expect(t, router, YIELD).(*Yield)
	assert.Equal(t, map[string]interface{}{"session": uint64(42)}, yield.ArgumentsKw)

	req := <-requests
	assert.Equal(t, URI("inspect"), req.Name)
	assert.Equal(t, []interface{}{"a"}, req.Args)
	assert.Equal(t, map[string]interface{}{"b": "c"}, req.Kwargs)
	assert.Equal(t, 3, req.Details["caller"])
	assert.Same(t, s, req.Endpoint)

	require.NoError(t, handlerCtx.Err())
	s.teardown(closedBecause("test"))
	assert.ErrorIs(t, handlerCtx.Err(), context.Canceled)
}

func TestUnregister(t *testing.T) {
	s, router := scripted(t, testConfig())
	registerScripted(t, s, router, "echo", 7, echo)

	errs := make(chan error, 1)
	go func() { errs <- s.Unregister(context.Background(), "echo") }()
	unregister := expect(t, router, UNREGISTER).(*Unregister)
	assert.Equal(t, ID(7), unregister.Registration)
	require.NoError(t, router.Send(&Unregistered{Request: unregister.Request}))
	require.NoError(t, <-errs)

	require.NoError(t, router.Send(invocation(10, 7)))
	e := expect(t, router, ERROR).(*Error)
	assert.Equal(t, ErrNoSuchRegistration, e.Error)

	assert.ErrorIs(t, s.Unregister(context.Background(), "echo"), ErrNotRegistered)

	// registering again is allowed
	registerScripted(t, s, router, "echo", 8, echo)
}

func TestUnregisterUnknownAtRouter(t *testing.T) {
	s, router := scripted(t, testConfig())
	registerScripted(t, s, router, "echo", 7, echo)

	errs := make(chan error, 1)
	go func() { errs <- s.Unregister(context.Background(), "echo") }()
	unregister := expect(t, router, UNREGISTER).(*Unregister)
	require.NoError(t, router.Send(&Error{
		Type:    UNREGISTER,
		Request: unregister.Request,
		Details: emptyDict(),
		Error:   ErrNoSuchRegistration,
	}))
	assert.Error(t, <-errs)

	// the router does not know it, so neither do we
	assert.ErrorIs(t, s.Unregister(context.Background(), "echo"), ErrNotRegistered)
}
