// Package wampy is a WAMP v2 client implementing the Basic Profile roles:
// caller, callee, publisher and subscriber.
//
// A Session is one joined realm on one transport. Transports are WebSocket
// (ws, wss) and WAMP RawSocket (tcp, rs, rss), carrying JSON or MessagePack.
// Client wraps a Session with declare-then-start setup:
//
//	c := wampy.NewClient(wampy.Config{RouterURL: "ws://localhost:8080/ws", Realm: "realm1"})
//	c.Procedure("com.example.echo", func(ctx context.Context, req *wampy.Request) (*wampy.CallResult, error) {
//		return wampy.SliceResult(req.Args), nil
//	})
//	if err := c.Start(ctx); err != nil {
//		return err
//	}
//	defer c.Stop()
//	res, err := c.Call(ctx, "com.example.echo", []interface{}{"hi"}, nil)
//
// Handlers run on the session's receive goroutine, one at a time, in the
// order the router delivered their messages.
//
// See the official WAMP documentation at http://wamp.ws for more details on
// the protocol.
package wampy
