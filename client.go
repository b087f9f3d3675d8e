package wampy

import (
	"context"
	"crypto/tls"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyStarted is returned by Start and by the setup methods once the
// client holds a live session.
var ErrAlreadyStarted = errors.New("wampy: client already started")

type declaredProcedure struct {
	name    string
	handler MethodHandler
}

type declaredTopic struct {
	topic    string
	handlers []EventHandler
}

// A Client owns at most one session with a router at a time.
//
// Procedures and topics declared with Procedure and Topic before Start are
// registered on every Start, so a stopped client can be started again with
// the same setup.
type Client struct {
	// TLSConfig is handed to Dial for wss and rss router URLs.
	TLSConfig *tls.Config
	// Dial opens the transport. Defaults to Dial.
	Dial DialFunc

	cfg Config
	id  uuid.UUID

	mu         sync.Mutex
	session    *Session
	procedures []declaredProcedure
	topics     []*declaredTopic
}

// NewClient returns a client for cfg. Unset fields take the defaults.
func NewClient(cfg Config) *Client {
	return &Client{
		Dial: Dial,
		cfg:  cfg.withDefaults(),
		id:   uuid.New(),
	}
}

// ID identifies this client instance in logs.
func (c *Client) ID() string {
	return c.id.String()
}

func (c *Client) Config() Config {
	return c.cfg
}

func (c *Client) live() *Session {
	if c.session == nil {
		return nil
	}
	select {
	case <-c.session.Done():
		return nil
	default:
		return c.session
	}
}

// Procedure declares a procedure to register on Start.
func (c *Client) Procedure(name string, fn MethodHandler) error {
	if name == "" {
		return errors.New("wampy: procedure name is empty")
	}
	if fn == nil {
		return errors.Errorf("wampy: nil handler for procedure %s", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live() != nil {
		return ErrAlreadyStarted
	}
	for _, p := range c.procedures {
		if p.name == name {
			return errors.Wrapf(ErrDuplicateRegistration, "%s", name)
		}
	}
	c.procedures = append(c.procedures, declaredProcedure{name: name, handler: fn})
	return nil
}

// Topic declares an event handler to subscribe on Start. Handlers declared
// for the same topic share one subscription and run in declaration order.
func (c *Client) Topic(topic string, fn EventHandler) error {
	if topic == "" {
		return errors.New("wampy: topic is empty")
	}
	if fn == nil {
		return errors.Errorf("wampy: nil handler for topic %s", topic)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live() != nil {
		return ErrAlreadyStarted
	}
	for _, t := range c.topics {
		if t.topic == topic {
			t.handlers = append(t.handlers, fn)
			return nil
		}
	}
	c.topics = append(c.topics, &declaredTopic{topic: topic, handlers: []EventHandler{fn}})
	return nil
}

// Start connects to the router, joins the realm and registers everything
// declared during setup. If any declaration fails the session is closed
// again and the first error is returned.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live() != nil {
		return ErrAlreadyStarted
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	logger := log.With().Str("client", c.ID()).Logger()
	logger.Info().Str("url", c.cfg.RouterURL).Str("realm", c.cfg.Realm).Msg("starting")

	dial := c.Dial
	if dial == nil {
		dial = Dial
	}
	peer, err := dial(ctx, c.cfg.RouterURL, c.cfg, c.TLSConfig)
	if err != nil {
		return connectionError(errors.Wrapf(err, "dial %s", c.cfg.RouterURL))
	}
	s, err := Join(ctx, peer, c.cfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range c.procedures {
		p := p
		g.Go(func() error {
			_, err := s.Register(gctx, p.name, p.handler)
			return errors.Wrapf(err, "registering %s", p.name)
		})
	}
	for _, t := range c.topics {
		t := t
		// handlers of one topic go in order so they share one subscription
		g.Go(func() error {
			for _, fn := range t.handlers {
				if _, err := s.Subscribe(gctx, t.topic, fn); err != nil {
					return errors.Wrapf(err, "subscribing %s", t.topic)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.Disconnect()
		return err
	}

	c.session = s
	logger.Info().Uint64("session", uint64(s.ID())).
		Int("procedures", len(c.procedures)).
		Int("topics", len(c.topics)).
		Msg("started")
	return nil
}

// Stop leaves the realm and closes the transport. Stopping a client that is
// not started does nothing.
func (c *Client) Stop() error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Disconnect()
}

// Session returns the current session, or nil before the first Start.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) current() (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.live()
	if s == nil {
		return nil, ErrNotConnected
	}
	return s, nil
}

// SessionID returns the router assigned session ID, or 0 when not connected.
func (c *Client) SessionID() ID {
	s := c.Session()
	if s == nil {
		return 0
	}
	return s.ID()
}

func (c *Client) State() State {
	s := c.Session()
	if s == nil {
		return Disconnected
	}
	return s.State()
}

// Done is closed when the current session ends. Before the first Start it
// returns nil.
func (c *Client) Done() <-chan struct{} {
	s := c.Session()
	if s == nil {
		return nil
	}
	return s.Done()
}

// Register registers a procedure on the live session. It is not remembered
// for later Starts; use Procedure for that.
func (c *Client) Register(ctx context.Context, procedure string, fn MethodHandler) (ID, error) {
	s, err := c.current()
	if err != nil {
		return 0, err
	}
	return s.Register(ctx, procedure, fn)
}

func (c *Client) Unregister(ctx context.Context, procedure string) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return s.Unregister(ctx, procedure)
}

// Call calls a procedure and waits for its result.
func (c *Client) Call(ctx context.Context, procedure string, args []interface{}, kwargs map[string]interface{}) (*Result, error) {
	s, err := c.current()
	if err != nil {
		return nil, err
	}
	return s.Call(ctx, procedure, args, kwargs)
}

// Subscribe subscribes fn to topic on the live session.
func (c *Client) Subscribe(ctx context.Context, topic string, fn EventHandler) (ID, error) {
	s, err := c.current()
	if err != nil {
		return 0, err
	}
	return s.Subscribe(ctx, topic, fn)
}

func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return s.Unsubscribe(ctx, topic)
}

// Publish publishes without waiting for the router.
func (c *Client) Publish(topic string, args []interface{}, kwargs map[string]interface{}) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return s.Publish(topic, args, kwargs)
}

// PublishAck publishes and waits for the router to acknowledge.
func (c *Client) PublishAck(ctx context.Context, topic string, args []interface{}, kwargs map[string]interface{}) (ID, error) {
	s, err := c.current()
	if err != nil {
		return 0, err
	}
	return s.PublishAck(ctx, topic, args, kwargs)
}
