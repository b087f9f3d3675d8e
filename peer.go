package wampy

import (
	"context"
	"crypto/tls"
	"net/url"
	"sync"

	"github.com/pkg/errors"
)

// ErrPeerClosed is returned by Send on a closed peer.
var ErrPeerClosed = errors.New("wampy: peer is closed")

type Sender interface {
	// Send a message to the peer
	Send(Message) error
}

// Peer is the interface that must be implemented by all WAMP transports. It
// owns exactly one connection to a router.
type Peer interface {
	Sender

	// Closes the peer connection and any channel returned from Receive().
	// Multiple calls to Close() will have no effect.
	Close() error

	// Receive returns a channel of messages coming from the peer. The channel
	// is closed when the connection ends.
	Receive() <-chan Message
}

// DialFunc establishes a transport to the router at rawurl.
type DialFunc func(ctx context.Context, rawurl string, cfg Config, tlscfg *tls.Config) (Peer, error)

// Dial picks the transport from the URL scheme: ws and wss use WebSocket,
// tcp, rs and rss use WAMP RawSocket.
func Dial(ctx context.Context, rawurl string, cfg Config, tlscfg *tls.Config) (Peer, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid router url %q", rawurl)
	}
	serialization, err := ParseSerialization(cfg.Serialization)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "ws", "wss":
		return NewWebsocketPeer(ctx, serialization, rawurl, tlscfg, cfg.connectionConfig())
	case "tcp", "rs":
		return NewRawSocketPeer(ctx, serialization, u.Host, nil, cfg.MaxMessageSize)
	case "rss":
		if tlscfg == nil {
			tlscfg = &tls.Config{ServerName: u.Hostname()}
		}
		return NewRawSocketPeer(ctx, serialization, u.Host, tlscfg, cfg.MaxMessageSize)
	default:
		return nil, errors.Errorf("unsupported router url scheme %q", u.Scheme)
	}
}

// pipe creates two linked peers. Messages sent to one will appear in the
// Receive of the other. Closing either side ends both.
func pipe() (*localPeer, *localPeer) {
	aToB := make(chan Message, 64)
	bToA := make(chan Message, 64)

	a := &localPeer{
		in:       bToA,
		out:      aToB,
		messages: make(chan Message),
		closing:  make(chan struct{}),
	}
	b := &localPeer{
		in:       aToB,
		out:      bToA,
		messages: make(chan Message),
		closing:  make(chan struct{}),
	}
	a.remote, b.remote = b, a

	go a.pump()
	go b.pump()
	return a, b
}

type localPeer struct {
	in       <-chan Message
	out      chan<- Message
	messages chan Message
	closing  chan struct{}
	once     sync.Once
	remote   *localPeer
}

func (p *localPeer) Receive() <-chan Message {
	return p.messages
}

func (p *localPeer) Send(msg Message) error {
	select {
	case <-p.closing:
		return ErrPeerClosed
	case <-p.remote.closing:
		return ErrPeerClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.closing:
		return ErrPeerClosed
	case <-p.remote.closing:
		return ErrPeerClosed
	}
}

func (p *localPeer) Close() error {
	p.once.Do(func() { close(p.closing) })
	return nil
}

// pump moves messages from the shared channel to the Receive channel. When the
// remote side closes, whatever it sent before closing is still delivered.
func (p *localPeer) pump() {
	defer close(p.messages)
	for {
		select {
		case msg := <-p.in:
			if !p.deliver(msg) {
				return
			}
		case <-p.closing:
			return
		case <-p.remote.closing:
			for {
				select {
				case msg := <-p.in:
					if !p.deliver(msg) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (p *localPeer) deliver(msg Message) bool {
	select {
	case p.messages <- msg:
		return true
	case <-p.closing:
		return false
	}
}
