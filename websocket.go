package wampy

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	jsonWebsocketProtocol    = "wamp.2.json"
	msgpackWebsocketProtocol = "wamp.2.msgpack"
)

// errors.
var (
	ErrWSSendTimeout = errors.New("ws peer send timeout")
	ErrWSIsClosed    = errors.New("ws peer is closed")
)

// ConnectionConfig tunes a websocket peer. Zero values disable the
// corresponding behaviour.
type ConnectionConfig struct {
	// IdleTimeout closes the connection when nothing (including pongs) has
	// been read for this long.
	IdleTimeout time.Duration
	// PingInterval sends a websocket ping at this interval.
	PingInterval time.Duration
	// WriteTimeout bounds each frame write. Defaults to 10s for pings.
	WriteTimeout time.Duration
	// MaxMsgSize limits the size of inbound frames.
	MaxMsgSize int64
}

type websocketPeer struct {
	conn        *websocket.Conn
	serializer  Serializer
	sendMsgs    chan Message
	messages    chan Message
	payloadType int
	mutex       sync.Mutex
	inSending   chan struct{}
	closing     chan struct{}
	closeOnce   sync.Once
	*ConnectionConfig
}

// NewWebsocketPeer connects to the websocket server at the specified url.
func NewWebsocketPeer(ctx context.Context, serialization Serialization, url string, tlscfg *tls.Config, cfg *ConnectionConfig) (Peer, error) {
	switch serialization {
	case JSON:
		return dialWebsocketPeer(ctx, url, jsonWebsocketProtocol,
			new(JSONSerializer), websocket.TextMessage, tlscfg, cfg,
		)
	case MSGPACK:
		return dialWebsocketPeer(ctx, url, msgpackWebsocketProtocol,
			new(MessagePackSerializer), websocket.BinaryMessage, tlscfg, cfg,
		)
	default:
		return nil, errors.Errorf("unsupported serialization: %v", serialization)
	}
}

func dialWebsocketPeer(ctx context.Context, url, protocol string, serializer Serializer, payloadType int, tlscfg *tls.Config, cfg *ConnectionConfig) (Peer, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{protocol},
		TLSClientConfig:  tlscfg,
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newWebsocketPeer(conn, serializer, payloadType, cfg), nil
}

// newWebsocketPeer wraps an already upgraded connection.
func newWebsocketPeer(conn *websocket.Conn, serializer Serializer, payloadType int, cfg *ConnectionConfig) *websocketPeer {
	if cfg == nil {
		cfg = &ConnectionConfig{}
	}
	ep := &websocketPeer{
		conn:             conn,
		sendMsgs:         make(chan Message, 16),
		messages:         make(chan Message, 100),
		serializer:       serializer,
		payloadType:      payloadType,
		inSending:        make(chan struct{}),
		closing:          make(chan struct{}),
		ConnectionConfig: cfg,
	}
	go ep.run()

	return ep
}

func (ep *websocketPeer) Send(msg Message) error {
	if ep.isClosed() {
		return ErrWSIsClosed
	}
	select {
	case ep.sendMsgs <- msg:
		return nil
	case <-time.After(5 * time.Second):
		log.Warn().Msg(ErrWSSendTimeout.Error())
		ep.Close()
		return ErrWSSendTimeout
	case <-ep.closing:
		return ErrWSIsClosed
	}
}

func (ep *websocketPeer) Receive() <-chan Message {
	return ep.messages
}

func (ep *websocketPeer) doClosing() bool {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()

	select {
	case <-ep.closing:
		return false
	default:
		close(ep.closing)
		return true
	}
}

func (ep *websocketPeer) isClosed() bool {
	select {
	case <-ep.closing:
		return true
	default:
		return false
	}
}

func (ep *websocketPeer) Close() error {
	initiated := ep.doClosing()

	// let the sender flush what was queued before the close
	<-ep.inSending

	var err error
	ep.closeOnce.Do(func() {
		if initiated {
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "goodbye")
			if werr := ep.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(5*time.Second)); werr != nil {
				log.Debug().Err(werr).Msg("error sending close message")
			}
		}
		err = ep.conn.Close()
	})
	return err
}

func (ep *websocketPeer) updateReadDeadline() {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()
	if ep.IdleTimeout > 0 {
		ep.conn.SetReadDeadline(time.Now().Add(ep.IdleTimeout))
	}
}

func (ep *websocketPeer) setReadDead() {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()
	ep.conn.SetReadDeadline(time.Now())
}

func (ep *websocketPeer) run() {
	go ep.sending()
	defer close(ep.messages)

	if ep.MaxMsgSize > 0 {
		ep.conn.SetReadLimit(ep.MaxMsgSize)
	}
	ep.conn.SetPongHandler(func(v string) error {
		log.Debug().Str("payload", v).Msg("pong")
		ep.updateReadDeadline()
		return nil
	})
	ep.conn.SetPingHandler(func(v string) error {
		log.Debug().Str("payload", v).Msg("ping")
		ep.updateReadDeadline()
		err := ep.conn.WriteControl(websocket.PongMessage, []byte(v), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		ep.updateReadDeadline()
		msgType, b, err := ep.conn.ReadMessage()
		if err != nil {
			if ep.isClosed() {
				log.Debug().Msg("peer connection closed")
			} else {
				log.Error().Err(err).Msg("error reading from peer")
				// only expected errors seem to close the connection, so close on any unexpected errors
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					ep.conn.Close()
				}
			}
			ep.doClosing()
			return
		}
		if msgType == websocket.CloseMessage {
			ep.conn.Close()
			ep.doClosing()
			return
		}

		msg, err := ep.serializer.Deserialize(b)
		if err != nil {
			log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		select {
		case ep.messages <- msg:
		case <-ep.closing:
			return
		}
	}
}

func (ep *websocketPeer) sending() {
	var ticker *time.Ticker
	if ep.PingInterval == 0 {
		ticker = time.NewTicker(7 * 24 * time.Hour)
	} else {
		ticker = time.NewTicker(ep.PingInterval)
	}

	defer func() {
		ep.setReadDead()
		ticker.Stop()
		close(ep.inSending)
	}()

	for {
		select {
		case msg := <-ep.sendMsgs:
			if closed, _ := ep.doSend(msg); closed {
				ep.doClosing()
				return
			}
		case <-ticker.C:
			wt := ep.WriteTimeout
			if wt == 0 {
				wt = 10 * time.Second
			}
			if err := ep.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wt)); err != nil {
				log.Error().Err(err).Msg("error sending ping message")
				ep.doClosing()
				return
			}
		case <-ep.closing:
			// sending remaining messages.
			for {
				select {
				case msg := <-ep.sendMsgs:
					if closed, _ := ep.doSend(msg); !closed {
						continue
					}
				default:
				}
				return
			}
		}
	}
}

func (ep *websocketPeer) doSend(msg Message) (closed bool, err error) {
	b, err := ep.serializer.Serialize(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.MessageType().String()).Msg("error serializing peer message")
		return false, err
	}
	if ep.WriteTimeout > 0 {
		ep.conn.SetWriteDeadline(time.Now().Add(ep.WriteTimeout))
	}
	if err = ep.conn.WriteMessage(ep.payloadType, b); err != nil {
		log.Error().Err(err).Msg("error writing message")
		return true, err
	}
	return false, nil
}
