package wampy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	magic = 0x7f
)

const (
	rawSocketJSON    = 1
	rawSocketMsgpack = 2
)

// frame types carried in the low bits of the first header byte
const (
	rawFrameMessage = 0
	rawFramePing    = 1
	rawFramePong    = 2
)

// maximum message length exponent requested during the handshake (2^24 bytes)
const rawSocketMaxLength = 0xf

type rawSocketPeer struct {
	serializer Serializer
	conn       net.Conn
	messages   chan Message
	// longest payload the remote accepts / we accept
	maxLength  int
	recvLength int
	writeMu    sync.Mutex
	closing    chan struct{}
	closeOnce  sync.Once
}

func intToBytes(i int) [3]byte {
	return [3]byte{
		byte((i >> 16) & 0xff),
		byte((i >> 8) & 0xff),
		byte(i & 0xff),
	}
}

func bytesToInt(arr []byte) (val int) {
	shift := uint(8 * (len(arr) - 1))
	for _, b := range arr {
		val |= int(uint(b) << shift)
		shift -= 8
	}
	return
}

// toLength converts the 4-bit length exponent of the handshake into a byte
// count: values between 2**9 and 2**24.
func toLength(b byte) int {
	return (2 << 8) << b
}

func rawSocketSerializerID(serialization Serialization) (byte, Serializer, error) {
	switch serialization {
	case JSON:
		return rawSocketJSON, new(JSONSerializer), nil
	case MSGPACK:
		return rawSocketMsgpack, new(MessagePackSerializer), nil
	default:
		return 0, nil, errors.Errorf("unsupported serialization: %v", serialization)
	}
}

// NewRawSocketPeer connects to a WAMP RawSocket listener at addr (host:port).
// A non-nil tlscfg wraps the connection in TLS.
func NewRawSocketPeer(ctx context.Context, serialization Serialization, addr string, tlscfg *tls.Config, maxLength int64) (Peer, error) {
	id, serializer, err := rawSocketSerializerID(serialization)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlscfg != nil {
		tlsConn := tls.Client(conn, tlscfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	recvLength := toLength(rawSocketMaxLength)
	if maxLength > 0 && int(maxLength) < recvLength {
		recvLength = int(maxLength)
	}
	peer := newRawSocketPeer(conn, serializer, 0, recvLength)
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if err := peer.handshakeClient(id); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	go peer.handleMessages()
	return peer, nil
}

func newRawSocketPeer(conn net.Conn, serializer Serializer, maxLength, recvLength int) *rawSocketPeer {
	return &rawSocketPeer{
		conn:       conn,
		serializer: serializer,
		messages:   make(chan Message, 100),
		maxLength:  maxLength,
		recvLength: recvLength,
		closing:    make(chan struct{}),
	}
}

func (ep *rawSocketPeer) Send(msg Message) error {
	b, err := ep.serializer.Serialize(msg)
	if err != nil {
		return err
	}

	if len(b) > ep.maxLength {
		return fmt.Errorf("message too big: %d > %d", len(b), ep.maxLength)
	}
	return ep.writeFrame(rawFrameMessage, b)
}

func (ep *rawSocketPeer) writeFrame(frameType byte, payload []byte) error {
	arr := intToBytes(len(payload))
	header := []byte{frameType, arr[0], arr[1], arr[2]}

	ep.writeMu.Lock()
	defer ep.writeMu.Unlock()
	if _, err := ep.conn.Write(header); err != nil {
		return err
	}
	_, err := ep.conn.Write(payload)
	return err
}

func (ep *rawSocketPeer) Receive() <-chan Message {
	return ep.messages
}

func (ep *rawSocketPeer) Close() error {
	var err error
	ep.closeOnce.Do(func() {
		close(ep.closing)
		err = ep.conn.Close()
	})
	return err
}

func (ep *rawSocketPeer) handleMessages() {
	defer close(ep.messages)
	defer ep.Close()

	for {
		var header [4]byte
		if _, err := io.ReadFull(ep.conn, header[:]); err != nil {
			return
		}

		length := bytesToInt(header[1:])
		if length > ep.recvLength {
			log.Error().Int("length", length).Int("max", ep.recvLength).Msg("raw socket frame too long")
			return
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(ep.conn, buf); err != nil {
			return
		}

		switch header[0] & 0x7 {
		case rawFrameMessage:
			msg, err := ep.serializer.Deserialize(buf)
			if err != nil {
				log.Warn().Err(err).Msg("dropping undecodable frame")
				continue
			}
			select {
			case ep.messages <- msg:
			case <-ep.closing:
				return
			}
		case rawFramePing:
			if err := ep.writeFrame(rawFramePong, buf); err != nil {
				return
			}
		case rawFramePong:
			// nothing to do, we never ping
		}
	}
}

func (ep *rawSocketPeer) handshakeClient(serializer byte) error {
	if _, err := ep.conn.Write([]byte{magic, rawSocketMaxLength<<4 | serializer, 0, 0}); err != nil {
		return err
	}
	var buf [4]byte
	if _, err := io.ReadFull(ep.conn, buf[:]); err != nil {
		return err
	}
	if buf[0] != magic {
		return errors.New("unknown protocol: first byte received not the WAMP magic value")
	}
	if buf[1]&0xf == 0 {
		errCode := buf[1] >> 4
		switch errCode {
		case 0:
			return errors.New("serializer unsupported")
		case 1:
			return errors.New("maximum message length unsupported")
		case 2:
			return errors.New("use of reserved bits (unsupported feature)")
		case 3:
			return errors.New("maximum connection count reached")
		default:
			return fmt.Errorf("unknown error: %d", errCode)
		}
	}
	if buf[1]&0xf != serializer {
		return errors.New("serializer mismatch: server responded with different serializer than requested")
	}
	// the router announces the longest message it is willing to receive
	ep.maxLength = toLength(buf[1] >> 4)
	return nil
}
