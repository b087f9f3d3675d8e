package wampy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, p Peer) (Message, bool) {
	t.Helper()
	select {
	case msg, ok := <-p.Receive():
		return msg, ok
	case <-time.After(2 * time.Second):
		t.Fatal("nothing received")
	}
	return nil, false
}

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := pipe()
	defer a.Close()

	for i := 1; i <= 3; i++ {
		require.NoError(t, a.Send(&Unsubscribed{Request: ID(i)}))
	}
	for i := 1; i <= 3; i++ {
		msg, ok := receive(t, b)
		require.True(t, ok)
		assert.Equal(t, &Unsubscribed{Request: ID(i)}, msg)
	}
	require.NoError(t, b.Send(&Unregistered{Request: 9}))
	msg, ok := receive(t, a)
	require.True(t, ok)
	assert.Equal(t, &Unregistered{Request: 9}, msg)
}

func TestPipeCloseEndsBothSides(t *testing.T) {
	a, b := pipe()
	require.NoError(t, a.Send(&Unsubscribed{Request: 1}))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	// sent before the close, still delivered
	msg, ok := receive(t, b)
	require.True(t, ok)
	assert.Equal(t, &Unsubscribed{Request: 1}, msg)

	_, ok = receive(t, b)
	assert.False(t, ok)
	_, ok = receive(t, a)
	assert.False(t, ok)

	assert.ErrorIs(t, a.Send(&Unsubscribed{Request: 2}), ErrPeerClosed)
	assert.ErrorIs(t, b.Send(&Unsubscribed{Request: 3}), ErrPeerClosed)
}
