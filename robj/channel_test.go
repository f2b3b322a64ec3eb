package robj

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelSendRecvRoundTrip(t *testing.T) {
	a, b, err := NewThreadChannelPair(NopLogger)
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send("hello"))
	msg, err := b.Recv()
	require.NoError(t, err)
	assert.Equal(t, "hello", msg)
}

func TestChannelPollDoesNotConsume(t *testing.T) {
	a, b, err := NewThreadChannelPair(NopLogger)
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send(42))
	// give the background recv loop a chance to decode into the buffer
	for i := 0; i < 100 && !b.Poll(); i++ {
	}
	assert.True(t, b.Poll())

	msg, err := b.Recv()
	require.NoError(t, err)
	assert.Equal(t, 42, msg)
}

func TestChannelPreservesOrderAcrossPoll(t *testing.T) {
	a, b, err := NewThreadChannelPair(NopLogger)
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send(1))
	require.NoError(t, a.Send(2))
	require.NoError(t, a.Send(3))

	for !b.Poll() {
	}

	var got []int
	for i := 0; i < 3; i++ {
		msg, err := b.Recv()
		require.NoError(t, err)
		got = append(got, msg.(int))
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestChannelCloseSurfacesAsChannelClosedError(t *testing.T) {
	a, b, err := NewThreadChannelPair(NopLogger)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, b.Close())
	_, err = a.Recv()
	require.Error(t, err)
	var closedErr *ChannelClosedError
	assert.ErrorAs(t, err, &closedErr)
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	a, _, err := NewThreadChannelPair(NopLogger)
	require.NoError(t, err)
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}
