package robj

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExceptSetCrossesChannel(t *testing.T) {
	chanA, chanB, err := NewThreadChannelPair(NopLogger)
	require.NoError(t, err)
	defer chanA.Close()
	defer chanB.Close()

	sender := NewExcept(NopLogger, chanA, true)
	reader := NewExcept(NopLogger, chanB, true)

	sender.Set(errors.New("disk full"), "io")

	// the record reaches the reader asynchronously; Get pulls what has arrived
	var got error
	require.Eventually(t, func() bool {
		got = reader.Get("io")
		return got != nil
	}, time.Second, time.Millisecond)
	require.Error(t, got)
	assert.Equal(t, "disk full", got.Error())
}

func TestExceptNamedGroupsStayIsolated(t *testing.T) {
	chanA, chanB, err := NewThreadChannelPair(NopLogger)
	require.NoError(t, err)
	defer chanA.Close()
	defer chanB.Close()

	sender := NewExcept(NopLogger, chanA, true)
	reader := NewExcept(NopLogger, chanB, true)

	sender.Set(errors.New("from worker A"), "workerA")
	sender.Set(errors.New("from worker B"), "workerB")

	require.Eventually(t, func() bool { return len(reader.All()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "from worker A", reader.Get("workerA").Error())
	assert.Equal(t, "from worker B", reader.Get("workerB").Error())
	assert.Len(t, reader.All(), 2)
}

func TestExceptToleratesClosedChannel(t *testing.T) {
	chanA, chanB, err := NewThreadChannelPair(NopLogger)
	require.NoError(t, err)
	defer chanA.Close()

	reader := NewExcept(NopLogger, chanB, true)
	require.NoError(t, chanB.Close())

	// Pull must not panic or block once the peer side is gone.
	reader.Pull()
	assert.Nil(t, reader.Latest())
}

func TestExceptWrapSendsReturnValueAcrossChannel(t *testing.T) {
	chanA, chanB, err := NewThreadChannelPair(NopLogger)
	require.NoError(t, err)
	defer chanA.Close()
	defer chanB.Close()

	workerSide := NewExcept(NopLogger, chanA, true)
	parentSide := NewExcept(NopLogger, chanB, true)

	run := workerSide.Wrap(func() (interface{}, error) {
		return "done", nil
	})
	run()

	val, seq := parentSide.GetResult(time.Millisecond)
	assert.Nil(t, seq)
	assert.Equal(t, "done", val)
}

func TestExceptWrapSendsTopLevelErrorAcrossChannel(t *testing.T) {
	chanA, chanB, err := NewThreadChannelPair(NopLogger)
	require.NoError(t, err)
	defer chanA.Close()
	defer chanB.Close()

	workerSide := NewExcept(NopLogger, chanA, true)
	parentSide := NewExcept(NopLogger, chanB, true)

	run := workerSide.Wrap(func() (interface{}, error) {
		return nil, errors.New("worker crashed")
	})
	run()

	var got error
	require.Eventually(t, func() bool {
		got = parentSide.Get("default")
		return got != nil
	}, time.Second, time.Millisecond)
	require.Error(t, got)
	assert.Equal(t, "worker crashed", got.Error())
}
