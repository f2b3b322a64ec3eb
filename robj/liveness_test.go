package robj

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreadLivenessFlagToggles(t *testing.T) {
	f := NewThreadLivenessFlag()
	assert.False(t, f.IsListening())
	f.SetListening(true)
	assert.True(t, f.IsListening())
	f.SetListening(false)
	assert.False(t, f.IsListening())
	assert.NoError(t, f.Close())
}

func TestProcessLivenessFlagSharesMemory(t *testing.T) {
	flag, err := NewProcessLivenessFlag(NopLogger, os.TempDir())
	require.NoError(t, err)
	path := flag.File().Name()

	assert.False(t, flag.IsListening())
	flag.SetListening(true)
	assert.True(t, flag.IsListening())

	reopened, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer reopened.Close()
	mirror, err := OpenProcessLivenessFlag(NopLogger, reopened)
	require.NoError(t, err)
	assert.True(t, mirror.IsListening())

	require.NoError(t, mirror.Close())
	require.NoError(t, flag.Close())

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
