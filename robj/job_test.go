package robj

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobThreadModeResult(t *testing.T) {
	job, err := NewJob(NopLogger, JobOptions{Threaded: true, StoreRemote: true}, func(ctx context.Context, io WorkerIO) (interface{}, error) {
		return 21 * 2, nil
	})
	require.NoError(t, err)

	require.NoError(t, job.Start(context.Background()))
	require.NoError(t, job.Join(false))

	val, seq := job.Result(time.Millisecond)
	assert.Nil(t, seq)
	assert.Equal(t, 42, val)
}

func TestJobThreadModeYieldSequence(t *testing.T) {
	job, err := NewJob(NopLogger, JobOptions{Threaded: true, StoreRemote: true}, func(ctx context.Context, io WorkerIO) (interface{}, error) {
		ch := make(chan interface{})
		go func() {
			for i := 0; i < 4; i++ {
				ch <- i * i
			}
			close(ch)
		}()
		return (<-chan interface{})(ch), nil
	})
	require.NoError(t, err)

	require.NoError(t, job.Start(context.Background()))
	require.NoError(t, job.Join(false))

	_, seq := job.Result(time.Millisecond)
	require.NotNil(t, seq)

	var got []int
	for {
		v, ok := seq.Next()
		if !ok {
			break
		}
		got = append(got, v.(int))
	}
	assert.Equal(t, []int{0, 1, 4, 9}, got)
}

func TestJobThreadModeYieldStreamReachesLaterPolls(t *testing.T) {
	release := make(chan struct{})
	job, err := NewJob(NopLogger, JobOptions{Threaded: true, StoreRemote: true}, func(ctx context.Context, io WorkerIO) (interface{}, error) {
		ch := make(chan interface{})
		go func() {
			ch <- 0
			<-release
			for _, v := range []int{1, 4, 9} {
				ch <- v
			}
			close(ch)
		}()
		return (<-chan interface{})(ch), nil
	})
	require.NoError(t, err)
	require.NoError(t, job.Start(context.Background()))

	// Poll as soon as the first value is out, well before the rest have even
	// been produced — GetResult snapshots a ResultSeq off of just that one
	// YIELD entry, so Next must keep re-pulling the channel to ever see the
	// values sent after release is closed below.
	var seq *ResultSeq
	require.Eventually(t, func() bool {
		_, s := job.Result(time.Millisecond)
		if s == nil {
			return false
		}
		seq = s
		return true
	}, time.Second, time.Millisecond)

	v, ok := seq.Next()
	require.True(t, ok)
	assert.Equal(t, 0, v)

	close(release)

	var got []int
	for {
		v, ok := seq.Next()
		if !ok {
			break
		}
		got = append(got, v.(int))
	}
	assert.Equal(t, []int{1, 4, 9}, got)

	require.NoError(t, job.Join(false))
}

func TestJobThreadModeNamedExceptionGroup(t *testing.T) {
	job, err := NewJob(NopLogger, JobOptions{Threaded: true, StoreRemote: true}, func(ctx context.Context, io WorkerIO) (interface{}, error) {
		io.Exc.Set(errors.New("partial write"), "io")
		return nil, nil
	})
	require.NoError(t, err)

	require.NoError(t, job.Start(context.Background()))
	require.NoError(t, job.Join(false))

	got := job.Except().Get("io")
	require.Error(t, got)
	assert.Equal(t, "partial write", got.Error())
}

func TestJobThreadModeTopLevelErrorSurfaces(t *testing.T) {
	job, err := NewJob(NopLogger, JobOptions{Threaded: true, StoreRemote: true}, func(ctx context.Context, io WorkerIO) (interface{}, error) {
		return nil, errors.New("kaboom")
	})
	require.NoError(t, err)

	require.NoError(t, job.Start(context.Background()))
	_ = job.Join(true) // suppress: assert via Err() instead

	require.Error(t, job.Err())
	assert.Equal(t, "kaboom", job.Err().Error())
}

func TestJobProxyResolvesAgainstWorkerRoot(t *testing.T) {
	job, err := NewJob(NopLogger, JobOptions{Threaded: true, StoreRemote: true}, func(ctx context.Context, io WorkerIO) (interface{}, error) {
		root := newCounter()
		root.Count = 3
		listener := NewListener(NopLogger, io.ProxyChannel, io.Liveness, root, DefaultListenerOptions())
		listener.RunCooperative(ctx.Done())
		return nil, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, job.Start(ctx))

	proxy := job.Proxy()
	require.NoError(t, proxy.WaitUntilListening(job, time.Second))

	val, err := proxy.Attr("Count").Get()
	require.NoError(t, err)
	assert.Equal(t, 3, val)

	cancel()
	require.NoError(t, job.Join(false))
}

func TestJobThreadModeThrowInjectsViaContextCause(t *testing.T) {
	started := make(chan struct{})
	job, err := NewJob(NopLogger, JobOptions{Threaded: true, StoreRemote: true}, func(ctx context.Context, io WorkerIO) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, context.Cause(ctx)
	})
	require.NoError(t, err)

	require.NoError(t, job.Start(context.Background()))
	<-started

	injected := errors.New("interrupted")
	require.NoError(t, job.Throw(injected))

	_ = job.Join(true) // suppress: assert via Err() instead
	require.Error(t, job.Err())
	assert.Equal(t, "interrupted", job.Err().Error())
}

func TestJobThrowRequiresThreadedMode(t *testing.T) {
	job, err := NewJob(NopLogger, JobOptions{Threaded: false, WorkerName: "unused"}, nil)
	require.NoError(t, err)
	require.Error(t, job.Throw(errors.New("nope")))
}

func TestJobThrowBeforeStartFails(t *testing.T) {
	job, err := NewJob(NopLogger, JobOptions{Threaded: true}, func(ctx context.Context, io WorkerIO) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)
	require.Error(t, job.Throw(errors.New("too early")))
}

func TestJobNamesAreMonotonicPerMode(t *testing.T) {
	fn := func(ctx context.Context, io WorkerIO) (interface{}, error) { return nil, nil }

	j1, err := NewJob(NopLogger, JobOptions{Threaded: true}, fn)
	require.NoError(t, err)
	p, err := NewJob(NopLogger, JobOptions{Threaded: false, WorkerName: "names"}, nil)
	require.NoError(t, err)
	j2, err := NewJob(NopLogger, JobOptions{Threaded: true}, fn)
	require.NoError(t, err)

	assert.NotEqual(t, j1.Name(), j2.Name())

	// the process-mode job created in between does not advance the thread counter
	var n1, n2 int
	_, err = fmt.Sscanf(j1.Name(), "worker-%d", &n1)
	require.NoError(t, err)
	_, err = fmt.Sscanf(j2.Name(), "worker-%d", &n2)
	require.NoError(t, err)
	assert.Equal(t, n1+1, n2)
	assert.True(t, strings.HasPrefix(p.Name(), "names-"))
}
