package robj

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeRecordsAndRethrows(t *testing.T) {
	exc := NewLocalExcept()
	scope := exc.NewScope(ScopeOptions{Name: "init"})

	err := scope.Run(func() error {
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, []error{err}, exc.Group("init"))
}

func TestScopeSuppressesWhenRaisesFalse(t *testing.T) {
	exc := NewLocalExcept()
	scope := exc.NewScope(NewScopeOptions("", false, true))

	err := scope.Run(func() error {
		return errors.New("boom")
	})
	assert.NoError(t, err)
	assert.Len(t, exc.Group("default"), 1)
}

func TestCatchOnceInnermostWins(t *testing.T) {
	exc := NewLocalExcept()
	// inner re-raises after recording (raises=true); outer swallows
	// (raises=false). catch_once on both means outer must see the error is
	// already tagged "inner" and skip recording it a second time.
	inner := exc.NewScope(NewScopeOptions("inner", true, true))
	outer := exc.NewScope(NewScopeOptions("outer", false, true))

	err := outer.Run(func() error {
		return inner.Run(func() error {
			return errors.New("shared")
		})
	})
	assert.NoError(t, err)
	assert.Len(t, exc.Group("inner"), 1)
	assert.Len(t, exc.Group("outer"), 0)
}

func TestCatchOnceFalseForcesRaises(t *testing.T) {
	exc := NewLocalExcept()
	// catch_once=false scopes always let the error keep propagating,
	// regardless of Raises, per excs.py's raises = raises or not catch_once.
	scope := exc.NewScope(NewScopeOptions("q", false, false))
	err := scope.Run(func() error {
		return errors.New("q")
	})
	assert.Error(t, err)
}

func TestGetDefaultsToLatestAcrossGroups(t *testing.T) {
	exc := NewLocalExcept()
	exc.NewScope(NewScopeOptions("a", false, true)).Run(func() error { return errors.New("first") })
	exc.NewScope(NewScopeOptions("b", false, true)).Run(func() error { return errors.New("second") })

	latest := exc.Get("")
	require.Error(t, latest)
	assert.Equal(t, "second", latest.Error())
}

func TestWrapCapturesReturnValue(t *testing.T) {
	exc := NewLocalExcept()
	wrapped := exc.Wrap(func() (interface{}, error) {
		return 42, nil
	})
	wrapped()

	val, seq := exc.GetResult(time.Millisecond)
	assert.Nil(t, seq)
	assert.Equal(t, 42, val)
}

func TestWrapCapturesYieldStream(t *testing.T) {
	exc := NewLocalExcept()
	ch := make(chan interface{})
	wrapped := exc.Wrap(func() (interface{}, error) {
		return (<-chan interface{})(ch), nil
	})

	go func() {
		wrapped()
	}()
	go func() {
		for i := 5; i < 10; i++ {
			ch <- i
		}
		close(ch)
	}()

	// GetResult only returns a ResultSeq once the first YIELD is recorded,
	// which happens on the goroutines above.
	var seq *ResultSeq
	require.Eventually(t, func() bool {
		_, seq = exc.GetResult(time.Millisecond)
		return seq != nil
	}, time.Second, time.Millisecond)
	require.NotNil(t, seq)

	var got []int
	for {
		v, ok := seq.Next()
		if !ok {
			break
		}
		got = append(got, v.(int))
	}
	assert.Equal(t, []int{5, 6, 7, 8, 9}, got)
}

func TestClearResetsState(t *testing.T) {
	exc := NewLocalExcept()
	exc.Set(errors.New("x"), "g")
	assert.Len(t, exc.All(), 1)
	exc.Clear()
	assert.Len(t, exc.All(), 0)
}
