/*
Copyright 2026 Vimeo Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package warehouse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFutureResolvesOnce(t *testing.T) {
	f, resolve := NewFuture[int]()
	_, err := f.Result()
	require.ErrorIs(t, err, ErrPending)

	resolve(1, nil)
	resolve(2, errors.New("ignored"))
	waitClosed(t, f.Done())
	v, err := f.Result()
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestFutureWaitContext(t *testing.T) {
	f, resolve := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go resolve(7, nil)
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestZeroAttemptIsSettled(t *testing.T) {
	var a Attempt[string]
	s := a.start(context.Background(), func(string, error) {
		t.Error("settled attempts never complete later")
	})
	require.True(t, s.settled)
	require.NoError(t, s.err)
	require.Empty(t, s.value)
}

func TestAwaitResolvedFuture(t *testing.T) {
	f, resolve := NewFuture[int]()
	resolve(3, nil)
	s := Await(f, nil).start(context.Background(), nil)
	require.True(t, s.settled)
	require.Equal(t, 3, s.value)

	s = Await[int](nil, nil).start(context.Background(), nil)
	require.True(t, s.settled)
	require.ErrorIs(t, s.err, errNilFuture)
}

func TestAwaitCancelOnce(t *testing.T) {
	f, _ := NewFuture[int]()
	var cancels AtomicInt
	s := Await(f, func() { cancels.Add(1) }).start(context.Background(), func(int, error) {
		t.Error("cancelled await completed")
	})
	require.False(t, s.settled)
	s.cancel()
	s.cancel()
	require.EqualValues(t, 1, cancels.Get())
}

func TestAsyncCancelsContext(t *testing.T) {
	got := make(chan error, 1)
	s := Async(func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}).start(context.Background(), func(_ int, err error) { got <- err })
	require.False(t, s.settled)
	s.cancel()
	select {
	case err := <-got:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("async attempt never returned")
	}
}

func TestPanicsBecomeErrors(t *testing.T) {
	a := invoke(func(...any) Attempt[int] { panic("sync") }, nil)
	s := a.start(context.Background(), nil)
	require.True(t, s.settled)
	var pe *PanicError
	require.ErrorAs(t, s.err, &pe)
	require.Equal(t, "sync", pe.Value)
	require.NotEmpty(t, pe.Stack)

	got := make(chan error, 1)
	Async(func(context.Context) (int, error) { panic("async") }).
		start(context.Background(), func(_ int, err error) { got <- err })
	select {
	case err := <-got:
		require.ErrorAs(t, err, &pe)
		require.Equal(t, "async", pe.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("async attempt never returned")
	}
}
