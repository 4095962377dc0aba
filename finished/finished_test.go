package finished_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/getyourguide/onfinished-go/finished"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newObserver() (*finished.Observer, *manualScheduler) {
	sched := &manualScheduler{}
	return finished.New(finished.WithScheduler(sched)), sched
}

func requireNoSubscriptions(t *testing.T, th *thingie) {
	t.Helper()
	for _, event := range []string{finished.EventEnd, finished.EventFinish, finished.EventSocket} {
		require.Zero(t, th.ListenerCount(event), "message listeners for %q", event)
	}
	if th.socket != nil {
		for _, event := range []string{finished.EventError, finished.EventClose} {
			require.Zero(t, th.socket.ListenerCount(event), "socket listeners for %q", event)
		}
	}
}

func TestRegisterAlreadyFinished(t *testing.T) {
	obs, sched := newObserver()
	res := newResponse()
	res.ended = true
	rec := &recorder{}

	got := obs.Register(res, rec.listener)
	require.Same(t, res, got)
	require.Zero(t, rec.count(), "listener must not run synchronously")
	require.Equal(t, 1, sched.pending())
	requireNoSubscriptions(t, &res.thingie)

	require.Equal(t, 1, sched.run())
	require.Equal(t, 1, rec.count())
	require.NoError(t, rec.last().err)
	require.Same(t, res, rec.last().msg)
}

func TestRegisterInvalidListener(t *testing.T) {
	obs, _ := newObserver()
	require.PanicsWithValue(t, finished.ErrInvalidListener, func() {
		obs.Register(newThingie(), nil)
	})
	require.PanicsWithValue(t, finished.ErrInvalidListener, func() {
		finished.OnFinished[*thingie](newThingie(), nil)
	})
}

func TestSocketEvents(t *testing.T) {
	for _, tt := range []struct {
		name    string
		emit    func(th *thingie)
		wantErr error
	}{{
		name:    "socket error",
		emit:    func(th *thingie) { th.socket.Emit(finished.EventError, errBoom) },
		wantErr: errBoom,
	}, {
		name: "socket error without payload",
		emit: func(th *thingie) { th.socket.Emit(finished.EventError, nil) },
	}, {
		name: "socket close",
		emit: func(th *thingie) { th.socket.Emit(finished.EventClose, nil) },
	}, {
		name: "socket close with non error payload",
		emit: func(th *thingie) { th.socket.Emit(finished.EventClose, false) },
	}, {
		name: "socket close with string payload",
		emit: func(th *thingie) { th.socket.Emit(finished.EventClose, "closed") },
	}, {
		name:    "socket close with error",
		emit:    func(th *thingie) { th.socket.Emit(finished.EventClose, errBoom) },
		wantErr: errBoom,
	}, {
		name: "premature close",
		emit: func(th *thingie) {
			th.socket.Emit(finished.EventError, fmt.Errorf("stream: %w", finished.ErrPrematureClose))
		},
	}, {
		name: "message end",
		emit: func(th *thingie) { th.Emit(finished.EventEnd, errBoom) },
	}, {
		name: "message finish",
		emit: func(th *thingie) { th.Emit(finished.EventFinish, nil) },
	}} {
		t.Run(tt.name, func(t *testing.T) {
			obs, sched := newObserver()
			th := newThingie()
			rec := &recorder{}
			obs.Register(th, rec.listener)

			tt.emit(th)
			require.Equal(t, 1, rec.count())
			if tt.wantErr != nil {
				require.ErrorIs(t, rec.last().err, tt.wantErr)
			} else {
				require.NoError(t, rec.last().err)
			}
			require.Same(t, th, rec.last().msg)
			requireNoSubscriptions(t, th)
			require.Zero(t, sched.pending())
		})
	}
}

func TestFiresOnlyOnce(t *testing.T) {
	obs, _ := newObserver()
	th := newThingie()
	rec := &recorder{}
	obs.Register(th, rec.listener)

	th.Emit(finished.EventFinish, nil)
	th.socket.Emit(finished.EventError, errBoom)
	th.socket.Emit(finished.EventClose, nil)

	require.Equal(t, 1, rec.count())
	require.NoError(t, rec.last().err)
}

func TestManyListenersShareSubscriptions(t *testing.T) {
	obs, _ := newObserver()
	th := newThingie()

	var mu sync.Mutex
	var order []int
	for i := range 400 {
		obs.Register(th, func(err error, _ finished.Message) {
			require.ErrorIs(t, err, errBoom)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	require.Equal(t, 1, th.socket.ListenerCount(finished.EventError))
	require.Equal(t, 1, th.socket.ListenerCount(finished.EventClose))
	require.Equal(t, 1, th.ListenerCount(finished.EventFinish))
	require.Equal(t, 1, th.ListenerCount(finished.EventEnd))
	require.False(t, th.socket.Warned(finished.EventError))

	th.socket.Emit(finished.EventError, errBoom)

	require.Len(t, order, 400)
	for i, v := range order {
		require.Equal(t, i, v, "listeners must fire in registration order")
	}
	requireNoSubscriptions(t, th)
}

func TestRegisterAfterFire(t *testing.T) {
	t.Run("from within a listener", func(t *testing.T) {
		obs, sched := newObserver()
		res := newResponse()
		rec := &recorder{}

		obs.Register(res, func(err error, msg finished.Message) {
			obs.Register(msg, rec.listener)
			require.Zero(t, rec.count(), "nested listener must be deferred")
		})
		res.end()

		require.Zero(t, rec.count())
		require.Equal(t, 1, sched.run())
		require.Equal(t, 1, rec.count())
		require.NoError(t, rec.last().err)
		requireNoSubscriptions(t, &res.thingie)
	})

	t.Run("unknown object after its end", func(t *testing.T) {
		obs, sched := newObserver()
		th := newThingie()
		first := &recorder{}
		second := &recorder{}

		obs.Register(th, first.listener)
		th.Emit(finished.EventEnd, nil)
		require.Equal(t, 1, first.count())

		obs.Register(th, second.listener)
		requireNoSubscriptions(t, th)
		require.Equal(t, 1, sched.run())
		require.Equal(t, 1, second.count())
		require.Equal(t, 1, first.count())
	})
}

func TestLateSocket(t *testing.T) {
	t.Run("socket attached then closed", func(t *testing.T) {
		obs, _ := newObserver()
		res := &response{}
		rec := &recorder{}

		obs.Register(res, rec.listener)
		obs.Register(res, rec.listener)
		require.Equal(t, 1, res.ListenerCount(finished.EventSocket))
		require.Equal(t, 1, res.ListenerCount(finished.EventFinish))

		s := newSocket()
		res.attach(s)
		require.Zero(t, res.ListenerCount(finished.EventSocket))
		require.Equal(t, 1, s.ListenerCount(finished.EventError))
		require.Equal(t, 1, s.ListenerCount(finished.EventClose))
		require.Zero(t, rec.count())

		s.Emit(finished.EventClose, nil)
		require.Equal(t, 2, rec.count())
		require.NoError(t, rec.last().err)
		requireNoSubscriptions(t, &res.thingie)
	})

	t.Run("finished before a socket is attached", func(t *testing.T) {
		obs, _ := newObserver()
		res := &response{}
		rec := &recorder{}

		obs.Register(res, rec.listener)
		res.end()
		require.Equal(t, 1, rec.count())
		require.Zero(t, res.ListenerCount(finished.EventSocket))

		s := newSocket()
		res.attach(s)
		require.Zero(t, s.ListenerCount(finished.EventError))
		require.Zero(t, s.ListenerCount(finished.EventClose))
	})

	t.Run("attached socket is no longer writable", func(t *testing.T) {
		obs, _ := newObserver()
		res := &response{}
		rec := &recorder{}

		obs.Register(res, rec.listener)
		s := newSocket()
		s.setWritable(false)
		res.attach(s)

		require.Equal(t, 1, rec.count())
		require.NoError(t, rec.last().err)
		require.Zero(t, s.ListenerCount(finished.EventClose))
	})
}

func TestOnFinished(t *testing.T) {
	res := newResponse()
	done := make(chan *response, 1)

	got := finished.OnFinished(res, func(err error, msg *response) {
		require.NoError(t, err)
		done <- msg
	})
	require.Same(t, res, got)

	res.end()
	select {
	case msg := <-done:
		require.Same(t, res, msg)
	case <-time.After(time.Second):
		t.Fatal("listener was not called")
	}
}

func TestOnFinishedAlreadyFinishedIsAsync(t *testing.T) {
	res := newResponse()
	res.ended = true

	var mu sync.Mutex
	returned := false
	done := make(chan bool, 1)

	mu.Lock()
	finished.OnFinished(res, func(err error, _ *response) {
		mu.Lock()
		defer mu.Unlock()
		done <- returned
	})
	returned = true
	mu.Unlock()

	select {
	case afterReturn := <-done:
		require.True(t, afterReturn)
	case <-time.After(time.Second):
		t.Fatal("listener was not called")
	}
}

func TestWait(t *testing.T) {
	t.Run("message finishes", func(t *testing.T) {
		th := newThingie()
		go func() {
			for th.socket.ListenerCount(finished.EventError) == 0 {
				time.Sleep(time.Millisecond)
			}
			th.socket.Emit(finished.EventError, errBoom)
		}()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.ErrorIs(t, finished.Wait(ctx, th), errBoom)
	})

	t.Run("context done first", func(t *testing.T) {
		th := newThingie()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := finished.Wait(ctx, th)
		require.ErrorIs(t, err, context.Canceled)

		// the registration stays and still completes
		th.Emit(finished.EventEnd, nil)
		requireNoSubscriptions(t, th)
	})

	t.Run("done channel", func(t *testing.T) {
		res := newResponse()
		ch := finished.Done(res)
		res.end()
		require.NoError(t, <-ch)
	})
}

func TestConcurrentRegistration(t *testing.T) {
	obs := finished.New()
	res := newResponse()

	const n = 200
	var calls sync.WaitGroup
	calls.Add(n)
	var count sync.Map

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obs.Register(res, func(err error, _ finished.Message) {
				_, loaded := count.LoadOrStore(i, true)
				assert.False(t, loaded, "listener %d called twice", i)
				calls.Done()
			})
		}()
		if i == n/2 {
			go res.end()
		}
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		calls.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not every listener was called")
	}
	requireNoSubscriptions(t, &res.thingie)
}

func TestSetDefault(t *testing.T) {
	prev := finished.Default()
	t.Cleanup(func() { finished.SetDefault(prev) })

	obs, sched := newObserver()
	finished.SetDefault(obs)
	require.Same(t, obs, finished.Default())

	res := newResponse()
	res.ended = true
	called := false
	finished.OnFinished(res, func(error, *response) { called = true })
	require.False(t, called)
	sched.run()
	require.True(t, called)

	require.Panics(t, func() { finished.SetDefault(nil) })
}
