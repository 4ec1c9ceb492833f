package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripmesh/internal/protocol"
	"tripmesh/pkg"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := New(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect() })
	return c, mr
}

func forecastRequest(t *testing.T, sessionID string) *pkg.Envelope {
	t.Helper()
	req, err := protocol.NewRequest(sessionID, pkg.ForecastInput{Destination: "Rome", Dates: []string{"2026-01-01"}}, time.Second)
	require.NoError(t, err)
	return req
}

func TestConnectIsIdempotent(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
}

func TestPublishWithoutConnection(t *testing.T) {
	c := New(&redis.Options{Addr: "127.0.0.1:1"})
	_, err := c.Publish(context.Background(), "x", forecastRequest(t, "s1"))

	var terr *protocol.TransportError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, protocol.ErrNotConnected)
	assert.Equal(t, "publish", terr.Op)
}

func TestConnectFailureIsTransportError(t *testing.T) {
	c := New(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	err := c.Connect(context.Background())

	var terr *protocol.TransportError
	assert.ErrorAs(t, err, &terr)
}

func TestSubscribePublish(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	got := make(chan *pkg.Envelope, 1)
	_, err := c.Subscribe(ctx, "worker:forecast:request", func(_ context.Context, env *pkg.Envelope) {
		got <- env
	}, nil)
	require.NoError(t, err)

	req := forecastRequest(t, "s1")
	n, err := c.Publish(ctx, "worker:forecast:request", req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	select {
	case env := <-got:
		assert.Equal(t, req.RequestID, env.RequestID)
		assert.Equal(t, "Rome", env.Payload["destination"])
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMalformedMessagesGoToErrorHandler(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	errs := make(chan error, 2)
	got := make(chan *pkg.Envelope, 1)
	_, err := c.Subscribe(ctx, "ch", func(_ context.Context, env *pkg.Envelope) {
		got <- env
	}, func(_ string, err error) {
		errs <- err
	})
	require.NoError(t, err)

	mr.Publish("ch", "{broken")
	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("error handler not called")
	}

	// the loop survives and keeps delivering
	_, err = c.Publish(ctx, "ch", forecastRequest(t, "s1"))
	require.NoError(t, err)
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("loop stopped after malformed message")
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	errs := make(chan error, 1)
	_, err := c.Subscribe(ctx, "ch", func(_ context.Context, env *pkg.Envelope) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("boom")
	}, func(_ string, err error) {
		errs <- err
	})
	require.NoError(t, err)

	_, err = c.Publish(ctx, "ch", forecastRequest(t, "s1"))
	require.NoError(t, err)

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "boom")
	case <-time.After(2 * time.Second):
		t.Fatal("panic not reported")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	c, _ := newTestClient(t)
	id, err := c.Subscribe(context.Background(), "ch", func(context.Context, *pkg.Envelope) {}, nil)
	require.NoError(t, err)
	assert.True(t, c.Subscribed("ch"))

	c.Unsubscribe(id)
	c.Unsubscribe(id)
	c.Unsubscribe("unknown")

	assert.False(t, c.Subscribed("ch"))
	assert.Equal(t, 0, c.ActiveSubscriptions())
}

func TestDisconnectReleasesSubscriptions(t *testing.T) {
	c, _ := newTestClient(t)
	for _, ch := range []string{"a", "b", "c"} {
		_, err := c.Subscribe(context.Background(), ch, func(context.Context, *pkg.Envelope) {}, nil)
		require.NoError(t, err)
	}
	require.Equal(t, 3, c.ActiveSubscriptions())

	require.NoError(t, c.Disconnect())
	assert.Equal(t, 0, c.ActiveSubscriptions())

	_, err := c.Subscribe(context.Background(), "d", func(context.Context, *pkg.Envelope) {}, nil)
	assert.ErrorIs(t, err, protocol.ErrNotConnected)
}

// echo answers every request on reqCh with a success response
func echo(t *testing.T, c *Client, worker pkg.WorkerType, delay time.Duration) {
	t.Helper()
	_, err := c.Subscribe(context.Background(), protocol.RequestChannel(worker), func(ctx context.Context, req *pkg.Envelope) {
		go func() {
			time.Sleep(delay)
			// a stray response for another request must be ignored by the caller
			stray := *req
			stray.RequestID = "someone-else"
			_, _ = c.Publish(context.Background(), protocol.ResponseChannel(worker, req.SessionID),
				protocol.BuildResponse(&stray, worker, map[string]any{"stray": true}, 0))
			_, _ = c.Publish(context.Background(), protocol.ResponseChannel(worker, req.SessionID),
				protocol.BuildResponse(req, worker, map[string]any{"ok": true}, delay))
		}()
	}, nil)
	require.NoError(t, err)
}

func TestCallAndWaitSuccess(t *testing.T) {
	c, _ := newTestClient(t)
	echo(t, c, pkg.WorkerForecast, 10*time.Millisecond)

	req := forecastRequest(t, "s1")
	respCh := protocol.ResponseChannel(pkg.WorkerForecast, "s1")
	resp, err := c.CallAndWait(context.Background(), protocol.RequestChannel(pkg.WorkerForecast), respCh, req, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, req.RequestID, resp.RequestID)
	assert.Equal(t, true, resp.Response.Data["ok"])
	assert.False(t, c.Subscribed(respCh))
}

func TestCallAndWaitTimeout(t *testing.T) {
	c, _ := newTestClient(t)

	req := forecastRequest(t, "s1")
	respCh := protocol.ResponseChannel(pkg.WorkerForecast, "s1")
	start := time.Now()
	resp, err := c.CallAndWait(context.Background(), protocol.RequestChannel(pkg.WorkerForecast), respCh, req, 50*time.Millisecond)

	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, c.Subscribed(respCh))
}

func TestCallAndWaitCancelled(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	respCh := protocol.ResponseChannel(pkg.WorkerForecast, "s1")
	resp, err := c.CallAndWait(ctx, protocol.RequestChannel(pkg.WorkerForecast), respCh, forecastRequest(t, "s1"), time.Second)

	assert.Nil(t, resp)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, c.Subscribed(respCh))
}

func TestCallAndWaitPublishFailure(t *testing.T) {
	c, mr := newTestClient(t)
	respCh := protocol.ResponseChannel(pkg.WorkerForecast, "s1")

	mr.SetError("publish disabled")
	_, err := c.CallAndWait(context.Background(), protocol.RequestChannel(pkg.WorkerForecast), respCh, forecastRequest(t, "s1"), time.Second)
	mr.SetError("")

	assert.Error(t, err)
	assert.False(t, c.Subscribed(respCh))
}
