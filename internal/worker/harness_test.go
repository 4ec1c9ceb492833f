package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripmesh/internal/protocol"
	"tripmesh/internal/transport"
	"tripmesh/pkg"
)

func newBus(t *testing.T) *transport.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	c := transport.New(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

// listen collects every envelope published on channel
func listen(t *testing.T, bus *transport.Client, channel string) <-chan *pkg.Envelope {
	t.Helper()
	out := make(chan *pkg.Envelope, 32)
	_, err := bus.Subscribe(context.Background(), channel, func(ctx context.Context, env *pkg.Envelope) {
		select {
		case out <- env:
		case <-ctx.Done():
		}
	}, nil)
	require.NoError(t, err)
	return out
}

func next(t *testing.T, ch <-chan *pkg.Envelope) *pkg.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func startForecast(t *testing.T, bus *transport.Client, fn func(ctx context.Context, in pkg.ForecastInput) (pkg.ForecastOutput, error), cfg Config) *Harness {
	t.Helper()
	h := New[pkg.ForecastInput, pkg.ForecastOutput](bus, HandlerFunc[pkg.ForecastInput, pkg.ForecastOutput](fn), cfg)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(h.Stop)
	return h
}

func send(t *testing.T, bus *transport.Client, sessionID string, timeout time.Duration) *pkg.Envelope {
	t.Helper()
	req, err := protocol.NewRequest(sessionID, pkg.ForecastInput{Destination: "Rome", Dates: []string{"2026-01-01", "2026-01-02"}}, timeout)
	require.NoError(t, err)
	_, err = bus.Publish(context.Background(), protocol.RequestChannel(pkg.WorkerForecast), req)
	require.NoError(t, err)
	return req
}

func TestHarnessSuccess(t *testing.T) {
	bus := newBus(t)
	h := startForecast(t, bus, func(ctx context.Context, in pkg.ForecastInput) (pkg.ForecastOutput, error) {
		out := pkg.ForecastOutput{Destination: in.Destination}
		for _, d := range in.Dates {
			out.Days = append(out.Days, pkg.ForecastDay{Date: d, Condition: "sunny"})
		}
		return out, nil
	}, Config{})
	assert.Equal(t, pkg.WorkerForecast, h.WorkerType())

	responses := listen(t, bus, protocol.ResponseChannel(pkg.WorkerForecast, "s1"))
	updates := listen(t, bus, protocol.StreamChannel("s1"))

	req := send(t, bus, "s1", time.Second)
	resp := next(t, responses)

	require.NoError(t, protocol.ValidateResponse(resp, req))
	require.True(t, resp.Response.Success)
	assert.Equal(t, "Rome", resp.Response.Data["destination"])
	assert.Len(t, resp.Response.Data["days"], 2)

	assert.Equal(t, "started", next(t, updates).Update.UpdateType)
	assert.Equal(t, "completed", next(t, updates).Update.UpdateType)

	stats := h.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, int64(1), stats.Requests)
	assert.Equal(t, int64(0), stats.Errors)
}

func TestHarnessHandlerError(t *testing.T) {
	bus := newBus(t)
	h := startForecast(t, bus, func(ctx context.Context, in pkg.ForecastInput) (pkg.ForecastOutput, error) {
		return pkg.ForecastOutput{}, errors.New("forecast provider unavailable")
	}, Config{})

	responses := listen(t, bus, protocol.ResponseChannel(pkg.WorkerForecast, "s1"))
	updates := listen(t, bus, protocol.StreamChannel("s1"))
	req := send(t, bus, "s1", time.Second)

	resp := next(t, responses)
	assert.Equal(t, req.RequestID, resp.RequestID)
	assert.False(t, resp.Response.Success)
	assert.Equal(t, "forecast provider unavailable", resp.Response.Error)
	assert.Equal(t, protocol.CodeWorkerFailure, resp.Response.ErrorCode)

	assert.Equal(t, "started", next(t, updates).Update.UpdateType)
	assert.Equal(t, "error", next(t, updates).Update.UpdateType)
	assert.Equal(t, int64(1), h.Stats().Errors)
}

func TestHarnessDeadline(t *testing.T) {
	bus := newBus(t)
	startForecast(t, bus, func(ctx context.Context, in pkg.ForecastInput) (pkg.ForecastOutput, error) {
		// ignores ctx on purpose
		time.Sleep(300 * time.Millisecond)
		return pkg.ForecastOutput{}, nil
	}, Config{})

	responses := listen(t, bus, protocol.ResponseChannel(pkg.WorkerForecast, "s1"))
	start := time.Now()
	send(t, bus, "s1", 50*time.Millisecond)

	resp := next(t, responses)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.False(t, resp.Response.Success)
	assert.Equal(t, protocol.CodeWorkerTimeout, resp.Response.ErrorCode)
	assert.Contains(t, resp.Response.Error, "timed out")

	select {
	case extra := <-responses:
		t.Fatalf("second response published: %+v", extra)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestHarnessContextAwareHandlerTimeout(t *testing.T) {
	bus := newBus(t)
	startForecast(t, bus, func(ctx context.Context, in pkg.ForecastInput) (pkg.ForecastOutput, error) {
		<-ctx.Done()
		return pkg.ForecastOutput{}, ctx.Err()
	}, Config{})

	responses := listen(t, bus, protocol.ResponseChannel(pkg.WorkerForecast, "s1"))
	send(t, bus, "s1", 30*time.Millisecond)

	resp := next(t, responses)
	assert.Equal(t, protocol.CodeWorkerTimeout, resp.Response.ErrorCode)
}

func TestHarnessRecoversPanic(t *testing.T) {
	bus := newBus(t)
	startForecast(t, bus, func(ctx context.Context, in pkg.ForecastInput) (pkg.ForecastOutput, error) {
		var m map[string]int
		m["x"] = 1
		return pkg.ForecastOutput{}, nil
	}, Config{})

	responses := listen(t, bus, protocol.ResponseChannel(pkg.WorkerForecast, "s1"))
	send(t, bus, "s1", time.Second)

	resp := next(t, responses)
	assert.False(t, resp.Response.Success)
	assert.Equal(t, protocol.CodeWorkerPanic, resp.Response.ErrorCode)
	assert.Contains(t, resp.Response.Error, "panic")
}

func TestHarnessRejectsStaleRequest(t *testing.T) {
	bus := newBus(t)
	called := make(chan struct{}, 1)
	startForecast(t, bus, func(ctx context.Context, in pkg.ForecastInput) (pkg.ForecastOutput, error) {
		called <- struct{}{}
		return pkg.ForecastOutput{}, nil
	}, Config{})

	responses := listen(t, bus, protocol.ResponseChannel(pkg.WorkerForecast, "s1"))
	req, err := protocol.NewRequest("s1", pkg.ForecastInput{Destination: "Rome", Dates: []string{"d"}}, time.Second)
	require.NoError(t, err)
	req.Timestamp = req.Timestamp.Add(-10 * time.Minute)
	_, err = bus.Publish(context.Background(), protocol.RequestChannel(pkg.WorkerForecast), req)
	require.NoError(t, err)

	resp := next(t, responses)
	assert.Equal(t, pkg.ActionError, resp.Action)
	require.NotNil(t, resp.Failure)
	assert.Equal(t, protocol.CodeInvalidRequest, resp.Failure.Code)
	assert.False(t, resp.Failure.Recoverable)
	assert.Nil(t, resp.Response)
	assert.Len(t, called, 0)
}

func TestHarnessRejectsRequestMissingRequiredField(t *testing.T) {
	bus := newBus(t)
	called := make(chan struct{}, 1)
	h := startForecast(t, bus, func(ctx context.Context, in pkg.ForecastInput) (pkg.ForecastOutput, error) {
		called <- struct{}{}
		return pkg.ForecastOutput{}, nil
	}, Config{})

	responses := listen(t, bus, protocol.ResponseChannel(pkg.WorkerForecast, "s1"))
	req, err := protocol.NewRequest("s1", pkg.ForecastInput{Destination: "Rome", Dates: []string{"2026-01-01"}}, time.Second)
	require.NoError(t, err)
	delete(req.Payload, "dates")
	_, err = bus.Publish(context.Background(), protocol.RequestChannel(pkg.WorkerForecast), req)
	require.NoError(t, err)

	resp := next(t, responses)
	require.NoError(t, protocol.ValidateResponse(resp, req))
	_, err = protocol.ResultOf(resp)
	assert.ErrorIs(t, err, protocol.ErrWorkerFailure)
	assert.Contains(t, resp.Failure.Message, `"dates"`)
	assert.Len(t, called, 0)
	assert.EqualValues(t, 1, h.Stats().Errors)
}

func TestHarnessIgnoresNonRequests(t *testing.T) {
	bus := newBus(t)
	h := startForecast(t, bus, func(ctx context.Context, in pkg.ForecastInput) (pkg.ForecastOutput, error) {
		return pkg.ForecastOutput{}, nil
	}, Config{})

	_, err := bus.Publish(context.Background(), protocol.RequestChannel(pkg.WorkerForecast), protocol.BuildCancel("s1", "user"))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(0), h.Stats().Requests)
}

func TestHarnessHeartbeats(t *testing.T) {
	bus := newBus(t)
	beats := listen(t, bus, protocol.HealthChannel)
	startForecast(t, bus, func(ctx context.Context, in pkg.ForecastInput) (pkg.ForecastOutput, error) {
		return pkg.ForecastOutput{}, nil
	}, Config{HeartbeatInterval: 20 * time.Millisecond, Version: "test"})

	first := next(t, beats)
	second := next(t, beats)
	for _, hb := range []*pkg.Envelope{first, second} {
		assert.Equal(t, pkg.ActionHeartbeat, hb.Action)
		assert.Equal(t, pkg.WorkerForecast, hb.WorkerType)
		assert.Equal(t, "healthy", hb.Heartbeat.Status)
		assert.Equal(t, "test", hb.Heartbeat.Version)
	}
}

func TestHarnessLifecycleAndMetrics(t *testing.T) {
	bus := newBus(t)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	h := New[pkg.ForecastInput, pkg.ForecastOutput](bus, HandlerFunc[pkg.ForecastInput, pkg.ForecastOutput](
		func(ctx context.Context, in pkg.ForecastInput) (pkg.ForecastOutput, error) {
			return pkg.ForecastOutput{Destination: in.Destination}, nil
		}), Config{Metrics: metrics})

	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Start(context.Background()))
	assert.True(t, bus.Subscribed(protocol.RequestChannel(pkg.WorkerForecast)))

	responses := listen(t, bus, protocol.ResponseChannel(pkg.WorkerForecast, "s1"))
	send(t, bus, "s1", time.Second)
	next(t, responses)

	h.Stop()
	h.Stop()
	assert.False(t, h.Stats().Running)
	assert.False(t, bus.Subscribed(protocol.RequestChannel(pkg.WorkerForecast)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("forecast", "success")))
}

func TestHarnessRunStopsWithContext(t *testing.T) {
	bus := newBus(t)
	h := NewHarness(bus, pkg.WorkerPlan, func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.Eventually(t, func() bool { return h.Stats().Running }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, h.Stats().Running)
}
