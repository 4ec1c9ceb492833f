package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tripmesh/internal/protocol"
	"tripmesh/internal/transport"
	"tripmesh/pkg"
	"tripmesh/src/logger"
)

// Bus is the part of the transport a harness needs
type Bus interface {
	Publish(ctx context.Context, channel string, env *pkg.Envelope) (int64, error)
	Subscribe(ctx context.Context, channel string, handler transport.Handler, onError transport.ErrorHandler) (string, error)
	Unsubscribe(id string)
}

// Config tunes a harness
type Config struct {
	HeartbeatInterval time.Duration
	Concurrency       int
	DefaultTimeout    time.Duration
	StalenessWindow   time.Duration
	MaxRetries        int
	PublishTimeout    time.Duration
	Version           string
	Metrics           *Metrics
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = protocol.DefaultTimeout
	}
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = protocol.DefaultStalenessWindow
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = protocol.MaxRetryCount
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	return c
}

// Stats is a snapshot of harness counters
type Stats struct {
	WorkerType pkg.WorkerType `json:"worker_type"`
	Running    bool           `json:"running"`
	Uptime     time.Duration  `json:"uptime"`
	Requests   int64          `json:"requests_processed"`
	Errors     int64          `json:"errors"`
	InFlight   int64          `json:"in_flight"`
}

// ErrorRate is errors per processed request
func (s Stats) ErrorRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Requests)
}

// Harness makes a ProcessFunc addressable on the bus: it listens on the
// worker's request channel and publishes exactly one response per request.
type Harness struct {
	workerType pkg.WorkerType
	process    ProcessFunc
	bus        Bus
	cfg        Config
	log        zerolog.Logger

	mu        sync.Mutex
	running   bool
	subID     string
	startedAt time.Time
	stopBeat  chan struct{}
	beatDone  chan struct{}

	sem      chan struct{}
	inflight sync.WaitGroup

	requests atomic.Int64
	errors   atomic.Int64
	active   atomic.Int64
}

// New wraps a typed handler; the worker type comes from its payload type
func New[In pkg.RequestPayload, Out any](bus Bus, h Handler[In, Out], cfg Config) *Harness {
	w, fn := Adapt(h)
	return NewHarness(bus, w, fn, cfg)
}

// NewHarness wraps an untyped ProcessFunc for worker type w
func NewHarness(bus Bus, w pkg.WorkerType, fn ProcessFunc, cfg Config) *Harness {
	cfg = cfg.withDefaults()
	return &Harness{
		workerType: w,
		process:    fn,
		bus:        bus,
		cfg:        cfg,
		log:        logger.Component("worker").With().Str("worker", string(w)).Logger(),
		sem:        make(chan struct{}, cfg.Concurrency),
	}
}

// WorkerType returns the worker type served by the harness
func (h *Harness) WorkerType() pkg.WorkerType {
	return h.workerType
}

// Start subscribes to the request channel and starts the heartbeat loop.
// Starting a running harness is a no-op.
func (h *Harness) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}

	channel := protocol.RequestChannel(h.workerType)
	id, err := h.bus.Subscribe(ctx, channel, h.onRequest, func(ch string, err error) {
		h.log.Warn().Err(err).Str("channel", ch).Msg("Dropped request")
	})
	if err != nil {
		return fmt.Errorf("failed to start %s worker: %w", h.workerType, err)
	}

	h.subID = id
	h.running = true
	h.startedAt = time.Now()
	h.stopBeat = make(chan struct{})
	h.beatDone = make(chan struct{})
	go h.heartbeatLoop(h.stopBeat, h.beatDone)

	h.log.Info().Str("channel", channel).Int("concurrency", h.cfg.Concurrency).Msg("Worker started")
	return nil
}

// Stop unsubscribes, stops heartbeats and waits for in-flight requests to
// publish their responses.
func (h *Harness) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	subID, stopBeat, beatDone := h.subID, h.stopBeat, h.beatDone
	h.mu.Unlock()

	h.bus.Unsubscribe(subID)
	close(stopBeat)
	<-beatDone
	h.inflight.Wait()

	h.log.Info().Int64("requests", h.requests.Load()).Int64("errors", h.errors.Load()).Msg("Worker stopped")
}

// Run starts the harness and blocks until ctx is done
func (h *Harness) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	h.Stop()
	return nil
}

// Stats returns the current counters
func (h *Harness) Stats() Stats {
	h.mu.Lock()
	running, startedAt := h.running, h.startedAt
	h.mu.Unlock()

	var uptime time.Duration
	if running {
		uptime = time.Since(startedAt)
	}
	return Stats{
		WorkerType: h.workerType,
		Running:    running,
		Uptime:     uptime,
		Requests:   h.requests.Load(),
		Errors:     h.errors.Load(),
		InFlight:   h.active.Load(),
	}
}

func (h *Harness) onRequest(ctx context.Context, env *pkg.Envelope) {
	if env.Action != pkg.ActionRequest {
		return
	}

	// bounded concurrency; blocks the listen loop when saturated
	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	h.inflight.Add(1)
	go func() {
		defer func() {
			<-h.sem
			h.inflight.Done()
		}()
		h.handle(env)
	}()
}

type result struct {
	data map[string]any
	err  error
	code string
}

func (h *Harness) handle(req *pkg.Envelope) {
	start := time.Now()
	h.requests.Add(1)
	h.active.Add(1)
	h.cfg.Metrics.track(h.workerType, 1)
	defer func() {
		h.active.Add(-1)
		h.cfg.Metrics.track(h.workerType, -1)
	}()

	log := h.log.With().Str("session_id", req.SessionID).Str("request_id", req.RequestID).Logger()

	err := protocol.ValidateIncoming(req, pkg.Now(), h.cfg.StalenessWindow, h.cfg.MaxRetries)
	if err == nil {
		err = protocol.CheckPayload(h.workerType, req.Payload)
	}
	if err != nil {
		log.Warn().Err(err).Msg("Rejected request")
		h.finish(req, result{err: err, code: protocol.CodeInvalidRequest}, start)
		return
	}

	h.stream(req, "started", fmt.Sprintf("%s processing started", h.workerType), 0)

	timeout := req.Metadata.Timeout()
	if timeout <= 0 {
		timeout = h.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r), code: protocol.CodeWorkerPanic}
			}
		}()
		data, err := h.process(ctx, req.Payload)
		done <- result{data: data, err: err}
	}()

	var res result
	select {
	case res = <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) {
			res.code = protocol.CodeWorkerTimeout
			res.err = fmt.Errorf("%s worker timed out after %s", h.workerType, timeout)
		}
	case <-ctx.Done():
		res = result{
			err:  fmt.Errorf("%s worker timed out after %s", h.workerType, timeout),
			code: protocol.CodeWorkerTimeout,
		}
	}

	if res.err != nil {
		log.Warn().Err(res.err).Str("code", res.code).Msg("Request failed")
		h.stream(req, "error", res.err.Error(), 100)
	} else {
		log.Debug().Dur("elapsed", time.Since(start)).Msg("Request completed")
		h.stream(req, "completed", fmt.Sprintf("%s processing completed", h.workerType), 100)
	}
	h.finish(req, res, start)
}

// finish publishes the single response for req
func (h *Harness) finish(req *pkg.Envelope, res result, start time.Time) {
	elapsed := time.Since(start)

	var resp *pkg.Envelope
	outcome := "success"
	switch {
	case res.code == protocol.CodeInvalidRequest:
		// rejected before processing: answered with a protocol error
		h.errors.Add(1)
		resp = protocol.BuildError(req, h.workerType, res.code, res.err.Error(), false)
		outcome = "rejected"
	case res.err != nil:
		h.errors.Add(1)
		resp = protocol.BuildFailure(req, h.workerType, res.code, res.err, elapsed)
		outcome = "failure"
		if res.code == protocol.CodeWorkerTimeout {
			outcome = "timeout"
		}
	default:
		resp = protocol.BuildResponse(req, h.workerType, res.data, elapsed)
	}
	h.cfg.Metrics.observe(h.workerType, outcome, elapsed)

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PublishTimeout)
	defer cancel()
	channel := protocol.ResponseChannel(h.workerType, req.SessionID)
	if _, err := h.bus.Publish(ctx, channel, resp); err != nil {
		h.log.Error().Err(err).Str("channel", channel).Str("request_id", req.RequestID).Msg("Failed to publish response")
	}
}

// stream publishes a best-effort progress notification
func (h *Harness) stream(req *pkg.Envelope, updateType, message string, percent int) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PublishTimeout)
	defer cancel()
	update := protocol.BuildStreamingUpdate(req.SessionID, h.workerType, updateType, message, percent,
		map[string]any{"request_id": req.RequestID})
	if _, err := h.bus.Publish(ctx, protocol.StreamChannel(req.SessionID), update); err != nil {
		h.log.Debug().Err(err).Msg("Streaming update not delivered")
	}
}

func (h *Harness) heartbeatLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	h.beat()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

func (h *Harness) beat() {
	stats := h.Stats()
	status := "healthy"
	if stats.Requests >= 10 && stats.ErrorRate() > 0.5 {
		status = "degraded"
	}
	env := protocol.BuildHeartbeat(h.workerType, status, stats.Uptime, protocol.HeartbeatStats{
		Version:           h.cfg.Version,
		RequestsProcessed: stats.Requests,
		Errors:            stats.Errors,
	})
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PublishTimeout)
	defer cancel()
	if _, err := h.bus.Publish(ctx, protocol.HealthChannel, env); err != nil {
		h.log.Warn().Err(err).Msg("Heartbeat failed")
	}
}
