package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog"

	"tripmesh/internal/protocol"
	"tripmesh/pkg"
	"tripmesh/src/conversation"
	"tripmesh/src/logger"
)

const (
	nodeInitialize = "initialize"
	nodeRoute      = "route"
	nodeDispatch   = "dispatch"
	nodeCollect    = "collect"
	nodeValidate   = "validate"
	nodeSynthesize = "synthesize"
	nodeFinalize   = "finalize"

	storeTimeout = 5 * time.Second
)

// Option configures optional collaborators of the engine
type Option func(*Engine)

// WithClassifier sets the follow-up classifier. Without one every follow-up
// is routed in full.
func WithClassifier(c Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// WithSummarizer sets the narrative writer. Without one the templated
// summary is used.
func WithSummarizer(s Summarizer) Option {
	return func(e *Engine) { e.summarizer = s }
}

// WithArchive saves every finalized round to archive
func WithArchive(a Archive) Option {
	return func(e *Engine) { e.archive = a }
}

// flight is a round in progress for one session
type flight struct {
	cancel context.CancelFunc
	done   chan struct{}

	// mu orders state writes against cancellation so a dropped session is
	// never written again
	mu      sync.Mutex
	dropped bool
}

// Engine runs orchestration rounds for sessions
type Engine struct {
	bus        Bus
	store      StateStore
	classifier Classifier
	summarizer Summarizer
	archive    Archive
	memory     *conversation.Service
	cfg        Config
	graph      compose.Runnable[*Run, *Run]
	log        zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*flight
	wg       sync.WaitGroup
}

// NewEngine compiles the workflow graph over bus and store
func NewEngine(ctx context.Context, bus Bus, store StateStore, cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		bus:      bus,
		store:    store,
		memory:   conversation.NewService(),
		cfg:      cfg.withDefaults(),
		log:      logger.Component("orchestrator"),
		inflight: make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(e)
	}

	graph, err := e.buildGraph(ctx)
	if err != nil {
		return nil, err
	}
	e.graph = graph
	return e, nil
}

func (e *Engine) buildGraph(ctx context.Context) (compose.Runnable[*Run, *Run], error) {
	g := compose.NewGraph[*Run, *Run]()
	stages := []struct {
		key string
		fn  func(context.Context, *Run) (*Run, error)
	}{
		{nodeInitialize, e.initialize},
		{nodeRoute, e.route},
		{nodeDispatch, e.dispatch},
		{nodeCollect, e.collect},
		{nodeValidate, e.validate},
		{nodeSynthesize, e.synthesize},
		{nodeFinalize, e.finalize},
	}

	prev := compose.START
	for _, s := range stages {
		if err := g.AddLambdaNode(s.key, compose.InvokableLambda(s.fn)); err != nil {
			return nil, fmt.Errorf("error adding %s node: %w", s.key, err)
		}
		if err := g.AddEdge(prev, s.key); err != nil {
			return nil, fmt.Errorf("error adding edge %s -> %s: %w", prev, s.key, err)
		}
		prev = s.key
	}
	if err := g.AddEdge(prev, compose.END); err != nil {
		return nil, fmt.Errorf("error adding edge %s -> end: %w", prev, err)
	}

	runnable, err := g.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("error compiling workflow graph: %w", err)
	}
	return runnable, nil
}

// Execute runs one round synchronously and returns the final state. The
// returned state always carries a terminal status.
func (e *Engine) Execute(ctx context.Context, sub Submission) (*pkg.SessionState, error) {
	sub, err := normalizeSubmission(sub)
	if err != nil {
		return nil, err
	}
	runCtx, f, err := e.begin(ctx, sub.SessionID)
	if err != nil {
		return nil, err
	}
	defer e.end(sub.SessionID, f)
	return e.run(runCtx, sub, f), nil
}

// Submit starts one round in the background and returns immediately
func (e *Engine) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	sub, err := normalizeSubmission(sub)
	if err != nil {
		return Receipt{}, err
	}
	runCtx, f, err := e.begin(context.WithoutCancel(ctx), sub.SessionID)
	if err != nil {
		return Receipt{}, err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.end(sub.SessionID, f)
		e.run(runCtx, sub, f)
	}()
	return Receipt{SessionID: sub.SessionID, Status: pkg.StatusInitialized}, nil
}

// Wait blocks until every background round has finished
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Done returns a channel closed when the in-flight round of sessionID ends,
// or nil when there is none
func (e *Engine) Done(sessionID string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.inflight[sessionID]; ok {
		return f.done
	}
	return nil
}

// Status returns the progress view of a session
func (e *Engine) Status(ctx context.Context, sessionID string) (*StatusReport, error) {
	state := e.store.GetState(ctx, sessionID)
	if state == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return statusReport(state, e.store.TTL(ctx, sessionID)), nil
}

// Result returns the outcome view of a session
func (e *Engine) Result(ctx context.Context, sessionID string) (*Result, error) {
	state := e.store.GetState(ctx, sessionID)
	if state == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return resultOf(state), nil
}

// Cancel tells the workers the session is abandoned, stops its in-flight
// round and deletes its state
func (e *Engine) Cancel(ctx context.Context, sessionID, reason string) error {
	if reason == "" {
		reason = "cancelled by caller"
	}
	if _, err := e.bus.Publish(ctx, protocol.CancelChannel(sessionID), protocol.BuildCancel(sessionID, reason)); err != nil {
		e.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to publish cancel")
	}
	e.drop(ctx, sessionID)
	e.log.Info().Str("session_id", sessionID).Str("reason", reason).Msg("Session cancelled")
	return nil
}

// Delete stops the in-flight round of a session and deletes its state
func (e *Engine) Delete(ctx context.Context, sessionID string) error {
	if !e.drop(ctx, sessionID) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// Extend pushes the expiry of a session to hours from now
func (e *Engine) Extend(ctx context.Context, sessionID string, hours int) error {
	if hours <= 0 {
		return fmt.Errorf("hours must be positive, got %d", hours)
	}
	if !e.store.ExtendTTL(ctx, sessionID, time.Duration(hours)*time.Hour) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// drop stops an in-flight round and deletes the state. It reports whether
// there was anything to drop.
func (e *Engine) drop(ctx context.Context, sessionID string) bool {
	e.mu.Lock()
	f, running := e.inflight[sessionID]
	e.mu.Unlock()

	if running {
		f.mu.Lock()
		f.dropped = true
		f.mu.Unlock()
		f.cancel()
	}
	deleted := e.store.DeleteState(ctx, sessionID)
	return running || deleted
}

func normalizeSubmission(sub Submission) (Submission, error) {
	sub.Query = strings.TrimSpace(sub.Query)
	if sub.Query == "" && sub.Params == nil {
		return sub, ErrEmptySubmission
	}
	if sub.SessionID == "" {
		sub.SessionID = protocol.NewSessionID()
	}
	return sub, nil
}

func (e *Engine) begin(ctx context.Context, sessionID string) (context.Context, *flight, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[sessionID]; busy {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	f := &flight{cancel: cancel, done: make(chan struct{})}
	e.inflight[sessionID] = f
	return runCtx, f, nil
}

func (e *Engine) end(sessionID string, f *flight) {
	e.mu.Lock()
	if e.inflight[sessionID] == f {
		delete(e.inflight, sessionID)
	}
	e.mu.Unlock()
	f.cancel()
	close(f.done)
}

func (e *Engine) run(ctx context.Context, sub Submission, f *flight) *pkg.SessionState {
	start := time.Now()
	run := &Run{Submission: sub, flight: f, requests: map[pkg.WorkerType]*pkg.Envelope{}}
	defer e.release(run)

	out, err := e.graph.Invoke(ctx, run)
	if err != nil {
		e.log.Error().Err(err).Str("session_id", sub.SessionID).Msg("Workflow graph failed")
		if run.State == nil {
			run.State = pkg.NewSessionState(sub.SessionID, pkg.Now())
		}
		run.State.Status = pkg.StatusFailed
		run.State.AddError(fmt.Sprintf("workflow failed: %v", err))
		e.persist(ctx, run, e.cfg.CompletedTTL)
		return run.State
	}

	e.log.Info().
		Str("session_id", sub.SessionID).
		Int("round", out.State.Round).
		Str("status", string(out.State.Status)).
		Int("completed", out.State.CompletedCount).
		Int("failed", out.State.FailedCount).
		Dur("elapsed", time.Since(start)).
		Msg("Round finished")
	return out.State
}

// persist writes the state unless the session was dropped. Writes outlive
// cancellation of the round so a stopped round still records its outcome.
func (e *Engine) persist(ctx context.Context, run *Run, ttl time.Duration) {
	run.flight.mu.Lock()
	defer run.flight.mu.Unlock()
	if run.flight.dropped {
		return
	}
	run.State.UpdatedAt = pkg.Now()
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if !e.store.SetState(wctx, run.State.SessionID, run.State, ttl) {
		e.log.Warn().Str("session_id", run.State.SessionID).Msg("State write failed")
	}
}

// progress publishes an orchestrator streaming update, best effort
func (e *Engine) progress(ctx context.Context, run *Run, updateType, message string, percent int) {
	if run.flight.isDropped() {
		return
	}
	env := protocol.BuildStreamingUpdate(run.State.SessionID, pkg.WorkerOrchestrator, updateType, message, percent, map[string]any{
		"status": string(run.State.Status),
		"round":  run.State.Round,
	})
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if _, err := e.bus.Publish(pctx, protocol.StreamChannel(run.State.SessionID), env); err != nil {
		e.log.Debug().Err(err).Str("session_id", run.State.SessionID).Msg("Progress update not published")
	}
}

func (f *flight) isDropped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}
