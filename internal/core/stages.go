package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tripmesh/internal/protocol"
	"tripmesh/internal/storage"
	"tripmesh/pkg"
	"tripmesh/src/conversation"
)

// Run is the value flowing through the workflow graph for one round
type Run struct {
	Submission Submission
	State      *pkg.SessionState
	Decision   conversation.Decision

	flight      *flight
	hasPrior    bool
	priorStatus pkg.WorkflowStatus

	requests     map[pkg.WorkerType]*pkg.Envelope
	subs         []string
	arrivals     chan arrival
	dispatchedAt time.Time

	synthesize  bool
	synthesized bool
}

type arrival struct {
	worker pkg.WorkerType
	env    *pkg.Envelope
}

// initialize loads or creates the session, records the input and decides
// the routing of the round
func (e *Engine) initialize(ctx context.Context, run *Run) (*Run, error) {
	sub := run.Submission
	now := pkg.Now()

	state := e.store.GetState(ctx, sub.SessionID)
	if state != nil {
		if err := storage.ValidateSession(state); err != nil {
			e.log.Warn().Err(err).Str("session_id", sub.SessionID).Msg("Discarding invalid session state")
			state = nil
		}
	}
	if state != nil {
		storage.Normalize(state)
		run.hasPrior = true
		run.priorStatus = state.Status
		state.IsFollowUp = true
	} else {
		state = pkg.NewSessionState(sub.SessionID, now)
	}
	run.State = state

	// On the first round the classifier is the parameter extractor; its
	// kind is overridden to new_query by Decide.
	var (
		c           conversation.Classification
		classifyErr error
	)
	if sub.Query != "" && (run.hasPrior || e.classifier != nil) {
		c, classifyErr = e.classify(ctx, state, sub.Query)
		if classifyErr != nil {
			e.log.Warn().Err(classifyErr).Str("session_id", sub.SessionID).Bool("follow_up", run.hasPrior).Msg("Classifier failed")
		}
	}

	fresh := !run.hasPrior || (classifyErr == nil && c.Kind == conversation.KindNewQuery)
	var params pkg.TaskParams
	if fresh {
		if classifyErr == nil {
			params = params.Apply(c.Update)
		}
		if sub.Params != nil {
			params = overlay(params, *sub.Params)
		}
		switch {
		case sub.Query != "":
			params.Query = sub.Query
		case sub.Params != nil:
			params.Query = sub.Params.Query
		}
		if params.Travelers <= 0 {
			params.Travelers = 1
		}
	} else {
		params = state.Params
		if classifyErr == nil {
			params = params.Apply(c.Update)
		}
		if sub.Params != nil {
			params = overlay(params, *sub.Params)
		}
	}

	run.Decision = conversation.Decide(run.hasPrior, c, classifyErr, conversation.FullRouting(params))

	state.Round++
	state.Errors = []string{}
	state.Params = params
	state.Classification = string(run.Decision.Effective.Kind)
	state.Status = pkg.StatusInitialized
	if fresh {
		state.WorkerStatus = map[pkg.WorkerType]pkg.WorkerStatus{}
		state.Outputs = map[pkg.WorkerType]map[string]any{}
		state.Synthesis = nil
		state.Summary = ""
	}

	switch {
	case classifyErr != nil:
		state.AddError(fmt.Sprintf("%v: %v", protocol.ErrClassifierFailure, classifyErr))
	case run.Decision.Forced:
		state.AddMessage(fmt.Sprintf("classification %s overridden to new_query: no prior session", c.Kind))
	}
	input := sub.Query
	if input == "" {
		input = conversation.DescribeParams(*sub.Params)
	}
	e.memory.RecordUser(state, input, now)
	state.AddMessage(fmt.Sprintf("round %d classified as %s", state.Round, state.Classification))

	e.persist(ctx, run, e.cfg.ActiveTTL)
	e.progress(ctx, run, "progress", "session initialized", 10)
	return run, nil
}

func (e *Engine) classify(ctx context.Context, state *pkg.SessionState, query string) (conversation.Classification, error) {
	if e.classifier == nil {
		return conversation.Classification{Kind: conversation.KindRefinement}, nil
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.ClassifierTimeout)
	defer cancel()
	return e.classifier.Classify(cctx, query, e.memory.ClassifierInput(state, query))
}

// overlay copies the non-zero fields of top over base
func overlay(base, top pkg.TaskParams) pkg.TaskParams {
	if top.Destination != "" {
		base.Destination = top.Destination
	}
	if top.Origin != "" {
		base.Origin = top.Origin
	}
	if top.Mode != "" {
		base.Mode = top.Mode
	}
	if len(top.Dates) > 0 {
		base.Dates = top.Dates
	}
	if top.Travelers > 0 {
		base.Travelers = top.Travelers
	}
	if top.BudgetRange != "" {
		base.BudgetRange = top.BudgetRange
	}
	if len(top.Interests) > 0 {
		base.Interests = top.Interests
	}
	if len(top.Focus) > 0 {
		base.Focus = top.Focus
	}
	return base
}

// route fixes the workers of the round and resets their statuses
func (e *Engine) route(ctx context.Context, run *Run) (*Run, error) {
	state := run.State
	state.Status = pkg.StatusRouting

	if run.Decision.SkipDispatch {
		state.WorkersToExecute = []pkg.WorkerType{}
		state.AddMessage("answered from the prior session, nothing dispatched")
	} else {
		state.WorkersToExecute = []pkg.WorkerType{}
		delete(state.WorkerStatus, pkg.WorkerSynthesis)
		delete(state.Outputs, pkg.WorkerSynthesis)
		state.Synthesis = nil
		for _, w := range run.Decision.Workers {
			if err := protocol.CheckInput(state.Params.InputFor(w)); err != nil {
				e.skip(state, w, err)
				continue
			}
			state.WorkersToExecute = append(state.WorkersToExecute, w)
			state.SetWorker(w, pkg.WorkerStatus{Status: pkg.WorkerPending})
		}
		mode := "full"
		if run.Decision.Incremental {
			mode = "incremental"
		}
		state.AddMessage(fmt.Sprintf("%s routing to %s", mode, joinWorkers(state.WorkersToExecute)))
	}
	state.Recount()

	e.persist(ctx, run, e.cfg.ActiveTTL)
	e.progress(ctx, run, "progress", "workers selected", 20)
	return run, nil
}

// skip leaves w out of the round because the task parameters cannot feed it
func (e *Engine) skip(state *pkg.SessionState, w pkg.WorkerType, reason error) {
	msg := fmt.Sprintf("%v (needs %s)", reason, strings.Join(protocol.RequiredFields(w), ", "))
	state.SetWorker(w, pkg.WorkerStatus{Status: pkg.WorkerSkipped, ErrorMessage: msg})
	delete(state.Outputs, w)
	state.AddMessage(fmt.Sprintf("%s skipped: %s", w, msg))
	e.log.Info().Str("session_id", state.SessionID).Str("worker", string(w)).Msg(msg)
}

// dispatch opens the response subscriptions of the round, then publishes
// every request concurrently
func (e *Engine) dispatch(ctx context.Context, run *Run) (*Run, error) {
	state := run.State
	workers := state.WorkersToExecute
	if len(workers) == 0 {
		return run, nil
	}
	state.Status = pkg.StatusFetching
	run.arrivals = make(chan arrival, 2*len(workers))

	for _, w := range workers {
		req, err := protocol.NewRequest(state.SessionID, state.Params.InputFor(w), e.cfg.timeout(w),
			protocol.WithParent(state.SessionID, ""))
		if err != nil {
			e.fail(state, w, pkg.WorkerFailed, err.Error())
			continue
		}
		id, err := e.bus.Subscribe(ctx, protocol.ResponseChannel(w, state.SessionID), e.collector(run, w, req.RequestID), nil)
		if err != nil {
			e.fail(state, w, pkg.WorkerFailed, err.Error())
			continue
		}
		run.subs = append(run.subs, id)
		run.requests[w] = req
	}

	now := pkg.Now()
	run.dispatchedAt = time.Now()
	for w, req := range run.requests {
		started := now
		state.SetWorker(w, pkg.WorkerStatus{Status: pkg.WorkerProcessing, RequestID: req.RequestID, StartedAt: &started})
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed = map[pkg.WorkerType]error{}
	)
	for w, req := range run.requests {
		wg.Add(1)
		go func(w pkg.WorkerType, req *pkg.Envelope) {
			defer wg.Done()
			if _, err := e.bus.Publish(ctx, protocol.RequestChannel(w), req); err != nil {
				mu.Lock()
				failed[w] = err
				mu.Unlock()
			}
		}(w, req)
	}
	wg.Wait()

	for w, err := range failed {
		delete(run.requests, w)
		e.fail(state, w, pkg.WorkerFailed, err.Error())
	}
	state.Recount()
	state.AddMessage(fmt.Sprintf("dispatched %d of %d requests", len(run.requests), len(workers)))

	e.log.Debug().
		Str("session_id", state.SessionID).
		Int("dispatched", len(run.requests)).
		Int("failed", len(failed)).
		Msg("Requests dispatched")
	e.persist(ctx, run, e.cfg.ActiveTTL)
	e.progress(ctx, run, "progress", "requests dispatched", 30)
	return run, nil
}

// collector forwards the response correlated with requestID to the round
func (e *Engine) collector(run *Run, w pkg.WorkerType, requestID string) func(context.Context, *pkg.Envelope) {
	return func(hctx context.Context, env *pkg.Envelope) {
		if env.RequestID != requestID {
			return
		}
		if env.Action != pkg.ActionResponse && env.Action != pkg.ActionError {
			return
		}
		select {
		case run.arrivals <- arrival{worker: w, env: env}:
		case <-hctx.Done():
		}
	}
}

// collect records responses in arrival order until every dispatched worker
// has answered or the collection window closes
func (e *Engine) collect(ctx context.Context, run *Run) (*Run, error) {
	defer e.release(run)
	state := run.State
	if len(run.requests) == 0 {
		return run, nil
	}

	pending := make(map[pkg.WorkerType]bool, len(run.requests))
	var window time.Duration
	for w := range run.requests {
		pending[w] = true
		window = max(window, e.cfg.timeout(w))
	}
	window += e.cfg.CollectGrace

	timer := time.NewTimer(time.Until(run.dispatchedAt.Add(window)))
	defer timer.Stop()

	total := len(pending)
	for len(pending) > 0 {
		select {
		case a := <-run.arrivals:
			if !pending[a.worker] {
				continue
			}
			delete(pending, a.worker)
			e.record(state, run.requests[a.worker], a)
			state.Recount()
			e.persist(ctx, run, e.cfg.ActiveTTL)
			done := total - len(pending)
			e.progress(ctx, run, "progress", fmt.Sprintf("%s finished", a.worker), 30+30*done/total)
		case <-timer.C:
			e.expire(state, pending, fmt.Sprintf("no response within %s", window))
		case <-ctx.Done():
			e.expire(state, pending, fmt.Sprintf("round stopped: %v", ctx.Err()))
		}
	}

	state.Recount()
	e.persist(ctx, run, e.cfg.ActiveTTL)
	return run, nil
}

// record applies one response to the worker status and outputs
func (e *Engine) record(state *pkg.SessionState, req *pkg.Envelope, a arrival) {
	now := pkg.Now()
	st := state.WorkerStatus[a.worker]
	st.CompletedAt = &now
	if st.StartedAt != nil {
		st.DurationMs = now.Sub(*st.StartedAt).Milliseconds()
	}

	var data map[string]any
	err := protocol.ValidateResponse(a.env, req)
	if err == nil {
		data, err = protocol.ResultOf(a.env)
	}
	switch {
	case err == nil:
		st.Status = pkg.WorkerCompleted
		st.ErrorMessage = ""
		state.Outputs[a.worker] = data
	case errors.Is(err, protocol.ErrWorkerTimeout):
		st.Status = pkg.WorkerTimeout
		st.ErrorMessage = err.Error()
		delete(state.Outputs, a.worker)
		state.AddError(fmt.Sprintf("%s: %v", a.worker, err))
	default:
		st.Status = pkg.WorkerFailed
		st.ErrorMessage = err.Error()
		delete(state.Outputs, a.worker)
		state.AddError(fmt.Sprintf("%s: %v", a.worker, err))
	}
	state.SetWorker(a.worker, st)

	e.log.Debug().
		Str("session_id", state.SessionID).
		Str("worker", string(a.worker)).
		Str("status", string(st.Status)).
		Int64("duration_ms", st.DurationMs).
		Msg("Response collected")
}

// expire marks every pending worker as timed out
func (e *Engine) expire(state *pkg.SessionState, pending map[pkg.WorkerType]bool, reason string) {
	for _, w := range orderedWorkers(pending) {
		e.fail(state, w, pkg.WorkerTimeout, fmt.Sprintf("%v: %s", protocol.ErrWorkerTimeout, reason))
		delete(pending, w)
	}
}

// fail records a terminal failure status for w
func (e *Engine) fail(state *pkg.SessionState, w pkg.WorkerType, status pkg.WorkerState, msg string) {
	now := pkg.Now()
	st := state.WorkerStatus[w]
	st.Status = status
	st.ErrorMessage = msg
	st.CompletedAt = &now
	if st.StartedAt != nil {
		st.DurationMs = now.Sub(*st.StartedAt).Milliseconds()
	}
	state.SetWorker(w, st)
	delete(state.Outputs, w)
	state.AddError(fmt.Sprintf("%s: %s", w, msg))
	e.log.Warn().Str("session_id", state.SessionID).Str("worker", string(w)).Str("status", string(status)).Msg(msg)
}

// release closes the response subscriptions of the round. Safe to call
// more than once.
func (e *Engine) release(run *Run) {
	for _, id := range run.subs {
		e.bus.Unsubscribe(id)
	}
	run.subs = nil
}

// validate requires every critical worker known to the session, and not
// skipped for missing inputs, to have completed before synthesis
func (e *Engine) validate(ctx context.Context, run *Run) (*Run, error) {
	state := run.State
	if run.Decision.SkipDispatch {
		return run, nil
	}
	state.Status = pkg.StatusValidating

	var missing []pkg.WorkerType
	for _, w := range e.cfg.CriticalWorkers {
		st, known := state.WorkerStatus[w]
		if known && st.Status != pkg.WorkerCompleted && st.Status != pkg.WorkerSkipped {
			missing = append(missing, w)
		}
	}
	if len(missing) == 0 && len(state.CompletedWorkers()) > 0 {
		run.synthesize = true
		state.AddMessage("critical workers completed")
	} else if len(missing) > 0 {
		state.AddError(fmt.Sprintf("%v: critical workers not completed: %s", protocol.ErrValidationFailure, joinWorkers(missing)))
	}

	e.persist(ctx, run, e.cfg.ActiveTTL)
	e.progress(ctx, run, "progress", "results validated", 60)
	return run, nil
}

// synthesize asks the synthesis worker to merge the collected outputs.
// Failure is recorded and leaves the round partial.
func (e *Engine) synthesize(ctx context.Context, run *Run) (*Run, error) {
	if !run.synthesize {
		return run, nil
	}
	state := run.State
	state.Status = pkg.StatusSynthesizing
	e.persist(ctx, run, e.cfg.ActiveTTL)
	e.progress(ctx, run, "progress", "synthesizing itinerary", 80)

	outputs := make(map[pkg.WorkerType]map[string]any, len(state.Outputs))
	for _, w := range pkg.PrimaryWorkers {
		if out, ok := state.Outputs[w]; ok {
			outputs[w] = out
		}
	}
	timeout := e.cfg.timeout(pkg.WorkerSynthesis)
	req, err := protocol.NewRequest(state.SessionID, pkg.SynthesisInput{Params: state.Params, Outputs: outputs}, timeout,
		protocol.WithParent(state.SessionID, ""))
	if err != nil {
		e.fail(state, pkg.WorkerSynthesis, pkg.WorkerFailed, err.Error())
		return run, nil
	}

	started := pkg.Now()
	state.SetWorker(pkg.WorkerSynthesis, pkg.WorkerStatus{Status: pkg.WorkerProcessing, RequestID: req.RequestID, StartedAt: &started})

	resp, err := e.bus.CallAndWait(ctx, protocol.RequestChannel(pkg.WorkerSynthesis),
		protocol.ResponseChannel(pkg.WorkerSynthesis, state.SessionID), req, timeout+e.cfg.CollectGrace)
	switch {
	case err != nil:
		e.fail(state, pkg.WorkerSynthesis, pkg.WorkerFailed, err.Error())
	case resp == nil:
		e.fail(state, pkg.WorkerSynthesis, pkg.WorkerTimeout,
			fmt.Sprintf("%v: no response within %s", protocol.ErrWorkerTimeout, timeout+e.cfg.CollectGrace))
	default:
		e.record(state, req, arrival{worker: pkg.WorkerSynthesis, env: resp})
		if data, ok := state.Outputs[pkg.WorkerSynthesis]; ok {
			state.Synthesis = data
			run.synthesized = true
		}
	}
	return run, nil
}

// finalize sets the terminal status, writes the summary and persists the
// state with the completed TTL
func (e *Engine) finalize(ctx context.Context, run *Run) (*Run, error) {
	state := run.State
	state.Recount()

	switch {
	case run.Decision.SkipDispatch:
		switch {
		case run.priorStatus.Terminal():
			state.Status = run.priorStatus
		case hasPrimaryOutputs(state):
			state.Status = pkg.StatusPartial
		default:
			state.Status = pkg.StatusFailed
		}
	case run.synthesized:
		state.Status = pkg.StatusCompleted
	case hasPrimaryOutputs(state):
		state.Status = pkg.StatusPartial
	default:
		state.Status = pkg.StatusFailed
		state.AddError(fmt.Sprintf("%v: no worker produced a result", protocol.ErrTotalFailure))
	}

	state.Summary = e.summary(ctx, run)
	now := pkg.Now()
	e.memory.RecordAssistant(state, state.Summary, now)
	state.AddMessage(fmt.Sprintf("round %d finished: %s", state.Round, state.Status))

	e.persist(ctx, run, e.cfg.CompletedTTL)
	if e.archive != nil && !run.flight.isDropped() {
		if err := e.archive.Save(storage.NewArchiveEntry(state)); err != nil {
			e.log.Warn().Err(err).Str("session_id", state.SessionID).Msg("Failed to archive round")
		}
	}
	e.progress(ctx, run, "completed", state.Summary, 100)
	return run, nil
}

func hasPrimaryOutputs(state *pkg.SessionState) bool {
	for _, w := range pkg.PrimaryWorkers {
		if _, ok := state.Outputs[w]; ok {
			return true
		}
	}
	return false
}

// summary returns the narrative of the round, falling back to a template
// when no summarizer is configured or it fails
func (e *Engine) summary(ctx context.Context, run *Run) string {
	state := run.State
	if run.Decision.SkipDispatch && run.Decision.Effective.Answer != "" {
		return run.Decision.Effective.Answer
	}
	if e.summarizer == nil {
		return templateSummary(run)
	}

	data := map[string]any{
		"status":    string(state.Status),
		"params":    state.Params,
		"outputs":   state.Outputs,
		"synthesis": state.Synthesis,
		"errors":    state.Errors,
		"history":   e.memory.SummaryContext(state),
	}
	instructions := "Summarize the trip plan for the traveler."
	if run.Decision.SkipDispatch {
		instructions = fmt.Sprintf("Answer the traveler's question from the existing plan: %s", run.Submission.Query)
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SummaryTimeout)
	defer cancel()
	text, err := e.summarizer.Summarize(sctx, data, instructions)
	if err != nil {
		e.log.Warn().Err(err).Str("session_id", state.SessionID).Msg("Summary failed, using template")
		state.AddError(fmt.Sprintf("%v: %v", protocol.ErrSummaryFailure, err))
		return templateSummary(run)
	}
	return text
}

func templateSummary(run *Run) string {
	state := run.State
	var done, notDone []pkg.WorkerType
	for _, w := range state.WorkersToExecute {
		if state.WorkerStatus[w].Status == pkg.WorkerCompleted {
			done = append(done, w)
		} else {
			notDone = append(notDone, w)
		}
	}

	if run.Decision.SkipDispatch {
		return fmt.Sprintf("Your current plan for %s is %s. Completed: %s.",
			orUnknown(state.Params.Destination), state.Status, joinWorkers(state.CompletedWorkers()))
	}
	switch state.Status {
	case pkg.StatusCompleted:
		return fmt.Sprintf("Travel plan completed successfully! Completed: %s.", joinWorkers(done))
	case pkg.StatusPartial:
		return fmt.Sprintf("Travel plan partially completed. Completed: %s. Failed or timed out: %s.",
			joinWorkers(done), joinWorkers(notDone))
	default:
		return "Travel plan could not be completed. All workers failed or timed out."
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "your trip"
	}
	return s
}

func joinWorkers(ws []pkg.WorkerType) string {
	if len(ws) == 0 {
		return "none"
	}
	names := make([]string, len(ws))
	for i, w := range ws {
		names[i] = string(w)
	}
	return strings.Join(names, ", ")
}

// orderedWorkers returns the members of set in primary worker order
func orderedWorkers(set map[pkg.WorkerType]bool) []pkg.WorkerType {
	var out []pkg.WorkerType
	for _, w := range append(append([]pkg.WorkerType{}, pkg.PrimaryWorkers...), pkg.WorkerSynthesis) {
		if set[w] {
			out = append(out, w)
		}
	}
	return out
}
