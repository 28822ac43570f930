// Package poller watches one analysis task until it reaches a terminal
// status. Every task id gets a fresh Task with its own cancellation, and a
// new Watch supersedes the previous task.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tiroq/fluentcap/internal/analysis"
	"github.com/tiroq/fluentcap/internal/diaglog"
)

// DefaultInterval is the delay between status requests.
const DefaultInterval = 2 * time.Second

var (
	// ErrTimeout ends a task whose overall polling budget ran out.
	ErrTimeout = errors.New("polling timed out")
	// ErrSuperseded ends a task replaced by a newer Watch.
	ErrSuperseded = errors.New("task superseded")
	// ErrAbandoned ends a task whose consumer lost interest.
	ErrAbandoned = errors.New("polling abandoned")
)

// AnalysisError is reported when the service marks a task failed.
type AnalysisError struct {
	Kind   string // "failed"
	TaskID string
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis %s for task %s", e.Kind, e.TaskID)
}

// Client is the part of the analysis client the poller calls.
type Client interface {
	TaskStatus(ctx context.Context, taskID string) (analysis.Status, error)
	Result(ctx context.Context, taskID string) (*analysis.Result, error)
}

// Metrics receives poll outcomes.
type Metrics interface {
	Poll(ctx context.Context, status string)
	PollSkipped(ctx context.Context)
}

// Config tunes polling.
type Config struct {
	Interval time.Duration // default DefaultInterval
	Timeout  time.Duration // 0 polls until a terminal status
}

// Update is one observation delivered to the consumer.
type Update struct {
	TaskID string
	Status analysis.Status
	Result *analysis.Result // set on the final completed update
	Err    error            // terminal error, or a transient request error
	Final  bool
}

// Poller owns at most one live Task.
type Poller struct {
	diaglog.Holder

	client  Client
	cfg     Config
	metrics Metrics

	mu      sync.Mutex
	current *Task
}

// Option configures a Poller.
type Option func(*Poller)

// WithMetrics reports every poll to m.
func WithMetrics(m Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// New creates a poller.
func New(client Client, cfg Config, opts ...Option) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	p := &Poller{client: client, cfg: cfg}
	p.SetComponent(diaglog.ComponentPoller)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Watch starts polling taskID, cancelling whatever task was watched before.
// The first status request is sent immediately.
func (p *Poller) Watch(ctx context.Context, taskID string) *Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil {
		p.current.cancel(ErrSuperseded)
	}

	tctx, cancel := context.WithCancelCause(ctx)
	t := &Task{
		id:      taskID,
		p:       p,
		ctx:     tctx,
		cancel:  cancel,
		sem:     semaphore.NewWeighted(1),
		status:  analysis.StatusPending,
		updates: make(chan Update, 64),
		done:    make(chan struct{}),
	}
	p.current = t
	go t.run(p.cfg)
	return t
}

// Current returns the task being watched, or nil.
func (p *Poller) Current() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Stop abandons the current task.
func (p *Poller) Stop() {
	p.mu.Lock()
	t := p.current
	p.current = nil
	p.mu.Unlock()
	if t != nil {
		t.cancel(ErrAbandoned)
		<-t.done
	}
}

// Task polls a single task id.
type Task struct {
	id     string
	p      *Poller
	ctx    context.Context
	cancel context.CancelCauseFunc
	sem    *semaphore.Weighted

	mu         sync.Mutex
	status     analysis.Status
	observed   []analysis.Status
	needResult bool
	result     *analysis.Result
	err        error
	finished   bool
	updates    chan Update
	done       chan struct{}
	wg         sync.WaitGroup
}

// ID returns the polled task id.
func (t *Task) ID() string { return t.id }

// Updates streams observations. The channel is closed after the final update.
func (t *Task) Updates() <-chan Update { return t.updates }

// Done is closed when polling has stopped for good.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel abandons the task.
func (t *Task) Cancel() { t.cancel(ErrAbandoned) }

// Status returns the latest accepted status.
func (t *Task) Status() analysis.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Observed returns every accepted status observation in order, starting
// with the initial pending.
func (t *Task) Observed() []analysis.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]analysis.Status{analysis.StatusPending}, t.observed...)
}

// Wait blocks until the task ends or ctx is done.
func (t *Task) Wait(ctx context.Context) (*analysis.Result, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Task) run(cfg Config) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	var timeout <-chan time.Time
	if cfg.Timeout > 0 {
		timer := time.NewTimer(cfg.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	t.spawn()
	for {
		select {
		case <-t.ctx.Done():
			t.finish(nil, context.Cause(t.ctx))
			return
		case <-timeout:
			t.cancel(ErrTimeout)
		case <-ticker.C:
			t.spawn()
		}
	}
}

// spawn starts one poll unless one is still in flight.
func (t *Task) spawn() {
	if !t.sem.TryAcquire(1) {
		t.p.Log(diaglog.LogEntry{Event: diaglog.EventPollSkipped, TaskID: t.id, Reason: "request_in_flight"})
		if t.p.metrics != nil {
			t.p.metrics.PollSkipped(t.ctx)
		}
		return
	}
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		t.sem.Release(1)
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()
	go func() {
		defer t.wg.Done()
		defer t.sem.Release(1)
		t.poll()
	}()
}

func (t *Task) poll() {
	if t.ctx.Err() != nil {
		return
	}
	t.mu.Lock()
	needResult := t.needResult
	t.mu.Unlock()
	if needResult {
		t.fetchResult()
		return
	}

	st, err := t.p.client.TaskStatus(t.ctx, t.id)
	if t.ctx.Err() != nil {
		return
	}
	if err != nil {
		t.requestError(err)
		return
	}
	if t.p.metrics != nil {
		t.p.metrics.Poll(t.ctx, string(st))
	}
	if !t.observe(st) {
		return
	}

	switch st {
	case analysis.StatusFailed:
		t.finish(nil, &AnalysisError{Kind: "failed", TaskID: t.id})
	case analysis.StatusCompleted:
		t.mu.Lock()
		t.needResult = true
		t.mu.Unlock()
		t.fetchResult()
	}
}

// observe records st if it does not move backward.
func (t *Task) observe(st analysis.Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return false
	}
	if st.Rank() < t.status.Rank() {
		t.p.Log(diaglog.LogEntry{Event: diaglog.EventPollStatus, TaskID: t.id, Reason: "backward_ignored",
			Payload: map[string]interface{}{"current": string(t.status), "observed": string(st)}})
		return false
	}
	t.status = st
	t.observed = append(t.observed, st)
	t.p.Log(diaglog.LogEntry{Event: diaglog.EventPollStatus, TaskID: t.id,
		Payload: map[string]interface{}{"status": string(st)}})
	if !st.Terminal() {
		t.sendLocked(Update{TaskID: t.id, Status: st})
	}
	return true
}

// fetchResult issues the single follow-up request after completion. A
// transient failure leaves needResult set so the next tick tries again.
func (t *Task) fetchResult() {
	res, err := t.p.client.Result(t.ctx, t.id)
	if t.ctx.Err() != nil {
		return
	}
	if err != nil {
		var serr *analysis.SchemaError
		if errors.As(err, &serr) {
			t.finish(nil, err)
			return
		}
		t.requestError(err)
		return
	}
	t.finish(res, nil)
}

// requestError reports a transient failure without ending the task. Schema
// violations are not transient.
func (t *Task) requestError(err error) {
	var serr *analysis.SchemaError
	if errors.As(err, &serr) {
		t.finish(nil, err)
		return
	}
	t.p.Log(diaglog.LogEntry{Event: diaglog.EventPollStatus, TaskID: t.id, Reason: "request_error",
		Payload: map[string]interface{}{"error": err.Error()}})
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.finished {
		t.sendLocked(Update{TaskID: t.id, Status: t.status, Err: err})
	}
}

// finish ends the task exactly once.
func (t *Task) finish(res *analysis.Result, err error) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	t.result = res
	t.err = err
	t.sendLocked(Update{TaskID: t.id, Status: t.status, Result: res, Err: err, Final: true})
	close(t.updates)
	t.mu.Unlock()

	t.cancel(err)
	go func() {
		// finished is set, so no new poll can be added past this point.
		t.wg.Wait()
		close(t.done)
	}()

	reason := "completed"
	if err != nil {
		reason = err.Error()
	}
	t.p.Log(diaglog.LogEntry{Event: diaglog.EventPollStopped, TaskID: t.id, Reason: reason})

	t.p.mu.Lock()
	if t.p.current == t {
		t.p.current = nil
	}
	t.p.mu.Unlock()
}

// sendLocked never blocks. Intermediate updates are dropped when the buffer
// is full; the final update evicts the oldest queued one instead.
func (t *Task) sendLocked(u Update) {
	if t.finished && !u.Final {
		return
	}
	select {
	case t.updates <- u:
		return
	default:
	}
	if !u.Final {
		return
	}
	select {
	case <-t.updates:
	default:
	}
	// Only this method sends, under t.mu, so the freed slot is ours.
	select {
	case t.updates <- u:
	default:
	}
}
