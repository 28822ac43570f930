// Package statemachine composes the recorder, the submission pipeline and
// the poller into the user-facing analysis session.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tiroq/fluentcap/internal/analysis"
	"github.com/tiroq/fluentcap/internal/diaglog"
	"github.com/tiroq/fluentcap/internal/media"
	"github.com/tiroq/fluentcap/internal/poller"
	"github.com/tiroq/fluentcap/internal/recorder"
	"github.com/tiroq/fluentcap/internal/submission"
)

// State is a session state.
type State string

const (
	StateDetailsPending State = "details_pending"
	StateArmed          State = "armed"
	StateRecording      State = "recording"
	StateRecorded       State = "recorded"
	StateConsentPending State = "consent_pending"
	StateUploading      State = "uploading"
	StateProcessing     State = "processing"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
)

// Terminal reports whether s ends an analysis. Both are left with NewAnalysis.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ErrInvalidTransition is returned for commands the current state does not accept.
var ErrInvalidTransition = errors.New("invalid transition")

// Recorder is the recording controller surface the session drives.
type Recorder interface {
	Arm(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) (*media.Artifact, error)
	Reset(ctx context.Context) error
	SelectFile(a *media.Artifact) error
	Artifact() *media.Artifact
	Seconds() int
	State() recorder.State
	Close()
}

// Submitter opens consent-gated submission attempts.
type Submitter interface {
	Begin(a *media.Artifact, details submission.UserDetails, userID string) (*submission.Attempt, error)
	SetProvider(id string)
	Provider() string
}

// Watcher polls task ids.
type Watcher interface {
	Watch(ctx context.Context, taskID string) *poller.Task
	Stop()
}

// StatusLedger mirrors task progress locally.
type StatusLedger interface {
	UpdateStatus(ctx context.Context, taskID string, status analysis.Status) (bool, error)
	SaveResult(ctx context.Context, taskID string, r *analysis.Result) error
}

// Metrics receives finished recordings.
type Metrics interface {
	Recording(ctx context.Context, bytes int)
}

// Transition describes one state change.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Snapshot is a consistent view of the session for status reporting.
type Snapshot struct {
	SessionID      string
	UserID         string
	State          State
	Seconds        int
	ArtifactBytes  int
	ArtifactMIME   string
	ArtifactSource string
	TaskID         string
	TaskStatus     analysis.Status
	ProviderID     string
	Result         *analysis.Result
	LastError      string
	HasDetails     bool
}

// ConsentPending reports whether a consent prompt is open.
func (s Snapshot) ConsentPending() bool { return s.State == StateConsentPending }

// Machine is the session orchestrator.
type Machine struct {
	diaglog.Holder

	sess    *Context
	rec     Recorder
	sub     Submitter
	watcher Watcher
	ledger  StatusLedger
	metrics Metrics

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	state      State
	details    *submission.UserDetails
	attempt    *submission.Attempt
	task       *poller.Task
	taskID     string
	taskStatus analysis.Status
	result     *analysis.Result
	lastErr    error
	stopping   bool   // a StopRecording is waiting for the flush
	recGen     uint64 // bumped when the recording is reset or closed
	listeners  []func(Transition)
	pending    []Transition
}

// Option configures a Machine.
type Option func(*Machine)

// WithLedger mirrors status and results into l.
func WithLedger(l StatusLedger) Option {
	return func(m *Machine) { m.ledger = l }
}

// WithMetrics counts finished recordings.
func WithMetrics(mt Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// New creates a session in DetailsPending. Closing sess closes the machine.
func New(sess *Context, rec Recorder, sub Submitter, w Watcher, opts ...Option) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		sess:       sess,
		rec:        rec,
		sub:        sub,
		watcher:    w,
		baseCtx:    ctx,
		baseCancel: cancel,
		state:      StateDetailsPending,
	}
	m.SetComponent(diaglog.ComponentSession)
	m.SetLogger(sess.Logger)
	for _, opt := range opts {
		opt(m)
	}
	sess.OnClose(m.Close)
	return m
}

// OnTransition registers fn for every state change. Callbacks run after the
// machine's lock is released.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current session view.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		SessionID:  m.sess.SessionID,
		UserID:     m.sess.User.ID,
		State:      m.state,
		TaskID:     m.taskID,
		TaskStatus: m.taskStatus,
		ProviderID: m.sub.Provider(),
		Result:     m.result,
		HasDetails: m.details != nil,
	}
	if m.state == StateRecording {
		s.Seconds = m.rec.Seconds()
	}
	if a := m.rec.Artifact(); a != nil {
		s.ArtifactBytes = a.Size()
		s.ArtifactMIME = a.MIMEType()
		s.ArtifactSource = string(a.Source())
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Artifact returns the current recording or selected file, if any.
func (m *Machine) Artifact() *media.Artifact {
	return m.rec.Artifact()
}

// LastError returns the error surfaced by the last failed command.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// SubmitDetails stores the user's details and arms the device.
func (m *Machine) SubmitDetails(ctx context.Context, d submission.UserDetails) error {
	m.mu.Lock()
	defer m.unlockAndNotify()

	if m.state != StateDetailsPending {
		return m.invalid("submit details")
	}
	if err := d.Validate(); err != nil {
		m.lastErr = err
		return err
	}
	m.details = &d
	if err := m.rec.Arm(ctx); err != nil {
		// keep the details; a reset retries acquisition
		m.lastErr = err
		return err
	}
	m.lastErr = nil
	m.setState(StateArmed, "details accepted")
	return nil
}

// StartRecording starts capturing. It is a no-op while recording.
func (m *Machine) StartRecording(ctx context.Context) error {
	m.mu.Lock()
	defer m.unlockAndNotify()

	switch m.state {
	case StateRecording:
		return nil
	case StateArmed:
	default:
		return m.invalid("start recording")
	}
	if err := m.rec.Start(ctx); err != nil {
		m.lastErr = err
		return err
	}
	m.lastErr = nil
	m.setState(StateRecording, "start")
	return nil
}

// StopRecording finalizes the artifact. It is a no-op unless recording.
// The lock is not held while the encoder flushes, so a reset or a status
// read can get through; a reset during the flush wins.
func (m *Machine) StopRecording(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRecording || m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	gen := m.recGen
	m.mu.Unlock()

	a, err := m.rec.Stop(ctx)

	m.mu.Lock()
	defer m.unlockAndNotify()
	if m.recGen != gen {
		if err == nil {
			err = fmt.Errorf("%w: recording was reset while stopping", ErrInvalidTransition)
		}
		return err
	}
	m.stopping = false
	if err == nil && a != nil {
		if m.metrics != nil {
			m.metrics.Recording(ctx, a.Size())
		}
		m.attempt = nil
		m.lastErr = nil
		m.setState(StateRecorded, "stop")
		return nil
	}
	if err == nil {
		err = fmt.Errorf("%w: recorder produced no artifact", ErrInvalidTransition)
	}
	m.lastErr = err
	m.attempt = nil
	m.syncRecorderLocked("stop failed")
	return err
}

// syncRecorderLocked moves the session to the state matching the recorder
// after a stop that produced no artifact.
func (m *Machine) syncRecorderLocked(reason string) {
	switch m.rec.State() {
	case recorder.StateRecorded:
		if m.rec.Artifact() != nil {
			m.setState(StateRecorded, reason)
			return
		}
		m.setState(StateDetailsPending, reason)
	case recorder.StateArmed:
		m.setState(StateArmed, reason)
	case recorder.StateRecording:
		// still capturing; another stop can be tried
	default:
		// device released; details are kept so a reset re-arms
		m.setState(StateDetailsPending, reason)
	}
}

// SelectFile uses a file instead of a recording.
func (m *Machine) SelectFile(a *media.Artifact) error {
	m.mu.Lock()
	defer m.unlockAndNotify()

	if m.state != StateArmed && m.state != StateRecorded {
		return m.invalid("select file")
	}
	if err := m.rec.SelectFile(a); err != nil {
		m.lastErr = err
		return err
	}
	m.attempt = nil
	m.lastErr = nil
	m.setState(StateRecorded, "file selected")
	return nil
}

// ResetRecording discards the artifact and re-arms a fresh device handle.
func (m *Machine) ResetRecording(ctx context.Context) error {
	m.mu.Lock()
	defer m.unlockAndNotify()

	switch m.state {
	case StateDetailsPending:
		if m.details == nil {
			return m.invalid("reset")
		}
	case StateArmed, StateRecording, StateRecorded, StateConsentPending:
	default:
		return m.invalid("reset")
	}
	m.attempt = nil
	m.recGen++
	m.stopping = false
	if err := m.rec.Reset(ctx); err != nil {
		m.lastErr = err
		m.setState(StateDetailsPending, "device unavailable")
		return err
	}
	m.lastErr = nil
	m.setState(StateArmed, "reset")
	return nil
}

// Submit validates the artifact and opens the consent prompt. No upload
// happens until AcceptConsent.
func (m *Machine) Submit() error {
	m.mu.Lock()
	defer m.unlockAndNotify()

	if m.state != StateRecorded {
		return m.invalid("submit")
	}
	a := m.rec.Artifact()
	if m.attempt != nil && m.attempt.Artifact() == a {
		if err := m.attempt.Resubmit(); err != nil {
			m.lastErr = err
			return err
		}
	} else {
		at, err := m.sub.Begin(a, *m.details, m.sess.User.ID)
		if err != nil {
			m.lastErr = err
			return err
		}
		m.attempt = at
	}
	m.lastErr = nil
	m.setState(StateConsentPending, "consent requested")
	return nil
}

// DeclineConsent returns to Recorded with the artifact kept.
func (m *Machine) DeclineConsent() error {
	m.mu.Lock()
	defer m.unlockAndNotify()

	if m.state != StateConsentPending {
		return m.invalid("decline consent")
	}
	if err := m.attempt.Decline(); err != nil && !errors.Is(err, submission.ErrDeclined) {
		return err
	}
	m.setState(StateRecorded, "consent declined")
	return nil
}

// AcceptConsent resumes the pending submission. On success polling starts
// and the session moves to Processing; on failure it returns to Recorded.
func (m *Machine) AcceptConsent(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateConsentPending {
		err := m.invalid("accept consent")
		m.unlockAndNotify()
		return err
	}
	at := m.attempt
	m.setState(StateUploading, "consent accepted")
	m.unlockAndNotify()

	taskID, err := at.Accept(ctx)

	m.mu.Lock()
	defer m.unlockAndNotify()
	if m.state != StateUploading || m.attempt != at {
		return fmt.Errorf("%w: session changed during upload", ErrInvalidTransition)
	}
	if err != nil && !errors.Is(err, submission.ErrAlreadySubmitted) {
		m.lastErr = err
		m.setState(StateRecorded, "upload failed")
		return err
	}
	m.lastErr = nil
	m.watchLocked(taskID)
	return nil
}

// Retry re-offers the last failed step: a failed upload goes back through
// consent, a poll that ended without an analysis verdict is watched again.
func (m *Machine) Retry() error {
	m.mu.Lock()
	defer m.unlockAndNotify()

	switch {
	case m.state == StateRecorded && m.attempt != nil:
		if err := m.attempt.Resubmit(); err != nil {
			return err
		}
		m.lastErr = nil
		m.setState(StateConsentPending, "retry upload")
		return nil
	case m.state == StateFailed && m.taskID != "":
		var aerr *poller.AnalysisError
		if errors.As(m.lastErr, &aerr) {
			return fmt.Errorf("%w: analysis failed on the server, start a new analysis", ErrInvalidTransition)
		}
		m.lastErr = nil
		m.watchLocked(m.taskID)
		return nil
	default:
		return m.invalid("retry")
	}
}

// NewAnalysis abandons the current task and result and re-arms.
func (m *Machine) NewAnalysis(ctx context.Context) error {
	m.mu.Lock()
	defer m.unlockAndNotify()

	if m.state == StateUploading {
		return m.invalid("new analysis")
	}
	m.stopWatchLocked()
	m.attempt = nil
	m.recGen++
	m.stopping = false
	m.taskID = ""
	m.taskStatus = ""
	m.result = nil
	m.lastErr = nil

	if m.details == nil {
		m.setState(StateDetailsPending, "new analysis")
		return nil
	}
	if err := m.rec.Reset(ctx); err != nil {
		m.lastErr = err
		m.setState(StateDetailsPending, "device unavailable")
		return err
	}
	m.setState(StateArmed, "new analysis")
	return nil
}

// SetProvider selects the provider used by later submissions.
func (m *Machine) SetProvider(id string) {
	m.sub.SetProvider(id)
}

// Close stops polling and releases the device.
func (m *Machine) Close() {
	m.mu.Lock()
	m.stopWatchLocked()
	m.recGen++
	m.stopping = false
	m.mu.Unlock()
	m.baseCancel()
	m.rec.Close()
}

func (m *Machine) watchLocked(taskID string) {
	m.stopWatchLocked()
	m.taskID = taskID
	m.taskStatus = analysis.StatusPending
	m.result = nil
	task := m.watcher.Watch(m.baseCtx, taskID)
	m.task = task
	m.setState(StateProcessing, "task "+taskID)
	go m.follow(task)
}

func (m *Machine) stopWatchLocked() {
	if m.task != nil {
		m.task.Cancel()
		m.task = nil
	}
}

// follow applies poll updates. Updates from a task that is no longer the
// current one are dropped.
// If the final update never made it through the channel, the outcome is
// taken from Wait.
func (m *Machine) follow(task *poller.Task) {
	final := false
	for u := range task.Updates() {
		final = final || u.Final
		m.apply(task, u)
	}
	if final {
		return
	}
	res, err := task.Wait(context.Background())
	m.apply(task, poller.Update{TaskID: task.ID(), Status: task.Status(), Result: res, Err: err, Final: true})
}

func (m *Machine) apply(task *poller.Task, u poller.Update) {
	m.mu.Lock()
	defer m.unlockAndNotify()

	if m.task != task || m.state != StateProcessing {
		return
	}
	if u.Status.Rank() > m.taskStatus.Rank() {
		m.taskStatus = u.Status
		m.syncLedger(u.TaskID, u.Status)
	}
	if !u.Final {
		if u.Err != nil {
			m.lastErr = u.Err
		}
		return
	}

	m.task = nil
	switch {
	case u.Err == nil && u.Result != nil:
		m.result = u.Result
		m.lastErr = nil
		if m.ledger != nil {
			if err := m.ledger.SaveResult(m.baseCtx, u.TaskID, u.Result); err != nil {
				m.Log(diaglog.LogEntry{Event: diaglog.EventStateTransition, TaskID: u.TaskID, Reason: "ledger_error: " + err.Error()})
			}
		}
		m.setState(StateCompleted, "analysis completed")
	case errors.Is(u.Err, poller.ErrSuperseded), errors.Is(u.Err, poller.ErrAbandoned):
		// a newer watch or a reset owns the session now
	default:
		err := u.Err
		if err == nil {
			err = fmt.Errorf("task %s ended without a result", u.TaskID)
		}
		m.lastErr = err
		m.setState(StateFailed, err.Error())
	}
}

func (m *Machine) syncLedger(taskID string, st analysis.Status) {
	if m.ledger == nil {
		return
	}
	if _, err := m.ledger.UpdateStatus(m.baseCtx, taskID, st); err != nil {
		m.Log(diaglog.LogEntry{Event: diaglog.EventStateTransition, TaskID: taskID, Reason: "ledger_error: " + err.Error()})
	}
}

func (m *Machine) invalid(op string) error {
	return fmt.Errorf("%w: cannot %s in state %s", ErrInvalidTransition, op, m.state)
}

// setState records a transition; listeners fire on unlock.
func (m *Machine) setState(to State, reason string) {
	if m.state == to {
		return
	}
	tr := Transition{From: m.state, To: to, Reason: reason, At: time.Now()}
	m.state = to
	m.pending = append(m.pending, tr)
	m.Log(diaglog.LogEntry{
		Event:     diaglog.EventStateTransition,
		SessionID: m.sess.SessionID,
		TaskID:    m.taskID,
		Reason:    reason,
		Payload:   map[string]interface{}{"from": string(tr.From), "to": string(to)},
	})
}

func (m *Machine) unlockAndNotify() {
	pending := m.pending
	m.pending = nil
	listeners := append([]func(Transition){}, m.listeners...)
	m.mu.Unlock()

	for _, tr := range pending {
		for _, fn := range listeners {
			fn(tr)
		}
	}
}
