// Package submission validates an artifact, gates it behind consent and
// uploads it to the analysis service as a new task.
package submission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tiroq/fluentcap/internal/analysis"
	"github.com/tiroq/fluentcap/internal/diaglog"
	"github.com/tiroq/fluentcap/internal/history"
	"github.com/tiroq/fluentcap/internal/media"
)

// Service is the part of the analysis client the pipeline calls.
type Service interface {
	AssignedProvider(ctx context.Context, userID string) (*analysis.Provider, error)
	AssignProvider(ctx context.Context, patientID, providerID string) error
	Upload(ctx context.Context, req analysis.UploadRequest) error
}

// Ledger remembers submissions so one artifact never becomes two tasks.
type Ledger interface {
	AcceptedTask(ctx context.Context, digest string) (string, bool, error)
	RecordSubmission(ctx context.Context, sub history.Submission) error
	MarkAccepted(ctx context.Context, taskID string) error
}

// Metrics receives upload outcomes.
type Metrics interface {
	Upload(ctx context.Context, result string, bytes int)
}

// Validate accepts an artifact iff it is non-empty audio or video.
func Validate(a *media.Artifact) error {
	if a == nil || a.Size() == 0 {
		return &ValidationError{Kind: ValidationEmpty, Err: errors.New("no recording or file to submit")}
	}
	if !a.IsAudioOrVideo() {
		return &ValidationError{Kind: ValidationWrongType, Err: fmt.Errorf("unsupported type %q", a.MIMEType())}
	}
	return nil
}

// Pipeline creates submission attempts.
type Pipeline struct {
	diaglog.Holder

	svc     Service
	ledger  Ledger
	metrics Metrics
	now     func() time.Time

	mu         sync.Mutex
	providerID string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLedger enables duplicate detection and local bookkeeping.
func WithLedger(l Ledger) Option {
	return func(p *Pipeline) { p.ledger = l }
}

// WithMetrics reports upload outcomes to m.
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides the task id clock.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithProvider preselects the provider submissions are associated with.
func WithProvider(id string) Option {
	return func(p *Pipeline) { p.providerID = id }
}

// New creates a pipeline over svc.
func New(svc Service, opts ...Option) *Pipeline {
	p := &Pipeline{svc: svc, now: time.Now}
	p.SetComponent(diaglog.ComponentSubmission)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetProvider changes the provider used by later uploads.
func (p *Pipeline) SetProvider(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.providerID = id
}

// Provider returns the selected provider id.
func (p *Pipeline) Provider() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.providerID
}

// Begin validates the artifact and the details and opens a consent prompt.
// Nothing is sent until the returned attempt is accepted.
func (p *Pipeline) Begin(a *media.Artifact, details UserDetails, userID string) (*Attempt, error) {
	if err := Validate(a); err != nil {
		return nil, err
	}
	if err := details.Validate(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, &ValidationError{Kind: ValidationDetails, Field: "user_id", Err: errors.New("required")}
	}
	at := &Attempt{p: p, artifact: a, details: details, userID: userID, state: attemptConsentPending}
	p.logPrompt(at)
	return at, nil
}

func (p *Pipeline) logPrompt(at *Attempt) {
	p.Log(diaglog.LogEntry{
		Event:   diaglog.EventConsentPrompt,
		TaskID:  at.taskID,
		Payload: map[string]interface{}{"bytes": at.artifact.Size(), "mime": at.artifact.MIMEType()},
	})
}

type attemptState int

const (
	attemptConsentPending attemptState = iota
	attemptUploading
	attemptSubmitted
	attemptDeclined
	attemptFailed
)

// Attempt is one pending submission of one artifact. Its task id is
// generated on the first accepted upload and reused by every retry.
type Attempt struct {
	p        *Pipeline
	artifact *media.Artifact
	details  UserDetails
	userID   string

	mu     sync.Mutex
	state  attemptState
	taskID string
}

// Artifact returns the artifact being submitted.
func (at *Attempt) Artifact() *media.Artifact { return at.artifact }

// TaskID returns the generated task id, empty before the first Accept.
func (at *Attempt) TaskID() string {
	at.mu.Lock()
	defer at.mu.Unlock()
	return at.taskID
}

// ConsentPending reports whether the attempt waits for Accept or Decline.
func (at *Attempt) ConsentPending() bool {
	at.mu.Lock()
	defer at.mu.Unlock()
	return at.state == attemptConsentPending
}

// Decline answers the prompt negatively. The attempt keeps its artifact and
// can be prompted again with Resubmit.
func (at *Attempt) Decline() error {
	at.mu.Lock()
	defer at.mu.Unlock()
	if at.state != attemptConsentPending {
		return ErrNotPending
	}
	at.state = attemptDeclined
	at.p.Log(diaglog.LogEntry{Event: diaglog.EventConsentDeclined, TaskID: at.taskID})
	return &ConsentError{Kind: "declined"}
}

// Resubmit reopens the consent prompt after a decline or a failed upload.
// Consent is never carried over from an earlier prompt.
func (at *Attempt) Resubmit() error {
	at.mu.Lock()
	defer at.mu.Unlock()
	switch at.state {
	case attemptDeclined, attemptFailed:
	case attemptConsentPending:
		return nil
	default:
		return fmt.Errorf("attempt cannot be resubmitted in state %d", at.state)
	}
	at.state = attemptConsentPending
	at.p.logPrompt(at)
	return nil
}

// Accept resumes the pending submission: optional provider association,
// then one multipart upload. It returns the task id to poll.
func (at *Attempt) Accept(ctx context.Context) (string, error) {
	at.mu.Lock()
	if at.state != attemptConsentPending {
		at.mu.Unlock()
		return "", ErrNotPending
	}
	at.state = attemptUploading
	if at.taskID == "" {
		at.taskID = fmt.Sprintf("%s_%d", at.userID, at.p.now().UnixMilli())
	}
	taskID := at.taskID
	at.mu.Unlock()

	at.p.Log(diaglog.LogEntry{Event: diaglog.EventConsentAccepted, TaskID: taskID})

	id, err := at.p.submit(ctx, at, taskID)

	at.mu.Lock()
	if err != nil && !errors.Is(err, ErrAlreadySubmitted) {
		at.state = attemptFailed
	} else {
		at.state = attemptSubmitted
	}
	at.mu.Unlock()
	return id, err
}

func (p *Pipeline) submit(ctx context.Context, at *Attempt, taskID string) (string, error) {
	a := at.artifact

	if p.ledger != nil {
		existing, found, err := p.ledger.AcceptedTask(ctx, a.Digest())
		if err != nil {
			return "", fmt.Errorf("check history: %w", err)
		}
		if found {
			p.Log(diaglog.LogEntry{Event: diaglog.EventUploadDone, TaskID: existing, Reason: "duplicate_artifact"})
			return existing, fmt.Errorf("%w as task %s", ErrAlreadySubmitted, existing)
		}
	}

	providerID := p.Provider()
	if err := p.associate(ctx, at.userID, providerID); err != nil {
		p.recordUpload(ctx, err, 0)
		return "", err
	}

	if p.ledger != nil {
		err := p.ledger.RecordSubmission(ctx, history.Submission{
			TaskID:     taskID,
			UserID:     at.userID,
			ProviderID: providerID,
			Digest:     a.Digest(),
			MIMEType:   a.MIMEType(),
			Size:       a.Size(),
		})
		if err != nil {
			return "", fmt.Errorf("record submission: %w", err)
		}
	}

	details, err := at.details.JSON()
	if err != nil {
		return "", fmt.Errorf("encode user details: %w", err)
	}
	name := a.Name()
	if name == "" {
		name = "recording." + a.Extension()
	}

	err = p.svc.Upload(ctx, analysis.UploadRequest{
		TaskID:      taskID,
		UserID:      at.userID,
		UserDetails: details,
		FileName:    name,
		MIMEType:    a.MIMEType(),
		File:        a.Reader(),
	})
	if err != nil {
		uerr := classify(err)
		p.recordUpload(ctx, uerr, a.Size())
		return "", uerr
	}
	p.recordUpload(ctx, nil, a.Size())

	if p.ledger != nil {
		if err := p.ledger.MarkAccepted(ctx, taskID); err != nil {
			// The service has the task; losing the local flag only weakens dedupe.
			p.Log(diaglog.LogEntry{Event: diaglog.EventUploadDone, TaskID: taskID, Reason: "ledger_error",
				Payload: map[string]interface{}{"error": err.Error()}})
		}
	}
	return taskID, nil
}

// associate binds the user to providerID unless that binding already exists.
func (p *Pipeline) associate(ctx context.Context, userID, providerID string) error {
	if providerID == "" {
		return nil
	}
	current, err := p.svc.AssignedProvider(ctx, userID)
	if err != nil {
		return classify(err)
	}
	if current != nil && current.ID == providerID {
		return nil
	}
	if err := p.svc.AssignProvider(ctx, userID, providerID); err != nil {
		return classify(err)
	}
	from := ""
	if current != nil {
		from = current.ID
	}
	p.Log(diaglog.LogEntry{Event: diaglog.EventAssociation,
		Payload: map[string]interface{}{"from": from, "to": providerID}})
	return nil
}

func (p *Pipeline) recordUpload(ctx context.Context, err error, size int) {
	if p.metrics == nil {
		return
	}
	result := "ok"
	var uerr *UploadError
	if errors.As(err, &uerr) {
		result = string(uerr.Kind)
	} else if err != nil {
		result = "error"
	}
	p.metrics.Upload(ctx, result, size)
}

// classify maps client errors onto the network/server split. Anything that
// did not produce a response counts as network.
func classify(err error) error {
	var (
		herr *analysis.HTTPError
		serr *analysis.SchemaError
	)
	switch {
	case errors.As(err, &herr):
		return &UploadError{Kind: UploadServer, StatusCode: herr.StatusCode, Err: err}
	case errors.As(err, &serr):
		return &UploadError{Kind: UploadServer, Err: err}
	default:
		return &UploadError{Kind: UploadNetwork, Err: err}
	}
}
