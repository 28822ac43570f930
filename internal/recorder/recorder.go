// Package recorder drives a capture session on top of the device manager
// and turns the encoded chunks into one immutable media.Artifact.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiroq/fluentcap/internal/capture"
	"github.com/tiroq/fluentcap/internal/diaglog"
	"github.com/tiroq/fluentcap/internal/fileutil"
	"github.com/tiroq/fluentcap/internal/media"
)

// State is the controller lifecycle.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateRecording
	StateFinalizing
	StateRecorded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateRecorded:
		return "recorded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultCodecs is the encoder preference list, best first.
var DefaultCodecs = []string{
	"video/webm;codecs=vp9",
	"video/webm;codecs=vp8",
}

// DefaultFallbackMIME is used when no preferred codec is supported.
const DefaultFallbackMIME = "video/webm"

// ErrInvalidState is returned for transitions the controller refuses.
var ErrInvalidState = errors.New("invalid recorder state")

// ErrNotFinalized is returned when Stop gives up waiting for the encoder to
// flush. The recording is discarded and the device released.
var ErrNotFinalized = errors.New("recording not finalized")

// DeviceManager is the device owner the controller borrows streams from.
type DeviceManager interface {
	Acquire(ctx context.Context, c capture.Constraints) (capture.Stream, error)
	Release(s capture.Stream)
}

// Controller runs one recording at a time.
type Controller struct {
	diaglog.Holder

	devices      DeviceManager
	constraints  capture.Constraints
	codecs       []string
	fallbackMIME string
	tick         time.Duration
	flushTimeout time.Duration
	onTick       func(seconds int)

	mu        sync.Mutex
	state     State
	gen       uint64 // bumped on reset so a racing Stop can detect it
	stream    capture.Stream
	encoder   capture.Encoder
	mime      string
	buf       *chunkBuffer
	abort     chan struct{} // closed by Reset/Close to wake a waiting Stop
	startedAt time.Time
	artifact  *media.Artifact
	stopTick  chan struct{}
	seconds   atomic.Int64
}

// Option configures a Controller.
type Option func(*Controller)

// WithConstraints overrides the device constraints.
func WithConstraints(c capture.Constraints) Option {
	return func(r *Controller) { r.constraints = c }
}

// WithCodecs sets the preference list and the generic fallback container.
func WithCodecs(preferred []string, fallback string) Option {
	return func(r *Controller) {
		if len(preferred) > 0 {
			r.codecs = append([]string(nil), preferred...)
		}
		if fallback != "" {
			r.fallbackMIME = fallback
		}
	}
}

// WithTickInterval changes the duration counter period. Tests use it to
// avoid waiting real seconds.
func WithTickInterval(d time.Duration) Option {
	return func(r *Controller) { r.tick = d }
}

// WithFlushTimeout bounds how long Stop waits for the encoder to deliver its
// last chunk. Zero waits for the caller's context only.
func WithFlushTimeout(d time.Duration) Option {
	return func(r *Controller) { r.flushTimeout = d }
}

// OnTick registers a callback fired with the elapsed seconds on every tick.
func OnTick(fn func(seconds int)) Option {
	return func(r *Controller) { r.onTick = fn }
}

// New creates an idle controller.
func New(devices DeviceManager, opts ...Option) *Controller {
	r := &Controller{
		devices:      devices,
		constraints:  capture.DefaultConstraints(),
		codecs:       DefaultCodecs,
		fallbackMIME: DefaultFallbackMIME,
		tick:         time.Second,
	}
	r.SetComponent(diaglog.ComponentRecorder)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current state.
func (r *Controller) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Seconds returns the duration counter. It is zero outside Recording.
func (r *Controller) Seconds() int {
	return int(r.seconds.Load())
}

// MIMEType returns the codec chosen by the last Start.
func (r *Controller) MIMEType() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mime
}

// Artifact returns the finalized or selected artifact, if any.
func (r *Controller) Artifact() *media.Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.artifact
}

// Arm acquires a device handle. Idle -> Armed.
func (r *Controller) Arm(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateIdle {
		return fmt.Errorf("%w: arm from %s", ErrInvalidState, r.state)
	}
	return r.acquireLocked(ctx)
}

func (r *Controller) acquireLocked(ctx context.Context) error {
	s, err := r.devices.Acquire(ctx, r.constraints)
	if err != nil {
		r.stream = nil
		r.state = StateIdle
		return err
	}
	r.stream = s
	r.state = StateArmed
	return nil
}

// Start begins buffering encoded chunks. Calling it while Recording is a
// no-op. A stream without audio fails with a no-audio DeviceError and stays
// held until Reset.
func (r *Controller) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateRecording:
		return nil
	case StateArmed:
	default:
		return fmt.Errorf("%w: start from %s", ErrInvalidState, r.state)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !r.stream.HasAudio() {
		return capture.NewDeviceError(capture.KindNoAudio,
			fmt.Errorf("stream %s has no audio track", r.stream.ID()))
	}

	mime := r.selectCodec(r.stream)
	enc, err := r.stream.NewEncoder(mime)
	if err != nil {
		return fmt.Errorf("create encoder: %w", err)
	}
	chunks, err := enc.Start()
	if err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}

	r.encoder = enc
	r.mime = mime
	r.buf = collect(chunks)
	r.abort = make(chan struct{})
	r.artifact = nil
	r.startedAt = time.Now()
	r.state = StateRecording
	r.startCounter()

	r.Log(diaglog.LogEntry{
		Event:   diaglog.EventRecordingStart,
		Payload: map[string]interface{}{"mime": mime, "stream": r.stream.ID()},
	})
	return nil
}

func (r *Controller) selectCodec(s capture.Stream) string {
	for _, c := range r.codecs {
		if s.SupportsMIME(c) {
			return c
		}
	}
	return r.fallbackMIME
}

// Stop finalizes the recording: Recording -> Finalizing -> Recorded. The
// device is released only after the last chunk is in the artifact. Calling
// Stop while not Recording is a no-op returning the current artifact.
//
// If ctx ends or the flush timeout passes first, the partial recording is
// dropped, the device is released and the controller goes back to Idle.
func (r *Controller) Stop(ctx context.Context) (*media.Artifact, error) {
	r.mu.Lock()
	if r.state != StateRecording {
		a := r.artifact
		r.mu.Unlock()
		return a, nil
	}
	r.state = StateFinalizing
	r.stopCounter()
	gen := r.gen
	enc, buf, mime, started, abort := r.encoder, r.buf, r.mime, r.startedAt, r.abort
	r.mu.Unlock()

	if err := enc.Stop(); err != nil {
		r.Log(diaglog.LogEntry{Event: diaglog.EventRecordingStop, Reason: "encoder_stop_error",
			Payload: map[string]interface{}{"error": err.Error()}})
	}

	waitCtx := ctx
	if r.flushTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.flushTimeout)
		defer cancel()
	}
	select {
	case <-buf.done:
	case <-abort:
		return nil, fmt.Errorf("%w: recording was reset while finalizing", ErrInvalidState)
	case <-waitCtx.Done():
		r.abandon(gen)
		return nil, fmt.Errorf("%w: %w", ErrNotFinalized, waitCtx.Err())
	}
	duration := time.Since(started)
	data := buf.bytes()
	name := fileutil.RecordingFilename(started, mime)
	artifact := media.New(data, mime, duration, name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen || r.state != StateFinalizing {
		// Reset won the race; its artifact-less state stands.
		return nil, fmt.Errorf("%w: recording was reset while finalizing", ErrInvalidState)
	}
	r.artifact = artifact
	r.encoder = nil
	r.buf = nil
	r.abort = nil
	r.releaseLocked()
	r.state = StateRecorded

	r.Log(diaglog.LogEntry{
		Event: diaglog.EventArtifactReady,
		Payload: map[string]interface{}{
			"bytes":       artifact.Size(),
			"chunks":      buf.count(),
			"mime":        mime,
			"duration_ms": duration.Milliseconds(),
		},
	})
	return artifact, nil
}

// abandon drops a recording whose flush never completed.
func (r *Controller) abandon(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen || r.state != StateFinalizing {
		return
	}
	r.gen++
	r.encoder = nil
	r.buf = nil
	r.abort = nil
	r.artifact = nil
	r.releaseLocked()
	r.state = StateIdle
	r.Log(diaglog.LogEntry{Event: diaglog.EventRecordingStop, Reason: "flush_abandoned"})
}

func (r *Controller) abortLocked() {
	if r.abort != nil {
		close(r.abort)
		r.abort = nil
	}
}

// Reset interrupts any recording, discards the artifact, swaps in a fresh
// device handle and ends in Armed. It is safe to call repeatedly.
func (r *Controller) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gen++
	r.stopCounter()
	r.abortLocked()
	if r.encoder != nil {
		_ = r.encoder.Stop()
		r.encoder = nil
	}
	r.buf = nil
	r.artifact = nil
	r.releaseLocked()

	r.Log(diaglog.LogEntry{Event: diaglog.EventRecordingReset, Payload: map[string]interface{}{"from": r.state.String()}})
	return r.acquireLocked(ctx)
}

// SelectFile uses an existing artifact instead of recording one. Allowed
// from Armed or Recorded; the device handle is released.
func (r *Controller) SelectFile(a *media.Artifact) error {
	if a == nil {
		return fmt.Errorf("%w: no file selected", ErrInvalidState)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateArmed && r.state != StateRecorded {
		return fmt.Errorf("%w: select file from %s", ErrInvalidState, r.state)
	}
	r.artifact = a
	r.releaseLocked()
	r.state = StateRecorded
	return nil
}

// Close stops everything and releases the device. The controller returns to Idle.
func (r *Controller) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.stopCounter()
	r.abortLocked()
	if r.encoder != nil {
		_ = r.encoder.Stop()
		r.encoder = nil
	}
	r.buf = nil
	r.releaseLocked()
	r.state = StateIdle
}

func (r *Controller) releaseLocked() {
	if r.stream == nil {
		return
	}
	r.devices.Release(r.stream)
	r.stream = nil
}

func (r *Controller) startCounter() {
	r.seconds.Store(0)
	stop := make(chan struct{})
	r.stopTick = stop
	interval, cb := r.tick, r.onTick
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				n := r.seconds.Add(1)
				if cb != nil {
					cb(int(n))
				}
			case <-stop:
				return
			}
		}
	}()
}

func (r *Controller) stopCounter() {
	if r.stopTick != nil {
		close(r.stopTick)
		r.stopTick = nil
	}
	r.seconds.Store(0)
}
