// Package capture owns access to the camera and microphone. Platform capture
// primitives sit behind the Provider interface so the recording state
// machine can run against a deterministic test double.
package capture

import (
	"context"
	"errors"
	"fmt"
)

// Constraints describes the media requested from a provider.
type Constraints struct {
	Video            bool `json:"video"`
	Audio            bool `json:"audio"`
	Width            int  `json:"width,omitempty"`
	Height           int  `json:"height,omitempty"`
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control"`
}

// DefaultConstraints requests 1280x720 video plus processed microphone audio.
func DefaultConstraints() Constraints {
	return Constraints{
		Video:            true,
		Audio:            true,
		Width:            1280,
		Height:           720,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Stream is a live camera+microphone handle (a media session).
type Stream interface {
	ID() string
	HasAudio() bool
	HasVideo() bool
	// SupportsMIME reports whether the stream can be encoded as mime.
	SupportsMIME(mime string) bool
	// NewEncoder prepares an encoder producing mime-typed chunks.
	NewEncoder(mime string) (Encoder, error)
	// Stop ends all tracks. Stopping a stopped stream is a no-op.
	Stop() error
}

// Encoder turns a stream into a sequence of encoded chunks.
type Encoder interface {
	// Start begins encoding. Chunks arrive on the returned channel in
	// capture order.
	Start() (<-chan []byte, error)
	// Stop asks the encoder to flush. The chunk channel is closed only after
	// the final chunk has been delivered.
	Stop() error
}

// Provider opens streams on a capture backend.
type Provider interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// PreviewSink receives the live stream for display.
type PreviewSink interface {
	Attach(s Stream)
	Detach()
}

// ErrorKind classifies device failures.
type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission-denied"
	KindNoDevice         ErrorKind = "no-device"
	KindNoAudio          ErrorKind = "no-audio"
	KindBusy             ErrorKind = "busy"
)

// DeviceError is returned for acquisition and track failures.
type DeviceError struct {
	Kind ErrorKind
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("device error (%s)", e.Kind)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// NewDeviceError builds a DeviceError of kind wrapping err.
func NewDeviceError(kind ErrorKind, err error) *DeviceError {
	return &DeviceError{Kind: kind, Err: err}
}

// IsKind reports whether err is a DeviceError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var de *DeviceError
	return errors.As(err, &de) && de.Kind == kind
}
