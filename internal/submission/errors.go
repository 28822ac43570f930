package submission

import (
	"errors"
	"fmt"
)

// ValidationKind classifies a rejected submission.
type ValidationKind string

const (
	ValidationEmpty     ValidationKind = "empty"
	ValidationWrongType ValidationKind = "wrong-type"
	ValidationDetails   ValidationKind = "details"
)

// ValidationError is raised before any network call.
type ValidationError struct {
	Kind  ValidationKind
	Field string // set for ValidationDetails
	Err   error
}

func (e *ValidationError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("validation error (%s): %s: %v", e.Kind, e.Field, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("validation error (%s): %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("validation error (%s)", e.Kind)
	}
}

func (e *ValidationError) Unwrap() error { return e.Err }

// UploadKind separates connectivity problems from server rejections so the
// caller can offer different remediation.
type UploadKind string

const (
	UploadNetwork UploadKind = "network"
	UploadServer  UploadKind = "server"
)

// UploadError reports a failed association or upload call.
type UploadError struct {
	Kind       UploadKind
	StatusCode int // zero for network failures
	Err        error
}

func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload error (%s, http %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upload error (%s): %v", e.Kind, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// ConsentError is returned by Decline. It is a normal outcome, not a failure.
type ConsentError struct {
	Kind string // always "declined"
}

func (e *ConsentError) Error() string { return "consent " + e.Kind }

// ErrDeclined matches any *ConsentError with errors.Is.
var ErrDeclined = &ConsentError{Kind: "declined"}

func (e *ConsentError) Is(target error) bool {
	t, ok := target.(*ConsentError)
	return ok && t.Kind == e.Kind
}

// ErrAlreadySubmitted is returned with the existing task id when the same
// artifact was already accepted by the service.
var ErrAlreadySubmitted = errors.New("artifact already submitted")

// ErrNotPending is returned when consent is answered outside the prompt.
var ErrNotPending = errors.New("no consent prompt pending")

// IsValidation reports whether err is a ValidationError of kind.
func IsValidation(err error, kind ValidationKind) bool {
	var verr *ValidationError
	return errors.As(err, &verr) && verr.Kind == kind
}

// IsUpload reports whether err is an UploadError of kind.
func IsUpload(err error, kind UploadKind) bool {
	var uerr *UploadError
	return errors.As(err, &uerr) && uerr.Kind == kind
}
