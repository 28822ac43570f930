package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Status is the server-side lifecycle of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Rank orders statuses so callers can refuse backward moves. Both terminal
// statuses share the highest rank.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether polling must stop at s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus validates a status string from the service.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if st.Rank() < 0 {
		return "", &SchemaError{Field: "status", Reason: fmt.Sprintf("unknown value %q", s)}
	}
	return st, nil
}

// Provider is a speech-language pathologist account.
type Provider struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// TaskSummary is one row of the provider dashboard listing.
type TaskSummary struct {
	TaskID    string `json:"task_id"`
	Status    Status `json:"status"`
	Timestamp string `json:"timestamp"`
	UserID    string `json:"user_id,omitempty"`
}

// Event is one detected stutter.
type Event struct {
	Time     string `json:"time"`
	Type     string `json:"type"`
	Severity string `json:"severity"`
}

// Details summarizes the speech sample.
type Details struct {
	TotalWords     int     `json:"totalWords"`
	StutteredWords int     `json:"stutteredWords"`
	SpeechRate     float64 `json:"speechRate"`
	PauseDuration  float64 `json:"pauseDuration"`
}

// Result is the normalized analysis payload. It is built once from the
// first completed observation and not modified afterwards.
type Result struct {
	FluencyScore    float64        `json:"fluency_score"`
	Events          []Event        `json:"stuttering_events"`
	DisfluencyTypes map[string]int `json:"disfluency_types"`
	Duration        float64        `json:"duration"`
	Details         Details        `json:"analysis_details"`
}

// ErrNotReady is returned by Result while the task is not completed.
var ErrNotReady = errors.New("result not ready")

// SchemaError reports a response that does not match the expected shape.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error: %s: %s", e.Field, e.Reason)
}

// TransportError means the request never produced an HTTP response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// HTTPError is a non-success HTTP response.
type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Body)
}

// decodeResult checks every required field before building the Result.
func decodeResult(body []byte) (*Result, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &SchemaError{Field: "$", Reason: "not a JSON object"}
	}

	var r Result
	if err := requireField(raw, "fluency_score", &r.FluencyScore); err != nil {
		return nil, err
	}
	var events []map[string]json.RawMessage
	if err := requireField(raw, "stuttering_events", &events); err != nil {
		return nil, err
	}
	r.Events = make([]Event, 0, len(events))
	for i, ev := range events {
		e, err := decodeEvent(ev, i)
		if err != nil {
			return nil, err
		}
		r.Events = append(r.Events, e)
	}
	if err := requireField(raw, "disfluency_types", &r.DisfluencyTypes); err != nil {
		return nil, err
	}
	if r.DisfluencyTypes == nil {
		r.DisfluencyTypes = map[string]int{}
	}
	if err := requireField(raw, "duration", &r.Duration); err != nil {
		return nil, err
	}

	var details map[string]json.RawMessage
	if err := requireField(raw, "analysis_details", &details); err != nil {
		return nil, err
	}
	for name, into := range map[string]interface{}{
		"totalWords":     &r.Details.TotalWords,
		"stutteredWords": &r.Details.StutteredWords,
		"speechRate":     &r.Details.SpeechRate,
		"pauseDuration":  &r.Details.PauseDuration,
	} {
		if err := requireField(details, name, into); err != nil {
			err.(*SchemaError).Field = "analysis_details." + name
			return nil, err
		}
	}
	return &r, nil
}

func decodeEvent(raw map[string]json.RawMessage, i int) (Event, error) {
	var e Event
	prefix := fmt.Sprintf("stuttering_events[%d].", i)

	t, ok := raw["time"]
	if !ok {
		return e, &SchemaError{Field: prefix + "time", Reason: "missing"}
	}
	// Timestamps arrive either as "m:ss" labels or as seconds.
	if err := json.Unmarshal(t, &e.Time); err != nil {
		var secs float64
		if err := json.Unmarshal(t, &secs); err != nil {
			return e, &SchemaError{Field: prefix + "time", Reason: "want string or number"}
		}
		e.Time = strconv.FormatFloat(secs, 'f', -1, 64)
	}
	for name, into := range map[string]*string{"type": &e.Type, "severity": &e.Severity} {
		if err := requireField(raw, name, into); err != nil {
			err.(*SchemaError).Field = prefix + name
			return e, err
		}
	}
	return e, nil
}

// requireField decodes raw[name] into dst. It returns a *SchemaError so
// callers may rewrite the field path.
func requireField(raw map[string]json.RawMessage, name string, dst interface{}) error {
	v, ok := raw[name]
	if !ok || string(v) == "null" {
		return &SchemaError{Field: name, Reason: "missing"}
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return &SchemaError{Field: name, Reason: fmt.Sprintf("wrong type: %v", err)}
	}
	return nil
}
