package submission_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiroq/fluentcap/internal/analysis"
	"github.com/tiroq/fluentcap/internal/history"
	"github.com/tiroq/fluentcap/internal/media"
	"github.com/tiroq/fluentcap/internal/submission"
	"github.com/tiroq/fluentcap/testutil"
)

var fixedNow = time.UnixMilli(1736951400000)

func validDetails() submission.UserDetails {
	return submission.UserDetails{Name: "Sam Lee", Email: "sam@example.com", Age: 30, Gender: "other"}
}

func recording() *media.Artifact {
	return media.New([]byte("webm-bytes"), "video/webm;codecs=vp9", 45*time.Second, "stutter_recording_1736951400000.webm")
}

func newPipeline(t *testing.T, svc *testutil.MockService, opts ...submission.Option) *submission.Pipeline {
	t.Helper()
	client := analysis.NewClient(analysis.Config{BaseURL: svc.URL()})
	opts = append([]submission.Option{submission.WithClock(func() time.Time { return fixedNow })}, opts...)
	return submission.New(client, opts...)
}

type uploadCounter struct {
	mu      sync.Mutex
	results []string
}

func (c *uploadCounter) Upload(_ context.Context, result string, _ int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, result)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		a    *media.Artifact
		kind submission.ValidationKind
	}{
		{"nil", nil, submission.ValidationEmpty},
		{"zero bytes", media.New(nil, "video/webm", 0, ""), submission.ValidationEmpty},
		{"text", media.New([]byte("hi"), "text/plain", 0, ""), submission.ValidationWrongType},
		{"image", media.New([]byte("hi"), "image/png", 0, ""), submission.ValidationWrongType},
		{"audio", media.New([]byte("hi"), "audio/wav", 0, ""), ""},
		{"video with codec", media.New([]byte("hi"), "video/webm;codecs=vp8", 0, ""), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := submission.Validate(tt.a)
			if tt.kind == "" {
				assert.NoError(t, err)
				return
			}
			assert.True(t, submission.IsValidation(err, tt.kind), "got %v", err)
		})
	}
}

func TestUserDetailsValidate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(d *submission.UserDetails)
		field string
	}{
		{"valid", func(d *submission.UserDetails) {}, ""},
		{"blank name", func(d *submission.UserDetails) { d.Name = "   " }, "name"},
		{"bad email", func(d *submission.UserDetails) { d.Email = "not-an-email" }, "email"},
		{"age zero", func(d *submission.UserDetails) { d.Age = 0 }, "age"},
		{"age too high", func(d *submission.UserDetails) { d.Age = 121 }, "age"},
		{"unknown gender", func(d *submission.UserDetails) { d.Gender = "x" }, "gender"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDetails()
			tt.edit(&d)
			err := d.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *submission.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, submission.ValidationDetails, verr.Kind)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestConsentGatesUpload(t *testing.T) {
	svc := testutil.NewMockService()
	defer svc.Close()
	p := newPipeline(t, svc)

	at, err := p.Begin(recording(), validDetails(), "patient42")
	require.NoError(t, err)
	assert.True(t, at.ConsentPending())
	assert.Empty(t, at.TaskID())
	assert.Empty(t, svc.Uploads())

	taskID, err := at.Accept(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "patient42_1736951400000", taskID)

	uploads := svc.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, taskID, uploads[0].TaskID)
	assert.Equal(t, "patient42", uploads[0].UserID)
	assert.Equal(t, "stutter_recording_1736951400000.webm", uploads[0].FileName)
	assert.Equal(t, len("webm-bytes"), uploads[0].Size)

	var details map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(uploads[0].UserDetails), &details))
	assert.Equal(t, "Sam Lee", details["name"])
	assert.EqualValues(t, 30, details["age"])

	_, err = at.Accept(context.Background())
	assert.ErrorIs(t, err, submission.ErrNotPending)
}

func TestDeclineKeepsArtifactAndSendsNothing(t *testing.T) {
	svc := testutil.NewMockService()
	defer svc.Close()
	p := newPipeline(t, svc)
	a := recording()

	at, err := p.Begin(a, validDetails(), "patient42")
	require.NoError(t, err)

	err = at.Decline()
	assert.ErrorIs(t, err, submission.ErrDeclined)
	assert.Same(t, a, at.Artifact())
	assert.False(t, at.ConsentPending())
	assert.Empty(t, svc.Uploads())

	_, err = at.Accept(context.Background())
	assert.ErrorIs(t, err, submission.ErrNotPending)

	require.NoError(t, at.Resubmit())
	taskID, err := at.Accept(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "patient42_1736951400000", taskID)
	assert.Len(t, svc.Uploads(), 1)
}

func TestServerRejectionThenRetryKeepsTaskID(t *testing.T) {
	svc := testutil.NewMockService()
	defer svc.Close()
	metrics := &uploadCounter{}

	calls := 0
	clock := func() time.Time {
		calls++
		return fixedNow.Add(time.Duration(calls) * time.Second)
	}
	p := newPipeline(t, svc, submission.WithClock(clock), submission.WithMetrics(metrics))

	svc.UploadStatus = http.StatusBadRequest
	at, err := p.Begin(recording(), validDetails(), "patient42")
	require.NoError(t, err)

	_, err = at.Accept(context.Background())
	require.Error(t, err)
	assert.True(t, submission.IsUpload(err, submission.UploadServer))
	var uerr *submission.UploadError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, http.StatusBadRequest, uerr.StatusCode)
	firstID := at.TaskID()

	svc.SetUploadStatus(0)
	require.NoError(t, at.Resubmit())
	assert.True(t, at.ConsentPending())
	taskID, err := at.Accept(context.Background())
	require.NoError(t, err)
	assert.Equal(t, firstID, taskID)

	uploads := svc.Uploads()
	require.Len(t, uploads, 2)
	assert.Equal(t, uploads[0].TaskID, uploads[1].TaskID)
	assert.Equal(t, []string{"server", "ok"}, metrics.results)
}

func TestNetworkFailureIsDistinguished(t *testing.T) {
	svc := testutil.NewMockService()
	url := svc.URL()
	svc.Close()

	p := submission.New(analysis.NewClient(analysis.Config{BaseURL: url}))
	at, err := p.Begin(recording(), validDetails(), "patient42")
	require.NoError(t, err)

	_, err = at.Accept(context.Background())
	assert.True(t, submission.IsUpload(err, submission.UploadNetwork), "got %v", err)
	assert.False(t, submission.IsUpload(err, submission.UploadServer))
}

func TestAssociationOnlyWhenProviderChanges(t *testing.T) {
	svc := testutil.NewMockService()
	defer svc.Close()
	p := newPipeline(t, svc, submission.WithProvider("slp1"))

	for i := 0; i < 2; i++ {
		a := media.New([]byte{byte(i), 1, 2}, "audio/wav", 0, "clip.wav")
		at, err := p.Begin(a, validDetails(), "patient42")
		require.NoError(t, err)
		_, err = at.Accept(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, svc.AssignCalls())

	p.SetProvider("slp2")
	at, err := p.Begin(media.New([]byte("third"), "audio/wav", 0, "c.wav"), validDetails(), "patient42")
	require.NoError(t, err)
	_, err = at.Accept(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, svc.AssignCalls())
}

func TestLedgerPreventsSecondTaskForSameArtifact(t *testing.T) {
	svc := testutil.NewMockService()
	defer svc.Close()
	store, err := history.Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer store.Close()

	p := newPipeline(t, svc, submission.WithLedger(store))
	a := recording()

	first, err := p.Begin(a, validDetails(), "patient42")
	require.NoError(t, err)
	taskID, err := first.Accept(context.Background())
	require.NoError(t, err)

	sub, err := store.Get(context.Background(), taskID)
	require.NoError(t, err)
	assert.True(t, sub.Accepted)
	assert.Equal(t, a.Digest(), sub.Digest)

	again, err := p.Begin(a, validDetails(), "patient42")
	require.NoError(t, err)
	existing, err := again.Accept(context.Background())
	assert.ErrorIs(t, err, submission.ErrAlreadySubmitted)
	assert.Equal(t, taskID, existing)
	assert.Len(t, svc.Uploads(), 1)
}

func TestBeginRejectsInvalidInput(t *testing.T) {
	svc := testutil.NewMockService()
	defer svc.Close()
	p := newPipeline(t, svc)

	_, err := p.Begin(nil, validDetails(), "patient42")
	assert.True(t, submission.IsValidation(err, submission.ValidationEmpty))

	bad := validDetails()
	bad.Email = ""
	_, err = p.Begin(recording(), bad, "patient42")
	assert.True(t, submission.IsValidation(err, submission.ValidationDetails))

	_, err = p.Begin(recording(), validDetails(), "")
	assert.True(t, submission.IsValidation(err, submission.ValidationDetails))
	assert.Empty(t, svc.Uploads())
}
