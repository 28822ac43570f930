package capture_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiroq/fluentcap/internal/capture"
	"github.com/tiroq/fluentcap/internal/pidfile"
	"github.com/tiroq/fluentcap/testutil"
)

func TestAcquireBindsPreview(t *testing.T) {
	p := testutil.NewFakeProvider()
	preview := &testutil.FakePreview{}
	m := capture.NewManager(p, capture.WithPreview(preview))

	s, err := m.Acquire(context.Background(), capture.DefaultConstraints())
	require.NoError(t, err)
	assert.Same(t, s, preview.Attached())
	assert.Same(t, s, m.Current())
	assert.True(t, s.HasAudio())
	assert.True(t, s.HasVideo())
}

func TestAcquireReleasesPreviousHandle(t *testing.T) {
	p := testutil.NewFakeProvider()
	m := capture.NewManager(p)

	first, err := m.Acquire(context.Background(), capture.DefaultConstraints())
	require.NoError(t, err)
	second, err := m.Acquire(context.Background(), capture.DefaultConstraints())
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())
	assert.True(t, p.Streams()[0].Stopped(), "previous handle must be released")
	assert.Equal(t, 1, p.Live(), "exactly one live handle")
}

func TestAcquireFailureMapsToDeviceError(t *testing.T) {
	tests := []struct {
		name    string
		openErr error
		want    capture.ErrorKind
	}{
		{"permission", capture.NewDeviceError(capture.KindPermissionDenied, nil), capture.KindPermissionDenied},
		{"busy", capture.NewDeviceError(capture.KindBusy, nil), capture.KindBusy},
		{"untyped", errors.New("no camera found"), capture.KindNoDevice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testutil.NewFakeProvider()
			p.OpenErr = tt.openErr
			m := capture.NewManager(p)

			_, err := m.Acquire(context.Background(), capture.DefaultConstraints())
			require.Error(t, err)
			assert.True(t, capture.IsKind(err, tt.want), "got %v", err)
			assert.Nil(t, m.Current())
		})
	}
}

func TestAcquireFailureStillReleasesPrevious(t *testing.T) {
	p := testutil.NewFakeProvider()
	m := capture.NewManager(p)

	_, err := m.Acquire(context.Background(), capture.DefaultConstraints())
	require.NoError(t, err)

	p.OpenErr = capture.NewDeviceError(capture.KindPermissionDenied, nil)
	_, err = m.Acquire(context.Background(), capture.DefaultConstraints())
	require.Error(t, err)
	assert.Equal(t, 0, p.Live())
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := testutil.NewFakeProvider()
	preview := &testutil.FakePreview{}
	m := capture.NewManager(p, capture.WithPreview(preview))

	s, err := m.Acquire(context.Background(), capture.DefaultConstraints())
	require.NoError(t, err)

	m.Release(s)
	m.Release(s)
	m.Release(nil)

	assert.Nil(t, m.Current())
	assert.True(t, p.Streams()[0].Stopped())
	_, detaches := preview.Counts()
	assert.Equal(t, 1, detaches)
}

func TestDeviceLockReportsBusy(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "device.lock")
	held, err := pidfile.New(lockPath)
	require.NoError(t, err)
	defer held.Remove()

	m := capture.NewManager(testutil.NewFakeProvider(), capture.WithDeviceLock(lockPath))
	_, err = m.Acquire(context.Background(), capture.DefaultConstraints())
	require.Error(t, err)
	assert.True(t, capture.IsKind(err, capture.KindBusy))
}

func TestDeviceLockFollowsHandle(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "device.lock")
	m := capture.NewManager(testutil.NewFakeProvider(), capture.WithDeviceLock(lockPath))

	s, err := m.Acquire(context.Background(), capture.DefaultConstraints())
	require.NoError(t, err)
	// Re-acquire in the same manager must not trip over its own lock.
	s2, err := m.Acquire(context.Background(), capture.DefaultConstraints())
	require.NoError(t, err)
	assert.NotEqual(t, s.ID(), s2.ID())

	m.Release(s2)
	_, err = pidfile.New(lockPath)
	assert.NoError(t, err, "lock must be free after release")
}
