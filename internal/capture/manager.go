package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tiroq/fluentcap/internal/diaglog"
	"github.com/tiroq/fluentcap/internal/pidfile"
)

// Manager owns the single live Stream. Acquiring a new stream always
// releases the previous one first, so at most one handle exists at a time.
type Manager struct {
	diaglog.Holder

	mu       sync.Mutex
	provider Provider
	preview  PreviewSink
	lockPath string
	lock     *pidfile.PIDFile
	current  Stream
}

// Option configures a Manager.
type Option func(*Manager)

// WithPreview binds every acquired stream to sink.
func WithPreview(sink PreviewSink) Option {
	return func(m *Manager) { m.preview = sink }
}

// WithDeviceLock claims a PID lock file at path while a stream is held, so a
// second process gets a busy error instead of fighting over the device.
func WithDeviceLock(path string) Option {
	return func(m *Manager) { m.lockPath = path }
}

// NewManager creates a manager backed by p.
func NewManager(p Provider, opts ...Option) *Manager {
	m := &Manager{provider: p}
	m.SetComponent(diaglog.ComponentDeviceManager)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire releases any held stream and opens a new one.
func (m *Manager) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseLocked("reacquire")

	if m.lockPath != "" {
		lock, err := pidfile.New(m.lockPath)
		if err != nil {
			derr := NewDeviceError(KindBusy, err)
			if !errors.Is(err, pidfile.ErrHeld) {
				derr = NewDeviceError(KindNoDevice, err)
			}
			m.logAcquireError(derr)
			return nil, derr
		}
		m.lock = lock
	}

	s, err := m.provider.Open(ctx, c)
	if err != nil {
		_ = m.lock.Remove()
		m.lock = nil
		var derr *DeviceError
		if !errors.As(err, &derr) {
			derr = NewDeviceError(KindNoDevice, fmt.Errorf("open stream: %w", err))
		}
		m.logAcquireError(derr)
		return nil, derr
	}

	m.current = s
	if m.preview != nil {
		m.preview.Attach(s)
	}
	m.Log(diaglog.LogEntry{
		Event: diaglog.EventDeviceAcquire,
		Payload: map[string]interface{}{
			"stream": s.ID(),
			"audio":  s.HasAudio(),
			"video":  s.HasVideo(),
		},
	})
	return s, nil
}

// Release stops s. Releasing an already released stream is a no-op.
func (m *Manager) Release(s Stream) {
	if s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == m.current {
		m.releaseLocked("release")
		return
	}
	_ = s.Stop()
}

// Current returns the live stream, or nil.
func (m *Manager) Current() Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close releases whatever is held.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked("close")
}

func (m *Manager) releaseLocked(reason string) {
	if m.current == nil {
		return
	}
	s := m.current
	m.current = nil
	if m.preview != nil {
		m.preview.Detach()
	}
	if err := s.Stop(); err != nil {
		m.Log(diaglog.LogEntry{Event: diaglog.EventDeviceRelease, Reason: "stop_error: " + err.Error()})
	}
	_ = m.lock.Remove()
	m.lock = nil
	m.Log(diaglog.LogEntry{
		Event:   diaglog.EventDeviceRelease,
		Reason:  reason,
		Payload: map[string]interface{}{"stream": s.ID()},
	})
}

func (m *Manager) logAcquireError(err *DeviceError) {
	m.Log(diaglog.LogEntry{
		Event:  diaglog.EventDeviceAcquireError,
		Reason: string(err.Kind),
	})
}
