package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tiroq/fluentcap/internal/config"
	"github.com/tiroq/fluentcap/internal/fileutil"
	"github.com/tiroq/fluentcap/internal/history"
	"github.com/tiroq/fluentcap/internal/ipc"
	"github.com/tiroq/fluentcap/internal/media"
	"github.com/tiroq/fluentcap/internal/report"
	"github.com/tiroq/fluentcap/internal/statemachine"
	"github.com/tiroq/fluentcap/internal/submission"
	"github.com/tiroq/fluentcap/internal/telemetry"
)

type daemon struct {
	cfg  config.Config
	sess *statemachine.Context
	m    *statemachine.Machine
	dir  string

	dirty chan struct{}
	quit  chan struct{}
	once  sync.Once

	mu            sync.Mutex
	lastAction    string
	lastCmdErr    string
	recordingPath string
	savedFiles    []string
}

func newDaemon(cfg config.Config, sess *statemachine.Context, metrics *telemetry.Metrics, store *history.Store) *daemon {
	d := &daemon{
		cfg:   cfg,
		sess:  sess,
		dir:   ipc.DefaultDir(),
		dirty: make(chan struct{}, 1),
		quit:  make(chan struct{}),
	}
	d.m = wire(cfg, sess, metrics, store, func(int) { d.kick() })
	d.m.OnTransition(d.onTransition)
	return d
}

// kick schedules a status write.
func (d *daemon) kick() {
	select {
	case d.dirty <- struct{}{}:
	default:
	}
}

func (d *daemon) onTransition(tr statemachine.Transition) {
	logger.Infof("[RUNNING] State %s -> %s (%s)", tr.From, tr.To, tr.Reason)
	switch {
	case tr.From == statemachine.StateRecording && tr.To == statemachine.StateRecorded:
		d.saveRecording()
	case tr.To == statemachine.StateCompleted:
		d.saveReports()
	case tr.To == statemachine.StateArmed:
		d.mu.Lock()
		d.recordingPath, d.savedFiles = "", nil
		d.mu.Unlock()
	}
	d.kick()
}

// ── Commands ────────────────────────────────────────────────────────────────

// watchCommands monitors cmd.json with fsnotify and a 1s polling fallback.
func (d *daemon) watchCommands(ctx context.Context) error {
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return err
	}
	cmdPath := ipc.CommandPath(d.dir)

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("[STARTUP] fsnotify not available, falling back to polling: %v", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(d.dir); err != nil {
			logger.Warnf("[STARTUP] Failed to watch command directory, falling back to polling: %v", err)
		} else {
			events, errs = watcher.Events, watcher.Errors
			logger.Infof("[STARTUP] Watching %s", cmdPath)
		}
	}

	pollTicker := time.NewTicker(time.Second)
	defer pollTicker.Stop()
	lastCheck := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name == cmdPath && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				d.readAndHandle(ctx)
				lastCheck = time.Now()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warnf("[RUNNING] File watcher error: %v", err)
		case <-pollTicker.C:
			if fi, err := os.Stat(cmdPath); err == nil && fi.ModTime().After(lastCheck) {
				d.readAndHandle(ctx)
				lastCheck = time.Now()
			}
		}
	}
}

func (d *daemon) readAndHandle(ctx context.Context) {
	env, err := ipc.ReadCommand(d.dir)
	if err != nil {
		logger.Warnf("[RUNNING] Bad command: %v", err)
		d.setResult("invalid command", err)
		return
	}
	if env == nil {
		return
	}
	if env.Cmd == ipc.CmdStop {
		// the flush can take a while; keep reading so a reset gets through
		go func() { d.setResult(string(env.Cmd), d.handleCommand(ctx, env)) }()
		return
	}
	err = d.handleCommand(ctx, env)
	d.setResult(string(env.Cmd), err)
}

func (d *daemon) handleCommand(ctx context.Context, env *ipc.Envelope) error {
	logger.Infof("[RUNNING] Command: %s", env.Cmd)

	switch env.Cmd {
	case ipc.CmdDetails:
		age, err := strconv.Atoi(env.Arg("age"))
		if err != nil {
			return fmt.Errorf("age must be a number: %w", err)
		}
		return d.m.SubmitDetails(ctx, submission.UserDetails{
			Name:   env.Arg("name"),
			Email:  env.Arg("email"),
			Age:    age,
			Gender: strings.ToLower(env.Arg("gender")),
		})
	case ipc.CmdStart:
		return d.m.StartRecording(ctx)
	case ipc.CmdStop:
		return d.m.StopRecording(ctx)
	case ipc.CmdReset:
		return d.m.ResetRecording(ctx)
	case ipc.CmdSelect:
		a, err := media.LoadFile(env.Arg("path"))
		if err != nil {
			return err
		}
		return d.m.SelectFile(a)
	case ipc.CmdSubmit:
		return d.m.Submit()
	case ipc.CmdAccept:
		return d.m.AcceptConsent(ctx)
	case ipc.CmdDecline:
		return d.m.DeclineConsent()
	case ipc.CmdRetry:
		return d.m.Retry()
	case ipc.CmdProvider:
		d.m.SetProvider(env.Arg("id"))
		return nil
	case ipc.CmdNew:
		return d.m.NewAnalysis(ctx)
	case ipc.CmdQuit:
		d.once.Do(func() { close(d.quit) })
		return nil
	}
	return fmt.Errorf("unhandled command %q", env.Cmd)
}

func (d *daemon) setResult(action string, err error) {
	d.mu.Lock()
	d.lastAction = action
	d.lastCmdErr = ""
	if err != nil {
		d.lastCmdErr = err.Error()
		logger.Warnf("[RUNNING] Command %s failed: %v", action, err)
	}
	d.mu.Unlock()
	d.kick()
}

// ── Status ──────────────────────────────────────────────────────────────────

func (d *daemon) publishStatus(ctx context.Context) error {
	d.writeStatus()
	for {
		select {
		case <-ctx.Done():
			d.writeStatus()
			return nil
		case <-d.dirty:
			d.writeStatus()
		}
	}
}

func (d *daemon) writeStatus() {
	snap := d.m.Snapshot()
	st := &ipc.StatusSnapshot{
		SessionID:      snap.SessionID,
		UserID:         snap.UserID,
		State:          string(snap.State),
		Seconds:        snap.Seconds,
		ArtifactBytes:  snap.ArtifactBytes,
		ArtifactMIME:   snap.ArtifactMIME,
		ArtifactSource: snap.ArtifactSource,
		ConsentPending: snap.ConsentPending(),
		ProviderID:     snap.ProviderID,
		TaskID:         snap.TaskID,
		TaskStatus:     string(snap.TaskStatus),
		LastError:      snap.LastError,
		Timestamp:      time.Now(),
	}
	if snap.Result != nil {
		score := report.Score(snap.Result)
		st.FluencyScore = &score
		st.Summary = report.Summary(snap.Result)
	}

	d.mu.Lock()
	st.LastAction = d.lastAction
	if d.lastCmdErr != "" {
		st.LastError = d.lastCmdErr
	}
	st.SavedFiles = append([]string(nil), d.savedFiles...)
	d.mu.Unlock()

	if err := ipc.WriteStatus(d.dir, st); err != nil {
		logger.Warnf("[RUNNING] Failed to write status: %v", err)
	}
}

// ── Outputs ─────────────────────────────────────────────────────────────────

func (d *daemon) saveRecording() {
	if !d.cfg.Output.SaveRecordings {
		return
	}
	a := d.m.Artifact()
	if a == nil {
		return
	}
	path, err := fileutil.SaveArtifact(d.cfg.Output.Dir, a)
	if err != nil {
		logger.Errorf("[RUNNING] Failed to save recording: %v", err)
		return
	}
	meta := &fileutil.RecordingMetadata{
		Version:    Version,
		SessionID:  d.sess.SessionID,
		UserID:     d.sess.User.ID,
		SavedAt:    time.Now().UTC(),
		Source:     string(a.Source()),
		MIMEType:   a.MIMEType(),
		Bytes:      a.Size(),
		Duration:   a.Duration().Round(time.Millisecond).String(),
		DurationMs: a.Duration().Milliseconds(),
		Digest:     a.Digest(),
		OutputFile: filepath.Base(path),
	}
	if err := fileutil.WriteMetadata(path, meta); err != nil {
		logger.Warnf("[RUNNING] Failed to write recording metadata: %v", err)
	}
	logger.Infof("[RUNNING] Recording saved: %s (%d bytes)", path, a.Size())

	d.mu.Lock()
	d.recordingPath = path
	d.savedFiles = []string{path}
	d.mu.Unlock()
}

func (d *daemon) saveReports() {
	snap := d.m.Snapshot()
	if snap.Result == nil {
		return
	}
	d.mu.Lock()
	recPath := d.recordingPath
	d.mu.Unlock()

	base := filepath.Join(d.cfg.Output.Dir, fileutil.SanitizeForFilename(snap.TaskID))
	if recPath != "" {
		base = strings.TrimSuffix(recPath, filepath.Ext(recPath))
	}
	rep := &report.Report{
		TaskID:      snap.TaskID,
		UserID:      snap.UserID,
		ProviderID:  snap.ProviderID,
		CompletedAt: time.Now().UTC(),
		Result:      snap.Result,
	}
	written, err := report.WriteAll(base, rep, d.cfg.Output.ReportFormats)
	if err != nil {
		logger.Errorf("[RUNNING] Failed to write reports: %v", err)
	}
	logger.Infof("[RUNNING] %s (task %s, reports %v)", report.Summary(snap.Result), snap.TaskID, written)

	if recPath != "" {
		if meta, err := fileutil.ReadMetadata(recPath); err == nil {
			score := snap.Result.FluencyScore
			meta.Analysis = &fileutil.AnalysisMeta{
				TaskID:       snap.TaskID,
				ProviderID:   snap.ProviderID,
				Status:       string(snap.TaskStatus),
				FluencyScore: &score,
				Reports:      written,
				CompletedAt:  rep.CompletedAt,
			}
			if err := fileutil.WriteMetadata(recPath, meta); err != nil {
				logger.Warnf("[RUNNING] Failed to update recording metadata: %v", err)
			}
		}
	}

	d.mu.Lock()
	d.savedFiles = append(d.savedFiles, written...)
	d.mu.Unlock()
}
