// Package agent implements capture.Provider on top of a capture agent: a
// browser page or native helper that owns the camera and microphone and
// streams encoded chunks over a websocket.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiroq/fluentcap/internal/capture"
	"github.com/tiroq/fluentcap/internal/diaglog"
)

const handshakeTimeout = 10 * time.Second

// Provider dials the agent once per acquired stream.
type Provider struct {
	diaglog.Holder

	url    string
	dialer *websocket.Dialer
}

// NewProvider creates a provider for the agent listening at url.
func NewProvider(url string) *Provider {
	p := &Provider{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
	p.SetComponent(diaglog.ComponentCaptureAgent)
	return p
}

// Open dials the agent, reads its hello and requests the devices.
func (p *Provider) Open(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return nil, capture.NewDeviceError(capture.KindNoDevice, fmt.Errorf("dial capture agent: %w", err))
	}

	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	var hello HelloData
	if err := readControl(conn, OpHello, &hello); err != nil {
		conn.Close()
		return nil, capture.NewDeviceError(capture.KindNoDevice, fmt.Errorf("agent hello: %w", err))
	}

	msg, err := encode(OpOpen, c)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteJSON(msg); err != nil {
		conn.Close()
		return nil, capture.NewDeviceError(capture.KindNoDevice, fmt.Errorf("send open: %w", err))
	}

	var opened OpenedData
	if err := readControl(conn, OpOpened, &opened); err != nil {
		conn.Close()
		return nil, capture.NewDeviceError(capture.KindNoDevice, fmt.Errorf("agent open: %w", err))
	}
	if !opened.OK {
		conn.Close()
		return nil, capture.NewDeviceError(errorKind(opened.ErrorKind), errors.New(opened.Message))
	}
	_ = conn.SetReadDeadline(time.Time{})

	p.Log(diaglog.LogEntry{
		Event: diaglog.EventDeviceAcquire,
		Payload: map[string]interface{}{
			"agent_version": hello.AgentVersion,
			"stream":        opened.StreamID,
			"mime_types":    hello.MIMETypes,
		},
	})

	s := &Stream{
		conn:      conn,
		id:        opened.StreamID,
		audio:     opened.Audio,
		video:     opened.Video,
		mimeTypes: hello.MIMETypes,
		closed:    make(chan struct{}),
		holder:    &p.Holder,
	}
	go s.readLoop()
	return s, nil
}

func errorKind(s string) capture.ErrorKind {
	switch k := capture.ErrorKind(s); k {
	case capture.KindPermissionDenied, capture.KindNoDevice, capture.KindNoAudio, capture.KindBusy:
		return k
	default:
		return capture.KindNoDevice
	}
}

// readControl reads frames until a control message arrives and checks its op.
func readControl(conn *websocket.Conn, wantOp int, into interface{}) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode control frame: %w", err)
		}
		if msg.Op != wantOp {
			return fmt.Errorf("unexpected op %d, want %d", msg.Op, wantOp)
		}
		if into == nil || len(msg.D) == 0 {
			return nil
		}
		return json.Unmarshal(msg.D, into)
	}
}

// Stream is a device session held by the agent.
type Stream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	id        string
	audio     bool
	video     bool
	mimeTypes []string
	holder    *diaglog.Holder

	mu      sync.Mutex
	encoder *Encoder
	stopped bool
	closed  chan struct{}
	once    sync.Once
}

func (s *Stream) ID() string     { return s.id }
func (s *Stream) HasAudio() bool { return s.audio }
func (s *Stream) HasVideo() bool { return s.video }

func (s *Stream) SupportsMIME(mime string) bool {
	for _, m := range s.mimeTypes {
		if m == mime {
			return true
		}
	}
	return false
}

func (s *Stream) NewEncoder(mime string) (capture.Encoder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, fmt.Errorf("stream %s stopped", s.id)
	}
	if s.encoder != nil && !s.encoder.finished() {
		return nil, fmt.Errorf("stream %s already encoding", s.id)
	}
	e := &Encoder{stream: s, mime: mime}
	s.encoder = e
	return e, nil
}

// Stop tells the agent to end the tracks and closes the connection.
func (s *Stream) Stop() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		if msg, merr := encode(OpClose, nil); merr == nil {
			_ = s.write(msg)
		}
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "released"))
		s.writeMu.Unlock()
		err = s.conn.Close()
		<-s.closed
	})
	return err
}

func (s *Stream) write(msg Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// readLoop routes binary frames to the active encoder and closes its chunk
// channel on OpFlushed or when the connection ends.
func (s *Stream) readLoop() {
	defer func() {
		s.mu.Lock()
		e := s.encoder
		s.mu.Unlock()
		if e != nil {
			e.finish()
		}
		close(s.closed)
	}()

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		e := s.encoder
		s.mu.Unlock()

		switch kind {
		case websocket.BinaryMessage:
			if e != nil {
				e.deliver(data)
			}
		case websocket.TextMessage:
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Op == OpFlushed && e != nil {
				e.finish()
			}
		}
	}
}

// Encoder drives one encoding run on the agent.
type Encoder struct {
	stream *Stream
	mime   string

	mu      sync.Mutex
	ch      chan []byte
	flushed bool
	done    bool
}

func (e *Encoder) Start() (<-chan []byte, error) {
	e.mu.Lock()
	if e.ch != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("encoder already started")
	}
	e.ch = make(chan []byte, 64)
	ch := e.ch
	e.mu.Unlock()

	msg, err := encode(OpEncode, EncodeData{MIME: e.mime})
	if err != nil {
		return nil, err
	}
	if err := e.stream.write(msg); err != nil {
		e.finish()
		return nil, fmt.Errorf("start encoder: %w", err)
	}
	return ch, nil
}

func (e *Encoder) Stop() error {
	e.mu.Lock()
	if e.ch == nil || e.flushed || e.done {
		e.mu.Unlock()
		return nil
	}
	e.flushed = true
	e.mu.Unlock()

	msg, err := encode(OpFlush, nil)
	if err != nil {
		return err
	}
	if err := e.stream.write(msg); err != nil {
		// The read loop closes the channel once the connection drops.
		return fmt.Errorf("flush encoder: %w", err)
	}
	return nil
}

// deliver is only called from the stream read loop, so sends never race
// with finish.
func (e *Encoder) deliver(chunk []byte) {
	e.mu.Lock()
	ch, done := e.ch, e.done
	e.mu.Unlock()
	if ch == nil || done || len(chunk) == 0 {
		return
	}
	ch <- chunk
}

func (e *Encoder) finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.done = true
	if e.ch != nil {
		close(e.ch)
	}
}

func (e *Encoder) finished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}
