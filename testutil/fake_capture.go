package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/tiroq/fluentcap/internal/capture"
)

// FakeProvider is a hardware-free capture.Provider. Streams it opens emit the
// scripted Chunks on Start and FinalChunks while flushing on Stop.
type FakeProvider struct {
	mu sync.Mutex

	OpenErr     error    // returned by every Open while set
	NoAudio     bool     // streams lack an audio track
	NoVideo     bool     // streams lack a video track
	Supported   []string // encodable MIME types; nil means all
	Chunks      [][]byte
	FinalChunks [][]byte
	StallFlush  bool // encoders never finish flushing until their stream stops

	streams []*FakeStream
	events  []string
	opens   int
}

// NewFakeProvider returns a provider with audio+video streams.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{}
}

// Open implements capture.Provider.
func (p *FakeProvider) Open(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	s := &FakeStream{
		id:        fmt.Sprintf("fake-%d", p.opens),
		audio:     c.Audio && !p.NoAudio,
		video:     c.Video && !p.NoVideo,
		supported: append([]string(nil), p.Supported...),
		provider:  p,
	}
	p.streams = append(p.streams, s)
	p.events = append(p.events, "open:"+s.id)
	return s, nil
}

// Streams returns every stream opened so far.
func (p *FakeProvider) Streams() []*FakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*FakeStream(nil), p.streams...)
}

// Live counts streams that have not been stopped.
func (p *FakeProvider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.streams {
		if !s.stopped {
			n++
		}
	}
	return n
}

// Events returns the ordered open/encode/stop log.
func (p *FakeProvider) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *FakeProvider) record(ev string) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

// FakeStream is the capture.Stream handed out by FakeProvider.
type FakeStream struct {
	id        string
	audio     bool
	video     bool
	supported []string
	provider  *FakeProvider

	mu        sync.Mutex
	stopped   bool
	stopCalls int
	encoders  []*FakeEncoder
}

func (s *FakeStream) ID() string     { return s.id }
func (s *FakeStream) HasAudio() bool { return s.audio }
func (s *FakeStream) HasVideo() bool { return s.video }

func (s *FakeStream) SupportsMIME(mime string) bool {
	if s.supported == nil {
		return true
	}
	for _, m := range s.supported {
		if m == mime {
			return true
		}
	}
	return false
}

func (s *FakeStream) NewEncoder(mime string) (capture.Encoder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, fmt.Errorf("stream %s stopped", s.id)
	}
	s.provider.mu.Lock()
	chunks := append([][]byte(nil), s.provider.Chunks...)
	final := append([][]byte(nil), s.provider.FinalChunks...)
	stall := s.provider.StallFlush
	s.provider.mu.Unlock()
	e := &FakeEncoder{MIME: mime, stream: s, chunks: chunks, final: final, stall: stall}
	s.encoders = append(s.encoders, e)
	return e, nil
}

func (s *FakeStream) Stop() error {
	s.mu.Lock()
	s.stopCalls++
	already := s.stopped
	s.stopped = true
	encoders := append([]*FakeEncoder(nil), s.encoders...)
	s.mu.Unlock()
	if !already {
		s.provider.record("stop:" + s.id)
	}
	// a dropped connection ends any encoder still flushing
	for _, e := range encoders {
		e.closeChunks()
	}
	return nil
}

// Stopped reports whether Stop has been called.
func (s *FakeStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Encoders returns the encoders created on this stream.
func (s *FakeStream) Encoders() []*FakeEncoder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*FakeEncoder(nil), s.encoders...)
}

// FakeEncoder emits scripted chunks.
type FakeEncoder struct {
	MIME   string
	stream *FakeStream
	chunks [][]byte
	final  [][]byte
	stall  bool

	mu      sync.Mutex
	ch      chan []byte
	stopped bool
	closed  bool
}

func (e *FakeEncoder) Start() (<-chan []byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ch != nil {
		return nil, fmt.Errorf("encoder already started")
	}
	e.ch = make(chan []byte, 1024)
	for _, c := range e.chunks {
		e.ch <- c
	}
	e.stream.provider.record("encode:" + e.stream.id)
	return e.ch, nil
}

// Emit delivers one more chunk while recording.
func (e *FakeEncoder) Emit(chunk []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ch == nil || e.stopped || e.closed {
		return
	}
	e.ch <- chunk
}

func (e *FakeEncoder) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ch == nil || e.stopped || e.closed {
		return nil
	}
	e.stopped = true
	e.stream.provider.record("flush:" + e.stream.id)
	if e.stall {
		return nil
	}
	for _, c := range e.final {
		e.ch <- c
	}
	e.closed = true
	close(e.ch)
	return nil
}

func (e *FakeEncoder) closeChunks() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ch == nil || e.closed {
		return
	}
	e.closed = true
	close(e.ch)
}

// FakePreview records Attach/Detach calls.
type FakePreview struct {
	mu       sync.Mutex
	attached capture.Stream
	attaches int
	detaches int
}

func (p *FakePreview) Attach(s capture.Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = s
	p.attaches++
}

func (p *FakePreview) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = nil
	p.detaches++
}

// Attached returns the currently bound stream.
func (p *FakePreview) Attached() capture.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached
}

// Counts returns attach and detach totals.
func (p *FakePreview) Counts() (attaches, detaches int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attaches, p.detaches
}
