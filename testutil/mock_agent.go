package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tiroq/fluentcap/internal/capture/agent"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// MockAgent simulates a capture agent over a websocket.
type MockAgent struct {
	server *httptest.Server

	mu          sync.Mutex
	MIMETypes   []string
	NoAudio     bool
	FailKind    string // when set, OpOpen is answered with this error kind
	Chunks      [][]byte
	FinalChunks [][]byte
	ops         []int
	encodeMIME  string
}

// NewMockAgent starts the agent on a loopback port.
func NewMockAgent() *MockAgent {
	m := &MockAgent{
		MIMETypes: []string{"video/webm;codecs=vp9", "video/webm;codecs=vp8", "video/webm"},
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the ws:// address of the agent.
func (m *MockAgent) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

// Close stops the server.
func (m *MockAgent) Close() {
	m.server.Close()
}

// Ops returns the op codes received from the client in order.
func (m *MockAgent) Ops() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.ops))
	copy(out, m.ops)
	return out
}

// EncodeMIME returns the MIME type of the last OpEncode.
func (m *MockAgent) EncodeMIME() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.encodeMIME
}

func (m *MockAgent) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	m.mu.Lock()
	hello := agent.HelloData{AgentVersion: "mock-1", MIMETypes: m.MIMETypes}
	m.mu.Unlock()
	if err := sendControl(conn, agent.OpHello, hello); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg agent.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		m.mu.Lock()
		m.ops = append(m.ops, msg.Op)
		m.mu.Unlock()

		switch msg.Op {
		case agent.OpOpen:
			m.mu.Lock()
			opened := agent.OpenedData{OK: true, StreamID: "mock-stream", Audio: !m.NoAudio, Video: true}
			if m.FailKind != "" {
				opened = agent.OpenedData{ErrorKind: m.FailKind, Message: "mock failure"}
			}
			m.mu.Unlock()
			_ = sendControl(conn, agent.OpOpened, opened)
		case agent.OpEncode:
			var enc agent.EncodeData
			_ = json.Unmarshal(msg.D, &enc)
			m.mu.Lock()
			m.encodeMIME = enc.MIME
			chunks := m.Chunks
			m.mu.Unlock()
			for _, c := range chunks {
				_ = conn.WriteMessage(websocket.BinaryMessage, c)
			}
		case agent.OpFlush:
			m.mu.Lock()
			final := m.FinalChunks
			m.mu.Unlock()
			for _, c := range final {
				_ = conn.WriteMessage(websocket.BinaryMessage, c)
			}
			_ = sendControl(conn, agent.OpFlushed, nil)
		case agent.OpClose:
			return
		}
	}
}

func sendControl(conn *websocket.Conn, op int, d interface{}) error {
	msg := agent.Message{Op: op}
	if d != nil {
		raw, err := json.Marshal(d)
		if err != nil {
			return err
		}
		msg.D = raw
	}
	return conn.WriteJSON(msg)
}
