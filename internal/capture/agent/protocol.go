package agent

import "encoding/json"

// OpCodes of the capture agent protocol. Control messages are JSON text
// frames; encoded media travels as binary frames between OpEncode and
// OpFlushed.
const (
	OpHello   = 0 // agent -> client: capabilities
	OpOpen    = 1 // client -> agent: open devices with constraints
	OpOpened  = 2 // agent -> client: open result
	OpEncode  = 3 // client -> agent: start encoding with a MIME type
	OpFlush   = 4 // client -> agent: stop encoding, flush remaining data
	OpFlushed = 5 // agent -> client: last chunk has been sent
	OpClose   = 6 // client -> agent: stop all tracks
)

// Message is the control frame envelope.
type Message struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

// HelloData advertises what the agent can produce.
type HelloData struct {
	AgentVersion string   `json:"agentVersion"`
	MIMETypes    []string `json:"mimeTypes"`
}

// OpenedData answers OpOpen.
type OpenedData struct {
	OK       bool   `json:"ok"`
	StreamID string `json:"streamId,omitempty"`
	Audio    bool   `json:"audio"`
	Video    bool   `json:"video"`
	// ErrorKind is one of the capture.ErrorKind values when OK is false.
	ErrorKind string `json:"errorKind,omitempty"`
	Message   string `json:"message,omitempty"`
}

// EncodeData starts an encoder.
type EncodeData struct {
	MIME string `json:"mime"`
}

func encode(op int, d interface{}) (Message, error) {
	msg := Message{Op: op}
	if d == nil {
		return msg, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return msg, err
	}
	msg.D = raw
	return msg, nil
}
