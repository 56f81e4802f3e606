package server

// Message types exchanged over the WebSocket as JSON text frames.
const (
	TypeQuery  = "query"
	TypeStatus = "status"

	TypeStreamStart = "stream_start"
	TypeStreamChunk = "stream_chunk"
	TypeStreamEnd   = "stream_end"
	TypeError       = "error"
)

// ClientMessage is an inbound frame.
type ClientMessage struct {
	Type     string `json:"type"`
	Question string `json:"question,omitempty"`
	Index    string `json:"index,omitempty"`
}

// Outbound frames. One struct per type so each carries exactly the fields
// the protocol names; stream_end always includes "sources", even when empty.

type streamStartMsg struct {
	Type string `json:"type"`
}

type streamChunkMsg struct {
	Type  string `json:"type"`
	Chunk string `json:"chunk"`
}

type streamEndMsg struct {
	Type    string   `json:"type"`
	Sources []string `json:"sources"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type statusMsg struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func newStreamStart() streamStartMsg {
	return streamStartMsg{Type: TypeStreamStart}
}

func newStreamChunk(chunk string) streamChunkMsg {
	return streamChunkMsg{Type: TypeStreamChunk, Chunk: chunk}
}

func newStreamEnd(sources []string) streamEndMsg {
	if sources == nil {
		sources = []string{}
	}
	return streamEndMsg{Type: TypeStreamEnd, Sources: sources}
}

func newError(message string) errorMsg {
	return errorMsg{Type: TypeError, Message: message}
}

func newStatus(status string, message string) statusMsg {
	return statusMsg{Type: TypeStatus, Status: status, Message: message}
}
