package websocket

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionPing Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// PingRequest is sent by the connectivity probe.
type PingRequest struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError Event = "error"
	EventPong  Event = "pong"
)

// ResponseEnvelope is used to peek at the event of a server message.
type ResponseEnvelope struct {
	Event Event  `json:"event"`
	Error string `json:"error,omitempty"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

// PongResponse answers a ping. AssessmentID echoes the stream it came from.
type PongResponse struct {
	Event        Event  `json:"event"`
	AssessmentID string `json:"assessment_id"`
}
