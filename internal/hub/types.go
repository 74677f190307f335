package hub

import "encoding/json"

// clientMessage is the JSON shape of every client → server frame in the
// wire protocol: subscribe, unsubscribe, enqueue, command.
type clientMessage struct {
	Type       string          `json:"type"`
	WorldID    string          `json:"worldId"`
	ChatID     string          `json:"chatId,omitempty"`
	ReplayFrom json.RawMessage `json:"replayFrom,omitempty"` // "beginning" | <int>
	Content    string          `json:"content,omitempty"`
	Sender     string          `json:"sender,omitempty"`
	Text       string          `json:"text,omitempty"`
}

// serverMessage is the JSON shape of every server → client frame: the raw
// event families wrapped with a type discriminator and, for replayable
// families, a monotonically increasing per-world sequence number.
type serverMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
	Seq     int64  `json:"seq,omitempty"`
}

// statusPayload reports a queued message's lifecycle. The reply to an
// enqueue request goes to the enqueuing client; statuses published on the
// world's bus go to every connection subscribed to the world.
type statusPayload struct {
	WorldID   string `json:"worldId"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"` // queued | processing | completed | failed
	Error     string `json:"error,omitempty"`
}

// errorPayload reports a malformed or rejected client frame.
type errorPayload struct {
	Message string `json:"message"`
}

// exportPayload carries a chat transcript back to the client that ran
// /export, in either the textual or JSON-structured format.
type exportPayload struct {
	ChatID  string `json:"chatId"`
	Format  string `json:"format"` // text | json
	Content string `json:"content"`
}

const (
	msgTypeSubscribe   = "subscribe"
	msgTypeUnsubscribe = "unsubscribe"
	msgTypeEnqueue     = "enqueue"
	msgTypeCommand     = "command"

	replayFromBeginning = "beginning"
)
