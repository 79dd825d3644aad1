package api

import (
	stdJson "encoding/json"
	"time"

	"github.com/gofrs/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/iidesho/cedar/stream"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type MessageRequest struct {
	ID       uuid.UUID          `json:"id"`
	Type     string             `json:"type"`
	Data     stdJson.RawMessage `json:"data"`
	Metadata stdJson.RawMessage `json:"metadata,omitempty"`
}

type AppendRequest struct {
	ExpectedVersion string           `json:"expected_version"`
	Messages        []MessageRequest `json:"messages"`
}

// messages builds the batch, messages without an id get a v7 id.
func (r AppendRequest) messages() ([]stream.NewMessage, error) {
	msgs := make([]stream.NewMessage, 0, len(r.Messages))
	for _, m := range r.Messages {
		nm, err := stream.NewBuilder().
			WithID(m.ID).
			WithType(m.Type).
			WithData(m.Data).
			WithMetadata(m.Metadata).
			Build()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, nm)
	}
	return msgs, nil
}

type MessageResponse struct {
	ID       uuid.UUID          `json:"id"`
	StreamID stream.ID          `json:"stream_id"`
	Type     string             `json:"type"`
	Version  stream.Version     `json:"version"`
	Position stream.Position    `json:"position"`
	Created  time.Time          `json:"created"`
	Data     stdJson.RawMessage `json:"data"`
	Metadata stdJson.RawMessage `json:"metadata,omitempty"`
}

func NewMessageResponse(m stream.Message) MessageResponse {
	return MessageResponse{
		ID:       m.ID,
		StreamID: m.StreamID,
		Type:     m.Type,
		Version:  m.Version,
		Position: m.Position,
		Created:  m.Created,
		Data:     raw(m.Data),
		Metadata: raw(m.Metadata),
	}
}

// raw passes json through and encodes anything else as a base64 string.
func raw(b []byte) stdJson.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return b
	}
	q, _ := json.Marshal(b)
	return q
}

func newMessageResponses(msgs []stream.Message) []MessageResponse {
	out := make([]MessageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = NewMessageResponse(m)
	}
	return out
}

type PageResponse struct {
	StreamID     stream.ID         `json:"stream_id"`
	Direction    string            `json:"direction"`
	FromVersion  stream.Version    `json:"from_version"`
	NextVersion  stream.Version    `json:"next_version"`
	LastVersion  stream.Version    `json:"last_version"`
	LastPosition stream.Position   `json:"last_position"`
	IsEnd        bool              `json:"is_end"`
	Messages     []MessageResponse `json:"messages"`
}

type AllPageResponse struct {
	Direction    string            `json:"direction"`
	FromPosition stream.Position   `json:"from_position"`
	NextPosition stream.Position   `json:"next_position"`
	IsEnd        bool              `json:"is_end"`
	Messages     []MessageResponse `json:"messages"`
}

type HeadResponse struct {
	Position stream.Position `json:"position"`
}

const (
	FrameMessage  = "message"
	FrameCaughtUp = "caught_up"
	FrameDropped  = "dropped"
)

// Frame is what subscription endpoints send, over websocket or as events.
type Frame struct {
	Type    string           `json:"type"`
	Message *MessageResponse `json:"message,omitempty"`
	Reason  string           `json:"reason,omitempty"`
	Error   string           `json:"error,omitempty"`
}
