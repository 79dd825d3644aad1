package stream

import (
	"github.com/gofrs/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	MessageDeletedType = "$message-deleted"
	StreamDeletedType  = "$stream-deleted"
)

type MessageDeleted struct {
	StreamID  ID        `json:"stream_id"`
	MessageID uuid.UUID `json:"message_id"`
}

type StreamDeleted struct {
	StreamID ID `json:"stream_id"`
}

// Message returns the tombstone as a message for the deleted stream. Ids are
// fresh since stream and message ids may be reused after a delete.
func (d MessageDeleted) Message() (NewMessage, error) {
	return tombstone(MessageDeletedType, d)
}

func (d StreamDeleted) Message() (NewMessage, error) {
	return tombstone(StreamDeletedType, d)
}

func tombstone(t string, v any) (NewMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return NewMessage{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return NewMessage{}, err
	}
	return NewMessage{
		ID:   id,
		Type: t,
		Data: data,
	}, nil
}

// ParseMessageDeleted decodes the payload of a $message-deleted message.
func ParseMessageDeleted(data []byte) (d MessageDeleted, err error) {
	err = json.Unmarshal(data, &d)
	return
}

func ParseStreamDeleted(data []byte) (d StreamDeleted, err error) {
	err = json.Unmarshal(data, &d)
	return
}
