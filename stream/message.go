package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
)

// NewMessage is a message that has not been appended yet.
type NewMessage struct {
	ID       uuid.UUID `json:"id"`
	Type     string    `json:"type"`
	Data     []byte    `json:"data"`
	Metadata []byte    `json:"metadata,omitempty"`
}

func (m NewMessage) Validate() error {
	if m.ID.IsNil() {
		return fmt.Errorf("%w: message id is nil", ErrInvalidMessage)
	}
	if m.Type == "" {
		return fmt.Errorf("%w: message %s is missing type", ErrInvalidMessage, m.ID)
	}
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: message %s is missing data", ErrInvalidMessage, m.ID)
	}
	return nil
}

// ValidateBatch validates every message and rejects ids repeated inside the batch.
func ValidateBatch(msgs []NewMessage) error {
	seen := make(map[uuid.UUID]struct{}, len(msgs))
	for _, m := range msgs {
		err := m.Validate()
		if err != nil {
			return err
		}
		if _, ok := seen[m.ID]; ok {
			return fmt.Errorf("%w: message id %s is repeated in batch", ErrInvalidMessage, m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	return nil
}

// PayloadLoader fetches the data of a message that was read without prefetch.
type PayloadLoader func(ctx context.Context) ([]byte, error)

// Message is a committed message.
type Message struct {
	NewMessage

	StreamID ID        `json:"stream_id"`
	Version  Version   `json:"version"`
	Position Position  `json:"position"`
	Created  time.Time `json:"created"`

	loader PayloadLoader
}

// WithPayloadLoader returns a copy of m whose Data is fetched on demand.
func (m Message) WithPayloadLoader(l PayloadLoader) Message {
	m.Data = nil
	m.loader = l
	return m
}

// Payload returns the message data, loading it if the read did not prefetch it.
func (m Message) Payload(ctx context.Context) ([]byte, error) {
	if m.Data != nil || m.loader == nil {
		return m.Data, nil
	}
	return m.loader(ctx)
}

func (m Message) String() string {
	return fmt.Sprintf("%s@%d(%d) %s %s", m.StreamID, m.Version, m.Position, m.Type, m.ID)
}
