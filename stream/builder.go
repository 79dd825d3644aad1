package stream

import (
	"github.com/gofrs/uuid"
	log "github.com/iidesho/bragi/sbragi"
)

type builder struct {
	id       uuid.UUID
	typ      string
	data     []byte
	metadata []byte
	err      error
}

type Builder interface {
	WithID(id uuid.UUID) builder
	WithType(t string) builder
	WithData(data []byte) builder
	WithJSONData(v any) builder
	WithMetadata(data []byte) builder
	Build() (NewMessage, error)
}

func NewBuilder() Builder {
	return builder{}
}

func (b builder) WithID(id uuid.UUID) builder {
	b.id = id
	return b
}

func (b builder) WithType(t string) builder {
	b.typ = t
	return b
}

func (b builder) WithData(data []byte) builder {
	b.data = data
	return b
}

func (b builder) WithJSONData(v any) builder {
	b.data, b.err = json.Marshal(v)
	return b
}

func (b builder) WithMetadata(data []byte) builder {
	b.metadata = data
	return b
}

// Build assigns a v7 id when none was given.
func (b builder) Build() (m NewMessage, err error) {
	if b.err != nil {
		return NewMessage{}, b.err
	}
	if b.typ == "" {
		log.Error("missing message type in builder")
		return NewMessage{}, ErrInvalidMessage
	}
	if b.id.IsNil() {
		b.id, err = uuid.NewV7()
		if err != nil {
			return
		}
	}
	m = NewMessage{
		ID:       b.id,
		Type:     b.typ,
		Data:     b.data,
		Metadata: b.metadata,
	}
	return m, m.Validate()
}
