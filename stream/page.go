package stream

// AppendResult is the tail of the stream after an append, also when the
// append was an idempotent replay.
type AppendResult struct {
	CurrentVersion  Version  `json:"current_version"`
	CurrentPosition Position `json:"current_position"`
}

type ReadStatus uint8

const (
	Success ReadStatus = iota
	StreamNotFound
)

func (s ReadStatus) String() string {
	if s == StreamNotFound {
		return "stream_not_found"
	}
	return "success"
}

type Direction uint8

const (
	Forwards Direction = iota
	Backwards
)

func (d Direction) String() string {
	if d == Backwards {
		return "backwards"
	}
	return "forwards"
}

type Page struct {
	StreamID    ID         `json:"stream_id"`
	Status      ReadStatus `json:"status"`
	Direction   Direction  `json:"direction"`
	FromVersion Version    `json:"from_version"`
	NextVersion Version    `json:"next_version"`
	// LastVersion is the version of the stream, deletions do not lower it.
	LastVersion  Version   `json:"last_version"`
	LastPosition Position  `json:"last_position"`
	IsEnd        bool      `json:"is_end"`
	Messages     []Message `json:"messages"`
}

// NotFoundPage is returned when reading a stream that does not exist.
func NotFoundPage(id ID, dir Direction, from Version) Page {
	return Page{
		StreamID:     id,
		Status:       StreamNotFound,
		Direction:    dir,
		FromVersion:  from,
		NextVersion:  End,
		LastVersion:  End,
		LastPosition: NoPosition,
		IsEnd:        true,
		Messages:     []Message{},
	}
}

type AllPage struct {
	Direction    Direction `json:"direction"`
	FromPosition Position  `json:"from_position"`
	NextPosition Position  `json:"next_position"`
	IsEnd        bool      `json:"is_end"`
	Messages     []Message `json:"messages"`
}
