package websocket

import (
	"context"
	"errors"
)

// Write is a message to send. Err, when set, receives the result of the write
// and is closed afterwards.
type Write[T any] struct {
	Data T            `json:"data"`
	Err  chan<- error `json:"err"`
}

// Request exposes the route params and query of the upgraded request.
type Request interface {
	Params(key string, defaultValue ...string) string
	Query(key string, defaultValue ...string) string
	Locals(key string, value ...interface{}) interface{}
}

// Handler owns writer and has to close it when it is done. reader is closed
// when the peer goes away, ctx is canceled at the same time.
type Handler[T any] func(ctx context.Context, reader <-chan T, writer chan<- Write[T], r Request)

var ErrNotWebsocket = errors.New("request is not a websocket upgrade")

func report(ch chan<- error, err error) {
	if ch == nil {
		return
	}
	ch <- err
	close(ch)
}
