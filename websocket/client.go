package websocket

import (
	"context"
	"errors"
	"net/url"
	"reflect"

	"nhooyr.io/websocket"
)

// Dial connects to a websocket served by ServeFiber. Closing the returned
// writer closes the connection, the reader is closed when the server closes
// the connection or ctx is done.
func Dial[T any](ctx context.Context, u *url.URL) (<-chan T, chan<- Write[T], error) {
	log.Debug("dialing websocket", "url", u.String())
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, nil, err
	}
	conn.SetReadLimit(-1)
	reader := make(chan T, BufferSize)
	writer := make(chan Write[T], BufferSize)
	go func() {
		for write := range writer {
			payload, err := json.Marshal(write.Data)
			if err == nil {
				err = conn.Write(ctx, websocket.MessageText, payload)
			}
			report(write.Err, err)
			if err != nil {
				log.WithError(err).Error("writing to websocket", "url", u.String(), "type", reflect.TypeOf(write.Data).String())
				return
			}
		}
		log.WithError(conn.Close(websocket.StatusNormalClosure, "done")).Debug("closing websocket", "url", u.String())
	}()
	go func() {
		defer close(reader)
		for {
			_, payload, err := conn.Read(ctx)
			if err != nil {
				var ce websocket.CloseError
				if !errors.As(err, &ce) && ctx.Err() == nil {
					log.WithError(err).Warning("reading from websocket", "url", u.String())
				}
				return
			}
			var read T
			err = json.Unmarshal(payload, &read)
			if err != nil {
				log.WithError(err).Warning("discarding unreadable websocket message", "url", u.String(), "type", reflect.TypeOf(read).String())
				continue
			}
			select {
			case <-ctx.Done():
				return
			case reader <- read:
			}
		}
	}()
	return reader, writer, nil
}
