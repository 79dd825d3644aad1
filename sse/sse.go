// Package sse streams values to http clients as server sent events.
package sse

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/iidesho/bragi/sbragi"
	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"
)

var (
	log  = sbragi.WithLocalScope(sbragi.LevelInfo)
	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

var (
	BufferSize   = 100
	PingInterval = 5 * time.Second
)

// Event is one server sent event. Data is encoded as json.
type Event[T any] struct {
	Name string
	Data T
}

// Source produces events with send until it returns. send fails once the
// client is gone.
type Source[T any] func(ctx context.Context, send func(Event[T]) error) error

// CreateEndpoint serves the events of the Source returned by open on path.
// Errors from open are returned before any event is written.
func CreateEndpoint[T any](r fiber.Router, path string, open func(c *fiber.Ctx) (Source[T], error)) {
	r.Get(path, func(c *fiber.Ctx) error {
		src, err := open(c)
		if err != nil {
			return err
		}
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		c.Status(fiber.StatusOK).
			Context().
			SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
				stream(w, path, src)
			}))
		return nil
	})
}

func stream[T any](w *bufio.Writer, path string, src Source[T]) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan Event[T], BufferSize)
	go func() {
		defer close(events)
		err := src(ctx, func(e Event[T]) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case events <- e:
				return nil
			}
		})
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Warning("event source stopped", "path", path)
		}
	}()
	t := time.NewTicker(PingInterval)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			fmt.Fprintf(w, ": ping %s\n\n", now.Format(time.RFC3339))
		case e, ok := <-events:
			if !ok {
				w.Flush()
				return
			}
			err := write(w, e)
			if err != nil {
				log.WithError(err).Error("encoding event", "path", path, "event", e.Name)
				return
			}
		}
		if err := w.Flush(); err != nil {
			log.WithError(err).Debug("client went away", "path", path)
			return
		}
	}
}

func write[T any](w *bufio.Writer, e Event[T]) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	if e.Name != "" {
		fmt.Fprintf(w, "event: %s\n", e.Name)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	return nil
}
