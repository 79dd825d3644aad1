package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/iidesho/cedar/sse"
	"github.com/iidesho/cedar/stream"
	"github.com/iidesho/cedar/stream/subscription"
	"github.com/iidesho/cedar/websocket"
)

const localsTarget = "cedar.subscription"

type target struct {
	all  bool
	id   stream.ID
	from subscription.StartFrom
	name string
}

// parseTarget reads what to subscribe to. from is "start", "end" or the version
// or position to start after.
func (a api) parseTarget(c *fiber.Ctx, all bool) (t target, err error) {
	t = target{
		all:  all,
		name: c.Query("name"),
	}
	if !all {
		t.id = streamID(c)
		if err = t.id.Validate(); err != nil {
			return t, status(err)
		}
	}
	switch v := c.Query("from", "start"); v {
	case "start":
		t.from = subscription.FromStart()
	case "end":
		t.from = subscription.FromEnd()
	default:
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil || n < -1 {
			return t, fiber.NewError(http.StatusBadRequest, "from must be start, end or a version")
		}
		if all {
			t.from = subscription.AfterPosition(stream.Position(n))
		} else {
			t.from = subscription.AfterVersion(stream.Version(n))
		}
	}
	return t, nil
}

// subscribe sends every frame of the subscription until it is dropped.
func (a api) subscribe(ctx context.Context, t target, send func(Frame) error) error {
	h := func(_ context.Context, _ *subscription.Subscription, m stream.Message) error {
		mr := NewMessageResponse(m)
		return send(Frame{Type: FrameMessage, Message: &mr})
	}
	opts := []subscription.Option{
		subscription.OnCaughtUp(func() {
			send(Frame{Type: FrameCaughtUp})
		}),
		subscription.OnDropped(func(_ *subscription.Subscription, reason subscription.DropReason, err error) {
			f := Frame{Type: FrameDropped, Reason: reason.String()}
			if err != nil {
				f.Error = err.Error()
			}
			send(f)
		}),
	}
	if t.name != "" {
		opts = append(opts, subscription.WithName(t.name))
	}
	var sub *subscription.Subscription
	var err error
	if t.all {
		sub, err = a.s.SubscribeToAll(ctx, t.from, h, opts...)
	} else {
		sub, err = a.s.SubscribeToStream(ctx, t.id, t.from, h, opts...)
	}
	if err != nil {
		return err
	}
	log.Debug("serving subscription", "name", sub.Name(), "stream", sub.StreamID())
	<-sub.Done()
	return nil
}

func (a api) acceptSubscribe(all bool) func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		t, err := a.parseTarget(c, all)
		if err != nil {
			return err
		}
		c.Locals(localsTarget, t)
		return nil
	}
}

func (a api) serveWebsocket(ctx context.Context, reader <-chan Frame, writer chan<- websocket.Write[Frame], r websocket.Request) {
	defer close(writer)
	go func() {
		for range reader {
		}
	}()
	t, ok := r.Locals(localsTarget).(target)
	if !ok {
		log.Error("websocket subscription without target")
		return
	}
	err := a.subscribe(ctx, t, func(f Frame) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case writer <- websocket.Write[Frame]{Data: f}:
			return nil
		}
	})
	if err == nil {
		return
	}
	select {
	case <-ctx.Done():
	case writer <- websocket.Write[Frame]{Data: Frame{
		Type:   FrameDropped,
		Reason: subscription.ReasonStreamStoreError.String(),
		Error:  err.Error(),
	}}:
	}
}

func (a api) openEvents(all bool) func(c *fiber.Ctx) (sse.Source[Frame], error) {
	return func(c *fiber.Ctx) (sse.Source[Frame], error) {
		t, err := a.parseTarget(c, all)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, send func(sse.Event[Frame]) error) error {
			return a.subscribe(ctx, t, func(f Frame) error {
				return send(sse.Event[Frame]{Name: f.Type, Data: f})
			})
		}, nil
	}
}
