// Package api exposes a store over http. Streams are appended to, read and
// deleted under /streams, every stream is read under /all and subscriptions
// are served as websockets or server sent events.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofrs/uuid"
	"github.com/iidesho/bragi/sbragi"

	"github.com/iidesho/cedar/sse"
	"github.com/iidesho/cedar/stream"
	"github.com/iidesho/cedar/stream/subscription"
	"github.com/iidesho/cedar/webserver"
	"github.com/iidesho/cedar/websocket"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

const DefaultMaxCount = 100

// Store is what the endpoints need from cedar.Store.
type Store interface {
	Append(ctx context.Context, id stream.ID, expected stream.ExpectedVersion, msgs ...stream.NewMessage) (stream.AppendResult, error)
	DeleteMessage(ctx context.Context, id stream.ID, messageID uuid.UUID) error
	DeleteStream(ctx context.Context, id stream.ID, expected stream.ExpectedVersion) error
	ReadStreamForwards(ctx context.Context, id stream.ID, from stream.Version, max int, prefetch bool) (stream.Page, error)
	ReadStreamBackwards(ctx context.Context, id stream.ID, from stream.Version, max int, prefetch bool) (stream.Page, error)
	ReadAllForwards(ctx context.Context, from stream.Position, max int, prefetch bool) (stream.AllPage, error)
	ReadAllBackwards(ctx context.Context, from stream.Position, max int, prefetch bool) (stream.AllPage, error)
	HeadPosition(ctx context.Context) (stream.Position, error)
	SubscribeToStream(ctx context.Context, id stream.ID, from subscription.StartFrom, h subscription.Handler, opts ...subscription.Option) (*subscription.Subscription, error)
	SubscribeToAll(ctx context.Context, from subscription.StartFrom, h subscription.Handler, opts ...subscription.Option) (*subscription.Subscription, error)
}

type api struct {
	s Store
}

// Register adds the store endpoints to r.
func Register(r fiber.Router, s Store) {
	a := api{s: s}
	r.Get("/head", a.head)
	r.Get("/all", a.readAll)
	r.Post("/streams/:id", a.append)
	r.Get("/streams/:id", a.readStream)
	r.Delete("/streams/:id", a.deleteStream)
	r.Delete("/streams/:id/messages/:message", a.deleteMessage)

	websocket.ServeFiber(r, "/all/subscribe", a.acceptSubscribe(true), a.serveWebsocket)
	websocket.ServeFiber(r, "/streams/:id/subscribe", a.acceptSubscribe(false), a.serveWebsocket)
	sse.CreateEndpoint(r, "/all/events", a.openEvents(true))
	sse.CreateEndpoint(r, "/streams/:id/events", a.openEvents(false))
}

// status maps store errors to http errors.
func status(err error) error {
	var code int
	switch {
	case errors.Is(err, stream.ErrWrongExpectedVersion):
		code = http.StatusConflict
	case errors.Is(err, stream.ErrInvalidStreamID),
		errors.Is(err, stream.ErrReservedStream),
		errors.Is(err, stream.ErrInvalidExpectedVersion),
		errors.Is(err, stream.ErrInvalidMessage),
		errors.Is(err, stream.ErrInvalidMaxCount):
		code = http.StatusBadRequest
	case errors.Is(err, stream.ErrStreamNotFound):
		code = http.StatusNotFound
	case errors.Is(err, stream.ErrStoreClosed):
		code = http.StatusServiceUnavailable
	default:
		log.WithError(err).Error("store request failed")
		return err
	}
	return fiber.NewError(code, err.Error())
}

func streamID(c *fiber.Ctx) stream.ID {
	return stream.ID(c.Params("id"))
}

func direction(c *fiber.Ctx) (stream.Direction, error) {
	switch c.Query("direction", "forwards") {
	case "forwards":
		return stream.Forwards, nil
	case "backwards":
		return stream.Backwards, nil
	}
	return stream.Forwards, fiber.NewError(http.StatusBadRequest, "direction must be forwards or backwards")
}

// int64Query reads key, "end" and a missing value give def.
func int64Query(c *fiber.Ctx, key string, def int64) (int64, error) {
	v := c.Query(key)
	if v == "" || v == "end" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fiber.NewError(http.StatusBadRequest, key+" must be an integer")
	}
	return n, nil
}

// readOptions reads max and prefetch. Without prefetch messages are sent
// without data.
func readOptions(c *fiber.Ctx) (max int, prefetch bool) {
	return c.QueryInt("max", DefaultMaxCount), c.QueryBool("prefetch", true)
}

func (a api) append(c *fiber.Ctx) error {
	req, err := webserver.UnmarshalBody[AppendRequest](c)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	expected := stream.Any
	if req.ExpectedVersion != "" {
		expected, err = stream.ParseExpectedVersion(req.ExpectedVersion)
		if err != nil {
			return status(err)
		}
	}
	msgs, err := req.messages()
	if err != nil {
		return status(err)
	}
	res, err := a.s.Append(c.UserContext(), streamID(c), expected, msgs...)
	if err != nil {
		return status(err)
	}
	return c.JSON(res)
}

func (a api) readStream(c *fiber.Ctx) error {
	dir, err := direction(c)
	if err != nil {
		return err
	}
	def := int64(stream.Start)
	if dir == stream.Backwards {
		def = int64(stream.End)
	}
	from, err := int64Query(c, "from", def)
	if err != nil {
		return err
	}
	max, prefetch := readOptions(c)
	id := streamID(c)
	var page stream.Page
	if dir == stream.Backwards {
		page, err = a.s.ReadStreamBackwards(c.UserContext(), id, stream.Version(from), max, prefetch)
	} else {
		page, err = a.s.ReadStreamForwards(c.UserContext(), id, stream.Version(from), max, prefetch)
	}
	if err != nil {
		return status(err)
	}
	if page.Status == stream.StreamNotFound {
		return webserver.ErrorResponse(c, stream.ErrStreamNotFound.Error(), http.StatusNotFound)
	}
	return c.JSON(PageResponse{
		StreamID:     page.StreamID,
		Direction:    page.Direction.String(),
		FromVersion:  page.FromVersion,
		NextVersion:  page.NextVersion,
		LastVersion:  page.LastVersion,
		LastPosition: page.LastPosition,
		IsEnd:        page.IsEnd,
		Messages:     newMessageResponses(page.Messages),
	})
}

func (a api) readAll(c *fiber.Ctx) error {
	dir, err := direction(c)
	if err != nil {
		return err
	}
	def := int64(0)
	if dir == stream.Backwards {
		def = int64(stream.HeadPosition)
	}
	from, err := int64Query(c, "from", def)
	if err != nil {
		return err
	}
	max, prefetch := readOptions(c)
	var page stream.AllPage
	if dir == stream.Backwards {
		page, err = a.s.ReadAllBackwards(c.UserContext(), stream.Position(from), max, prefetch)
	} else {
		page, err = a.s.ReadAllForwards(c.UserContext(), stream.Position(from), max, prefetch)
	}
	if err != nil {
		return status(err)
	}
	return c.JSON(AllPageResponse{
		Direction:    page.Direction.String(),
		FromPosition: page.FromPosition,
		NextPosition: page.NextPosition,
		IsEnd:        page.IsEnd,
		Messages:     newMessageResponses(page.Messages),
	})
}

func (a api) head(c *fiber.Ctx) error {
	p, err := a.s.HeadPosition(c.UserContext())
	if err != nil {
		return status(err)
	}
	return c.JSON(HeadResponse{Position: p})
}

func (a api) deleteStream(c *fiber.Ctx) error {
	expected := stream.Any
	if v := c.Query("expected_version"); v != "" {
		var err error
		expected, err = stream.ParseExpectedVersion(v)
		if err != nil {
			return status(err)
		}
	}
	err := a.s.DeleteStream(c.UserContext(), streamID(c), expected)
	if err != nil {
		return status(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

func (a api) deleteMessage(c *fiber.Ctx) error {
	mid, err := uuid.FromString(c.Params("message"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "message must be a uuid")
	}
	err = a.s.DeleteMessage(c.UserContext(), streamID(c), mid)
	if err != nil {
		return status(err)
	}
	return c.SendStatus(http.StatusNoContent)
}
