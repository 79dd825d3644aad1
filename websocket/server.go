package websocket

import (
	"context"
	"reflect"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/iidesho/bragi/sbragi"
	jsoniter "github.com/json-iterator/go"
)

var (
	log  = sbragi.WithLocalScope(sbragi.LevelInfo)
	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

var (
	BufferSize   = 100
	PingInterval = 50 * time.Second
	WriteTimeout = 10 * time.Second
)

// ServeFiber upgrades GET requests on path and runs h for every connection.
// accept runs before the upgrade and can reject the request with an error or
// store values with c.Locals for the handler.
func ServeFiber[T any](r fiber.Router, path string, accept func(c *fiber.Ctx) error, h Handler[T]) {
	r.Get(path, func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.NewError(fiber.StatusUpgradeRequired, ErrNotWebsocket.Error())
		}
		if accept != nil {
			if err := accept(c); err != nil {
				return err
			}
		}
		return c.Next()
	}, websocket.New(func(conn *websocket.Conn) {
		serve(conn, path, h)
	}))
}

func serve[T any](conn *websocket.Conn, path string, h Handler[T]) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := make(chan T, BufferSize)
	writer := make(chan Write[T], BufferSize)

	go func() {
		defer close(reader)
		defer cancel()
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.WithError(err).Warning("websocket closed unexpectedly", "path", path)
				}
				return
			}
			var read T
			err = json.Unmarshal(payload, &read)
			if err != nil {
				log.WithError(err).Warning("discarding unreadable websocket message", "path", path, "type", reflect.TypeOf(read).String())
				continue
			}
			select {
			case <-ctx.Done():
				return
			case reader <- read:
			}
		}
	}()
	go h(ctx, reader, writer, conn)

	ping := time.NewTicker(PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case write, ok := <-writer:
			if !ok {
				err := conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
					time.Now().Add(WriteTimeout),
				)
				log.WithError(err).Debug("writing websocket close frame", "path", path)
				return
			}
			payload, err := json.Marshal(write.Data)
			if err != nil {
				report(write.Err, err)
				log.WithError(err).Error("encoding websocket message", "path", path, "type", reflect.TypeOf(write.Data).String())
				continue
			}
			err = conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err == nil {
				err = conn.WriteMessage(websocket.TextMessage, payload)
			}
			report(write.Err, err)
			if err != nil {
				log.WithError(err).Warning("writing to websocket", "path", path)
				return
			}
			ping.Reset(PingInterval)
		case <-ping.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteTimeout))
			if err != nil {
				log.WithError(err).Debug("pinging websocket client", "path", path)
				return
			}
		}
	}
}
