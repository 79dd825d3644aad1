package webserver

import (
	stdJson "encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"net/http/pprof"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/earlydata"
	"github.com/iidesho/bragi/sbragi"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iidesho/cedar/metrics"
	"github.com/iidesho/cedar/webserver/health"
)

const (
	CONTENT_TYPE      = "Content-Type"
	CONTENT_TYPE_JSON = "application/json"
)

var json = jsoniter.Config{
	IndentionStep:                 0,
	MarshalFloatWith6Digits:       true,
	EscapeHTML:                    true,
	SortMapKeys:                   false,
	UseNumber:                     true,
	DisallowUnknownFields:         true,
	OnlyTaggedField:               true,
	ValidateJsonRawMessage:        true,
	ObjectFieldMustBeSimpleString: false,
	CaseSensitive:                 false,
}.Froze()

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

type Server interface {
	API() fiber.Router
	App() *fiber.App
	Run()
	Shutdown(timeout time.Duration) error
	Port() uint16
	Url() (u *url.URL)
}

type server struct {
	r    *fiber.App
	api  fiber.Router
	port uint16
}

// Init builds the server, checks are reported on the health endpoint.
func Init(port uint16, from_base bool, checks ...health.Check) (Server, error) {
	h := health.Init(checks...)
	printRoutes := os.Getenv("webserver.print_routes") == "true"
	s := server{
		r: fiber.New(fiber.Config{
			AppName:               health.Name,
			StreamRequestBody:     true,
			EnablePrintRoutes:     printRoutes,
			DisableStartupMessage: !printRoutes,
			JSONDecoder:           json.Unmarshal,
			JSONEncoder:           json.Marshal,
			ErrorHandler:          errorHandler,
		}),
		port: port,
	}
	s.r.Use(earlydata.New())

	healthPath := "/health"
	if !from_base && health.Name != "" {
		healthPath = "/" + health.Name + "/health"
	}
	s.r.Use(func(c *fiber.Ctx) error {
		if string(c.Context().Path()) == healthPath {
			return c.Next()
		}
		start := time.Now()
		err := c.Next()
		log.WithError(err).
			Debug(fmt.Sprintf("[%s]%s", c.Method(), c.Route().Path), "status", c.Response().StatusCode(), "duration", time.Since(start), "ip", c.IP())
		return err
	})
	s.r.Use(compress.New(compress.Config{
		// streaming responses are flushed per message
		Next: func(c *fiber.Ctx) bool {
			p := c.Path()
			return strings.HasSuffix(p, "/events") || strings.HasSuffix(p, "/subscribe")
		},
		Level: compress.LevelBestSpeed,
	}))
	s.r.Use(func(c *fiber.Ctx) (err error) {
		defer func() {
			r := recover()
			if r != nil {
				err = errors.Join(
					err,
					fmt.Errorf("recoverd: %v, stack: %s", r, string(debug.Stack())),
					c.SendStatus(http.StatusInternalServerError),
				)
			}
		}()
		return c.Next()
	})
	s.r.Use(cors.New())
	if health.Name == "" || from_base {
		s.api = s.r.Group("/")
	} else {
		s.api = s.r.Group("/" + health.Name)
	}
	s.api.Get("/health", func(c *fiber.Ctx) error {
		return h.WriteHealthReport(c)
	})
	if metrics.Registry != nil {
		s.api.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	}
	user := os.Getenv("debug.user")
	pass := os.Getenv("debug.pass")
	if user != "" && pass != "" && health.Name != "" {
		debug := s.api.Group("/debug")
		debug.Use(basicauth.New(basicauth.Config{
			Users: map[string]string{user: pass},
		}))
		debug.Get("/pprof/*type", func(c *fiber.Ctx) error {
			switch c.Params("type") {
			case "/profile":
				return adaptor.HTTPHandlerFunc(pprof.Profile)(c)
			case "/trace":
				return adaptor.HTTPHandlerFunc(pprof.Trace)(c)
			case "/symbol":
				return adaptor.HTTPHandlerFunc(pprof.Symbol)(c)
			default:
				return adaptor.HTTPHandlerFunc(pprof.Index)(c)
			}
		})
	}
	return &s, nil
}

func (s *server) API() fiber.Router {
	return s.api
}

func (s *server) App() *fiber.App {
	return s.r
}

func (s *server) Run() {
	err := s.r.Listen(fmt.Sprintf(":%d", s.Port()))
	if err != nil {
		log.WithError(err).Fatal("while starting or running webserver")
	}
}

// Shutdown stops accepting connections and waits up to timeout for open
// requests to finish.
func (s *server) Shutdown(timeout time.Duration) error {
	return s.r.ShutdownWithTimeout(timeout)
}

func (s *server) Port() uint16 {
	return s.port
}

func UnmarshalBody[bodyT any](c *fiber.Ctx) (v bodyT, err error) {
	err = c.BodyParser(&v)
	var unmarshalErr *stdJson.UnmarshalTypeError
	if errors.As(err, &unmarshalErr) {
		err = fmt.Errorf(
			"wrong type provided for \"%s\" should be of type (%s) but got value {%s} after reading %d",
			unmarshalErr.Field,
			unmarshalErr.Type,
			unmarshalErr.Value,
			unmarshalErr.Offset,
		)
	}
	return
}

// errorHandler writes every unhandled error as a json body, *fiber.Error
// keeps its status.
func errorHandler(c *fiber.Ctx, err error) error {
	status := http.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		status = e.Code
	}
	if status == http.StatusInternalServerError {
		log.WithError(err).Warning("request failed", "path", c.Path())
	}
	c.Set(CONTENT_TYPE, CONTENT_TYPE_JSON)
	if c.Status(status).JSON(fiber.Map{
		"status":      status,
		"status_text": http.StatusText(status),
		"error_msg":   err.Error(),
	}) != nil {
		return c.Status(http.StatusInternalServerError).SendString(http.StatusText(http.StatusInternalServerError))
	}
	return nil
}

func ErrorResponse(c *fiber.Ctx, message string, httpStatusCode int) error {
	resp := make(map[string]string)
	resp["error"] = message
	return c.Status(httpStatusCode).JSON(resp)
}
