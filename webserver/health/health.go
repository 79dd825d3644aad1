package health

import (
	"net"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	log "github.com/iidesho/bragi/sbragi"
)

var Version string
var BuildTime string
var Name string

// Check reports the state of a dependency, a non nil error marks the service DOWN.
type Check struct {
	Name string
	Fn   func() error
}

type health struct {
	IP     net.IP    `json:"ip"`
	Since  time.Time `json:"since"`
	checks []Check
}

func Init(checks ...Check) health {
	return health{
		IP:     GetOutboundIP(),
		Since:  time.Now(),
		checks: checks,
	}
}

type Report struct {
	Status    string            `json:"status"`
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	BuildTime string            `json:"build_time"`
	IP        net.IP            `json:"ip"`
	Since     time.Time         `json:"running_since"`
	Now       time.Time         `json:"now"`
	Checks    map[string]string `json:"checks,omitempty"`
}

var ip net.IP

func GetOutboundIP() net.IP {
	if ip != nil {
		return ip
	}
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		log.WithError(err).Error("unable to get outbound ip")
		return nil
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	ip = localAddr.IP

	return ip
}

func (h health) GetHealthReport() Report {
	r := Report{
		Status:    "UP",
		Name:      Name,
		Version:   Version,
		BuildTime: BuildTime,
		IP:        h.IP,
		Since:     h.Since,
		Now:       time.Now(),
	}
	if len(h.checks) == 0 {
		return r
	}
	r.Checks = make(map[string]string, len(h.checks))
	for _, c := range h.checks {
		err := c.Fn()
		if err != nil {
			log.WithError(err).Warning("health check failed", "check", c.Name)
			r.Status = "DOWN"
			r.Checks[c.Name] = err.Error()
			continue
		}
		r.Checks[c.Name] = "UP"
	}
	return r
}

// WriteHealthReport responds 503 while any check fails.
func (h health) WriteHealthReport(c *fiber.Ctx) error {
	r := h.GetHealthReport()
	if r.Status != "UP" {
		c.Status(http.StatusServiceUnavailable)
	}
	return c.JSON(r)
}
