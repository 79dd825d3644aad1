// Package config reads the settings of the cedar service. Values come from
// local_override.properties or .env when present and are overridden by the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/iidesho/bragi/sbragi"
	"github.com/joho/godotenv"
)

const (
	BackendInMemory = "inmemory"
	BackendBadger   = "badger"
	BackendOnDisk   = "ondisk"
	BackendMariaDB  = "mariadb"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Port    uint16
	Backend string
	Dir     string
	DSN     string
	Prefix  string

	PageSize    int
	PollTimeout time.Duration

	MetricsPushURL      string
	MetricsPushInterval time.Duration

	LogDir    string
	DebugPort string
}

// Files are loaded in order, the first file that exists wins.
var Files = []string{"local_override.properties", ".env"}

func loadFiles() {
	for _, f := range Files {
		err := godotenv.Load(f)
		if err == nil {
			return
		}
		sbragi.WithoutEscalation().WithError(err).Debug("loading config file", "file", f)
	}
}

// Load reads the config files and the environment.
func Load() (Config, error) {
	loadFiles()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv without touching any files.
func FromEnv(getenv func(string) string) (c Config, err error) {
	c = Config{
		Port:                3030,
		Backend:             BackendInMemory,
		Dir:                 "./streams",
		Prefix:              "cedar",
		PageSize:            10,
		PollTimeout:         time.Second,
		MetricsPushInterval: 15 * time.Second,
	}
	if v := getenv("webserver.port"); v != "" {
		p, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return c, fmt.Errorf("%w: webserver.port=%q: %v", ErrInvalidConfig, v, err)
		}
		c.Port = uint16(p)
	}
	if v := getenv("store.backend"); v != "" {
		c.Backend = strings.ToLower(v)
	}
	switch c.Backend {
	case BackendInMemory, BackendBadger, BackendOnDisk, BackendMariaDB:
	default:
		return c, fmt.Errorf("%w: unknown store.backend %q", ErrInvalidConfig, c.Backend)
	}
	if v := getenv("store.dir"); v != "" {
		c.Dir = v
	}
	c.DSN = getenv("store.dsn")
	if c.Backend == BackendMariaDB && c.DSN == "" {
		return c, fmt.Errorf("%w: store.dsn is required by the mariadb backend", ErrInvalidConfig)
	}
	if v := getenv("store.prefix"); v != "" {
		c.Prefix = v
	}
	if v := getenv("subscription.page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return c, fmt.Errorf("%w: subscription.page_size=%q", ErrInvalidConfig, v)
		}
		c.PageSize = n
	}
	if c.PollTimeout, err = duration(getenv, "subscription.poll_timeout", c.PollTimeout); err != nil {
		return
	}
	c.MetricsPushURL = getenv("metrics.push_url")
	if c.MetricsPushInterval, err = duration(getenv, "metrics.push_interval", c.MetricsPushInterval); err != nil {
		return
	}
	c.LogDir = getenv("log.dir")
	c.DebugPort = getenv("debug.port")
	return c, nil
}

func duration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def, fmt.Errorf("%w: %s=%q", ErrInvalidConfig, key, v)
	}
	return d, nil
}
