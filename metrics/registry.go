package metrics

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/cedar/webserver/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	log = sbragi.WithLocalScope(sbragi.LevelInfo)
	// Registry is nil until Init is called, collectors are only registered when it is set.
	Registry *prometheus.Registry
)

func Init() {
	Registry = prometheus.NewRegistry()
}

// Register adds c to the Registry. A collector that is already registered
// under the same description is returned in its place.
func Register[T prometheus.Collector](c T) (T, error) {
	err := Registry.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, err
}

// Push sends the Registry to a pushgateway every interval until ctx is done.
func Push(ctx context.Context, url string, interval time.Duration) {
	pusher := push.New(url, health.Name).Gatherer(Registry)
	hn, err := os.Hostname()
	if !log.WithError(err).Error("getting hostname for metrics push") {
		pusher = pusher.Grouping("instance", hn)
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				log.WithError(pusher.PushContext(ctx)).Warning("pushing metrics", "url", url)
			}
		}
	}()
}
