package cedar

import (
	"sync"

	"github.com/iidesho/cedar/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultWritten    = "written"
	resultIdempotent = "idempotent"
	resultConflict   = "conflict"
	resultError      = "error"
)

// storeMetrics is shared by every Store, a nil value records nothing.
type storeMetrics struct {
	appendCount     *prometheus.CounterVec
	appendDuration  *prometheus.HistogramVec
	deletedMessages prometheus.Counter
	deletedStreams  prometheus.Counter
}

var (
	metricsLock  sync.Mutex
	registeredOn *prometheus.Registry
	registered   *storeMetrics
)

func loadMetrics() *storeMetrics {
	metricsLock.Lock()
	defer metricsLock.Unlock()
	if metrics.Registry == nil {
		return nil
	}
	if registeredOn == metrics.Registry {
		return registered
	}
	var (
		m   storeMetrics
		err error
	)
	m.appendCount, err = metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cedar_append_count",
		Help: "appends by result",
	}, []string{"result"}))
	if log.WithError(err).Error("registering append counter") {
		return nil
	}
	m.appendDuration, err = metrics.Register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cedar_append_duration_seconds",
		Help:    "append latency by result",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"result"}))
	if log.WithError(err).Error("registering append histogram") {
		return nil
	}
	m.deletedMessages, err = metrics.Register(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cedar_deleted_message_count",
		Help: "deleted messages, including those removed with their stream",
	}))
	if log.WithError(err).Error("registering deleted message counter") {
		return nil
	}
	m.deletedStreams, err = metrics.Register(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cedar_deleted_stream_count",
		Help: "deleted streams",
	}))
	if log.WithError(err).Error("registering deleted stream counter") {
		return nil
	}
	registeredOn, registered = metrics.Registry, &m
	return registered
}

func (m *storeMetrics) observeAppend(result string, seconds float64) {
	if m == nil {
		return
	}
	m.appendCount.WithLabelValues(result).Inc()
	m.appendDuration.WithLabelValues(result).Observe(seconds)
}

func (m *storeMetrics) observeDelete(messages int, stream bool) {
	if m == nil {
		return
	}
	m.deletedMessages.Add(float64(messages))
	if stream {
		m.deletedStreams.Inc()
	}
}
