package store

import (
	"sync"
	"time"

	"github.com/iidesho/cedar/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts backend updates and reads. A nil *Metrics records nothing.
type Metrics struct {
	writeCount     *prometheus.CounterVec
	writeTimeTotal *prometheus.CounterVec
	readCount      *prometheus.CounterVec
	readTimeTotal  *prometheus.CounterVec
}

var (
	metricsLock  sync.Mutex
	registeredOn *prometheus.Registry
	registered   = map[string]*Metrics{}
)

// NewMetrics returns the collectors of the backend called name, registering
// them on first use. It returns nil while metrics.Registry is not set.
func NewMetrics(name string) (*Metrics, error) {
	metricsLock.Lock()
	defer metricsLock.Unlock()
	if metrics.Registry == nil {
		return nil, nil
	}
	if registeredOn != metrics.Registry {
		registeredOn = metrics.Registry
		registered = map[string]*Metrics{}
	}
	if m, ok := registered[name]; ok {
		return m, nil
	}
	var (
		m   Metrics
		err error
	)
	m.writeCount, err = metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name + "_stream_write_count",
		Help: name + " stream update count",
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}
	m.writeTimeTotal, err = metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name + "_stream_write_time_total",
		Help: name + " stream update time total in microseconds",
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}
	m.readCount, err = metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name + "_stream_read_count",
		Help: name + " stream read count",
	}, []string{"kind"}))
	if err != nil {
		return nil, err
	}
	m.readTimeTotal, err = metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name + "_stream_read_time_total",
		Help: name + " stream read time total in microseconds",
	}, []string{"kind"}))
	if err != nil {
		return nil, err
	}
	registered[name] = &m
	return &m, nil
}

// ObserveWrite records an update that started at start, err decides between
// commit and rollback.
func (m *Metrics) ObserveWrite(start time.Time, err error) {
	if m == nil {
		return
	}
	result := "commit"
	if err != nil {
		result = "rollback"
	}
	m.writeCount.WithLabelValues(result).Inc()
	m.writeTimeTotal.WithLabelValues(result).Add(float64(time.Since(start).Microseconds()))
}

func (m *Metrics) ObserveRead(kind string, start time.Time) {
	if m == nil {
		return
	}
	m.readCount.WithLabelValues(kind).Inc()
	m.readTimeTotal.WithLabelValues(kind).Add(float64(time.Since(start).Microseconds()))
}
