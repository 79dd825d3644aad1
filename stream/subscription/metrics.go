package subscription

import (
	"sync"

	"github.com/iidesho/cedar/metrics"
	"github.com/iidesho/cedar/stream"
	"github.com/prometheus/client_golang/prometheus"
)

type subscriptionMetrics struct {
	deliveredCount *prometheus.CounterVec
	droppedCount   *prometheus.CounterVec
}

var (
	metricsLock  sync.Mutex
	registeredOn *prometheus.Registry
	registered   *subscriptionMetrics
)

func loadMetrics() *subscriptionMetrics {
	metricsLock.Lock()
	defer metricsLock.Unlock()
	if metrics.Registry == nil {
		return nil
	}
	if registeredOn == metrics.Registry {
		return registered
	}
	var (
		m   subscriptionMetrics
		err error
	)
	m.deliveredCount, err = metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_delivered_count",
		Help: "messages delivered to subscription handlers",
	}, []string{"stream"}))
	if log.WithError(err).Error("registering subscription delivered counter") {
		return nil
	}
	m.droppedCount, err = metrics.Register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_dropped_count",
		Help: "dropped subscriptions",
	}, []string{"reason"}))
	if log.WithError(err).Error("registering subscription dropped counter") {
		return nil
	}
	registeredOn, registered = metrics.Registry, &m
	return registered
}

func (m *subscriptionMetrics) delivered(id stream.ID) {
	if m == nil {
		return
	}
	m.deliveredCount.WithLabelValues(string(id)).Inc()
}

func (m *subscriptionMetrics) dropped(reason DropReason) {
	if m == nil {
		return
	}
	m.droppedCount.WithLabelValues(reason.String()).Inc()
}
