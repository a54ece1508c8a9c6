// Package metrics 会话与消息相关的服务端指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Liveness 会话存活指标
type Liveness struct {
	Sessions      prometheus.Gauge
	Registrations *prometheus.CounterVec
	Heartbeats    *prometheus.CounterVec
	Polls         prometheus.Counter
	Delivered     prometheus.Counter
	Messages      *prometheus.CounterVec
	Removals      *prometheus.CounterVec
	SweepDuration prometheus.Histogram
}

// NewLiveness 创建指标，namespace 为空时使用 "flock"
func NewLiveness(namespace string) *Liveness {
	if namespace == "" {
		namespace = "flock"
	}
	return &Liveness{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "current",
			Help:      "Number of sessions currently in the registry.",
		}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "registrations_total",
			Help:      "Session registrations by result.",
		}, []string{"result"}),
		Heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "heartbeats_total",
			Help:      "Heartbeats by result.",
		}, []string{"result"}),
		Removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "removals_total",
			Help:      "Sessions removed by reason.",
		}, []string{"reason"}),
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "polls_total",
			Help:      "Message polls served.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "delivered_total",
			Help:      "Messages returned to polling clients.",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "appended_total",
			Help:      "Messages appended by scope.",
		}, []string{"scope"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "sweep_duration_seconds",
			Help:      "Idle sweep latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
}

func (m *Liveness) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Sessions, m.Registrations, m.Heartbeats, m.Removals,
		m.Polls, m.Delivered, m.Messages, m.SweepDuration,
	}
}

// Register 注册到指定的注册器
func (m *Liveness) Register(registerer prometheus.Registerer) error {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	for _, c := range m.collectors() {
		if err := registerer.Register(c); err != nil {
			return err
		}
	}
	return nil
}
