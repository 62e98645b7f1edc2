package logging

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// PrometheusHook counts log lines by level.
type PrometheusHook struct {
	counter *prometheus.CounterVec
}

// NewPrometheusHook creates the log line counter and registers it with registerer.
func NewPrometheusHook(registerer prometheus.Registerer) (*PrometheusHook, error) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "log_messages",
		Help: "Total number of log lines logged by level",
	}, []string{"level"})
	if err := registerer.Register(counter); err != nil {
		return nil, errors.WithStack(err)
	}
	return &PrometheusHook{counter: counter}, nil
}

func (h *PrometheusHook) Levels() []log.Level {
	return []log.Level{log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel}
}

func (h *PrometheusHook) Fire(entry *log.Entry) error {
	h.counter.WithLabelValues(entry.Level.String()).Inc()
	return nil
}
