package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

type task struct {
	function    func()
	interval    time.Duration
	metricName  string
	stopChannel chan struct{}
}

// BackgroundTaskManager runs functions periodically until StopAll is called.
// It is not threadsafe, it should only be accessed from a single goroutine.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	registerer    prometheus.Registerer
	clock         clock.WithTicker
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string, registerer prometheus.Registerer, clock clock.WithTicker) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		registerer:    registerer,
		clock:         clock,
		wg:            &sync.WaitGroup{},
	}
}

// Register runs backgroundTask immediately and then every interval.
func (m *BackgroundTaskManager) Register(backgroundTask func(), interval time.Duration, metricName string) {
	task := &task{
		function:    backgroundTask,
		interval:    interval,
		metricName:  metricName,
		stopChannel: make(chan struct{}),
	}
	m.startBackgroundTask(task)
	m.tasks = append(m.tasks, task)
}

// StopAll stops every task and waits up to timeout for them to return. It returns true on timeout.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(task *task) {
	taskDurationHistogram := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + task.metricName + "_latency_seconds",
			Help:    "Background loop " + task.metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		})
	if err := m.registerer.Register(taskDurationHistogram); err != nil {
		log.WithError(err).Warnf("Could not register latency histogram for background task %s", task.metricName)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := m.clock.NewTicker(task.interval)
		defer ticker.Stop()
		for {
			start := m.clock.Now()
			task.function()
			taskDurationHistogram.Observe(m.clock.Since(start).Seconds())

			select {
			case <-ticker.C():
			case <-task.stopChannel:
				return
			}
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	for _, task := range m.tasks {
		close(task.stopChannel)
	}
	m.tasks = nil
}
