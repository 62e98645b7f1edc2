package scheduler

import (
	"context"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/armadaproject/vecsched/internal/blobstore"
	"github.com/armadaproject/vecsched/internal/common"
	"github.com/armadaproject/vecsched/internal/common/app"
	"github.com/armadaproject/vecsched/internal/common/logging"
	backgroundtask "github.com/armadaproject/vecsched/internal/common/task"
	"github.com/armadaproject/vecsched/internal/common/util"
	"github.com/armadaproject/vecsched/internal/scheduler/configuration"
	"github.com/armadaproject/vecsched/internal/scheduler/device"
	"github.com/armadaproject/vecsched/internal/scheduler/metrics"
)

// Run sets up a Scheduler application and runs it until a SIGTERM is received. If v is non-nil the selector
// section is reloaded whenever its configuration file changes.
func Run(config configuration.Configuration, v *viper.Viper) error {
	if err := logging.Configure(config.Logging); err != nil {
		return err
	}
	logHook, err := logging.NewPrometheusHook(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	log.AddHook(logHook)
	g, ctx := errgroup.WithContext(app.CreateContextWithShutdown())

	//////////////////////////////////////////////////////////////////////////
	// Blob store
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up %s blob store", config.BlobStore.Backend)
	store, closeStore, err := NewBlobStore(ctx, config.BlobStore)
	if err != nil {
		return errors.WithMessage(err, "error creating blob store")
	}
	defer closeStore()

	//////////////////////////////////////////////////////////////////////////
	// Scheduler
	//////////////////////////////////////////////////////////////////////////
	schedulerMetrics := metrics.New()
	if err := schedulerMetrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	s, err := New(config, Dependencies{
		Executor: device.FlatEngine{},
		Driver:   NewSimulatedDriver(config.Simulator),
		Store:    store,
		Clock:    clock.RealClock{},
		Metrics:  schedulerMetrics,
	})
	if err != nil {
		return errors.WithMessage(err, "error creating scheduler")
	}
	if v != nil {
		configuration.WatchSelector(v, func(c configuration.SelectorConfig) {
			log.Info("applying new selector configuration")
			s.ReloadSelector(c)
		})
	}

	//////////////////////////////////////////////////////////////////////////
	// Metrics
	//////////////////////////////////////////////////////////////////////////
	taskManager := backgroundtask.NewBackgroundTaskManager(metrics.Prefix+"background_", prometheus.DefaultRegisterer, clock.RealClock{})
	taskManager.Register(func() { schedulerMetrics.RefreshResources(s.Mgr().Resources()) }, config.Metrics.RefreshInterval, "refresh_resources")
	defer func() {
		if timedOut := taskManager.StopAll(5 * time.Second); timedOut {
			log.Warn("background tasks did not stop in time")
		}
	}()
	shutdownMetricServer := common.ServeMetrics(config.Metrics.Port)
	defer shutdownMetricServer()

	// The loop runs on its own context so that shutdown drains it through Stop rather than abandoning it.
	g.Go(func() error { return s.Run(context.Background()) })
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*config.Execution.DrainTimeout)
		defer cancel()
		return s.Stop(stopCtx)
	})
	return g.Wait()
}

// NewBlobStore creates the configured blob store and a function releasing its connections.
func NewBlobStore(ctx context.Context, config configuration.BlobStoreConfig) (blobstore.Store, func(), error) {
	switch config.Backend {
	case "", "memory":
		return blobstore.NewMemoryStore(), func() {}, nil
	case "redis":
		client := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
		if err := client.Ping().Err(); err != nil {
			_ = client.Close()
			return nil, nil, errors.Wrap(err, "connecting to redis")
		}
		return blobstore.NewRedisStore(client), func() { util.CloseResource("redis client", client) }, nil
	case "minio":
		store, err := blobstore.NewMinioStore(ctx, config.Minio)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	default:
		return nil, nil, errors.Errorf("unknown blob store backend %q", config.Backend)
	}
}

func NewSimulatedDriver(config configuration.SimulatorConfig) *device.SimulatedDriver {
	return device.NewSimulatedDriver(device.SimulatedDriverConfig{
		UploadLatency: config.UploadLatency,
		QueryLatency:  config.QueryLatency,
		BuildLatency:  config.BuildLatency,
	}, clock.RealClock{})
}
