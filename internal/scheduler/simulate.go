package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/armadaproject/vecsched/internal/blobstore"
	"github.com/armadaproject/vecsched/internal/common/util"
	"github.com/armadaproject/vecsched/internal/scheduler/configuration"
	"github.com/armadaproject/vecsched/internal/scheduler/device"
	"github.com/armadaproject/vecsched/internal/scheduler/task"
)

// SimulationOptions describe a synthetic workload.
type SimulationOptions struct {
	Segments       int
	SegmentSize    int
	Dim            int
	SearchJobs     int
	BuildJobs      int
	TasksPerSearch int
	NQ             int
	TopK           int
	Seed           int64
}

// SimulationReport counts finished jobs by status.
type SimulationReport struct {
	Statuses map[task.JobStatus]int
	Elapsed  time.Duration
}

// Simulate runs a synthetic workload against the simulated driver and the given store and waits for every
// job to finish.
func Simulate(ctx context.Context, config configuration.Configuration, store blobstore.Store, opts SimulationOptions) (SimulationReport, error) {
	if opts.Segments <= 0 || opts.SegmentSize <= 0 || opts.Dim <= 0 {
		return SimulationReport{}, errors.Errorf("segments, segment size and dim must be positive")
	}
	rng := util.NewThreadsafeRand(opts.Seed)
	randomVectors := func(n int) [][]float32 {
		vectors := make([][]float32, n)
		for i := range vectors {
			vectors[i] = make([]float32, opts.Dim)
			for j := range vectors[i] {
				vectors[i][j] = rng.Float32()
			}
		}
		return vectors
	}

	keys := make([]string, opts.Segments)
	for i := range keys {
		keys[i] = fmt.Sprintf("simulation/segments/%04d", i)
		ids := make([]int64, opts.SegmentSize)
		for j := range ids {
			ids[j] = int64(i*opts.SegmentSize + j)
		}
		seg, err := device.NewSegment(task.EngineFlat, ids, randomVectors(opts.SegmentSize))
		if err != nil {
			return SimulationReport{}, err
		}
		data, err := seg.MarshalBinary()
		if err != nil {
			return SimulationReport{}, errors.WithStack(err)
		}
		if err := blobstore.PutWithRetry(ctx, store, keys[i], data, config.BlobStore.PutAttempts, config.BlobStore.PutDelay); err != nil {
			return SimulationReport{}, err
		}
	}

	s, err := New(config, Dependencies{
		Executor: device.FlatEngine{},
		Driver:   NewSimulatedDriver(config.Simulator),
		Store:    store,
		Clock:    clock.RealClock{},
	})
	if err != nil {
		return SimulationReport{}, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(runCtx) }()

	searchEngines := []task.EngineType{task.EngineFlat, task.EngineIVFFlat, task.EngineIVFSQ8, task.EngineIVFPQ}
	buildEngines := []task.EngineType{task.EngineIVFFlat, task.EngineIVFSQ8, task.EngineIVFPQ}
	var jobs []*task.Job
	for i := 0; i < opts.SearchJobs; i++ {
		tasks := make([]*task.Task, opts.TasksPerSearch)
		for j := range tasks {
			tasks[j] = task.NewSearchTask(searchEngines[rng.Intn(len(searchEngines))], keys[rng.Intn(len(keys))])
		}
		params := task.Params{NQ: opts.NQ, TopK: opts.TopK, NProbe: 16}
		jobs = append(jobs, task.NewJob(task.SearchJob, params, randomVectors(opts.NQ), tasks...))
	}
	for i := 0; i < opts.BuildJobs; i++ {
		key := keys[i%len(keys)]
		engine := buildEngines[rng.Intn(len(buildEngines))]
		t := task.NewBuildTask(engine, key, fmt.Sprintf("simulation/indexes/%04d-%s", i, engine))
		jobs = append(jobs, task.NewJob(task.BuildJob, task.Params{NQ: opts.NQ}, nil, t))
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		if err := s.Submit(job); err != nil {
			return SimulationReport{}, err
		}
		g.Go(func() error {
			_, err := job.Wait(gctx)
			return err
		})
	}
	waitErr := g.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*config.Execution.DrainTimeout)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		log.WithError(err).Warn("scheduler did not stop cleanly")
	}
	cancel()
	<-runErr

	report := SimulationReport{Statuses: make(map[task.JobStatus]int), Elapsed: time.Since(start)}
	if removed, err := blobstore.DeletePrefix(context.Background(), store, "simulation/segments/"); err != nil {
		log.WithError(err).Warn("failed to remove simulated segments")
	} else {
		log.Debugf("removed %d simulated segments", removed)
	}
	for _, job := range jobs {
		report.Statuses[job.Status()]++
	}
	return report, waitErr
}
