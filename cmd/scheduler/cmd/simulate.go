package cmd

import (
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/armadaproject/vecsched/internal/common/app"
	"github.com/armadaproject/vecsched/internal/scheduler"
	"github.com/armadaproject/vecsched/internal/scheduler/task"
)

func simulateCmd() *cobra.Command {
	opts := scheduler.SimulationOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Runs a synthetic workload against simulated accelerators",
		RunE: func(_ *cobra.Command, _ []string) error {
			config, _, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := app.CreateContextWithShutdown()
			store, closeStore, err := scheduler.NewBlobStore(ctx, config.BlobStore)
			if err != nil {
				return err
			}
			defer closeStore()
			report, err := scheduler.Simulate(ctx, config, store, opts)
			if err != nil {
				return err
			}
			statuses := make([]task.JobStatus, 0, len(report.Statuses))
			for status := range report.Statuses {
				statuses = append(statuses, status)
			}
			sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
			for _, status := range statuses {
				log.Infof("%s: %d", status, report.Statuses[status])
			}
			log.Infof("simulation finished in %s", report.Elapsed)
			return nil
		},
	}
	addSimulationFlags(cmd.Flags(), &opts)
	return cmd
}

func addSimulationFlags(flags *pflag.FlagSet, opts *scheduler.SimulationOptions) {
	flags.IntVar(&opts.Segments, "segments", 8, "Number of segments to generate")
	flags.IntVar(&opts.SegmentSize, "segment-size", 1000, "Vectors per segment")
	flags.IntVar(&opts.Dim, "dim", 32, "Vector dimension")
	flags.IntVar(&opts.SearchJobs, "search-jobs", 50, "Number of search jobs")
	flags.IntVar(&opts.BuildJobs, "build-jobs", 4, "Number of build jobs")
	flags.IntVar(&opts.TasksPerSearch, "tasks-per-search", 4, "Segments searched by each search job")
	flags.IntVar(&opts.NQ, "nq", 8, "Queries per search job")
	flags.IntVar(&opts.TopK, "topk", 10, "Results per query")
	flags.Int64Var(&opts.Seed, "seed", 0, "Random seed")
}
