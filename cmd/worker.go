package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/charlie-tr1/internal/monitoring"
	"github.com/sells-group/charlie-tr1/internal/orchestrate"
	"github.com/sells-group/charlie-tr1/internal/pipeline"
)

var workerCmd = &cobra.Command{
	Use:         "worker",
	Short:       "Run a Temporal worker executing run workflows and branch activities",
	Annotations: modeAnnotation("worker"),
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, err := pipeline.New(st, pipeline.OptionsFromConfig(cfg), monitoring.NewMetrics(nil))
		if err != nil {
			return err
		}

		c, err := orchestrate.Dial(cfg.Temporal)
		if err != nil {
			return err
		}
		defer c.Close()

		w := orchestrate.NewWorker(c, cfg.Temporal, &orchestrate.Activities{Pipeline: p}, cfg.Pipeline.Workers)
		zap.L().Info("temporal worker starting",
			zap.String("task_queue", cfg.Temporal.TaskQueue),
			zap.Int("max_branches", cfg.Pipeline.Workers),
		)
		if err := w.Run(worker.InterruptCh()); err != nil {
			return eris.Wrap(err, "temporal worker")
		}
		return nil
	},
}

func init() {
	workerCmd.Flags().Int("workers", 0, "concurrent branch activities (default from config)")
	rootCmd.AddCommand(workerCmd)
}
