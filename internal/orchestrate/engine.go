package orchestrate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/charlie-tr1/internal/config"
	"github.com/sells-group/charlie-tr1/internal/model"
	"github.com/sells-group/charlie-tr1/internal/pipeline"
)

// Dial connects to the Temporal frontend described by cfg.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    NewLogger(zap.L().With(zap.String("component", "temporal"))),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrate: dial %s", cfg.HostPort)
	}
	return c, nil
}

// NewWorker registers the workflow and activities on the configured task
// queue. maxBranches bounds concurrent activity executions on this worker.
func NewWorker(c client.Client, cfg config.TemporalConfig, acts *Activities, maxBranches int) worker.Worker {
	w := worker.New(c, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: max(maxBranches, 1) + 1,
	})
	w.RegisterWorkflowWithOptions(RunWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivity(acts)
	return w
}

// Engine submits runs to Temporal and waits for their summaries.
type Engine struct {
	client  client.Client
	cfg     config.TemporalConfig
	workers int
}

// NewEngine creates an Engine that caps each run at workers branches.
func NewEngine(c client.Client, cfg config.TemporalConfig, workers int) *Engine {
	return &Engine{client: c, cfg: cfg, workers: workers}
}

// Execute starts RunWorkflow for req and blocks until it completes.
func (e *Engine) Execute(ctx context.Context, req pipeline.RunRequest) (*model.RunSummary, error) {
	opts := client.StartWorkflowOptions{
		ID:        "charlie-run-" + uuid.NewString(),
		TaskQueue: e.cfg.TaskQueue,
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, WorkflowName, RunInput{
		Request:         req,
		Workers:         e.workers,
		ActivityTimeout: time.Duration(e.cfg.ActivityTimeoutSecs) * time.Second,
	})
	if err != nil {
		return nil, eris.Wrap(err, "orchestrate: start workflow")
	}
	zap.L().Info("workflow started",
		zap.String("component", "orchestrate"),
		zap.String("workflow_id", run.GetID()),
		zap.String("temporal_run_id", run.GetRunID()),
	)
	var sum model.RunSummary
	if err := run.Get(ctx, &sum); err != nil {
		return nil, eris.Wrap(err, "orchestrate: workflow result")
	}
	return &sum, nil
}

// Logger adapts zap to the Temporal SDK logger.
type Logger struct {
	s *zap.SugaredLogger
}

var _ tlog.Logger = (*Logger)(nil)

// NewLogger wraps l.
func NewLogger(l *zap.Logger) *Logger {
	return &Logger{s: l.Sugar()}
}

func (l *Logger) Debug(msg string, keyvals ...interface{}) { l.s.Debugw(msg, keyvals...) }
func (l *Logger) Info(msg string, keyvals ...interface{})  { l.s.Infow(msg, keyvals...) }
func (l *Logger) Warn(msg string, keyvals ...interface{})  { l.s.Warnw(msg, keyvals...) }
func (l *Logger) Error(msg string, keyvals ...interface{}) { l.s.Errorw(msg, keyvals...) }

// With returns a logger carrying keyvals on every entry.
func (l *Logger) With(keyvals ...interface{}) tlog.Logger {
	return &Logger{s: l.s.With(keyvals...)}
}
