package orchestrate

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/charlie-tr1/internal/model"
	"github.com/sells-group/charlie-tr1/internal/pipeline"
)

// WorkflowName is the registered name of RunWorkflow.
const WorkflowName = "charlie.run"

// RunInput starts a dataset run workflow.
type RunInput struct {
	Request pipeline.RunRequest `json:"request"`
	// Workers caps concurrently scheduled branch activities.
	Workers int `json:"workers"`
	// ActivityTimeout bounds one branch attempt.
	ActivityTimeout time.Duration `json:"activity_timeout"`
}

// RunWorkflow starts the run, schedules one branch activity per ticker with
// at most Workers outstanding, and joins whatever reported. A branch
// activity that exhausts its retries is left out of the join, which then
// records it as missing.
func RunWorkflow(ctx workflow.Context, in RunInput) (*model.RunSummary, error) {
	timeout := in.ActivityTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumAttempts:    3,
		},
	})
	logger := workflow.GetLogger(ctx)

	// The execution's run id keys the run row so retried StartRun attempts
	// converge on one run.
	startReq := in.Request
	if startReq.RunID == "" {
		startReq.RunID = workflow.GetInfo(ctx).WorkflowExecution.RunID
	}
	var a *Activities
	var start StartOutput
	if err := workflow.ExecuteActivity(ctx, a.StartRun, startReq).Get(ctx, &start); err != nil {
		return nil, err
	}
	req := start.Request

	workers := in.Workers
	if workers < 1 {
		workers = 1
	}
	summaries := make([]model.BranchSummary, 0, len(req.Tickers))
	sel := workflow.NewSelector(ctx)
	pending := 0
	for i := 0; i < len(req.Tickers) || pending > 0; {
		if i < len(req.Tickers) && pending < workers {
			ticker := req.Tickers[i]
			f := workflow.ExecuteActivity(ctx, a.RunBranch, BranchInput{Meta: start.Meta, Branch: req.Branch(ticker)})
			sel.AddFuture(f, func(f workflow.Future) {
				pending--
				var s model.BranchSummary
				if err := f.Get(ctx, &s); err != nil {
					logger.Warn("branch activity failed", "ticker", ticker, "error", err)
					return
				}
				summaries = append(summaries, s)
			})
			pending++
			i++
			continue
		}
		sel.Select(ctx)
	}

	var sum model.RunSummary
	err := workflow.ExecuteActivity(ctx, a.Finalize, FinalizeInput{
		Request:   pipeline.FinalizeRequest{Meta: start.Meta, Tickers: req.Tickers, Dates: req.Dates},
		Summaries: summaries,
	}).Get(ctx, &sum)
	if err != nil {
		return nil, err
	}
	logger.Info("run joined", "run_id", sum.RunID, "status", string(sum.Status))
	return &sum, nil
}
