// Package orchestrate runs the dataset pipeline as a Temporal workflow. The
// workflow drives the same three steps as the in-process engine: start the
// run, one branch activity per asset, and the join.
package orchestrate

import (
	"context"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/sells-group/charlie-tr1/internal/model"
	"github.com/sells-group/charlie-tr1/internal/pipeline"
)

// StartOutput is the resolved request together with the new run's identity.
type StartOutput struct {
	Meta    model.RunMeta        `json:"meta"`
	Request pipeline.RunRequest `json:"request"`
}

// BranchInput is the payload of one branch activity.
type BranchInput struct {
	Meta   model.RunMeta          `json:"meta"`
	Branch pipeline.BranchRequest `json:"branch"`
}

// FinalizeInput is the payload of the join activity.
type FinalizeInput struct {
	Request   pipeline.FinalizeRequest `json:"request"`
	Summaries []model.BranchSummary    `json:"summaries"`
}

// Activities wraps a Pipeline for registration on a Temporal worker.
type Activities struct {
	Pipeline *pipeline.Pipeline
}

// StartRun resolves tickers and dates and records the run.
func (a *Activities) StartRun(ctx context.Context, req pipeline.RunRequest) (*StartOutput, error) {
	req, err := a.Pipeline.Resolve(ctx, req)
	if err != nil {
		// Resolution is deterministic; retrying cannot help.
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), "resolve", err)
	}
	meta, err := a.Pipeline.StartRun(ctx, req)
	if err != nil {
		return nil, err
	}
	return &StartOutput{Meta: meta, Request: req}, nil
}

// RunBranch executes one asset. Branch failures are reported in the summary,
// so the activity only errors when the worker itself cannot proceed.
func (a *Activities) RunBranch(ctx context.Context, in BranchInput) (model.BranchSummary, error) {
	activity.GetLogger(ctx).Info("branch started", "ticker", in.Branch.Ticker, "run_id", in.Meta.RunID)
	return a.Pipeline.RunBranch(ctx, in.Meta, in.Branch), nil
}

// Finalize joins the summaries and moves the run to its terminal status.
func (a *Activities) Finalize(ctx context.Context, in FinalizeInput) (*model.RunSummary, error) {
	return a.Pipeline.Finalize(ctx, in.Request, in.Summaries)
}
