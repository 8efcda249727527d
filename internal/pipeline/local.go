package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/sells-group/charlie-tr1/internal/model"
)

// Execute resolves req, starts the run, fans out one branch per ticker with
// at most Workers in flight, and joins the summaries.
func (p *Pipeline) Execute(ctx context.Context, req RunRequest) (*model.RunSummary, error) {
	req, err := p.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	meta, err := p.StartRun(ctx, req)
	if err != nil {
		return nil, err
	}
	summaries := p.FanOut(ctx, meta, req)
	return p.Finalize(ctx, FinalizeRequest{Meta: meta, Tickers: req.Tickers, Dates: req.Dates}, summaries)
}

// FanOut runs every branch of req and collects the summaries. A branch
// never fails the group; its errors live in its summary.
func (p *Pipeline) FanOut(ctx context.Context, meta model.RunMeta, req RunRequest) []model.BranchSummary {
	results := make(chan model.BranchSummary, len(req.Tickers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for _, ticker := range req.Tickers {
		branch := req.Branch(ticker)
		g.Go(func() error {
			results <- p.RunBranch(gctx, meta, branch)
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	out := make([]model.BranchSummary, 0, len(req.Tickers))
	for s := range results {
		out = append(out, s)
	}
	return out
}
