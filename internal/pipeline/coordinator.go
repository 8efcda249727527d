package pipeline

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/charlie-tr1/internal/model"
	"github.com/sells-group/charlie-tr1/internal/store"
)

// BranchMissing is the failure message for a branch that never reported.
const BranchMissing = "branch did not report"

// StartRun records a new running Run and returns the identity every branch
// receives.
func (p *Pipeline) StartRun(ctx context.Context, req RunRequest) (model.RunMeta, error) {
	run, err := p.store.CreateRun(ctx, req.RunID, req.Name, req.Seed, req.configSnapshot())
	if err != nil {
		return model.RunMeta{}, eris.Wrap(err, "pipeline: create run")
	}
	zap.L().Info("run started",
		zap.String("component", "pipeline.coordinator"),
		zap.String("run_id", run.ID),
		zap.Strings("tickers", req.Tickers),
		zap.Int("dates", len(req.Dates)),
	)
	return model.RunMeta{RunID: run.ID, Name: run.Name, Seed: run.Seed}, nil
}

// FinalizeRequest names what the join expects to hear back about.
type FinalizeRequest struct {
	Meta    model.RunMeta `json:"meta"`
	Tickers []string      `json:"tickers"`
	Dates   []time.Time   `json:"dates"`
}

// Finalize joins branch summaries into a RunSummary, stores unit failures
// and moves the run to its terminal status. It uses only what it receives:
// branches that did not report count as failed.
func (p *Pipeline) Finalize(ctx context.Context, req FinalizeRequest, summaries []model.BranchSummary) (*model.RunSummary, error) {
	log := zap.L().With(zap.String("component", "pipeline.coordinator"))

	runID := req.Meta.RunID
	if runID == "" {
		for _, s := range summaries {
			if s.RunID != "" {
				runID = s.RunID
				break
			}
		}
	}

	sum := Join(runID, req.Tickers, req.Dates, summaries, p.opts.MaxUnitFailureFraction)
	if runID == "" {
		log.Warn("no branch reported run metadata; returning default summary")
		return sum, nil
	}
	log = log.With(zap.String("run_id", runID))

	if len(sum.Failures) > 0 {
		if err := p.store.UpsertUnitFailures(ctx, sum.Failures); err != nil {
			return nil, eris.Wrap(err, "pipeline: store unit failures")
		}
	}

	meta := map[string]any{
		"branches_total":   sum.BranchesTotal,
		"branches_failed":  sum.BranchesFailed,
		"units_total":      sum.UnitsTotal,
		"units_failed":     sum.UnitsFailed,
		"failure_fraction": sum.FailureFraction,
	}
	err := p.store.FinishRun(ctx, runID, sum.Status, sum.Artifacts, meta)
	switch {
	case errors.Is(err, store.ErrRunFinished):
		// A repeated join after a terminal write leaves the first outcome.
		log.Warn("run already finished", zap.Error(err))
		return sum, nil
	case err != nil:
		return nil, eris.Wrap(err, "pipeline: finish run")
	}

	p.metrics.RunFinished(sum.Status)
	log.Info("run finished",
		zap.String("status", string(sum.Status)),
		zap.Int("units_total", sum.UnitsTotal),
		zap.Int("units_failed", sum.UnitsFailed),
		zap.Any("artifacts", sum.Artifacts),
	)
	return sum, nil
}

// Join aggregates summaries without touching the store. Summaries that
// carry a different run id are ignored; summaries without one are accepted.
func Join(runID string, tickers []string, dates []time.Time, summaries []model.BranchSummary, maxFailureFraction float64) *model.RunSummary {
	sum := &model.RunSummary{
		RunID:          runID,
		BranchesTotal:  len(tickers),
		BranchesFailed: map[string]string{},
		Artifacts:      map[string]int{},
	}

	byTicker := make(map[string]model.BranchSummary, len(summaries))
	for _, s := range summaries {
		if s.RunID != "" && runID != "" && s.RunID != runID {
			continue
		}
		if !slices.Contains(tickers, s.Ticker) {
			continue
		}
		if _, dup := byTicker[s.Ticker]; dup {
			continue
		}
		byTicker[s.Ticker] = s
	}

	failUnit := func(ticker string, date time.Time, kind, msg string) {
		sum.UnitsFailed++
		sum.Failures = append(sum.Failures, model.UnitFailure{
			RunID: runID, Ticker: ticker, AsOfDate: model.Day(date), ErrorKind: kind, Message: msg,
		})
	}

	for _, t := range tickers {
		s, ok := byTicker[t]
		if !ok {
			sum.BranchesFailed[t] = BranchMissing
			sum.UnitsTotal += len(dates)
			for _, d := range dates {
				failUnit(t, d, model.KindBranchMissing, BranchMissing)
			}
			continue
		}
		if s.Error != "" {
			sum.BranchesFailed[t] = s.Error
		}
		for k, v := range s.Artifacts {
			sum.Artifacts[k] += v
		}

		reported := make(map[time.Time]bool, len(s.Units))
		for _, u := range s.Units {
			reported[model.Day(u.AsOfDate)] = true
			sum.UnitsTotal++
			if u.Failed() {
				failUnit(t, u.AsOfDate, u.ErrorKind, u.Error)
			}
		}
		// Dates a failed branch never reached.
		for _, d := range dates {
			if reported[model.Day(d)] {
				continue
			}
			sum.UnitsTotal++
			kind := model.KindInternal
			if strings.HasPrefix(s.Error, "panic:") {
				kind = model.KindPanic
			}
			msg := s.Error
			if msg == "" {
				msg = "unit not reported"
			}
			failUnit(t, d, kind, msg)
		}
	}

	if sum.UnitsTotal > 0 {
		sum.FailureFraction = float64(sum.UnitsFailed) / float64(sum.UnitsTotal)
	}
	sum.Status = model.RunStatusSuccess
	if runID == "" || len(sum.BranchesFailed) > 0 || sum.FailureFraction > maxFailureFraction {
		sum.Status = model.RunStatusFailed
	}
	if len(sum.BranchesFailed) == 0 {
		sum.BranchesFailed = nil
	}
	return sum
}
