package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/charlie-tr1/internal/assemble"
	"github.com/sells-group/charlie-tr1/internal/label"
	"github.com/sells-group/charlie-tr1/internal/model"
	"github.com/sells-group/charlie-tr1/internal/resilience"
	"github.com/sells-group/charlie-tr1/internal/store"
	"github.com/sells-group/charlie-tr1/internal/technicals"
)

// Stage names reported to metrics.
const (
	StageNormalize  = "normalize"
	StageTechnicals = "technicals"
	StageAssemble   = "assemble"
	StageLabel      = "label"
)

// RunBranch processes one asset over every date of req in order. It never
// returns an error: failures land in the summary, and a panic becomes a
// failed summary.
func (p *Pipeline) RunBranch(ctx context.Context, meta model.RunMeta, req BranchRequest) (summary model.BranchSummary) {
	summary = model.BranchSummary{RunID: meta.RunID, Ticker: req.Ticker, Artifacts: map[string]int{}}
	log := zap.L().With(
		zap.String("component", "pipeline.branch"),
		zap.String("run_id", meta.RunID),
		zap.String("ticker", req.Ticker),
	)
	defer p.metrics.BranchStarted()()
	defer func() {
		if r := recover(); r != nil {
			log.Error("branch panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			summary.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	asset, err := p.store.GetAssetByTicker(ctx, req.Ticker)
	if err != nil {
		summary.Error = eris.Wrapf(err, "pipeline: load asset %s", req.Ticker).Error()
		return summary
	}
	in, err := p.loadInputs(ctx, asset, req.Dates)
	if err != nil {
		summary.Error = err.Error()
		return summary
	}

	var samples []model.AssembledSample
	unitIndex := make(map[time.Time]int, len(req.Dates))
	for _, date := range req.Dates {
		if ctx.Err() != nil {
			summary.Error = eris.Wrap(ctx.Err(), "pipeline: branch cancelled").Error()
			return summary
		}
		unit, built := p.runUnit(ctx, meta, *asset, date, req, in)
		unitIndex[model.Day(date)] = len(summary.Units)
		summary.Units = append(summary.Units, unit)
		samples = append(samples, built...)
	}

	p.labelSamples(ctx, log, &summary, in.bars, samples, unitIndex)

	for _, u := range summary.Units {
		for k, v := range u.Artifacts {
			summary.Artifacts[k] += v
		}
		if u.Failed() {
			p.metrics.UnitFailed(u.ErrorKind)
		}
	}
	p.metrics.AddArtifacts(summary.Artifacts)
	log.Info("branch complete",
		zap.Int("units", len(summary.Units)),
		zap.Int("samples", summary.Artifacts[model.ArtifactSamples]),
		zap.Int("labels", summary.Artifacts[model.ArtifactLabels]),
	)
	return summary
}

type branchInputs struct {
	raws []model.RawRecord
	bars []model.Bar
}

func (p *Pipeline) loadInputs(ctx context.Context, asset *model.Asset, dates []time.Time) (*branchInputs, error) {
	var latest time.Time
	for _, d := range dates {
		if d.After(latest) {
			latest = d
		}
	}
	id := asset.ID
	raws, err := p.store.ListRawRecords(ctx, store.RawFilter{
		AssetID:     &id,
		Kinds:       []model.RecordKind{model.KindNews, model.KindFundamentals, model.KindOptions},
		PublishedTo: model.EndOfDay(latest),
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list raw records")
	}
	bars, err := p.store.ListPriceBars(ctx, asset.ID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list price bars")
	}
	return &branchInputs{raws: raws, bars: bars}, nil
}

// runUnit executes normalize, technicals and assemble for one as-of date.
// Errors stop the unit, never the branch.
func (p *Pipeline) runUnit(ctx context.Context, meta model.RunMeta, asset model.Asset, date time.Time, req BranchRequest, in *branchInputs) (model.UnitResult, []model.AssembledSample) {
	date = model.Day(date)
	unit := model.UnitResult{Ticker: asset.Ticker, AsOfDate: date, Artifacts: map[string]int{}}
	fail := func(err error) (model.UnitResult, []model.AssembledSample) {
		unit.ErrorKind = model.ErrorKind(err)
		unit.Error = err.Error()
		zap.L().Warn("unit failed",
			zap.String("component", "pipeline.branch"),
			zap.String("run_id", meta.RunID),
			zap.String("ticker", asset.Ticker),
			zap.String("as_of_date", date.Format(model.DateLayout)),
			zap.String("error_kind", unit.ErrorKind),
			zap.String("error_class", resilience.ClassifyError(err)),
			zap.Error(err),
		)
		return unit, nil
	}

	start := time.Now()
	res := p.normalizer.Normalize(asset, date, in.raws)
	err := p.store.SaveNormalized(ctx, store.NormalizedBatch{
		AssetID:      asset.ID,
		AsOfDate:     date,
		Records:      res.Records,
		Duplicates:   res.Duplicates,
		Events:       res.Events,
		Fundamentals: res.Fundamentals,
		Options:      res.Options,
	})
	p.metrics.ObserveStage(StageNormalize, start, err)
	if err != nil {
		return fail(eris.Wrap(err, "pipeline: save normalized"))
	}
	unit.Artifacts[model.ArtifactNormalized] = len(res.Records)
	unit.Artifacts[model.ArtifactDuplicates] = len(res.Duplicates)
	unit.Artifacts[model.ArtifactAudits] = len(res.Events)

	// A stricter cutoff sees the window of the last close it covers, stored
	// under that close's own date so it matches the regular window there.
	start = time.Now()
	windowDate := technicals.LastCloseBy(assemble.Cutoff(date, req.Cutoff))
	w, err := technicals.ComputeWindow(asset, windowDate, in.bars, p.techOpts)
	switch {
	case errors.Is(err, technicals.ErrNoHistory):
		// Assembly reports every variation as insufficient.
		err = nil
	case err != nil:
	default:
		_, err = p.store.UpsertPriceWindow(ctx, w)
		if err == nil {
			unit.Artifacts[model.ArtifactWindows] = 1
		}
	}
	p.metrics.ObserveStage(StageTechnicals, start, err)
	if err != nil {
		return fail(eris.Wrap(err, "pipeline: price window"))
	}

	start = time.Now()
	out, err := p.assembler.Assemble(ctx, assemble.Request{
		Asset:       asset,
		AsOfDate:    date,
		Variations:  req.Variations,
		Seed:        meta.Seed,
		TokenBudget: req.TokenBudget,
		Modalities:  req.Modalities,
		Cutoff:      req.Cutoff,
		RunID:       meta.RunID,
	})
	if err != nil {
		p.metrics.ObserveStage(StageAssemble, start, err)
		return fail(err)
	}
	samples := make([]model.AssembledSample, 0, len(out.Samples))
	keep := make([]int, 0, len(out.Samples))
	for _, smp := range out.Samples {
		id, err := p.store.UpsertSample(ctx, smp)
		if err != nil {
			p.metrics.ObserveStage(StageAssemble, start, err)
			return fail(eris.Wrap(err, "pipeline: upsert sample"))
		}
		smp.ID = id
		samples = append(samples, smp)
		keep = append(keep, smp.VariationIndex)
	}
	pruned, err := p.store.PruneSamples(ctx, asset.ID, date, keep)
	p.metrics.ObserveStage(StageAssemble, start, err)
	if err != nil {
		return fail(eris.Wrap(err, "pipeline: prune samples"))
	}
	if pruned > 0 {
		unit.Artifacts[model.ArtifactPruned] = pruned
	}
	unit.Artifacts[model.ArtifactSamples] = len(samples)
	unit.Artifacts[model.ArtifactSkipped] = len(out.VariationErrors)
	return unit, samples
}

// labelSamples runs Algorithm S1 over the branch's samples and attributes
// label artifacts and failures to each sample's unit.
func (p *Pipeline) labelSamples(ctx context.Context, log *zap.Logger, summary *model.BranchSummary, bars []model.Bar, samples []model.AssembledSample, unitIndex map[time.Time]int) {
	if len(samples) == 0 {
		return
	}
	bump := func(date time.Time, key string) {
		if i, ok := unitIndex[model.Day(date)]; ok {
			summary.Units[i].Artifacts[key]++
		}
	}

	start := time.Now()
	out, err := p.labeler.Label(bars, samples)
	if errors.Is(err, label.ErrInsufficientHistory) {
		p.metrics.ObserveStage(StageLabel, start, nil)
		log.Warn("labeling skipped", zap.Error(err))
		for _, s := range samples {
			bump(s.AsOfDate, model.ArtifactUnlabeled)
		}
		return
	}
	if err != nil {
		p.metrics.ObserveStage(StageLabel, start, err)
		summary.Error = eris.Wrap(err, "pipeline: label").Error()
		return
	}

	byID := make(map[int64]time.Time, len(samples))
	for _, s := range samples {
		byID[s.ID] = s.AsOfDate
	}
	labeled := make(map[int64]bool, len(out.Labels))
	for _, l := range out.Labels {
		date := byID[l.SampleID]
		if err := p.store.UpsertLabel(ctx, l); err != nil {
			if i, ok := unitIndex[model.Day(date)]; ok && !summary.Units[i].Failed() {
				summary.Units[i].ErrorKind = model.ErrorKind(err)
				summary.Units[i].Error = eris.Wrap(err, "pipeline: upsert label").Error()
			}
			continue
		}
		labeled[l.SampleID] = true
		bump(date, model.ArtifactLabels)
	}
	for _, s := range samples {
		if !labeled[s.ID] && !failedUnit(summary, unitIndex, s.AsOfDate) {
			bump(s.AsOfDate, model.ArtifactUnlabeled)
		}
	}
	p.metrics.ObserveStage(StageLabel, start, nil)
	log.Debug("labeled", zap.Int("labels", len(labeled)), zap.Int("skipped", len(out.Skipped)))
}

func failedUnit(summary *model.BranchSummary, unitIndex map[time.Time]int, date time.Time) bool {
	i, ok := unitIndex[model.Day(date)]
	return ok && summary.Units[i].Failed()
}
