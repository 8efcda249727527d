package assemble

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/charlie-tr1/internal/config"
	"github.com/sells-group/charlie-tr1/internal/model"
	"github.com/sells-group/charlie-tr1/internal/technicals"
)

var (
	asOf   = time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)
	cutoff = time.Date(2024, 6, 14, 23, 59, 59, 0, time.UTC)
	apple  = model.Asset{ID: 1, Ticker: "AAPL", Name: "Apple Inc.", Sector: "Technology"}
)

func testWindow(t *testing.T) *model.PriceWindow {
	t.Helper()
	bars := make([]model.Bar, 40)
	for i := range bars {
		c := 180 + float64(i)
		bars[i] = model.Bar{Date: asOf.AddDate(0, 0, i-39), Open: c, High: c + 2, Low: c - 2, Close: c + 1, Volume: 5e7}
	}
	w, err := technicals.ComputeWindow(apple, asOf, bars, technicals.Options{Lookback: 15, Warmup: 45})
	require.NoError(t, err)
	return &w
}

func newsItem(bucket model.Bucket, daysAgo, n int, relevant bool) model.NormalizedRecord {
	return model.NormalizedRecord{
		AssetID:      apple.ID,
		AsOfDate:     asOf,
		Source:       []string{"finnhub", "newsapi"}[n%2],
		PublishedAt:  asOf.AddDate(0, 0, -daysAgo).Add(time.Duration(10+n%8) * time.Hour),
		Bucket:       bucket,
		IsRelevant:   relevant,
		ContentHash:  fmt.Sprintf("%s-%02d", bucket, n),
		Headline:     fmt.Sprintf("Apple headline %d", n),
		Snippet:      "Apple shares moved on the report.",
		CanonicalKey: fmt.Sprintf("finnhub:%d", n),
	}
}

func testNews() []model.NormalizedRecord {
	var out []model.NormalizedRecord
	for i := 0; i < 8; i++ {
		out = append(out, newsItem(model.BucketRecent, i%4, i, true))
	}
	for i := 8; i < 12; i++ {
		out = append(out, newsItem(model.BucketMid, 6, i, true))
	}
	for i := 12; i < 15; i++ {
		out = append(out, newsItem(model.BucketDistant, 20, i, true))
	}
	out = append(out, newsItem(model.BucketRecent, 1, 99, false))
	return out
}

func ptr(v float64) *float64 { return &v }

// fullQuerier wires every modality with data.
func fullQuerier(t *testing.T) *mockQuerier {
	q := &mockQuerier{}
	q.On("LatestPriceWindow", mock.Anything, apple.ID, cutoff).Return(testWindow(t), nil)
	q.On("NewsForDate", mock.Anything, apple.ID, asOf, cutoff).Return(testNews(), nil)
	q.On("LatestFundamentals", mock.Anything, apple.ID, cutoff).Return(&model.FundamentalsReport{
		AssetID: apple.ID, Source: "fmp", ReportDate: time.Date(2024, 3, 30, 0, 0, 0, 0, time.UTC),
		PeriodType: "quarter", Metrics: map[string]float64{"eps": 1.53, "revenue": 9.075e10},
	}, nil)
	q.On("MacroEvents", mock.Anything, mock.Anything, cutoff, 10).Return([]model.MacroEvent{
		{Source: "fred", Name: "CPI YoY", Country: "US", EventAt: time.Date(2024, 6, 12, 12, 30, 0, 0, time.UTC), Actual: ptr(3.3), Forecast: ptr(3.4)},
	}, nil)
	q.On("OptionsSnapshot", mock.Anything, apple.ID, cutoff, 5, 20).Return([]model.OptionContract{
		{AssetID: apple.ID, AsOfDate: asOf.AddDate(0, 0, -1), Expiration: time.Date(2024, 7, 19, 0, 0, 0, 0, time.UTC), OptionType: "call", Strike: 215, OpenInterest: 1200, ImpliedVol: 0.24, UnderlyingPrice: 212.5},
	}, nil)
	return q
}

func request(variations int) Request {
	return Request{Asset: apple, AsOfDate: asOf, Variations: variations, Seed: 1234, TokenBudget: 4000, RunID: "run-1"}
}

func TestCutoff(t *testing.T) {
	assert.Equal(t, cutoff, Cutoff(asOf, time.Time{}))
	strict := asOf.Add(16 * time.Hour)
	assert.Equal(t, strict, Cutoff(asOf, strict))
	assert.Equal(t, cutoff, Cutoff(asOf, asOf.AddDate(0, 0, 2)), "later cutoffs are clamped")
	assert.Equal(t, cutoff, Cutoff(asOf.Add(13*time.Hour), time.Time{}))
}

func TestSubSeed(t *testing.T) {
	s := SubSeed(1234, "aapl", asOf, 0)
	assert.Equal(t, "f2d786e6284305061b62a32d48b8b460", hex.EncodeToString(s[:]))
	assert.NotEqual(t, s, SubSeed(1234, "AAPL", asOf, 1))
	assert.NotEqual(t, s, SubSeed(1235, "AAPL", asOf, 0))
	assert.Equal(t, s, SubSeed(1234, "AAPL", asOf.Add(20*time.Hour), 0))
}

func TestOptionsFromConfig(t *testing.T) {
	o := OptionsFromConfig(config.AssembleConfig{
		Variations: 3, TokenBudget: 100, Modalities: []string{"News", "technicals"},
		Recent: config.QuotaConfig{Min: 1, Max: 2},
	})
	assert.Equal(t, model.Modalities{model.ModalityNews, model.ModalityTechnicals}, o.Modalities)
	assert.Equal(t, Quota{Min: 1, Max: 2}, o.Quotas[model.BucketRecent])
}

func TestAssemble_ThreeVariations(t *testing.T) {
	q := fullQuerier(t)
	res, err := New(q, DefaultOptions()).Assemble(context.Background(), request(3))
	require.NoError(t, err)
	require.Empty(t, res.VariationErrors)
	require.Len(t, res.Samples, 3)

	for i, s := range res.Samples {
		assert.Equal(t, i, s.VariationIndex)
		assert.Equal(t, "2024-06-14T23:59:59Z", s.AsOfCutoff.Format(time.RFC3339))
		assert.Equal(t, "run-1", s.RunID)
		assert.LessOrEqual(t, s.PromptTokens, 4000)
		assert.Len(t, s.SubSeed, 32)
		assert.NotEmpty(t, s.Checksum)

		meta := s.SourcesMeta
		require.NotNil(t, meta.Technicals)
		assert.Equal(t, "2024-06-14", meta.Technicals.AsOfDate)
		assert.Equal(t, 15, meta.Technicals.WindowDays)
		require.NotNil(t, meta.Fundamentals)
		assert.Equal(t, "2024-03-30", meta.Fundamentals.ReportDate)
		require.NotNil(t, meta.Macro)
		assert.Equal(t, []string{"fred"}, meta.Macro.Sources)
		require.NotNil(t, meta.Options)
		assert.Equal(t, 1, meta.Options.Records)
		assert.Empty(t, meta.Missing)

		recent := meta.News.ByBucket[string(model.BucketRecent)]
		assert.GreaterOrEqual(t, recent, 2)
		assert.LessOrEqual(t, recent, 5)
		assert.GreaterOrEqual(t, meta.News.ByBucket[string(model.BucketMid)], 1)
		assert.LessOrEqual(t, meta.News.ByBucket[string(model.BucketDistant)], 2)
		assert.Len(t, meta.News.ContentHashes, meta.News.Count)
		assert.NotContains(t, meta.News.ContentHashes, "0-3-99", "irrelevant records are never packed")
		require.NotNil(t, meta.News.Latest)
		assert.False(t, meta.News.Latest.After(s.AsOfCutoff))

		assert.True(t, strings.HasPrefix(s.PromptText, "Asset: AAPL (Apple Inc.)\n"))
		assert.Contains(t, s.PromptText, "## Technicals")
		assert.Less(t, strings.Index(s.PromptText, "## Fundamentals"), strings.Index(s.PromptText, "## Macro"))
		assert.Less(t, strings.Index(s.PromptText, "## Options"), strings.Index(s.PromptText, "## News"))
	}
	assert.NotEqual(t, res.Samples[0].SubSeed, res.Samples[1].SubSeed)
}

func TestAssemble_Deterministic(t *testing.T) {
	a, err := New(fullQuerier(t), DefaultOptions()).Assemble(context.Background(), request(5))
	require.NoError(t, err)
	b, err := New(fullQuerier(t), DefaultOptions()).Assemble(context.Background(), request(5))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestAssemble_ChecksumIgnoresRunID(t *testing.T) {
	req := request(1)
	a, err := New(fullQuerier(t), DefaultOptions()).Assemble(context.Background(), req)
	require.NoError(t, err)
	req.RunID = "run-2"
	b, err := New(fullQuerier(t), DefaultOptions()).Assemble(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a.Samples[0].Checksum, b.Samples[0].Checksum)
	assert.NotEqual(t, a.Samples[0].RunID, b.Samples[0].RunID)
}

func TestAssemble_NoWindowIsInsufficientPerVariation(t *testing.T) {
	q := &mockQuerier{}
	q.On("LatestPriceWindow", mock.Anything, apple.ID, cutoff).Return(nil, nil)
	req := request(3)
	req.Modalities = model.Modalities{model.ModalityTechnicals}

	res, err := New(q, DefaultOptions()).Assemble(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, res.Samples)
	require.Len(t, res.VariationErrors, 3)
	for i, verr := range res.VariationErrors {
		var ic *model.InsufficientContentError
		require.True(t, errors.As(verr, &ic))
		assert.Equal(t, i, ic.Variation)
		assert.True(t, model.IsSoft(verr))
	}
	q.AssertExpectations(t)
}

func TestAssemble_BudgetBelowMinimum(t *testing.T) {
	req := request(2)
	req.TokenBudget = 50
	res, err := New(fullQuerier(t), DefaultOptions()).Assemble(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, res.Samples)
	require.Len(t, res.VariationErrors, 2)
	var ic *model.InsufficientContentError
	require.True(t, errors.As(res.VariationErrors[0], &ic))
	assert.Greater(t, ic.Required, 50)
}

func TestAssemble_GreedyTruncation(t *testing.T) {
	q := fullQuerier(t)
	full, err := New(q, DefaultOptions()).Assemble(context.Background(), request(1))
	require.NoError(t, err)

	// Room for the minimum plus a little more, so later sections get skipped.
	p := newPacker(1<<30, 4)
	w := testWindow(t)
	minimum := p.cost(renderHeader(apple, asOf, cutoff)) + p.cost(renderTechnicals(*w))

	req := request(1)
	req.TokenBudget = minimum + 20
	res, err := New(fullQuerier(t), DefaultOptions()).Assemble(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Samples, 1)
	s := res.Samples[0]
	assert.LessOrEqual(t, s.PromptTokens, req.TokenBudget)
	assert.NotEmpty(t, s.SourcesMeta.Truncated)
	assert.Less(t, s.SourcesMeta.News.Count, full.Samples[0].SourcesMeta.News.Count+1)
	assert.NotNil(t, s.SourcesMeta.Technicals)
}

func TestAssemble_MissingModalitiesLowerCoverage(t *testing.T) {
	q := &mockQuerier{}
	q.On("LatestPriceWindow", mock.Anything, apple.ID, cutoff).Return(testWindow(t), nil)
	q.On("NewsForDate", mock.Anything, apple.ID, asOf, cutoff).Return([]model.NormalizedRecord{}, nil)
	q.On("LatestFundamentals", mock.Anything, apple.ID, cutoff).Return(nil, nil)
	q.On("MacroEvents", mock.Anything, mock.Anything, cutoff, 10).Return([]model.MacroEvent{}, nil)
	q.On("OptionsSnapshot", mock.Anything, apple.ID, cutoff, 5, 20).Return([]model.OptionContract{}, nil)

	res, err := New(q, DefaultOptions()).Assemble(context.Background(), request(1))
	require.NoError(t, err)
	require.Len(t, res.Samples, 1)
	meta := res.Samples[0].SourcesMeta
	assert.Equal(t, []model.Modality{model.ModalityFundamentals, model.ModalityMacro, model.ModalityOptions, model.ModalityNews}, meta.Missing)
	assert.Nil(t, meta.Fundamentals)
	assert.Equal(t, 0, meta.News.Count)
}

func TestAssemble_DisabledModalitiesAreNotQueried(t *testing.T) {
	q := &mockQuerier{}
	q.On("LatestPriceWindow", mock.Anything, apple.ID, cutoff).Return(testWindow(t), nil)
	req := request(2)
	req.Modalities = model.Modalities{model.ModalityTechnicals}

	res, err := New(q, DefaultOptions()).Assemble(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Samples, 2)
	assert.Empty(t, res.Samples[0].SourcesMeta.Missing)
	q.AssertNotCalled(t, "NewsForDate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	q.AssertNotCalled(t, "LatestFundamentals", mock.Anything, mock.Anything, mock.Anything)
}

func TestAssemble_StricterCutoffIsPassedToStore(t *testing.T) {
	strict := asOf.Add(16 * time.Hour)
	q := &mockQuerier{}
	q.On("LatestPriceWindow", mock.Anything, apple.ID, strict).Return(nil, nil)
	req := request(1)
	req.Cutoff = strict
	req.Modalities = model.Modalities{model.ModalityTechnicals}

	res, err := New(q, DefaultOptions()).Assemble(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.VariationErrors, 1)
	q.AssertExpectations(t)
}

func TestAssemble_LeakageViolation(t *testing.T) {
	leaky := testNews()
	leaky[0].PublishedAt = cutoff.Add(time.Minute)

	q := &mockQuerier{}
	q.On("LatestPriceWindow", mock.Anything, apple.ID, cutoff).Return(testWindow(t), nil)
	q.On("NewsForDate", mock.Anything, apple.ID, asOf, cutoff).Return(leaky, nil)
	req := request(1)
	req.Modalities = model.Modalities{model.ModalityTechnicals, model.ModalityNews}

	_, err := New(q, DefaultOptions()).Assemble(context.Background(), req)
	var lv *model.LeakageViolationError
	require.True(t, errors.As(err, &lv))
	assert.Equal(t, model.ModalityNews, lv.Modality)
	assert.Equal(t, model.KindLeakageViolation, model.ErrorKind(err))
}

func TestAssemble_LatePublishedFundamentalsIsLeakage(t *testing.T) {
	q := &mockQuerier{}
	q.On("LatestPriceWindow", mock.Anything, apple.ID, cutoff).Return(testWindow(t), nil)
	q.On("LatestFundamentals", mock.Anything, apple.ID, cutoff).Return(&model.FundamentalsReport{
		AssetID: apple.ID, Source: "fmp", ReportDate: asOf.AddDate(0, 0, -4), PeriodType: "quarter",
		Metrics: map[string]float64{"eps": 2}, PublishedAt: asOf.AddDate(0, 0, 6),
	}, nil)
	req := request(1)
	req.Modalities = model.Modalities{model.ModalityTechnicals, model.ModalityFundamentals}

	_, err := New(q, DefaultOptions()).Assemble(context.Background(), req)
	var lv *model.LeakageViolationError
	require.True(t, errors.As(err, &lv))
	assert.Equal(t, model.ModalityFundamentals, lv.Modality)
	assert.True(t, lv.At.Equal(asOf.AddDate(0, 0, 6)))
}

func TestAssemble_StoreErrorFailsCall(t *testing.T) {
	q := &mockQuerier{}
	q.On("LatestPriceWindow", mock.Anything, apple.ID, cutoff).Return(nil, errors.New("db down"))
	_, err := New(q, DefaultOptions()).Assemble(context.Background(), request(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assemble: price window")
}
