package normalize

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/charlie-tr1/internal/model"
)

var (
	asOf  = time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)
	apple = model.Asset{ID: 1, Ticker: "AAPL", Aliases: []string{"Apple"}}
)

func newNormalizer() *Normalizer {
	return New(Options{MinContentLength: 20, SnippetChars: 40, CharsPerToken: 4})
}

func news(source, dedupe, headline, body string, published, fetched time.Time) model.RawRecord {
	return model.RawRecord{
		AssetID:     &apple.ID,
		Source:      source,
		Kind:        model.KindNews,
		Headline:    headline,
		Body:        body,
		PublishedAt: published,
		FetchedAt:   fetched,
		DedupeHash:  dedupe,
	}
}

func eventsOf(res Result, kind model.AuditKind) []model.AuditEvent {
	var out []model.AuditEvent
	for _, e := range res.Events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestBucketFor(t *testing.T) {
	tests := []struct {
		daysBefore int
		want       model.Bucket
		ok         bool
	}{
		{0, model.BucketRecent, true},
		{3, model.BucketRecent, true},
		{4, model.BucketMid, true},
		{10, model.BucketMid, true},
		{11, model.BucketDistant, true},
		{30, model.BucketDistant, true},
		{31, "", false},
		{-1, "", false},
	}
	for _, tt := range tests {
		at := asOf.AddDate(0, 0, -tt.daysBefore).Add(15 * time.Hour)
		b, days, ok := BucketFor(asOf, at)
		assert.Equal(t, tt.ok, ok, "days=%d", tt.daysBefore)
		assert.Equal(t, tt.want, b, "days=%d", tt.daysBefore)
		assert.Equal(t, tt.daysBefore, days)
	}
}

func TestBucketFor_ConvertsToUTC(t *testing.T) {
	// 2024-06-13 22:00 in New York is 2024-06-14 02:00 UTC.
	ny := time.FixedZone("EDT", -4*3600)
	b, days, ok := BucketFor(asOf, time.Date(2024, 6, 13, 22, 0, 0, 0, ny))
	require.True(t, ok)
	assert.Equal(t, model.BucketRecent, b)
	assert.Equal(t, 0, days)
}

func TestNormalize_DeduplicatesAcrossSources(t *testing.T) {
	pub := asOf.Add(-20 * time.Hour)
	raws := []model.RawRecord{
		news("newsapi", "n1", "Apple unveils new iPhone", "Apple  Inc. announced   a new device today.", pub, asOf.Add(-2*time.Hour)),
		news("finnhub", "f1", "APPLE UNVEILS NEW IPHONE", "apple inc. announced a new device today.", pub, asOf.Add(-3*time.Hour)),
	}

	res := newNormalizer().Normalize(apple, asOf, raws)

	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	assert.Equal(t, "finnhub:f1", rec.CanonicalKey, "earliest fetched wins")
	assert.Equal(t, []string{"newsapi:n1"}, rec.DuplicateKeys)
	assert.True(t, rec.IsRelevant)
	assert.Equal(t, model.BucketRecent, rec.Bucket)

	require.Len(t, res.Duplicates, 1)
	assert.Equal(t, "newsapi:n1", res.Duplicates[0].RawKey)
	assert.Equal(t, rec.ContentHash, res.Duplicates[0].ContentHash)

	dedup := eventsOf(res, model.AuditDeduplicated)
	require.Len(t, dedup, 1)
	assert.Equal(t, "duplicate of finnhub:f1", dedup[0].Reason)
}

func TestNormalize_CanonicalTieBreaksOnKey(t *testing.T) {
	pub := asOf.Add(-time.Hour)
	fetched := asOf
	raws := []model.RawRecord{
		news("zeta", "1", "Apple headline", "same body text for both", pub, fetched),
		news("alpha", "1", "Apple headline", "same body text for both", pub, fetched),
	}
	res := newNormalizer().Normalize(apple, asOf, raws)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "alpha:1", res.Records[0].CanonicalKey)
}

func TestNormalize_DropsOutOfWindow(t *testing.T) {
	raws := []model.RawRecord{
		news("finnhub", "future", "Apple tomorrow", "news from the future about Apple", asOf.AddDate(0, 0, 1), asOf),
		news("finnhub", "old", "Apple long ago", "news from long ago about Apple", asOf.AddDate(0, 0, -31), asOf),
	}
	res := newNormalizer().Normalize(apple, asOf, raws)
	assert.Empty(t, res.Records)

	dropped := eventsOf(res, model.AuditDropped)
	require.Len(t, dropped, 2)
	assert.Equal(t, "finnhub:future", dropped[0].RawKey)
	assert.Equal(t, "published after as-of date", dropped[0].Reason)
	assert.Equal(t, "published 31 days before as-of date", dropped[1].Reason)
}

func TestNormalize_InvalidRecordsDoNotFailBatch(t *testing.T) {
	raws := []model.RawRecord{
		news("finnhub", "nots", "Apple", "body", time.Time{}, asOf),
		news("finnhub", "empty", "  ", "", asOf.Add(-time.Hour), asOf),
		{Source: "fmp", Kind: model.KindFundamentals, DedupeHash: "bad", PublishedAt: asOf, Payload: map[string]any{"metrics": "not-a-map"}},
		{Source: "x", Kind: "weather", DedupeHash: "w", PublishedAt: asOf},
		news("finnhub", "ok", "Apple beats estimates", "Apple reported strong quarterly revenue.", asOf.Add(-time.Hour), asOf),
	}
	res := newNormalizer().Normalize(apple, asOf, raws)
	require.Len(t, res.Records, 1)

	invalid := eventsOf(res, model.AuditInvalid)
	require.Len(t, invalid, 4)
	reasons := map[string]string{}
	for _, e := range invalid {
		reasons[e.RawKey] = e.Reason
	}
	assert.Equal(t, "missing timestamp", reasons["finnhub:nots"])
	assert.Equal(t, "empty content", reasons["finnhub:empty"])
	assert.Contains(t, reasons["fmp:bad"], "undecodable payload")
	assert.Contains(t, reasons["x:w"], "unknown record kind")
}

func TestNormalize_Relevance(t *testing.T) {
	pub := asOf.Add(-time.Hour)
	tests := []struct {
		name     string
		n        *Normalizer
		raw      model.RawRecord
		relevant bool
		reason   string
	}{
		{"ticker", newNormalizer(), news("s", "1", "AAPL rallies", "shares rose sharply in early trading", pub, asOf), true, "matched"},
		{"alias lowercase", newNormalizer(), news("s", "2", "apple rallies", "shares rose sharply in early trading", pub, asOf), true, "matched"},
		{"no word boundary", newNormalizer(), news("s", "3", "AAPLX fund", "pineapple prices rose sharply today", pub, asOf), false, "no ticker or alias mention"},
		{"too short", newNormalizer(), news("s", "4", "AAPL", "up", pub, asOf), false, "content length 7 below 20"},
		{"source not allowed", New(Options{SourceAllowList: []string{"FMP"}}), news("blog", "5", "AAPL rallies", "x", pub, asOf), false, "source blog not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.n.Normalize(apple, asOf, []model.RawRecord{tt.raw})
			require.Len(t, res.Records, 1, "irrelevant records are kept")
			assert.Equal(t, tt.relevant, res.Records[0].IsRelevant)
			assert.Equal(t, tt.reason, res.Records[0].RelevanceReason)
		})
	}
}

func TestNormalize_SnippetAndTokens(t *testing.T) {
	body := "Apple said the quarter was its strongest ever with services revenue at a record high."
	res := newNormalizer().Normalize(apple, asOf, []model.RawRecord{
		news("finnhub", "1", "Apple   record", body, asOf.Add(-time.Hour), asOf),
	})
	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	assert.Equal(t, "Apple record", rec.Headline)
	assert.Equal(t, "Apple said the quarter was its strongest…", rec.Snippet)
	assert.Equal(t, model.EstimateTokens(rec.Headline+" "+rec.Snippet, 4), rec.TokenCount)
}

func TestNormalize_TypedPayloads(t *testing.T) {
	raws := []model.RawRecord{
		{
			Source: "fmp", Kind: model.KindFundamentals, DedupeHash: "q1", PublishedAt: asOf.AddDate(0, -1, 0),
			Payload: map[string]any{"report_date": "2024-03-30", "period_type": "Quarter", "metrics": map[string]any{"eps": "1.53", "revenue": 90.75e9}},
		},
		{
			Source: "fmp", Kind: model.KindFundamentals, DedupeHash: "q2", PublishedAt: asOf.AddDate(0, 0, 20),
			Payload: map[string]any{"report_date": "2024-06-29", "metrics": map[string]any{"eps": 1.6}},
		},
		{
			Source: "eodhd", Kind: model.KindOptions, DedupeHash: "o1", PublishedAt: asOf.Add(-24 * time.Hour),
			Payload: map[string]any{
				"as_of_date":       "2024-06-13",
				"underlying_price": 212.5,
				"contracts": []any{
					map[string]any{"expiration": "2024-07-19", "type": "CALL", "strike": 215, "open_interest": "1200", "implied_vol": 0.24},
					map[string]any{"expiration": "2024-07-19", "type": "put", "strike": 205.0, "open_interest": 800, "implied_vol": 0.27},
				},
			},
		},
	}
	res := newNormalizer().Normalize(apple, asOf, raws)

	require.Len(t, res.Fundamentals, 1)
	f := res.Fundamentals[0]
	assert.Equal(t, "quarter", f.PeriodType)
	assert.Equal(t, 1.53, f.Metrics["eps"])
	assert.True(t, f.ReportDate.Equal(time.Date(2024, 3, 30, 0, 0, 0, 0, time.UTC)))
	assert.True(t, f.PublishedAt.Equal(asOf.AddDate(0, -1, 0)), "availability comes from the raw record")

	dropped := eventsOf(res, model.AuditDropped)
	require.Len(t, dropped, 1)
	assert.Equal(t, "fmp:q2", dropped[0].RawKey)

	require.Len(t, res.Options, 2)
	assert.Equal(t, "call", res.Options[0].OptionType)
	assert.Equal(t, int64(1200), res.Options[0].OpenInterest)
	assert.Equal(t, 212.5, res.Options[1].UnderlyingPrice)
}

func TestNormalize_OrderIndependent(t *testing.T) {
	var raws []model.RawRecord
	for i := 0; i < 12; i++ {
		pub := asOf.AddDate(0, 0, -i*2).Add(time.Duration(i) * time.Minute)
		raws = append(raws, news("finnhub", string(rune('a'+i)), "Apple item", "Apple body text number "+string(rune('a'+i)), pub, asOf))
		raws = append(raws, news("newsapi", string(rune('a'+i)), "apple item", "apple body text number "+string(rune('a'+i)), pub, asOf.Add(time.Second)))
	}
	n := newNormalizer()
	want := n.Normalize(apple, asOf, raws)

	shuffled := append([]model.RawRecord(nil), raws...)
	rng := rand.New(rand.NewPCG(1, 2))
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	got := n.Normalize(apple, asOf, shuffled)

	assert.Equal(t, want, got)
	assert.Len(t, got.Records, 12)
	assert.Len(t, got.Duplicates, 12)
}
