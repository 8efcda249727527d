// Package normalize turns the raw records visible from one as-of date into
// bucketed, deduplicated normalized records plus typed fundamentals and
// options rows. Every record that does not flow through unchanged leaves an
// audit event.
package normalize

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/sells-group/charlie-tr1/internal/config"
	"github.com/sells-group/charlie-tr1/internal/hasher"
	"github.com/sells-group/charlie-tr1/internal/model"
)

// Options tunes bucketing and the relevance heuristic.
type Options struct {
	MinContentLength int
	SourceAllowList  []string
	SnippetChars     int
	CharsPerToken    int
}

// OptionsFromConfig maps the normalize config section.
func OptionsFromConfig(c config.NormalizeConfig) Options {
	return Options{
		MinContentLength: c.MinContentLength,
		SourceAllowList:  c.SourceAllowList,
		SnippetChars:     c.SnippetChars,
		CharsPerToken:    c.CharsPerToken,
	}
}

// Result is everything derived for one (asset, as-of date).
type Result struct {
	Records      []model.NormalizedRecord
	Duplicates   []model.DuplicateLink
	Fundamentals []model.FundamentalsReport
	Options      []model.OptionContract
	Events       []model.AuditEvent
}

// Normalizer is stateless between calls and safe for concurrent use.
type Normalizer struct {
	opts    Options
	allowed map[string]bool
}

// New creates a Normalizer.
func New(opts Options) *Normalizer {
	if opts.SnippetChars <= 0 {
		opts.SnippetChars = 280
	}
	if opts.CharsPerToken <= 0 {
		opts.CharsPerToken = 4
	}
	allowed := make(map[string]bool, len(opts.SourceAllowList))
	for _, s := range opts.SourceAllowList {
		allowed[strings.ToLower(s)] = true
	}
	return &Normalizer{opts: opts, allowed: allowed}
}

// BucketFor maps the whole-day distance between asOfDate and t to a bucket.
// ok is false outside 0 to 30 days, which includes anything after asOfDate.
func BucketFor(asOfDate, t time.Time) (b model.Bucket, days int, ok bool) {
	days = int(model.Day(asOfDate).Sub(model.Day(t)).Hours() / 24)
	switch {
	case days < 0:
		return "", days, false
	case days <= 3:
		return model.BucketRecent, days, true
	case days <= 10:
		return model.BucketMid, days, true
	case days <= 30:
		return model.BucketDistant, days, true
	default:
		return "", days, false
	}
}

type candidate struct {
	raw     model.RawRecord
	at      time.Time
	bucket  model.Bucket
	hash    string
	content string
}

// Normalize processes raws for asset as seen from asOfDate. A bad record
// never fails the batch; it becomes an invalid audit event instead.
func (n *Normalizer) Normalize(asset model.Asset, asOfDate time.Time, raws []model.RawRecord) Result {
	asOfDate = model.Day(asOfDate)
	log := zap.L().With(
		zap.String("component", "normalize"),
		zap.String("ticker", asset.Ticker),
		zap.String("as_of_date", asOfDate.Format(model.DateLayout)),
	)

	var res Result
	audit := func(kind model.AuditKind, r model.RawRecord, reason string) {
		ev := model.AuditEvent{
			Kind:     kind,
			Reason:   reason,
			Source:   r.Source,
			RawKey:   r.Key(),
			AssetID:  asset.ID,
			AsOfDate: asOfDate,
		}
		res.Events = append(res.Events, ev)
		log.Debug("audit event", zap.String("kind", string(kind)), zap.String("raw_key", ev.RawKey), zap.String("reason", reason))
	}

	groups := make(map[string][]candidate)
	for _, r := range raws {
		switch r.Kind {
		case model.KindNews:
			c, reason := n.newsCandidate(asOfDate, r)
			switch {
			case reason != "" && c == nil:
				audit(model.AuditInvalid, r, reason)
			case reason != "":
				audit(model.AuditDropped, r, reason)
			default:
				groups[c.hash] = append(groups[c.hash], *c)
			}
		case model.KindFundamentals:
			f, err := decodeFundamentals(asset.ID, r)
			if err != nil {
				audit(model.AuditInvalid, r, err.Error())
				continue
			}
			if f.ReportDate.After(asOfDate) || r.PublishedAt.After(model.EndOfDay(asOfDate)) {
				audit(model.AuditDropped, r, "fundamentals report after as-of date")
				continue
			}
			res.Fundamentals = append(res.Fundamentals, f)
		case model.KindOptions:
			contracts, err := decodeOptions(asset.ID, r)
			if err != nil {
				audit(model.AuditInvalid, r, err.Error())
				continue
			}
			if len(contracts) > 0 && contracts[0].AsOfDate.After(asOfDate) {
				audit(model.AuditDropped, r, "options snapshot after as-of date")
				continue
			}
			res.Options = append(res.Options, contracts...)
		case model.KindPrice, model.KindMacro:
			// Decoded at ingest.
		default:
			audit(model.AuditInvalid, r, fmt.Sprintf("unknown record kind %q", r.Kind))
		}
	}

	hashes := make([]string, 0, len(groups))
	for h := range groups {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	for _, h := range hashes {
		group := groups[h]
		sort.Slice(group, func(i, j int) bool {
			a, b := group[i].raw, group[j].raw
			if !a.FetchedAt.Equal(b.FetchedAt) {
				return a.FetchedAt.Before(b.FetchedAt)
			}
			return a.Key() < b.Key()
		})
		canon := group[0]
		rec := n.record(asset, asOfDate, canon)
		for _, dup := range group[1:] {
			if dup.raw.Key() == canon.raw.Key() {
				continue
			}
			rec.DuplicateKeys = append(rec.DuplicateKeys, dup.raw.Key())
			res.Duplicates = append(res.Duplicates, model.DuplicateLink{
				AssetID:      asset.ID,
				AsOfDate:     asOfDate,
				ContentHash:  h,
				RawKey:       dup.raw.Key(),
				CanonicalKey: rec.CanonicalKey,
				Source:       dup.raw.Source,
			})
			audit(model.AuditDeduplicated, dup.raw, "duplicate of "+rec.CanonicalKey)
		}
		res.Records = append(res.Records, rec)
	}

	sortRecords(res.Records)
	sort.SliceStable(res.Events, func(i, j int) bool {
		a, b := res.Events[i], res.Events[j]
		if a.RawKey != b.RawKey {
			return a.RawKey < b.RawKey
		}
		return a.Kind < b.Kind
	})
	return res
}

// newsCandidate validates one news raw. A nil candidate with a reason means
// the record is invalid; a candidate with a reason means it is out of window.
func (n *Normalizer) newsCandidate(asOfDate time.Time, r model.RawRecord) (*candidate, string) {
	if r.PublishedAt.IsZero() {
		return nil, "missing timestamp"
	}
	headline := strings.TrimSpace(r.Headline)
	body := strings.TrimSpace(r.Body)
	if headline == "" && body == "" {
		return nil, "empty content"
	}
	at := r.PublishedAt.UTC()
	bucket, days, ok := BucketFor(asOfDate, at)
	c := &candidate{raw: r, at: at, bucket: bucket, content: headline + " " + body}
	if !ok {
		if days < 0 {
			return c, "published after as-of date"
		}
		return c, fmt.Sprintf("published %d days before as-of date", days)
	}
	c.hash = r.ContentHash
	if c.hash == "" {
		c.hash = hasher.ContentHash(headline, body)
	}
	return c, ""
}

func (n *Normalizer) record(asset model.Asset, asOfDate time.Time, c candidate) model.NormalizedRecord {
	headline := collapse(c.raw.Headline)
	snippet := truncateRunes(collapse(c.raw.Body), n.opts.SnippetChars)
	relevant, reason := n.relevance(asset, c)
	return model.NormalizedRecord{
		AssetID:         asset.ID,
		AsOfDate:        asOfDate,
		Source:          c.raw.Source,
		PublishedAt:     c.at,
		Bucket:          c.bucket,
		IsRelevant:      relevant,
		RelevanceReason: reason,
		TokenCount:      model.EstimateTokens(headline+" "+snippet, n.opts.CharsPerToken),
		ContentHash:     c.hash,
		Headline:        headline,
		Snippet:         snippet,
		URL:             c.raw.URL,
		CanonicalKey:    c.raw.Key(),
	}
}

func (n *Normalizer) relevance(asset model.Asset, c candidate) (bool, string) {
	var reasons []string
	if !mentions(asset, c.content) {
		reasons = append(reasons, "no ticker or alias mention")
	}
	if l := utf8.RuneCountInString(strings.TrimSpace(c.content)); l < n.opts.MinContentLength {
		reasons = append(reasons, fmt.Sprintf("content length %d below %d", l, n.opts.MinContentLength))
	}
	if len(n.allowed) > 0 && !n.allowed[strings.ToLower(c.raw.Source)] {
		reasons = append(reasons, "source "+c.raw.Source+" not allowed")
	}
	if len(reasons) > 0 {
		return false, strings.Join(reasons, "; ")
	}
	return true, "matched"
}

// mentions reports a case-insensitive whole-word match of the ticker or any
// alias.
func mentions(asset model.Asset, text string) bool {
	terms := append([]string{asset.Ticker}, asset.Aliases...)
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)(^|[^\pL\pN])` + regexp.QuoteMeta(term) + `($|[^\pL\pN])`)
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

var bucketRank = map[model.Bucket]int{model.BucketRecent: 0, model.BucketMid: 1, model.BucketDistant: 2}

func sortRecords(recs []model.NormalizedRecord) {
	slices.SortFunc(recs, func(a, b model.NormalizedRecord) int {
		if d := bucketRank[a.Bucket] - bucketRank[b.Bucket]; d != 0 {
			return d
		}
		if c := a.PublishedAt.Compare(b.PublishedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ContentHash, b.ContentHash)
	})
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n])) + "…"
}
