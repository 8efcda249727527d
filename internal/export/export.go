// Package export writes the labeled dataset as JSON Lines partitioned by
// ticker and as-of date, with a manifest of per-file sha256 digests.
package export

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/charlie-tr1/internal/model"
	"github.com/sells-group/charlie-tr1/internal/store"
)

// ManifestName is the manifest file written at the root of an export.
const ManifestName = "manifest.json"

// Line is one exported training example.
type Line struct {
	SampleID        int64             `json:"sample_id"`
	Ticker          string            `json:"ticker"`
	AsOfDate        string            `json:"as_of_date"`
	VariationIndex  int               `json:"variation_index"`
	AsOfCutoff      time.Time         `json:"as_of_cutoff"`
	RunID           string            `json:"run_id"`
	PromptText      string            `json:"prompt_text"`
	PromptTokens    int               `json:"prompt_tokens"`
	Checksum        string            `json:"checksum"`
	SourcesMeta     model.SourcesMeta `json:"sources_meta"`
	LabelClass      *int              `json:"label_class,omitempty"`
	CompositeSignal *float64          `json:"composite_signal,omitempty"`
	Quantile        *float64          `json:"quantile,omitempty"`
	HorizonSignals  map[int]float64   `json:"horizon_signals,omitempty"`
	ThesisText      *string           `json:"thesis_text,omitempty"`
}

// LineFrom flattens an export row.
func LineFrom(r model.ExportRow) Line {
	s := r.Sample
	l := Line{
		SampleID:       s.ID,
		Ticker:         s.Ticker,
		AsOfDate:       s.AsOfDate.Format(model.DateLayout),
		VariationIndex: s.VariationIndex,
		AsOfCutoff:     s.AsOfCutoff.UTC(),
		RunID:          s.RunID,
		PromptText:     s.PromptText,
		PromptTokens:   s.PromptTokens,
		Checksum:       s.Checksum,
		SourcesMeta:    s.SourcesMeta,
		ThesisText:     r.ThesisText,
	}
	if r.Label != nil {
		class, comp, q := r.Label.LabelClass, r.Label.CompositeSignal, r.Label.Quantile
		l.LabelClass, l.CompositeSignal, l.Quantile = &class, &comp, &q
		l.HorizonSignals = r.Label.HorizonSignals
	}
	return l
}

// File describes one partition in the manifest.
type File struct {
	Path   string `json:"path"`
	Ticker string `json:"ticker"`
	Date   string `json:"as_of_date"`
	Rows   int    `json:"rows"`
	SHA256 string `json:"sha256"`
}

// Manifest summarizes an export.
type Manifest struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Filter      store.ExportFilter `json:"filter"`
	Rows        int                `json:"rows"`
	Labeled     int                `json:"labeled"`
	Files       []File             `json:"files"`
}

// Exporter reads export rows from a store.
type Exporter struct {
	store store.Store
	dir   string
	now   func() time.Time
}

// New creates an Exporter writing under dir.
func New(st store.Store, dir string) *Exporter {
	return &Exporter{store: st, dir: dir, now: func() time.Time { return time.Now().UTC() }}
}

// Export writes every row matching filter. Existing partitions with the
// same name are replaced, so repeating an export converges on the same files.
func (e *Exporter) Export(ctx context.Context, filter store.ExportFilter) (*Manifest, error) {
	rows, err := e.store.ExportRows(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "export: read rows")
	}

	type key struct{ ticker, date string }
	parts := make(map[key][]Line)
	m := &Manifest{GeneratedAt: e.now(), Filter: filter, Rows: len(rows)}
	for _, r := range rows {
		l := LineFrom(r)
		if l.LabelClass != nil {
			m.Labeled++
		}
		k := key{l.Ticker, l.AsOfDate}
		parts[k] = append(parts[k], l)
	}
	keys := make([]key, 0, len(parts))
	for k := range parts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ticker != keys[j].ticker {
			return keys[i].ticker < keys[j].ticker
		}
		return keys[i].date < keys[j].date
	})

	for _, k := range keys {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "export: cancelled")
		}
		rel := filepath.Join(k.ticker, k.date+".jsonl")
		sum, err := writeAtomic(filepath.Join(e.dir, rel), func(w io.Writer) error {
			return WriteLines(w, parts[k])
		})
		if err != nil {
			return nil, err
		}
		m.Files = append(m.Files, File{Path: filepath.ToSlash(rel), Ticker: k.ticker, Date: k.date, Rows: len(parts[k]), SHA256: sum})
	}

	if _, err := writeAtomic(filepath.Join(e.dir, ManifestName), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	}); err != nil {
		return nil, err
	}
	zap.L().Info("export complete",
		zap.String("component", "export"),
		zap.String("dir", e.dir),
		zap.Int("rows", m.Rows),
		zap.Int("labeled", m.Labeled),
		zap.Int("files", len(m.Files)),
	)
	return m, nil
}

// WriteLines encodes lines as JSON Lines.
func WriteLines(w io.Writer, lines []Line) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, l := range lines {
		if err := enc.Encode(l); err != nil {
			return eris.Wrapf(err, "export: encode sample %d", l.SampleID)
		}
	}
	return nil
}

// writeAtomic writes through a temp file in the target directory and
// renames it into place. It returns the hex sha256 of the content.
func writeAtomic(path string, fill func(io.Writer) error) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", eris.Wrapf(err, "export: mkdir %s", filepath.Dir(path))
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", eris.Wrap(err, "export: create temp file")
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	buf := bufio.NewWriter(io.MultiWriter(tmp, h))
	if err := fill(buf); err != nil {
		tmp.Close()
		return "", err
	}
	if err := buf.Flush(); err != nil {
		tmp.Close()
		return "", eris.Wrapf(err, "export: write %s", path)
	}
	if err := tmp.Close(); err != nil {
		return "", eris.Wrapf(err, "export: close %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", eris.Wrapf(err, "export: rename %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the digest of every file in the manifest under dir and
// returns the paths that do not match.
func Verify(dir string, m *Manifest) ([]string, error) {
	var bad []string
	for _, f := range m.Files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(f.Path)))
		if err != nil {
			if os.IsNotExist(err) {
				bad = append(bad, f.Path)
				continue
			}
			return nil, eris.Wrapf(err, "export: read %s", f.Path)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != f.SHA256 {
			bad = append(bad, f.Path)
		}
	}
	return bad, nil
}

// ReadManifest loads the manifest written by Export.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, eris.Wrap(err, "export: read manifest")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrap(err, "export: parse manifest")
	}
	return &m, nil
}
