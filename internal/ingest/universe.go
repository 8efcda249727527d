package ingest

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/charlie-tr1/internal/model"
)

// LoadUniverse reads the asset universe file:
//
//	assets:
//	  - ticker: AAPL
//	    name: Apple Inc.
//	    sector: Technology
//	    aliases: [Apple]
func LoadUniverse(path string) ([]model.Asset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read universe %s", path)
	}
	var wrapper struct {
		Assets []model.Asset `yaml:"assets"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "ingest: parse universe")
	}

	seen := make(map[string]bool, len(wrapper.Assets))
	out := make([]model.Asset, 0, len(wrapper.Assets))
	for i, a := range wrapper.Assets {
		a.Ticker = strings.ToUpper(strings.TrimSpace(a.Ticker))
		if a.Ticker == "" {
			return nil, eris.Errorf("ingest: universe entry %d has no ticker", i)
		}
		if seen[a.Ticker] {
			return nil, eris.Errorf("ingest: duplicate ticker %s in universe", a.Ticker)
		}
		seen[a.Ticker] = true
		out = append(out, a)
	}
	return out, nil
}
