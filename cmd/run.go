package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sells-group/charlie-tr1/internal/model"
	"github.com/sells-group/charlie-tr1/internal/orchestrate"
	"github.com/sells-group/charlie-tr1/internal/pipeline"
)

// errRunFailed makes the process exit non-zero after the summary is printed.
var errRunFailed = eris.New("run failed")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Build samples and labels for tickers over as-of dates",
	Long: `Fans out one branch per ticker. Each branch normalizes, computes technicals,
assembles prompt variations and labels them for every as-of date. The run fails
when the fraction of failed (ticker, date) units exceeds
pipeline.max_unit_failure_fraction.`,
	Annotations: modeAnnotation("run"),
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		req, err := buildRunRequest(cmd.Flags())
		if err != nil {
			return err
		}

		var sum *model.RunSummary
		switch cfg.Pipeline.Engine {
		case "temporal":
			sum, err = runTemporal(ctx, req)
		default:
			sum, err = runLocal(ctx, req)
		}
		if err != nil {
			return err
		}
		if err := writeSummary(os.Stdout, sum); err != nil {
			return err
		}
		if sum.Status == model.RunStatusFailed {
			zap.L().Error("run failed",
				zap.String("run_id", sum.RunID),
				zap.Int("units_failed", sum.UnitsFailed),
				zap.Float64("failure_fraction", sum.FailureFraction),
			)
			return errRunFailed
		}
		return nil
	},
}

func runLocal(ctx context.Context, req pipeline.RunRequest) (*model.RunSummary, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	defer st.Close() //nolint:errcheck

	p, err := pipeline.New(st, pipeline.OptionsFromConfig(cfg), nil)
	if err != nil {
		return nil, err
	}
	return p.Execute(ctx, req)
}

func runTemporal(ctx context.Context, req pipeline.RunRequest) (*model.RunSummary, error) {
	c, err := orchestrate.Dial(cfg.Temporal)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return orchestrate.NewEngine(c, cfg.Temporal, cfg.Pipeline.Workers).Execute(ctx, req)
}

// buildRunRequest maps run flags onto a request, falling back to config for
// variations, seed and token budget.
func buildRunRequest(flags *pflag.FlagSet) (pipeline.RunRequest, error) {
	var req pipeline.RunRequest

	asOf, err := dateFlag(flags, "as-of")
	if err != nil {
		return req, err
	}
	start, err := dateFlag(flags, "start")
	if err != nil {
		return req, err
	}
	end, err := dateFlag(flags, "end")
	if err != nil {
		return req, err
	}
	if req.Dates, err = pipeline.Dates(asOf, start, end); err != nil {
		return req, err
	}

	tickers, _ := flags.GetString("tickers")
	req.Tickers = splitTickers(tickers)
	req.Name, _ = flags.GetString("name")

	req.Variations, _ = flags.GetInt("variations")
	if req.Variations <= 0 {
		req.Variations = cfg.Assemble.Variations
	}
	req.TokenBudget, _ = flags.GetInt("token-budget")
	if req.TokenBudget <= 0 {
		req.TokenBudget = cfg.Assemble.TokenBudget
	}
	req.Seed = cfg.Pipeline.Seed
	if flags.Changed("seed") {
		req.Seed, _ = flags.GetInt64("seed")
	}

	mods, _ := flags.GetStringSlice("modalities")
	if len(mods) == 0 {
		mods = cfg.Assemble.Modalities
	}
	for _, m := range mods {
		m = strings.ToLower(strings.TrimSpace(m))
		if !slices.Contains(model.AllModalities, model.Modality(m)) {
			return req, eris.Errorf("unknown modality %q", m)
		}
		req.Modalities = append(req.Modalities, model.Modality(m))
	}

	if v, _ := flags.GetString("cutoff"); v != "" {
		if req.Cutoff, err = time.Parse(time.RFC3339, v); err != nil {
			return req, eris.Wrap(err, "parse --cutoff")
		}
	}
	return req, nil
}

func dateFlag(flags *pflag.FlagSet, name string) (time.Time, error) {
	v, _ := flags.GetString(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(model.DateLayout, v)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "parse --%s", name)
	}
	return t, nil
}

func writeSummary(w io.Writer, sum *model.RunSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}

func addRunFlags(f *pflag.FlagSet) {
	f.String("tickers", "", "comma separated tickers (default every ingested asset)")
	f.String("as-of", "", "single as-of date, YYYY-MM-DD")
	f.String("start", "", "first as-of date of a range, YYYY-MM-DD")
	f.String("end", "", "last as-of date of a range, YYYY-MM-DD")
	f.Int("variations", 0, "prompt variations per as-of date (default from config)")
	f.Int64("seed", 0, "run seed (default from config)")
	f.Int("token-budget", 0, "prompt token budget (default from config)")
	f.StringSlice("modalities", nil, "allowed modalities (default from config)")
	f.String("cutoff", "", "override the as-of cutoff, RFC3339")
	f.String("name", "", "run name (default charlie-<first date>)")
	f.String("engine", "", "execution engine: local or temporal (default from config)")
	f.Int("workers", 0, "max branches in flight (default from config)")
}

func init() {
	addRunFlags(runCmd.Flags())
	rootCmd.AddCommand(runCmd)
}
