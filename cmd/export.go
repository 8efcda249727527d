package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sells-group/charlie-tr1/internal/export"
	"github.com/sells-group/charlie-tr1/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write samples and labels as JSON Lines partitioned by ticker and date",
	Long: `Writes <out>/<TICKER>/<YYYY-MM-DD>.jsonl plus manifest.json with a sha256
per partition. Repeating an export replaces partitions in place.
Use --verify to check an existing export against its manifest.`,
	Annotations: modeAnnotation("export"),
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = cfg.Data.ExportDir
		}

		if verify, _ := cmd.Flags().GetBool("verify"); verify {
			m, err := export.ReadManifest(out)
			if err != nil {
				return err
			}
			bad, err := export.Verify(out, m)
			if err != nil {
				return err
			}
			for _, p := range bad {
				fmt.Fprintf(os.Stderr, "mismatch: %s\n", p)
			}
			if len(bad) > 0 {
				return eris.Errorf("export: %d of %d files do not match the manifest", len(bad), len(m.Files))
			}
			fmt.Fprintf(os.Stdout, "%d files verified\n", len(m.Files))
			return nil
		}

		filter, err := buildExportFilter(cmd)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		m, err := export.New(st, out).Export(ctx, filter)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%d rows (%d labeled) in %d files under %s\n", m.Rows, m.Labeled, len(m.Files), out)
		return nil
	},
}

func buildExportFilter(cmd *cobra.Command) (store.ExportFilter, error) {
	var f store.ExportFilter
	var err error
	if f.From, err = dateFlag(cmd.Flags(), "from"); err != nil {
		return f, err
	}
	if f.To, err = dateFlag(cmd.Flags(), "to"); err != nil {
		return f, err
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, eris.New("--to is before --from")
	}
	tickers, _ := cmd.Flags().GetString("tickers")
	f.Tickers = splitTickers(tickers)
	f.RunID, _ = cmd.Flags().GetString("run-id")
	f.LabeledOnly, _ = cmd.Flags().GetBool("labeled-only")
	return f, nil
}

func addExportFlags(f *pflag.FlagSet) {
	f.String("out", "", "output directory (default data.export_dir)")
	f.String("run-id", "", "only rows written by this run")
	f.String("tickers", "", "comma separated tickers (default all)")
	f.String("from", "", "first as-of date, YYYY-MM-DD")
	f.String("to", "", "last as-of date, YYYY-MM-DD")
	f.Bool("labeled-only", false, "skip samples without a label")
	f.Bool("verify", false, "verify an existing export instead of writing one")
}

func init() {
	addExportFlags(exportCmd.Flags())
	rootCmd.AddCommand(exportCmd)
}
