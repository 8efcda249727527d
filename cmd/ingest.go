package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/charlie-tr1/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:         "ingest",
	Short:       "Load the asset universe and raw record files into the store",
	Long:        "Reads <root>/assets.yaml and every JSON array under <root>/raw/<TICKER>/ and <root>/raw/_macro/. Repeated ingests insert nothing new.",
	Annotations: modeAnnotation("ingest"),
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		opts := ingest.OptionsFromConfig(cfg)
		if root, _ := cmd.Flags().GetString("root"); root != "" {
			opts.Root = root
			opts.AssetsFile = ""
		}
		if assets, _ := cmd.Flags().GetString("assets"); assets != "" {
			opts.AssetsFile = assets
		}
		tickers, _ := cmd.Flags().GetString("tickers")
		opts.Tickers = splitTickers(tickers)

		report, err := ingest.New(st, opts).Run(ctx)
		if err != nil {
			return eris.Wrap(err, "ingest")
		}
		zap.L().Info("ingest complete",
			zap.Int("assets", report.Assets),
			zap.Int("files", report.Files),
			zap.Int("files_failed", report.FilesFailed),
			zap.Int("inserted", report.Inserted),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

// splitTickers parses a comma separated ticker list.
func splitTickers(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func init() {
	ingestCmd.Flags().String("root", "", "data root (default from config)")
	ingestCmd.Flags().String("assets", "", "asset universe file (default <root>/assets.yaml)")
	ingestCmd.Flags().String("tickers", "", "comma separated tickers to ingest (default all)")
	ingestCmd.Flags().Int("workers", 0, "concurrent ticker directories (default from config)")
	rootCmd.AddCommand(ingestCmd)
}
