package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/charlie-tr1/internal/config"
)

var cfg *config.Config

// modeKey is the command annotation naming the Validate mode.
const modeKey = "mode"

var rootCmd = &cobra.Command{
	Use:   "charlie",
	Short: "Point-in-time training dataset builder",
	Long:  "Ingests raw market records, normalizes them per as-of date, assembles leakage-free prompt variations and labels them with forward-return signals.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		if mode := cmd.Annotations[modeKey]; mode != "" {
			applyOverrides(cmd)
			if err := cfg.Validate(mode); err != nil {
				return err
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

// applyOverrides copies persistent flags that shadow config keys.
func applyOverrides(cmd *cobra.Command) {
	if f := cmd.Flags().Lookup("workers"); f != nil && f.Changed {
		if n, err := cmd.Flags().GetInt("workers"); err == nil {
			cfg.Pipeline.Workers = n
		}
	}
	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		if n, err := cmd.Flags().GetInt("port"); err == nil {
			cfg.Server.Port = n
		}
	}
	if f := cmd.Flags().Lookup("engine"); f != nil && f.Changed {
		cfg.Pipeline.Engine = f.Value.String()
	}
}

func modeAnnotation(mode string) map[string]string {
	return map[string]string{modeKey: mode}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
