package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bellwether-tech/rfi-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "rfi-cli",
	Short: "RFI autofill from deal transcripts and CRM data",
	Long:  "Fills RFI response documents by extracting answers from meeting transcripts, CRM notes, and uploaded text via Claude, with per-field confidence and conflict tracking.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
