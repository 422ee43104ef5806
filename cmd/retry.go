package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/bellwether-tech/rfi-cli/internal/model"
)

var retryFieldCmd = &cobra.Command{
	Use:   "retry-field <run-id> <field-key>",
	Short: "Re-extract a single field with a focused prompt",
	Long:  "Runs a second, single-field extraction pass over the run's saved sources (or a supplied file). The stored answer is only ever upgraded; a weaker result is recorded as a conflict.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var units []model.SourceUnit
		if path, _ := cmd.Flags().GetString("text-file"); path != "" {
			body, err := os.ReadFile(path)
			if err != nil {
				return eris.Wrapf(err, "read %s", path)
			}
			units = append(units, model.SourceUnit{
				Name: filepath.Base(path),
				Kind: model.SourceUpload,
				Text: string(body),
			})
		}

		hint, _ := cmd.Flags().GetString("hint")
		answer, err := env.Coordinator.RetryField(ctx, args[0], args[1], units, hint)
		if err != nil {
			return err
		}

		if answer.Filled() {
			fmt.Printf("%s = %q  confidence=%s  source=%s\n", answer.FieldKey, *answer.Answer, answer.Confidence, answer.Source)
		} else {
			fmt.Printf("%s: still not found\n", answer.FieldKey)
		}
		if answer.Conflicting && answer.Alternate != nil {
			fmt.Printf("conflict: %q (%s, %s)\n", answer.Alternate.Answer, answer.Alternate.Confidence, answer.Alternate.Source)
		}
		return nil
	},
}

func init() {
	retryFieldCmd.Flags().String("text-file", "", "extract from this file instead of the run's saved sources")
	retryFieldCmd.Flags().String("hint", "", "extra guidance for the focused pass, e.g. a synonym the material uses")
	rootCmd.AddCommand(retryFieldCmd)
}
