package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bellwether-tech/rfi-cli/internal/merge"
	"github.com/bellwether-tech/rfi-cli/internal/model"
	"github.com/bellwether-tech/rfi-cli/internal/pipeline"
	"github.com/bellwether-tech/rfi-cli/pkg/fireflies"
	"github.com/bellwether-tech/rfi-cli/pkg/hubspot"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Run a full RFI extraction for a deal",
	Long:  "Pulls CRM context and the selected transcripts, extracts answers for every field, and saves a completed run.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		dealID, _ := cmd.Flags().GetString("deal")
		transcriptIDs, _ := cmd.Flags().GetStringSlice("transcript")
		textFiles, _ := cmd.Flags().GetStringSlice("text-file")
		pasted, _ := cmd.Flags().GetString("text")
		baseline, _ := cmd.Flags().GetString("baseline")
		noCRM, _ := cmd.Flags().GetBool("no-crm")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		params, err := buildParams(ctx, env, extractInput{
			DealID:        dealID,
			TranscriptIDs: transcriptIDs,
			TextFiles:     textFiles,
			PastedText:    pasted,
			BaselineRunID: baseline,
			SkipCRM:       noCRM,
		})
		if err != nil {
			return err
		}

		run, err := env.Coordinator.Execute(ctx, *params)
		if err != nil {
			return err
		}
		if run.Status == model.RunStatusFailed {
			return eris.Errorf("run %s failed: %s", run.ID, run.ErrorMessage)
		}

		formatRun(os.Stdout, run)
		return nil
	},
}

type extractInput struct {
	DealID        string
	TranscriptIDs []string
	TextFiles     []string
	PastedText    string
	BaselineRunID string
	SkipCRM       bool
}

// buildParams assembles source units and CRM overrides for a run:
// transcripts from Fireflies, notes and structured values from HubSpot,
// plus any local text.
func buildParams(ctx context.Context, env *extractEnv, in extractInput) (*pipeline.Params, error) {
	params := &pipeline.Params{
		DealID:        in.DealID,
		TranscriptIDs: in.TranscriptIDs,
		BaselineRunID: in.BaselineRunID,
	}

	if in.DealID != "" && !in.SkipCRM {
		if env.HubSpot == nil {
			return nil, eris.New("hubspot token is required for CRM context (RFI_HUBSPOT_TOKEN); pass --no-crm to skip")
		}
		dc, err := env.HubSpot.GetDealContext(ctx, in.DealID)
		if err != nil {
			return nil, err
		}
		params.DealName = dc.Deal.Name
		if dc.Company != nil {
			params.CompanyName = dc.Company.Name
		}
		params.Overrides = crmOverrides(env.Registry, dc)
		if notes := dc.NotesText(); notes != "" {
			params.Units = append(params.Units, model.SourceUnit{
				Name: "HubSpot Notes",
				Kind: model.SourceStructured,
				Text: notes,
			})
		}
	}

	if len(in.TranscriptIDs) > 0 {
		if env.Fireflies == nil {
			return nil, eris.New("fireflies API key is required to fetch transcripts (RFI_FIREFLIES_KEY)")
		}
		units, err := fetchTranscripts(ctx, env.Fireflies, in.TranscriptIDs)
		if err != nil {
			return nil, err
		}
		params.Units = append(params.Units, units...)
	}

	for _, path := range in.TextFiles {
		body, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "read %s", path)
		}
		params.Units = append(params.Units, model.SourceUnit{
			Name: filepath.Base(path),
			Kind: model.SourceUpload,
			Text: string(body),
		})
	}
	if strings.TrimSpace(in.PastedText) != "" {
		params.Units = append(params.Units, model.SourceUnit{
			Name: "User-provided text",
			Kind: model.SourcePasted,
			Text: in.PastedText,
		})
	}

	return params, nil
}

// crmOverrides maps CRM properties onto fields that declare one.
func crmOverrides(reg *model.FieldRegistry, dc *hubspot.DealContext) map[string]merge.Override {
	props := dc.Properties()
	overrides := map[string]merge.Override{}
	for _, f := range reg.Fields {
		if f.CRMProperty == "" {
			continue
		}
		if val, ok := props[f.CRMProperty]; ok {
			overrides[f.Key] = merge.Override{Value: val, Source: "HubSpot"}
		}
	}
	return overrides
}

// fetchTranscripts retrieves the selected transcripts concurrently. A
// transcript that cannot be fetched is logged and skipped.
func fetchTranscripts(ctx context.Context, client fireflies.Client, ids []string) ([]model.SourceUnit, error) {
	units := make([]model.SourceUnit, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(5)
	for i, id := range ids {
		g.Go(func() error {
			t, err := client.GetTranscript(gctx, id)
			if err != nil {
				zap.L().Warn("failed to fetch transcript", zap.String("transcript_id", id), zap.Error(err))
				return nil
			}
			date := t.Date
			if len(date) > 10 {
				date = date[:10]
			}
			units[i] = model.SourceUnit{
				Name: fmt.Sprintf("Transcript: %s (%s)", t.Title, date),
				Kind: model.SourceTranscript,
				Text: t.Text(),
			}
			return nil
		})
	}
	_ = g.Wait()

	kept := units[:0]
	for _, u := range units {
		if u.Text != "" {
			kept = append(kept, u)
		}
	}
	return kept, nil
}

// formatRun prints the run summary and the answer table.
func formatRun(out io.Writer, run *model.Run) {
	fmt.Fprintf(out, "Run %s  deal=%s  company=%s  status=%s\n", run.ID, run.DealID, run.CompanyName, run.Status)
	if run.Stats != nil {
		fmt.Fprintf(out, "Filled %d/%d fields (%.1f%%), %d conflicting\n\n",
			run.Stats.Filled, run.Stats.TotalFields, run.Stats.CompletionPct, run.Stats.Conflicting)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tCONFIDENCE\tSOURCE\tANSWER")
	fmt.Fprintln(w, "-----\t----------\t------\t------")
	for _, a := range run.Answers.Ordered() {
		answer := ""
		if a.Filled() {
			answer = truncate(*a.Answer, 60)
		}
		conf := string(a.Confidence)
		if a.Conflicting {
			conf += " (conflict)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.FieldKey, conf, truncate(a.Source, 30), answer)
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func init() {
	extractCmd.Flags().String("deal", "", "HubSpot deal ID for CRM context")
	extractCmd.Flags().StringSlice("transcript", nil, "Fireflies transcript ID (repeatable)")
	extractCmd.Flags().StringSlice("text-file", nil, "path to a text file to extract from (repeatable)")
	extractCmd.Flags().String("text", "", "pasted text to extract from")
	extractCmd.Flags().String("baseline", "", "prior run ID whose answers seed the merge")
	extractCmd.Flags().Bool("no-crm", false, "skip HubSpot context and overrides")
	rootCmd.AddCommand(extractCmd)
}
