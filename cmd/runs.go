package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/bellwether-tech/rfi-cli/internal/export"
	"github.com/bellwether-tech/rfi-cli/internal/model"
	"github.com/bellwether-tech/rfi-cli/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect extraction run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List extraction runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		dealID, _ := cmd.Flags().GetString("deal")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status: model.RunStatus(status),
			DealID: dealID,
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		}
		formatRun(os.Stdout, run)
		return nil
	},
}

var runsPatchCmd = &cobra.Command{
	Use:   "patch <run-id> <field-key> <value>",
	Short: "Manually set one answer on a completed run",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		answer, err := env.Coordinator.PatchAnswer(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Printf("%s = %q (%s)\n", answer.FieldKey, *answer.Answer, answer.Source)
		return nil
	},
}

var runsExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Write a run's answers to an RFI workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs export")
		}
		if run.Status != model.RunStatusCompleted {
			return eris.Errorf("run %s is %s, not completed", run.ID, run.Status)
		}

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = fmt.Sprintf("rfi-%s.xlsx", truncateID(run.ID))
		}
		if err := export.WriteWorkbook(run, out); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", out)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (pending, extracting, completed, failed)")
	runsListCmd.Flags().String("deal", "", "filter by deal ID")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsShowCmd.Flags().Bool("json", false, "print the full run as JSON")
	runsExportCmd.Flags().String("out", "", "output path (default rfi-<run-id>.xlsx)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsPatchCmd)
	runsCmd.AddCommand(runsExportCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDEAL\tCOMPANY\tSTATUS\tFILLED\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t-------\t------\t------\t-------")

	for _, r := range runs {
		filled := ""
		if r.Stats != nil {
			filled = fmt.Sprintf("%d/%d", r.Stats.Filled, r.Stats.TotalFields)
		}
		company := r.CompanyName
		if len(company) > 30 {
			company = company[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.DealID,
			company,
			r.Status,
			filled,
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
