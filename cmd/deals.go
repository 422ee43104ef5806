package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/bellwether-tech/rfi-cli/pkg/fireflies"
	"github.com/bellwether-tech/rfi-cli/pkg/hubspot"
)

var dealsCmd = &cobra.Command{
	Use:   "deals",
	Short: "Look up CRM deals",
}

var dealsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search deals by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.HubSpot.Token == "" {
			return eris.New("hubspot token is required (RFI_HUBSPOT_TOKEN)")
		}
		limit, _ := cmd.Flags().GetInt("limit")

		client := hubspot.NewClient(cfg.HubSpot.Token, hubspot.WithBaseURL(cfg.HubSpot.BaseURL))
		deals, err := client.SearchDeals(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		if len(deals) == 0 {
			fmt.Fprintln(os.Stderr, "No deals found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTAGE\tAMOUNT\tCLOSE")
		for _, d := range deals {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Stage, d.Amount, d.CloseDate)
		}
		return w.Flush()
	},
}

var transcriptsCmd = &cobra.Command{
	Use:   "transcripts <deal-id>",
	Short: "List meeting transcripts for a deal's contacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if cfg.HubSpot.Token == "" {
			return eris.New("hubspot token is required (RFI_HUBSPOT_TOKEN)")
		}
		if cfg.Fireflies.Key == "" {
			return eris.New("fireflies API key is required (RFI_FIREFLIES_KEY)")
		}
		limit, _ := cmd.Flags().GetInt("limit")

		hs := hubspot.NewClient(cfg.HubSpot.Token, hubspot.WithBaseURL(cfg.HubSpot.BaseURL))
		dc, err := hs.GetDealContext(ctx, args[0])
		if err != nil {
			return err
		}

		var emails []string
		for _, c := range dc.Contacts {
			if c.Email != "" {
				emails = append(emails, c.Email)
			}
		}

		ff := fireflies.NewClient(cfg.Fireflies.Key, fireflies.WithEndpoint(cfg.Fireflies.BaseURL))
		summaries, err := ff.SearchForDomain(ctx, dc.ClientDomain(), emails, limit)
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Fprintln(os.Stderr, "No transcripts found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDATE\tTITLE\tMINUTES\t~WORDS")
		for _, s := range summaries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.0f\t%d\n", s.ID, s.Date, s.Title, s.Duration, s.EstimatedWordCount())
		}
		return w.Flush()
	},
}

func init() {
	dealsSearchCmd.Flags().Int("limit", 10, "max deals to list")
	transcriptsCmd.Flags().Int("limit", 20, "max transcripts to list")
	dealsCmd.AddCommand(dealsSearchCmd)
	rootCmd.AddCommand(dealsCmd)
	rootCmd.AddCommand(transcriptsCmd)
}
