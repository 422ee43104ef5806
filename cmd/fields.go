package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bellwether-tech/rfi-cli/internal/registry"
)

var fieldsCmd = &cobra.Command{
	Use:   "fields",
	Short: "List the RFI field schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := registry.Load(cfg.Fields.Path)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tCATEGORY\tROW\tCRM\tMANUAL\tQUESTION")
		for _, f := range reg.Fields {
			manual := ""
			if f.ManualOnly {
				manual = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", f.Key, f.Category, f.Row, f.CRMProperty, manual, f.Question)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(fieldsCmd)
}
