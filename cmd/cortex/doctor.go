package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/basket/go-cortex/internal/doctor"
)

func newDoctorCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the environment a coordinator would run in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			d := doctor.Run(cmd.Context(), &cfg, Version)

			out := cmd.OutOrStdout()
			if g.jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(d); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "cortex %s (%s/%s, %s)\n\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
				tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
				for _, r := range d.Results {
					fmt.Fprintf(tw, "[%s]\t%s\t%s\n", r.Status, r.Name, r.Message)
					if r.Detail != "" && r.Status != "PASS" {
						fmt.Fprintf(tw, "\t\t%s\n", r.Detail)
					}
				}
				tw.Flush()
			}
			if d.Failed() {
				return fmt.Errorf("one or more checks failed")
			}
			return nil
		},
	}
}
