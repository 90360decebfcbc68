package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/llm"
)

func (c *cli) tiersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tiers",
		Short: "Inspect model tier configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [tiers.yaml]",
		Short: "Validate a tier file and print the models it maps",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := c.cfg.TierConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			tiers := llm.DefaultTierConfig()
			if path != "" {
				var err error
				if tiers, err = llm.LoadTierConfig(path); err != nil {
					return err
				}
			} else {
				_, _ = fmt.Fprintln(c.stdout, "no tier file given, showing built-in tiers")
			}

			tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "TIER\tPRIMARY\tFALLBACKS\tTEMPERATURE\tCOST/1K")
			for _, t := range []llm.Tier{llm.TierSimple, llm.TierMedium, llm.TierComplex} {
				m := tiers.Models(t)
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%v\t%.2f\t%.4f\n", t, m.Primary, m.Fallbacks, m.Temperature, m.CostPer1KTokens)
			}
			return tw.Flush()
		},
	})
	return cmd
}
