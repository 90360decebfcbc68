package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/lifecycle"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/plan"
)

func (c *cli) goalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "goal",
		Short: "Manage goals",
	}
	cmd.AddCommand(c.goalImportCmd(), c.goalListCmd(), c.goalCancelCmd(), c.goalPauseCmd(), c.goalResumeCmd())
	return cmd
}

func (c *cli) goalImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [plan.yaml]",
		Short: "Import a goal plan and queue its work items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.ParseFile(args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				g, items, err := plan.NewImporter(a.repo, a.gates).Import(cmd.Context(), p)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(c.stdout, "imported goal %s (%d work items)\n", g.ID, len(items))
				return nil
			})
		},
	}
}

func (c *cli) goalListCmd() *cobra.Command {
	var (
		statuses []string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List goals with their spend against budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			want := make([]contracts.GoalStatus, 0, len(statuses))
			for _, s := range statuses {
				want = append(want, contracts.GoalStatus(s))
			}
			if len(want) == 0 {
				want = lifecycle.GoalStatuses()
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				goals, err := a.repo.ListGoalsByStatus(cmd.Context(), want...)
				if err != nil {
					return err
				}
				if asJSON {
					return c.printJSON(goals)
				}
				tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tTOKENS\tCOST\tTITLE")
				for _, g := range goals {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
						g.ID, g.Status, g.Priority,
						tokensColumn(g), costColumn(g), g.Title)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only list goals in these statuses")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func tokensColumn(g *contracts.Goal) string {
	if g.Budget.Tokens == nil {
		return fmt.Sprintf("%d", g.Spent.Tokens)
	}
	return fmt.Sprintf("%d/%d", g.Spent.Tokens, *g.Budget.Tokens)
}

func costColumn(g *contracts.Goal) string {
	if g.Budget.CostUSD == nil {
		return fmt.Sprintf("$%.2f", g.Spent.CostUSD)
	}
	return fmt.Sprintf("$%.2f/$%.2f", g.Spent.CostUSD, *g.Budget.CostUSD)
}

func (c *cli) goalCancelCmd() *cobra.Command {
	var reason, actor string
	cmd := &cobra.Command{
		Use:   "cancel [goal-id]",
		Short: "Cancel a goal and dismiss its open escalations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				if err := a.sched.CancelGoal(cmd.Context(), args[0], reason, actor); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(c.stdout, "cancelled goal %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled by operator", "reason recorded on dismissed escalations")
	cmd.Flags().StringVar(&actor, "actor", "cli", "who cancelled the goal")
	return cmd
}

func (c *cli) goalPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause [goal-id]",
		Short: "Stop dispatching new work for an active goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				return a.sched.PauseGoal(cmd.Context(), args[0])
			})
		},
	}
}

func (c *cli) goalResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [goal-id]",
		Short: "Resume a paused goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				return a.sched.ResumeGoal(cmd.Context(), args[0])
			})
		},
	}
}
