package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/escalation"
)

var errNoTokenSecret = errors.New("ACTION_TOKEN_SECRET is not configured")

func (c *cli) escalationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "escalation",
		Aliases: []string{"esc"},
		Short:   "Review and act on escalations",
	}
	cmd.AddCommand(
		c.escalationListCmd(),
		c.escalationAckCmd(),
		c.escalationResolveCmd(),
		c.escalationDismissCmd(),
		c.escalationTokenCmd(),
		c.escalationReceiptsCmd(),
	)
	return cmd
}

func (c *cli) escalationListCmd() *cobra.Command {
	var (
		goalID string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open and acknowledged escalations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				var (
					escs []*contracts.Escalation
					err  error
				)
				if goalID != "" {
					escs, err = a.escalations.ListForGoal(cmd.Context(), goalID)
				} else {
					escs, err = a.escalations.ListOpen(cmd.Context())
				}
				if err != nil {
					return err
				}
				if asJSON {
					return c.printJSON(escs)
				}
				tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "ID\tSEVERITY\tTYPE\tSTATUS\tGOAL\tWORK ITEM\tCREATED")
				for _, e := range escs {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						e.ID, e.Severity, e.Type, e.Status, e.GoalID, e.WorkItemID,
						e.CreatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&goalID, "goal", "", "list every escalation of one goal, including closed ones")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (c *cli) escalationAckCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "ack [escalation-id]",
		Short: "Acknowledge an escalation; it keeps blocking its goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				e, err := a.sched.AcknowledgeEscalation(cmd.Context(), args[0], actor)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(c.stdout, "escalation %s %s\n", e.ID, e.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "cli", "who acknowledged")
	return cmd
}

func (c *cli) escalationResolveCmd() *cobra.Command {
	var (
		action   string
		data     string
		resolver string
		token    string
	)
	cmd := &cobra.Command{
		Use:   "resolve [escalation-id]",
		Short: "Resolve an escalation with retry, modify_and_retry, skip, abort or approve_overage",
		Long: `Resolve an escalation and apply the action to its work item.

Pass either an escalation id or --token with a signed action token.
--data carries a JSON object; modify_and_retry reads title, description,
estimated_tokens, estimated_cost_usd, max_retries and model from it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if data != "" {
				if err := json.Unmarshal([]byte(data), &payload); err != nil {
					return fmt.Errorf("--data: %w", err)
				}
			}
			res := escalation.Resolution{
				Action:   contracts.ResolutionAction(action),
				Resolver: resolver,
				Data:     payload,
			}
			switch {
			case token != "":
				tokens, err := c.actionTokens()
				if err != nil {
					return err
				}
				if res, err = tokens.Authorize(token, res.Action, payload); err != nil {
					return err
				}
			case len(args) == 1:
				res.ID = args[0]
			default:
				return errors.New("an escalation id or --token is required")
			}

			return c.withApp(cmd.Context(), func(a *app) error {
				e, err := a.sched.ResolveEscalation(cmd.Context(), res)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(c.stdout, "escalation %s resolved with %s\n", e.ID, res.Action)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "resolution action")
	cmd.Flags().StringVar(&data, "data", "", "resolution data as a JSON object")
	cmd.Flags().StringVar(&resolver, "resolver", "cli", "who resolved")
	cmd.Flags().StringVar(&token, "token", "", "signed action token")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func (c *cli) escalationDismissCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "dismiss [escalation-id]",
		Short: "Dismiss an escalation and abandon its blocked work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				e, err := a.sched.DismissEscalation(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(c.stdout, "escalation %s %s\n", e.ID, e.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "dismissed by operator", "dismissal reason")
	return cmd
}

func (c *cli) escalationTokenCmd() *cobra.Command {
	var (
		actions []string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token [escalation-id]",
		Short: "Issue a signed token that lets its holder resolve one escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := c.actionTokens()
			if err != nil {
				return err
			}
			allowed := make([]contracts.ResolutionAction, 0, len(actions))
			for _, s := range actions {
				allowed = append(allowed, contracts.ResolutionAction(strings.TrimSpace(s)))
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				e, err := a.escalations.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !e.Blocking() {
					return fmt.Errorf("escalation %s is %s", e.ID, e.Status)
				}
				tok, err := tokens.Issue(e, subject, ttl, allowed...)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(c.stdout, tok)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&actions, "actions", []string{string(contracts.ActionRetry), string(contracts.ActionSkip)}, "actions the token permits")
	cmd.Flags().StringVar(&subject, "subject", "", "who the token is issued to")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func (c *cli) escalationReceiptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "receipts [escalation-id]",
		Short: "Print the content-hashed receipts of an escalation's transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				rs, err := a.escalations.Receipts(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return c.printJSON(rs)
			})
		},
	}
}

func (c *cli) actionTokens() (*escalation.ActionTokens, error) {
	if c.cfg.ActionTokenSecret == "" {
		return nil, errNoTokenSecret
	}
	return escalation.NewActionTokens([]byte(c.cfg.ActionTokenSecret))
}
