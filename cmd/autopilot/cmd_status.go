package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/kernel"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/lifecycle"
)

// statusReport summarizes persisted state, plus the running scheduler's
// snapshot when one is reachable.
type statusReport struct {
	Goals       map[contracts.GoalStatus]int `json:"goals"`
	Escalations map[contracts.Severity]int   `json:"open_escalations"`
	Scheduler   *kernel.Snapshot             `json:"scheduler,omitempty"`
	Unreachable string                       `json:"scheduler_unreachable,omitempty"`
}

func (c *cli) statusCmd() *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize goals and escalations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				rep, err := collectStatus(cmd.Context(), a)
				if err != nil {
					return err
				}
				if live {
					snap, err := fetchSnapshot(cmd.Context(), c.cfg.MetricsAddr)
					if err != nil {
						rep.Unreachable = err.Error()
					}
					rep.Scheduler = snap
				}
				return c.printJSON(rep)
			})
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "include the snapshot of the scheduler served at METRICS_ADDR")
	return cmd
}

func collectStatus(ctx context.Context, a *app) (*statusReport, error) {
	rep := &statusReport{
		Goals:       map[contracts.GoalStatus]int{},
		Escalations: map[contracts.Severity]int{},
	}
	goals, err := a.repo.ListGoalsByStatus(ctx, lifecycle.GoalStatuses()...)
	if err != nil {
		return nil, err
	}
	for _, g := range goals {
		rep.Goals[g.Status]++
	}
	escs, err := a.escalations.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range escs {
		rep.Escalations[e.Severity]++
	}
	return rep, nil
}

func fetchSnapshot(ctx context.Context, addr string) (*kernel.Snapshot, error) {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	var snap kernel.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
