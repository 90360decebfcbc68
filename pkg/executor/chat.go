package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/kernel/retry"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/llm"
)

// ChatEngine executes a work item as a single chat completion. The reply is
// returned as the "response" artifact.
type ChatEngine struct {
	client    llm.Client
	maxTokens int
}

// NewChatEngine creates an engine backed by client.
func NewChatEngine(client llm.Client, maxTokens int) *ChatEngine {
	return &ChatEngine{client: client, maxTokens: maxTokens}
}

func (c *ChatEngine) Execute(ctx context.Context, req Request) (Outcome, error) {
	if req.WorkItem == nil {
		return Outcome{}, errors.New("chat engine: missing work item")
	}
	resp, err := c.client.Chat(ctx, messages(req), &llm.SamplingOptions{
		Model:       req.Model,
		Temperature: req.Selection.Temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return Outcome{}, classifyHTTP(err)
	}
	return Outcome{
		Status:     "success",
		TokensUsed: resp.Usage.TotalTokens,
		Artifacts:  []Artifact{{Name: "response", Data: []byte(resp.Content)}},
	}, nil
}

func messages(req Request) []llm.Message {
	var sys strings.Builder
	if g := req.Goal; g != nil {
		fmt.Fprintf(&sys, "Goal: %s\n", g.Title)
		if g.Description != "" {
			fmt.Fprintf(&sys, "%s\n", g.Description)
		}
		for _, c := range g.SuccessCriteria {
			fmt.Fprintf(&sys, "- %s\n", c)
		}
	}
	w := req.WorkItem
	user := w.Title
	if w.Description != "" {
		user += "\n\n" + w.Description
	}
	return []llm.Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: user},
	}
}

// classifyHTTP maps back-end status codes onto the retry taxonomy.
func classifyHTTP(err error) error {
	var se *llm.HTTPStatusError
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
		return retry.NewError(retry.CategoryPermission, false, err)
	case se.StatusCode == http.StatusTooManyRequests:
		return retry.NewError(retry.CategoryTransient, true, err)
	case se.StatusCode == http.StatusPaymentRequired:
		return retry.NewError(retry.CategoryResource, false, err)
	case se.StatusCode >= 500:
		return retry.NewError(retry.CategoryTransient, true, err)
	}
	return err
}
