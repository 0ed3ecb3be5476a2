package critique

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/pkg/errors"

	"agentfleet/internal/llm"
	"agentfleet/internal/model"
)

const reviewSystemPrompt = `You are a strict code reviewer for autonomous coding agents.
You are given a transcript of an agent's work session, a code diff, and the
acceptance criteria the change must satisfy. Decide whether the work is ready
to be submitted for review.

Respond with a single JSON object and nothing else:
{"pass": true|false, "feedback": "<empty when passing, otherwise concrete and actionable feedback>"}

Fail the work if any acceptance criterion is unmet, if the transcript shows
unresolved errors, or if the diff is empty while the criteria require changes.`

const publicationSystemPrompt = `You summarize an autonomous coding agent's completed work session into
pull-request metadata. Respond with a single JSON object and nothing else:
{"title": "<concise imperative title, max 72 chars>",
 "description": "<markdown summary of what changed and why>",
 "labels": ["<label>", ...],
 "reviewers": ["<github handle>", ...]}

Leave labels and reviewers as empty arrays unless the transcript clearly
suggests them.`

// Result is the critique verdict. Feedback is empty on pass.
type Result struct {
	Pass     bool   `json:"pass"`
	Feedback string `json:"feedback"`
}

// Gate runs the pre-submission critique and the publication-metadata
// generation, both backed by the review/orchestrator model classes.
type Gate struct {
	client llm.Client
	logger *log.Logger
}

func NewGate(client llm.Client, logger *log.Logger) *Gate {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Gate{client: client, logger: logger}
}

// Validate asks the review model whether the transcript and diff satisfy the
// acceptance criteria. The diff may be empty when no worktree is available;
// the criteria must not be.
func (g *Gate) Validate(ctx context.Context, transcript string, diff string, criteria string) (Result, error) {
	if strings.TrimSpace(criteria) == "" {
		return Result{}, errors.New("acceptance criteria are empty")
	}
	if strings.TrimSpace(diff) == "" {
		diff = "(no diff available)"
	}
	userPrompt := fmt.Sprintf("ACCEPTANCE CRITERIA:\n%s\n\nCODE DIFF:\n%s\n\nSESSION TRANSCRIPT:\n%s",
		criteria, diff, transcript)

	raw, err := g.client.Complete(ctx, reviewSystemPrompt, userPrompt, model.ModelClassReview)
	if err != nil {
		return Result{}, errors.Wrap(err, "critique completion")
	}
	obj, ok := llm.ExtractJSONObject(raw)
	if !ok {
		return Result{}, errors.Errorf("critique reply contains no JSON object: %s", truncate(raw, 200))
	}
	var result Result
	if err := json.Unmarshal(obj, &result); err != nil {
		return Result{}, errors.Wrap(err, "parse critique verdict")
	}
	if !result.Pass && strings.TrimSpace(result.Feedback) == "" {
		result.Feedback = "The reviewer rejected the work without specific feedback; re-check the acceptance criteria."
	}
	g.logger.Printf("critique: pass=%v feedback=%q", result.Pass, truncate(result.Feedback, 120))
	return result, nil
}

// GeneratePublication turns the session transcript into pull-request
// metadata. Missing fields fall back to generic values so publication never
// blocks on a sparse reply.
func (g *Gate) GeneratePublication(ctx context.Context, transcript string) (model.PublicationMetadata, error) {
	raw, err := g.client.Complete(ctx, publicationSystemPrompt, "SESSION TRANSCRIPT:\n"+transcript, model.ModelClassOrchestrator)
	if err != nil {
		return model.PublicationMetadata{}, errors.Wrap(err, "publication metadata completion")
	}
	obj, ok := llm.ExtractJSONObject(raw)
	if !ok {
		return model.PublicationMetadata{}, errors.Errorf("metadata reply contains no JSON object: %s", truncate(raw, 200))
	}
	var meta model.PublicationMetadata
	if err := json.Unmarshal(obj, &meta); err != nil {
		return model.PublicationMetadata{}, errors.Wrap(err, "parse publication metadata")
	}
	if strings.TrimSpace(meta.Title) == "" {
		meta.Title = "Automated change from coding agent"
	}
	if strings.TrimSpace(meta.Description) == "" {
		meta.Description = "This change was produced by an autonomous coding agent session."
	}
	return meta, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
