package processor

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"strings"
	"time"

	"github.com/pkg/errors"

	"agentfleet/internal/critique"
	"agentfleet/internal/llm"
	"agentfleet/internal/model"
)

var (
	// ErrInvalidResponse means the agent's self-report could not be parsed.
	// Recoverable: the scheduler forwards nothing and re-polls next cycle.
	ErrInvalidResponse = errors.New("invalid agent response")
	// ErrUnknownAction means the action is outside the command vocabulary.
	ErrUnknownAction = errors.New("unknown action")
	// ErrMissingCriteria means /finish was requested with no acceptance
	// criteria configured. Finish is refused, never silently allowed.
	ErrMissingCriteria = errors.New("acceptance criteria missing")
)

// HistoryCap bounds the per-worker response history; oldest entries are
// evicted first.
const HistoryCap = 100

const correctionPrefix = "/instruct Please address this feedback before submitting: "

// CritiqueGate is the slice of the critique package the processor needs.
type CritiqueGate interface {
	Validate(ctx context.Context, transcript string, diff string, criteria string) (critique.Result, error)
	GeneratePublication(ctx context.Context, transcript string) (model.PublicationMetadata, error)
}

// Outcome is the result of processing one self-report.
type Outcome struct {
	// Command is the next wire command for the session, or "/finish" when
	// the critique gate passed.
	Command  string
	Response model.AgentResponse
	// Finished is set when the critique passed and publication should run.
	Finished bool
	// CritiqueFeedback carries the reviewer feedback when the gate failed.
	CritiqueFeedback string
	// Publication is set alongside Finished.
	Publication *model.PublicationMetadata
}

// Processor is the per-worker action state machine: it parses structured
// self-reports, keeps the bounded response history, and gates /finish behind
// the critique. One instance per worker, driven only by the scheduler.
type Processor struct {
	workerID string
	gate     CritiqueGate
	logger   *log.Logger
	diffFn   func() (string, error)
	history  []model.AgentResponse
}

type Option func(*Processor)

// WithDiffProvider supplies the worktree diff handed to the critique gate.
func WithDiffProvider(fn func() (string, error)) Option {
	return func(p *Processor) { p.diffFn = fn }
}

func WithLogger(logger *log.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

func New(workerID string, gate CritiqueGate, opts ...Option) *Processor {
	p := &Processor{
		workerID: workerID,
		gate:     gate,
		logger:   log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process parses one raw self-report and returns the next wire command.
// Parse failures return ErrInvalidResponse with the history untouched.
func (p *Processor) Process(ctx context.Context, rawResponse string, acceptanceCriteria string) (Outcome, error) {
	response, err := parseResponse(rawResponse)
	if err != nil {
		return Outcome{}, err
	}
	p.append(response)

	action := strings.TrimSpace(response.Action)
	outcome := Outcome{Response: response}

	switch {
	case strings.HasPrefix(action, "/instruct "):
		outcome.Command = strings.TrimSpace(strings.TrimPrefix(action, "/instruct "))
		return outcome, nil
	case isPassThrough(action):
		outcome.Command = action
		return outcome, nil
	case action == "/finish":
		return p.finishGate(ctx, outcome, acceptanceCriteria)
	default:
		return Outcome{}, errors.Wrapf(ErrUnknownAction, "worker %s: %q", p.workerID, action)
	}
}

func (p *Processor) finishGate(ctx context.Context, outcome Outcome, criteria string) (Outcome, error) {
	if strings.TrimSpace(criteria) == "" {
		return Outcome{}, errors.Wrapf(ErrMissingCriteria, "worker %s", p.workerID)
	}
	transcript := p.Transcript()
	diff := ""
	if p.diffFn != nil {
		d, err := p.diffFn()
		if err != nil {
			p.logger.Printf("processor %s: diff unavailable: %v", p.workerID, err)
		} else {
			diff = d
		}
	}

	result, err := p.gate.Validate(ctx, transcript, diff, criteria)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "critique gate")
	}
	if !result.Pass {
		outcome.Command = correctionPrefix + result.Feedback
		outcome.CritiqueFeedback = result.Feedback
		p.logger.Printf("processor %s: critique failed, sending corrective instruction", p.workerID)
		return outcome, nil
	}

	meta, err := p.gate.GeneratePublication(ctx, transcript)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "publication metadata")
	}
	outcome.Command = "/finish"
	outcome.Finished = true
	outcome.Publication = &meta
	p.logger.Printf("processor %s: critique passed, finish approved", p.workerID)
	return outcome, nil
}

func (p *Processor) append(response model.AgentResponse) {
	p.history = append(p.history, response)
	if len(p.history) > HistoryCap {
		p.history = append(p.history[:0:0], p.history[len(p.history)-HistoryCap:]...)
	}
}

// History returns a copy of the bounded response history, oldest first.
func (p *Processor) History() []model.AgentResponse {
	out := make([]model.AgentResponse, len(p.history))
	copy(out, p.history)
	return out
}

// Transcript renders the history as the critique gate's input.
func (p *Processor) Transcript() string {
	var b strings.Builder
	for i, r := range p.history {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("progress: " + r.Progress + "\n")
		b.WriteString("thought: " + r.Thought + "\n")
		b.WriteString("action: " + r.Action + "\n")
		b.WriteString("future: " + r.Future + "\n")
	}
	return b.String()
}

func parseResponse(raw string) (model.AgentResponse, error) {
	obj, ok := llm.ExtractJSONObject(raw)
	if !ok {
		return model.AgentResponse{}, errors.Wrap(ErrInvalidResponse, "no JSON object found")
	}
	var fields map[string]any
	if err := json.Unmarshal(obj, &fields); err != nil {
		return model.AgentResponse{}, errors.Wrapf(ErrInvalidResponse, "parse: %v", err)
	}
	response := model.AgentResponse{Timestamp: time.Now()}
	for _, required := range []struct {
		key  string
		dest *string
	}{
		{"progress", &response.Progress},
		{"thought", &response.Thought},
		{"action", &response.Action},
		{"future", &response.Future},
	} {
		value, present := fields[required.key]
		if !present {
			return model.AgentResponse{}, errors.Wrapf(ErrInvalidResponse, "missing field %q", required.key)
		}
		text, isString := value.(string)
		if !isString {
			return model.AgentResponse{}, errors.Wrapf(ErrInvalidResponse, "field %q is not a string", required.key)
		}
		*required.dest = text
	}
	return response, nil
}

func isPassThrough(action string) bool {
	switch action {
	case "/ls", "/map", "/test":
		return true
	}
	for _, prefix := range []string{"/git ", "/add ", "/run "} {
		if strings.HasPrefix(action, prefix) {
			return true
		}
	}
	return action == "/git" || action == "/add" || action == "/run"
}
