// ABOUTME: Linear orchestration pipeline: call each stage agent in turn, then fold the results.
// ABOUTME: Any stage failure aborts the run and is returned with its original kind.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/relay-gateway/internal/agent"
	pb "github.com/2389/relay-gateway/proto/relay"
)

// DefaultSeparator joins stage results when a Pipeline has no Fold.
const DefaultSeparator = " | "

// Stage is one step of a pipeline.
type Stage struct {
	Name  string
	Agent pb.AgentID

	// Request builds the stage's input from the pipeline input and the
	// results of earlier stages. Nil sends the previous stage's result, or
	// the pipeline input for the first stage.
	Request func(input string, prior []string) string
}

func (s Stage) request(input string, prior []string) string {
	if s.Request != nil {
		return s.Request(input, prior)
	}
	if len(prior) == 0 {
		return input
	}
	return prior[len(prior)-1]
}

// Pipeline calls its stages in order.
type Pipeline struct {
	Name   string
	Stages []Stage

	// Fold combines all stage results into the output. Nil joins them with
	// DefaultSeparator.
	Fold func(results []string) string

	// Observe, if set, is called on every state change.
	Observe func(from, to State)

	Logger *slog.Logger
}

// Phase is the coarse pipeline state.
type Phase int

const (
	PhasePending Phase = iota
	PhaseDone
	PhaseFailed
)

// State is the pipeline's position: pending at a stage, done, or failed at a stage.
type State struct {
	Phase Phase
	Stage int
	Name  string
}

func (s State) String() string {
	switch s.Phase {
	case PhasePending:
		return "pending(" + s.Name + ")"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed(" + s.Name + ")"
	default:
		return "unknown"
	}
}

// Result is a completed run.
type Result struct {
	Output  string
	Results []string
	States  []State
}

// StageError reports the stage that failed. It unwraps to the stage's error
// so errors.Is and errors.As see the original failure.
type StageError struct {
	Stage string
	Index int
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Validate checks the pipeline can run.
func (p *Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return errors.New("pipeline has no stages")
	}
	for i, s := range p.Stages {
		if err := s.Agent.Validate(); err != nil {
			return fmt.Errorf("stage %d (%s): %w", i, s.Name, err)
		}
	}
	return nil
}

// Run executes the stages through c. Each stage runs exactly once and only
// after the previous one succeeded; there are no retries.
func (p *Pipeline) Run(ctx context.Context, c agent.Caller, input string) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("pipeline", p.Name)

	results := make([]string, 0, len(p.Stages))
	state := State{Phase: PhasePending, Stage: 0, Name: p.Stages[0].Name}
	states := []State{state}

	transition := func(next State) {
		if p.Observe != nil {
			p.Observe(state, next)
		}
		state = next
		states = append(states, next)
	}

	for i, stage := range p.Stages {
		payload, err := agent.Text(stage.request(input, results))
		if err != nil {
			return nil, err
		}

		logger.Debug("running stage", "stage", stage.Name, "agent", stage.Agent.String())
		reply, err := c.Send(ctx, stage.Agent, payload)
		if err == nil {
			var msg agent.Message
			msg, err = agent.DecodeMessage(reply)
			if err == nil {
				results = append(results, msg.Content)
			}
		}
		if err != nil {
			transition(State{Phase: PhaseFailed, Stage: i, Name: stage.Name})
			logger.Debug("stage failed", "stage", stage.Name, "error", err)
			return nil, &StageError{Stage: stage.Name, Index: i, Err: err}
		}

		if i+1 < len(p.Stages) {
			transition(State{Phase: PhasePending, Stage: i + 1, Name: p.Stages[i+1].Name})
		}
	}

	transition(State{Phase: PhaseDone, Stage: len(p.Stages)})
	return &Result{Output: p.fold(results), Results: results, States: states}, nil
}

func (p *Pipeline) fold(results []string) string {
	if p.Fold != nil {
		return p.Fold(results)
	}
	return strings.Join(results, DefaultSeparator)
}

// NewCoordinator returns an Agent that runs p on each inbound Message's
// content and replies with the folded output. Stage calls are sent as the
// coordinator through its handling context.
func NewCoordinator(p *Pipeline) agent.Agent {
	return agent.HandlerFunc(func(ctx context.Context, mc *agent.Context, payload []byte) ([]byte, error) {
		msg, err := agent.DecodeMessage(payload)
		if err != nil {
			return nil, err
		}
		res, err := p.Run(ctx, mc, msg.Content)
		if err != nil {
			var stageErr *StageError
			if errors.As(err, &stageErr) {
				return nil, stageErr.Err
			}
			return nil, err
		}
		return agent.Message{Kind: msg.Kind, Content: res.Output}.Encode()
	})
}
