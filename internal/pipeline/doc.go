// Package pipeline runs fixed sequences of agent calls.
//
// A Pipeline sends its input to the first stage, each later stage's request
// to the next, and folds the stage results into one output. Any stage failure
// stops the run and is returned unchanged (wrapped in a StageError that
// unwraps to it); stages are never retried. Observe sees every state
// transition: pending(stage) for each stage in order, then done or
// failed(stage).
//
// NewCoordinator exposes a Pipeline as an agent, so a caller can trigger a
// whole run with one request. Prefixer and Echo are deterministic stage agents
// used by the demo binaries and tests.
package pipeline
