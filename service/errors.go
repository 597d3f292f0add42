package service

import "errors"

// Typed errors shared across the approval pipeline. Handlers map these to
// HTTP status codes; the orchestrator uses them to decide whether a failure
// stays page-local or fails the whole task.
var (
	// ErrNotFound is returned when a task, conversation or review lookup misses.
	ErrNotFound = errors.New("not found")

	// ErrPrecondition is returned when a conversation does not have exactly
	// one guideline and exactly one design. No task is created.
	ErrPrecondition = errors.New("conversation must have exactly one guideline document and exactly one design")

	// ErrTaskActive is returned when an approval is started while a prior
	// task for the same conversation is still running.
	ErrTaskActive = errors.New("an approval task is already running for this conversation")

	// ErrExtractionFatal is returned when the guideline document cannot be
	// opened or parsed at all. Fails the whole task.
	ErrExtractionFatal = errors.New("guideline document is unreadable")

	// ErrBackpressure is returned when the inference gateway's wait queue is
	// full. Callers treat it as retryable.
	ErrBackpressure = errors.New("inference gateway queue is full")

	// ErrTerminal is returned when a status update targets a task that
	// already reached a terminal state.
	ErrTerminal = errors.New("task already in a terminal state")
)
