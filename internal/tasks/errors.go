package tasks

import "errors"

var (
	// ErrEmptyText rejects blank input before the producer is contacted.
	ErrEmptyText = errors.New("empty text provided")

	// ErrEngineUnavailable means there is no producer, or its submit failed.
	ErrEngineUnavailable = errors.New("tts engine unavailable")

	// ErrNotFound marks lookups and updates against an unknown task id.
	ErrNotFound = errors.New("task not found")

	// ErrDuplicateInFlight is returned by the store when a second queued or
	// processing task would share a text hash with an existing one.
	ErrDuplicateInFlight = errors.New("task with same text already in flight")
)
