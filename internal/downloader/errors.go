package downloader

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned when no task has the given id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrManagerClosed is returned by operations on a closed Manager.
	ErrManagerClosed = errors.New("download manager is closed")
	// ErrIncompleteFile is returned when a fetched file is missing or shorter than expected.
	ErrIncompleteFile = errors.New("incomplete file")
	// ErrNoTracksRequested is returned when a download asks for neither video nor audio.
	ErrNoTracksRequested = errors.New("no tracks requested")
	// ErrTaskActive is returned when an operation requires a finished task.
	ErrTaskActive = errors.New("task is still active")
)

// OutOfRangeError represents a setting outside its allowed bounds.
type OutOfRangeError struct {
	Name  string
	Value int
	Min   int
	Max   int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("%s %d out of range [%d, %d]", e.Name, e.Value, e.Min, e.Max)
}

// TaskError represents the failure of a download task in one of its stages.
type TaskError struct {
	TaskID string
	Stage  string // "initialize", "fetch", "encode", "verify" or "finalize"
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("download %s failed during %s: %v", e.TaskID, e.Stage, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}
