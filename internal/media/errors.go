package media

import (
	"errors"
	"fmt"
)

// ErrNoMatchingStream is returned when no stream satisfies the requested tracks and preferences.
var ErrNoMatchingStream = errors.New("no matching stream")

// InvalidURLError represents a URL that cannot identify a media item.
type InvalidURLError struct {
	URL    string // The URL as given by the caller
	Reason string // Human-readable explanation of why the URL was rejected
	Err    error  // Underlying error, if any
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid url %q: %s", e.URL, e.Reason)
}

func (e *InvalidURLError) Unwrap() error {
	return e.Err
}

// NetworkError represents a failure talking to the stream provider, while
// querying metadata or while fetching stream bytes.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "query_metadata", "fetch_stream")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// EncodeErrorKind classifies encoder failures.
type EncodeErrorKind int

const (
	EncodeErrorCodec EncodeErrorKind = iota
	EncodeErrorFileNotFound
)

func (k EncodeErrorKind) String() string {
	switch k {
	case EncodeErrorFileNotFound:
		return "file_not_found"
	default:
		return "codec"
	}
}

// EncodeError represents a failed audio re-encode.
type EncodeError struct {
	Kind EncodeErrorKind
	Path string
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode error (%s) for %s: %v", e.Kind, e.Path, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// MuxError represents a failed mux into Destination.
type MuxError struct {
	Destination string
	Err         error
}

func (e *MuxError) Error() string {
	return fmt.Sprintf("mux error for %s: %v", e.Destination, e.Err)
}

func (e *MuxError) Unwrap() error {
	return e.Err
}
