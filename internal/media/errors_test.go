package media

import (
	"errors"
	"fmt"
	"testing"
)

// TestNetworkError_Error verifies error message formatting
func TestNetworkError_Error(t *testing.T) {
	tests := []struct {
		name       string
		err        *NetworkError
		wantFormat string
	}{
		{
			name: "with HTTP status code",
			err: &NetworkError{
				Operation:  "fetch_stream",
				StatusCode: 403,
				Message:    "forbidden",
			},
			wantFormat: "network error during fetch_stream (HTTP 403): forbidden",
		},
		{
			name: "without HTTP status code",
			err: &NetworkError{
				Operation: "query_metadata",
				Message:   "connection reset",
			},
			wantFormat: "network error during query_metadata: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantFormat {
				t.Errorf("Error() = %q, want %q", got, tt.wantFormat)
			}
		})
	}
}

func TestInvalidURLError_Error(t *testing.T) {
	err := &InvalidURLError{URL: "ftp://x", Reason: "unsupported scheme"}

	expected := `invalid url "ftp://x": unsupported scheme`
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestErrors_Unwrap verifies error chain traversal for every typed error
func TestErrors_Unwrap(t *testing.T) {
	cause := errors.New("underlying cause")

	tests := []struct {
		name string
		err  error
	}{
		{"InvalidURLError", &InvalidURLError{URL: "x", Reason: "bad", Err: cause}},
		{"NetworkError", &NetworkError{Operation: "fetch_stream", Message: "eof", Err: cause}},
		{"EncodeError", &EncodeError{Kind: EncodeErrorCodec, Path: "a.mka", Err: cause}},
		{"MuxError", &MuxError{Destination: "out.mp4", Err: cause}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if errors.Unwrap(tt.err) != cause {
				t.Errorf("Unwrap() = %v, want %v", errors.Unwrap(tt.err), cause)
			}

			wrapped := fmt.Errorf("context: %w", tt.err)
			if !errors.Is(wrapped, cause) {
				t.Error("errors.Is() should find cause in wrapped chain")
			}
		})
	}
}

// TestEncodeError_As verifies programmatic error type detection
func TestEncodeError_As(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", &EncodeError{Kind: EncodeErrorFileNotFound, Path: "in.mka"})

	var target *EncodeError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As() should extract EncodeError from wrapped chain")
	}

	if target.Kind != EncodeErrorFileNotFound {
		t.Errorf("Kind = %v, want %v", target.Kind, EncodeErrorFileNotFound)
	}

	if target.Kind.String() != "file_not_found" {
		t.Errorf("Kind.String() = %q, want %q", target.Kind.String(), "file_not_found")
	}
}
