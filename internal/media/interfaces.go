package media

import "context"

// StreamProvider resolves media URLs and transfers raw stream bytes.
type StreamProvider interface {
	QueryMetadata(ctx context.Context, url string) (*VideoInfo, error)
	QueryStreams(ctx context.Context, url string) (*StreamManifest, error)
	// FetchStream writes the stream to destPath, calling onProgress with the
	// cumulative number of bytes written.
	FetchStream(ctx context.Context, stream *Stream, destPath string, onProgress func(written int64)) error
}

// Muxer combines a video and/or an audio input into destPath. Either input may be empty.
type Muxer interface {
	Mux(ctx context.Context, videoPath, audioPath, destPath string) error
}

// Encoder re-encodes an audio file.
type Encoder interface {
	Encode(ctx context.Context, item EncodeItem, settings AudioEncodeSettings) error
}
