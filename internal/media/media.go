package media

import (
	"strings"
	"time"
)

// Container is the file format a stream is delivered in, e.g. "mp4" or "webm".
type Container string

const (
	ContainerMP4  Container = "mp4"
	ContainerWebM Container = "webm"
	Container3GP  Container = "3gp"
	ContainerMP3  Container = "mp3"
	ContainerOgg  Container = "ogg"
	ContainerMKA  Container = "mka"
)

// ParseContainer normalizes a container name or file extension.
func ParseContainer(s string) Container {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "."))
	switch s {
	case "3gpp":
		return Container3GP
	case "m4a", "m4v":
		return ContainerMP4
	}

	return Container(s)
}

// Ext returns the file extension for the container, without the dot.
func (c Container) Ext() string {
	if c == "" {
		return "bin"
	}

	return string(c)
}

// Stream describes one fetchable audio and/or video track of a media item.
type Stream struct {
	ID            string
	SourceID      string
	URL           string
	MimeType      string
	Container     Container
	VideoCodec    string
	AudioCodec    string
	Bitrate       int
	Width         int
	Height        int
	ContentLength int64
	QualityLabel  string
	HasVideo      bool
	HasAudio      bool
}

// IsMuxed reports whether the stream carries both audio and video.
func (s *Stream) IsMuxed() bool {
	return s.HasVideo && s.HasAudio
}

// IsAudioOnly reports whether the stream carries audio but no video.
func (s *Stream) IsAudioOnly() bool {
	return s.HasAudio && !s.HasVideo
}

// VideoInfo is the metadata of a media item.
type VideoInfo struct {
	ID          string
	URL         string
	Title       string
	Author      string
	Description string
	Duration    time.Duration
}

// StreamManifest is the list of streams available for a media item.
type StreamManifest struct {
	SourceID string
	Streams  []Stream
}

// AudioEncodeSettings controls the optional audio re-encode step.
type AudioEncodeSettings struct {
	Codec     string
	Bitrate   string
	Container Container
}

// StreamQueryInfo is the outcome of stream selection for a single download.
type StreamQueryInfo struct {
	Video       *Stream
	Audio       *Stream
	WantVideo   bool
	WantAudio   bool
	AudioEncode *AudioEncodeSettings
}

// Valid reports whether at least one stream was selected.
func (q StreamQueryInfo) Valid() bool {
	return q.Video != nil || q.Audio != nil
}

// EncodeItem names the input and output of one encoder run.
type EncodeItem struct {
	InputPath  string
	OutputPath string
}
