// Package ffmpeg implements media.Muxer and media.Encoder on top of the ffmpeg binary.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/italolelis/media_downloader/internal/logctx"
	"github.com/italolelis/media_downloader/internal/media"
)

const (
	// Command is the default ffmpeg executable name.
	Command = "ffmpeg"

	LogLevel          = "error"
	StreamCopy        = "copy"
	FastStartFlag     = "+faststart"
	DefaultAudioCodec = "aac"

	// stderrLimit caps how much ffmpeg output is kept for error messages.
	stderrLimit = 4 << 10
)

// FFmpeg runs the ffmpeg binary to mux and encode media files.
type FFmpeg struct {
	path string
}

var (
	_ media.Muxer   = (*FFmpeg)(nil)
	_ media.Encoder = (*FFmpeg)(nil)
)

// New creates an FFmpeg runner. An empty path uses the ffmpeg found in PATH.
func New(path string) *FFmpeg {
	if path == "" {
		path = Command
	}

	return &FFmpeg{path: path}
}

// Mux stream-copies videoPath and audioPath into destPath without re-encoding.
// Either input may be empty, in which case the other track is remuxed on its own.
func (f *FFmpeg) Mux(ctx context.Context, videoPath, audioPath, destPath string) error {
	args, err := BuildMuxArgs(videoPath, audioPath, destPath)
	if err != nil {
		return &media.MuxError{Destination: destPath, Err: err}
	}

	for _, p := range []string{videoPath, audioPath} {
		if p == "" {
			continue
		}

		if _, err := os.Stat(p); err != nil {
			return &media.MuxError{Destination: destPath, Err: fmt.Errorf("input %s: %w", p, err)}
		}
	}

	if err := f.run(ctx, args); err != nil {
		os.Remove(destPath)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		return &media.MuxError{Destination: destPath, Err: err}
	}

	return nil
}

// Encode re-encodes item.InputPath into item.OutputPath with the given settings.
func (f *FFmpeg) Encode(ctx context.Context, item media.EncodeItem, settings media.AudioEncodeSettings) error {
	if _, err := os.Stat(item.InputPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &media.EncodeError{Kind: media.EncodeErrorFileNotFound, Path: item.InputPath, Err: err}
		}

		return &media.EncodeError{Kind: media.EncodeErrorCodec, Path: item.InputPath, Err: err}
	}

	if err := f.run(ctx, BuildEncodeArgs(item, settings)); err != nil {
		os.Remove(item.OutputPath)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		return &media.EncodeError{Kind: media.EncodeErrorCodec, Path: item.InputPath, Err: err}
	}

	return nil
}

// BuildMuxArgs builds the ffmpeg arguments for a stream-copy mux.
func BuildMuxArgs(videoPath, audioPath, destPath string) ([]string, error) {
	if videoPath == "" && audioPath == "" {
		return nil, errors.New("no input to mux")
	}

	args := []string{"-y", "-v", LogLevel}

	var maps []string

	if videoPath != "" {
		args = append(args, "-i", videoPath)
		maps = append(maps, "-map", "0:v:0")
	}

	if audioPath != "" {
		idx := 0
		if videoPath != "" {
			idx = 1
		}

		args = append(args, "-i", audioPath)
		maps = append(maps, "-map", fmt.Sprintf("%d:a:0", idx))
	}

	args = append(args, maps...)
	args = append(args, "-c", StreamCopy)

	if isMP4Family(destPath) {
		args = append(args, "-movflags", FastStartFlag)
	}

	return append(args, destPath), nil
}

// BuildEncodeArgs builds the ffmpeg arguments for an audio re-encode.
func BuildEncodeArgs(item media.EncodeItem, settings media.AudioEncodeSettings) []string {
	codec := settings.Codec
	if codec == "" {
		codec = DefaultAudioCodec
	}

	args := []string{
		"-y",
		"-v", LogLevel,
		"-i", item.InputPath,
		"-vn",
		"-c:a", codec,
	}

	if settings.Bitrate != "" {
		args = append(args, "-b:a", settings.Bitrate)
	}

	return append(args, item.OutputPath)
}

func (f *FFmpeg) run(ctx context.Context, args []string) error {
	logger := logctx.LoggerFromContext(ctx)

	cmd := exec.CommandContext(ctx, f.path, args...)

	stderr := &limitedBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	logger.DebugContext(ctx, "running ffmpeg", "args", strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("ffmpeg failed: %w: %s", err, msg)
		}

		return fmt.Errorf("ffmpeg failed: %w", err)
	}

	return nil
}

func isMP4Family(path string) bool {
	return media.ParseContainer(filepath.Ext(path)).IsMP4Family()
}

// limitedBuffer keeps the last limit bytes written to it.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)

	if len(p) >= b.limit {
		b.buf.Reset()
		b.buf.Write(p[len(p)-b.limit:])

		return n, nil
	}

	if over := b.buf.Len() + len(p) - b.limit; over > 0 {
		b.buf.Next(over)
	}

	b.buf.Write(p)

	return n, nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
