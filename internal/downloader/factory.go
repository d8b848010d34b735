package downloader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/italolelis/media_downloader/internal/fsys"
	"github.com/italolelis/media_downloader/internal/media"
)

// TempFilePrefix starts the name of every temporary file a task writes.
const TempFilePrefix = ".mdl-"

// Factory builds download tasks wired to a provider, muxer and encoder.
type Factory struct {
	provider media.StreamProvider
	muxer    media.Muxer
	encoder  media.Encoder
	fs       fsys.FileSystem
	tempDir  string
	newID    func() string
	now      func() time.Time
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithTempDir places temporary files in dir instead of next to the destination.
func WithTempDir(dir string) FactoryOption {
	return func(f *Factory) {
		f.tempDir = dir
	}
}

// WithFileSystem replaces the OS file system.
func WithFileSystem(fs fsys.FileSystem) FactoryOption {
	return func(f *Factory) {
		f.fs = fs
	}
}

// WithIDGenerator replaces the random task id generator.
func WithIDGenerator(fn func() string) FactoryOption {
	return func(f *Factory) {
		f.newID = fn
	}
}

func NewFactory(provider media.StreamProvider, muxer media.Muxer, encoder media.Encoder, opts ...FactoryOption) *Factory {
	f := &Factory{
		provider: provider,
		muxer:    muxer,
		encoder:  encoder,
		fs:       fsys.OS{},
		newID:    uuid.NewString,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Build creates a waiting task that downloads the streams of info into destination.
func (f *Factory) Build(info media.StreamQueryInfo, destination string) (*Task, error) {
	if !info.Valid() {
		return nil, media.ErrNoMatchingStream
	}

	if destination == "" {
		return nil, fmt.Errorf("empty destination")
	}

	destination = filepath.Clean(destination)

	signal, cancelSignal := context.WithCancel(context.Background())

	t := &Task{
		id:           f.newID(),
		destination:  destination,
		info:         info,
		createdAt:    f.now(),
		provider:     f.provider,
		muxer:        f.muxer,
		encoder:      f.encoder,
		fs:           f.fs,
		signal:       signal,
		cancelSignal: cancelSignal,
		done:         make(chan struct{}),
		status:       StatusWaiting,
	}

	dir := f.tempDir
	if dir == "" {
		dir = filepath.Dir(destination)
	}

	if info.Video != nil {
		t.files = append(t.files, &TaskFile{
			Stream:       info.Video,
			HasVideo:     info.Video.HasVideo,
			HasAudio:     info.Video.HasAudio,
			URL:          info.Video.URL,
			TempPath:     tempPath(dir, t.id, "video", info.Video.Container.Ext()),
			ExpectedSize: info.Video.ContentLength,
		})
	}

	if info.Audio != nil {
		file := &TaskFile{
			Stream:       info.Audio,
			HasVideo:     info.Audio.HasVideo,
			HasAudio:     true,
			URL:          info.Audio.URL,
			TempPath:     tempPath(dir, t.id, "audio", info.Audio.Container.Ext()),
			ExpectedSize: info.Audio.ContentLength,
		}

		if info.AudioEncode != nil {
			// The encoded output carries the audio track only.
			file.HasVideo = false
			file.MuxedPath = tempPath(dir, t.id, "audio.remux", media.ContainerMKA.Ext())
			file.EncodedPath = tempPath(dir, t.id, "audio.enc", encodeExt(*info.AudioEncode, destination))
		}

		t.files = append(t.files, file)
	}

	return t, nil
}

func tempPath(dir, id, kind, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%s%s-%s.%s", TempFilePrefix, id, kind, ext))
}

// TaskIDFromTempFile returns the id of the task that wrote the temporary file name.
func TaskIDFromTempFile(name string) (string, bool) {
	rest, ok := strings.CutPrefix(filepath.Base(name), TempFilePrefix)
	if !ok {
		return "", false
	}

	for _, kind := range []string{"-video.", "-audio."} {
		if i := strings.Index(rest, kind); i > 0 {
			return rest[:i], true
		}
	}

	return "", false
}

// encodeExt picks the container of the encoded audio, defaulting to the destination's.
func encodeExt(settings media.AudioEncodeSettings, destination string) string {
	if settings.Container != "" {
		return settings.Container.Ext()
	}

	if ext := strings.TrimPrefix(filepath.Ext(destination), "."); ext != "" {
		return media.ParseContainer(ext).Ext()
	}

	return media.ContainerMKA.Ext()
}
