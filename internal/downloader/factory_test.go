package downloader

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/media_downloader/internal/media"
)

func TestFactory_Build(t *testing.T) {
	dest := filepath.Join("/media", "music", "song.mp4")

	tests := []struct {
		name      string
		opts      []FactoryOption
		info      media.StreamQueryInfo
		wantFiles []string // kind of each file
		wantDir   string
	}{
		{
			name:      "video and audio",
			info:      media.StreamQueryInfo{Video: streamPtr(videoMP4), Audio: streamPtr(audioMP4), WantVideo: true, WantAudio: true},
			wantFiles: []string{"video", "audio"},
			wantDir:   filepath.Join("/media", "music"),
		},
		{
			name:      "muxed stream",
			info:      media.StreamQueryInfo{Video: streamPtr(muxedMP4), WantVideo: true, WantAudio: true},
			wantFiles: []string{"muxed"},
			wantDir:   filepath.Join("/media", "music"),
		},
		{
			name:      "temp dir",
			opts:      []FactoryOption{WithTempDir("/tmp/partial")},
			info:      media.StreamQueryInfo{Audio: streamPtr(audioMP4), WantAudio: true},
			wantFiles: []string{"audio"},
			wantDir:   "/tmp/partial",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]FactoryOption{WithIDGenerator(func() string { return "abc" })}, tt.opts...)

			task, err := NewFactory(newFakeProvider(), &fakeMuxer{}, &fakeEncoder{}, opts...).Build(tt.info, dest)
			require.NoError(t, err)

			assert.Equal(t, "abc", task.ID())
			assert.Equal(t, dest, task.Destination())
			assert.Equal(t, StatusWaiting, task.Status())
			assert.False(t, task.Snapshot().CreatedAt.IsZero())

			require.Len(t, task.Files(), len(tt.wantFiles))

			for i, f := range task.Files() {
				assert.Equal(t, tt.wantFiles[i], f.kind())
				assert.Equal(t, tt.wantDir, filepath.Dir(f.TempPath))
				assert.True(t, strings.HasPrefix(filepath.Base(f.TempPath), TempFilePrefix+"abc-"))
				assert.Equal(t, f.Stream.ContentLength, f.ExpectedSize)
				assert.Equal(t, f.Stream.URL, f.URL)
				assert.Empty(t, f.MuxedPath)
				assert.Empty(t, f.EncodedPath)
			}
		})
	}
}

func TestFactory_Build_AudioEncode(t *testing.T) {
	tests := []struct {
		name     string
		settings media.AudioEncodeSettings
		dest     string
		wantExt  string
	}{
		{name: "explicit container", settings: media.AudioEncodeSettings{Codec: "libopus", Container: media.ContainerOgg}, dest: "/out/a.mkv", wantExt: ".ogg"},
		{name: "destination container", settings: media.AudioEncodeSettings{Codec: "aac"}, dest: "/out/a.m4a", wantExt: ".mp4"},
		{name: "no extension", settings: media.AudioEncodeSettings{Codec: "aac"}, dest: "/out/a", wantExt: ".mka"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := tt.settings

			task, err := NewFactory(newFakeProvider(), &fakeMuxer{}, &fakeEncoder{}).Build(media.StreamQueryInfo{
				Video:       streamPtr(muxedMP4),
				WantAudio:   true,
				Audio:       streamPtr(muxedMP4),
				AudioEncode: &settings,
			}, tt.dest)
			require.NoError(t, err)

			audio := task.Files()[1]
			assert.False(t, audio.HasVideo, "encoded output only carries audio")
			assert.True(t, audio.HasAudio)
			assert.Equal(t, ".mka", filepath.Ext(audio.MuxedPath))
			assert.Equal(t, tt.wantExt, filepath.Ext(audio.EncodedPath))
			assert.Equal(t, audio.EncodedPath, audio.outputPath())
			assert.True(t, audio.needsEncode())

			video := task.Files()[0]
			assert.False(t, video.needsEncode())
			assert.Equal(t, video.TempPath, video.outputPath())
		})
	}
}

func TestFactory_Build_Errors(t *testing.T) {
	f := NewFactory(newFakeProvider(), &fakeMuxer{}, &fakeEncoder{})

	_, err := f.Build(media.StreamQueryInfo{WantVideo: true, WantAudio: true}, "/out/a.mp4")
	assert.ErrorIs(t, err, media.ErrNoMatchingStream)

	_, err = f.Build(media.StreamQueryInfo{Video: streamPtr(videoMP4), WantVideo: true}, "")
	assert.Error(t, err)
}

func TestFactory_Build_UniqueIDs(t *testing.T) {
	f := NewFactory(newFakeProvider(), &fakeMuxer{}, &fakeEncoder{})
	info := media.StreamQueryInfo{Video: streamPtr(videoMP4), WantVideo: true}

	a, err := f.Build(info, "/out/a.mp4")
	require.NoError(t, err)

	b, err := f.Build(info, "/out/a.mp4")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID(), b.ID())
	assert.NotEqual(t, a.Files()[0].TempPath, b.Files()[0].TempPath)
}

func TestTaskIDFromTempFile(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		wantID string
		wantOK bool
	}{
		{name: "video", file: ".mdl-0b6e3a5e-8d1f-4c7a-9a57-2f0c2d6c1f11-video.mp4", wantID: "0b6e3a5e-8d1f-4c7a-9a57-2f0c2d6c1f11", wantOK: true},
		{name: "remuxed audio", file: ".mdl-abc-audio.remux.mka", wantID: "abc", wantOK: true},
		{name: "full path", file: filepath.Join("/tmp", ".mdl-abc-audio.enc.mp3"), wantID: "abc", wantOK: true},
		{name: "path built by the factory", file: tempPath("/tmp", "task-1", "audio", "m4a"), wantID: "task-1", wantOK: true},
		{name: "no prefix", file: "abc-video.mp4"},
		{name: "unknown kind", file: ".mdl-abc-subtitle.vtt"},
		{name: "no id", file: ".mdl--video.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := TaskIDFromTempFile(tt.file)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
		})
	}
}
