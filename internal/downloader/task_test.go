package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/media_downloader/internal/media"
)

type taskFixture struct {
	provider *fakeProvider
	muxer    *fakeMuxer
	encoder  *fakeEncoder
	dir      string
	dest     string
}

func newTaskFixture(t *testing.T) *taskFixture {
	t.Helper()

	dir := t.TempDir()

	return &taskFixture{
		provider: newFakeProvider(),
		muxer:    &fakeMuxer{},
		encoder:  &fakeEncoder{},
		dir:      dir,
		dest:     filepath.Join(dir, "out", "movie.mp4"),
	}
}

func (f *taskFixture) build(t *testing.T, info media.StreamQueryInfo, opts ...FactoryOption) *Task {
	t.Helper()

	task, err := NewFactory(f.provider, f.muxer, f.encoder, opts...).Build(info, f.dest)
	require.NoError(t, err)

	task.url = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

	return task
}

func TestTask_Download(t *testing.T) {
	tests := []struct {
		name        string
		info        media.StreamQueryInfo
		wantMux     []string // inputs handed to the muxer, by stream id
		wantContent string
	}{
		{
			name:        "video and audio are muxed",
			info:        media.StreamQueryInfo{Video: streamPtr(videoMP4), Audio: streamPtr(audioMP4), WantVideo: true, WantAudio: true},
			wantMux:     []string{"video", "audio"},
			wantContent: strings.Repeat("1", 2048) + strings.Repeat("1", 512),
		},
		{
			name:        "single muxed stream is moved",
			info:        media.StreamQueryInfo{Video: streamPtr(muxedMP4), WantVideo: true, WantAudio: true},
			wantContent: strings.Repeat("1", 1000),
		},
		{
			name:        "video track is taken from a muxed stream",
			info:        media.StreamQueryInfo{Video: streamPtr(muxedMP4), WantVideo: true},
			wantMux:     []string{"video", ""},
			wantContent: strings.Repeat("1", 1000),
		},
		{
			name:        "audio only stream is moved",
			info:        media.StreamQueryInfo{Audio: streamPtr(audioMP4), WantAudio: true},
			wantContent: strings.Repeat("1", 512),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTaskFixture(t)
			task := f.build(t, tt.info)

			status := task.Download(context.Background())
			require.Equal(t, StatusSuccess, status, "err: %v", task.Err())
			require.NoError(t, task.Err())

			data, err := os.ReadFile(f.dest)
			require.NoError(t, err)
			assert.Equal(t, tt.wantContent, string(data))

			calls := f.muxer.Calls()
			if tt.wantMux == nil {
				assert.Empty(t, calls)
			} else {
				require.Len(t, calls, 1)
				assert.Equal(t, f.dest, calls[0].dest)
				assert.Equal(t, tt.wantMux[0] != "", calls[0].video != "")
				assert.Equal(t, tt.wantMux[1] != "", calls[0].audio != "")
			}

			assert.Equal(t, []string{filepath.Join("out", "movie.mp4")}, dirEntries(t, f.dir))

			snap := task.Snapshot()
			assert.Equal(t, StatusSuccess, snap.Status)
			assert.InDelta(t, 1.0, snap.Progress, 0.0001)
			assert.NotNil(t, snap.StartedAt)
			assert.NotNil(t, snap.FinishedAt)
			assert.Empty(t, snap.Error)
		})
	}
}

func TestTask_Download_ReportsStatusesInOrder(t *testing.T) {
	f := newTaskFixture(t)
	task := f.build(t, media.StreamQueryInfo{Video: streamPtr(videoMP4), Audio: streamPtr(audioMP4), WantVideo: true, WantAudio: true})

	rec := &statusRecorder{}
	task.OnProgress(rec.record)

	require.Equal(t, StatusSuccess, task.Download(context.Background()))

	assert.Equal(t, []Status{StatusInitializing, StatusDownloading, StatusFinalizing, StatusSuccess}, rec.Statuses())
}

func TestTask_Download_Failures(t *testing.T) {
	netErr := &media.NetworkError{Operation: "fetch_stream", StatusCode: 403, Message: "forbidden"}

	tests := []struct {
		name      string
		info      media.StreamQueryInfo
		setup     func(f *taskFixture)
		wantStage string
		wantErr   any
		wantIs    error
	}{
		{
			name: "audio fetch fails",
			info: media.StreamQueryInfo{Video: streamPtr(videoMP4), Audio: streamPtr(audioMP4), WantVideo: true, WantAudio: true},
			setup: func(f *taskFixture) {
				f.provider.fetch = func(_ context.Context, stream *media.Stream, destPath string, onProgress func(int64)) error {
					if stream.HasAudio {
						return netErr
					}

					return writeStream(stream, destPath, stream.ContentLength, onProgress)
				}
			},
			wantStage: stageFetch,
			wantErr:   new(*media.NetworkError),
		},
		{
			name: "short file fails verification",
			info: media.StreamQueryInfo{Video: streamPtr(muxedMP4), WantVideo: true, WantAudio: true},
			setup: func(f *taskFixture) {
				f.provider.fetch = func(_ context.Context, stream *media.Stream, destPath string, onProgress func(int64)) error {
					return writeStream(stream, destPath, stream.ContentLength-1, onProgress)
				}
			},
			wantStage: stageVerify,
			wantIs:    ErrIncompleteFile,
		},
		{
			name:      "mux fails",
			info:      media.StreamQueryInfo{Video: streamPtr(videoMP4), Audio: streamPtr(audioMP4), WantVideo: true, WantAudio: true},
			setup:     func(f *taskFixture) { f.muxer.err = errors.New("invalid data found") },
			wantStage: stageFinalize,
			wantErr:   new(*media.MuxError),
		},
		{
			name: "encode fails",
			info: media.StreamQueryInfo{
				Audio: streamPtr(audioMP4), WantAudio: true,
				AudioEncode: &media.AudioEncodeSettings{Codec: "libopus", Container: media.ContainerOgg},
			},
			setup:     func(f *taskFixture) { f.encoder.err = errors.New("unknown encoder") },
			wantStage: stageEncode,
			wantErr:   new(*media.EncodeError),
		},
		{
			name: "provider panics",
			info: media.StreamQueryInfo{Video: streamPtr(muxedMP4), WantVideo: true, WantAudio: true},
			setup: func(f *taskFixture) {
				f.provider.fetch = func(context.Context, *media.Stream, string, func(int64)) error {
					panic("boom")
				}
			},
			wantStage: stagePanic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTaskFixture(t)
			tt.setup(f)

			task := f.build(t, tt.info)

			require.Equal(t, StatusFailed, task.Download(context.Background()))

			err := task.Err()
			require.Error(t, err)

			var taskErr *TaskError
			require.ErrorAs(t, err, &taskErr)
			assert.Equal(t, tt.wantStage, taskErr.Stage)
			assert.Equal(t, task.ID(), taskErr.TaskID)

			if tt.wantErr != nil {
				assert.ErrorAs(t, err, tt.wantErr)
			}

			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}

			assert.NotErrorIs(t, err, context.Canceled)
			assert.Equal(t, err.Error(), task.Snapshot().Error)

			// Neither the destination nor any temp file survives a failure.
			assert.Empty(t, dirEntries(t, f.dir))
		})
	}
}

func TestTask_Download_CancelWhileFetching(t *testing.T) {
	f := newTaskFixture(t)
	task := f.build(t, media.StreamQueryInfo{Video: streamPtr(videoMP4), Audio: streamPtr(audioMP4), WantVideo: true, WantAudio: true})

	release := f.provider.block(task.info.Video.SourceID)
	defer release()

	done := make(chan Status, 1)

	go func() {
		done <- task.Download(context.Background())
	}()

	require.Eventually(t, func() bool { return task.Status() == StatusDownloading }, waitFor, time.Millisecond)

	task.Cancel()
	task.Cancel()

	select {
	case status := <-done:
		assert.Equal(t, StatusCanceled, status)
	case <-time.After(waitFor):
		t.Fatal("download did not stop after cancel")
	}

	assert.ErrorIs(t, task.Err(), context.Canceled)
	assert.Equal(t, context.Canceled.Error(), task.Snapshot().Error)
	assert.Empty(t, dirEntries(t, f.dir))
}

func TestTask_Download_CallerContextCancels(t *testing.T) {
	f := newTaskFixture(t)
	task := f.build(t, media.StreamQueryInfo{Video: streamPtr(muxedMP4), WantVideo: true, WantAudio: true})

	release := f.provider.block(task.info.Video.SourceID)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Status, 1)

	go func() {
		done <- task.Download(ctx)
	}()

	require.Eventually(t, func() bool { return task.Status() == StatusDownloading }, waitFor, time.Millisecond)
	cancel()

	select {
	case status := <-done:
		assert.Equal(t, StatusCanceled, status)
	case <-time.After(waitFor):
		t.Fatal("download did not stop after context cancel")
	}

	assert.Empty(t, dirEntries(t, f.dir))
}

func TestTask_Download_CanceledBeforeStart(t *testing.T) {
	f := newTaskFixture(t)
	task := f.build(t, media.StreamQueryInfo{Video: streamPtr(muxedMP4), WantVideo: true, WantAudio: true})

	task.Cancel()

	assert.Equal(t, StatusCanceled, task.Download(context.Background()))
	assert.Empty(t, f.provider.fetchedURLs())
	assert.Empty(t, dirEntries(t, f.dir))

	select {
	case <-task.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestTask_Download_Twice(t *testing.T) {
	f := newTaskFixture(t)
	task := f.build(t, media.StreamQueryInfo{Video: streamPtr(muxedMP4), WantVideo: true, WantAudio: true})

	require.Equal(t, StatusSuccess, task.Download(context.Background()))

	assert.Panics(t, func() { task.Download(context.Background()) })
	assert.Equal(t, StatusSuccess, task.Status())
}

func TestTask_Download_EncodesAudio(t *testing.T) {
	f := newTaskFixture(t)
	f.dest = filepath.Join(f.dir, "song.ogg")

	task := f.build(t, media.StreamQueryInfo{
		Audio:       streamPtr(audioMP4),
		WantAudio:   true,
		AudioEncode: &media.AudioEncodeSettings{Codec: "libopus", Bitrate: "128k", Container: media.ContainerOgg},
	})

	require.Len(t, task.Files(), 1)
	file := task.Files()[0]

	require.Equal(t, StatusSuccess, task.Download(context.Background()), "err: %v", task.Err())

	calls := f.muxer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, muxCall{video: "", audio: file.TempPath, dest: file.MuxedPath}, calls[0])

	require.Len(t, f.encoder.items, 1)
	assert.Equal(t, media.EncodeItem{InputPath: file.MuxedPath, OutputPath: file.EncodedPath}, f.encoder.items[0])

	data, err := os.ReadFile(f.dest)
	require.NoError(t, err)
	assert.Equal(t, "libopus:"+strings.Repeat("1", 512), string(data))

	assert.Equal(t, []string{"song.ogg"}, dirEntries(t, f.dir))
}

func TestTask_Download_EncodesAudioBeforeMux(t *testing.T) {
	f := newTaskFixture(t)
	f.dest = filepath.Join(f.dir, "movie.mkv")

	task := f.build(t, media.StreamQueryInfo{
		Video:       streamPtr(videoMP4),
		Audio:       streamPtr(audioMP4),
		WantVideo:   true,
		WantAudio:   true,
		AudioEncode: &media.AudioEncodeSettings{Codec: "aac"},
	})

	require.Equal(t, StatusSuccess, task.Download(context.Background()), "err: %v", task.Err())

	calls := f.muxer.Calls()
	require.Len(t, calls, 2)

	audio := task.Files()[1]
	assert.Equal(t, muxCall{video: task.Files()[0].TempPath, audio: audio.EncodedPath, dest: f.dest}, calls[1])
	assert.Equal(t, ".mkv", filepath.Ext(audio.EncodedPath))
}

func TestTask_OnMux(t *testing.T) {
	info := media.StreamQueryInfo{Video: streamPtr(videoMP4), Audio: streamPtr(audioMP4), WantVideo: true, WantAudio: true}

	t.Run("subscriber builds the destination", func(t *testing.T) {
		f := newTaskFixture(t)
		task := f.build(t, info)

		var got MuxRequest

		task.OnMux(func(_ context.Context, req MuxRequest) error {
			got = req

			return os.WriteFile(req.Destination, []byte("custom"), 0o644)
		})

		require.Equal(t, StatusSuccess, task.Download(context.Background()))

		assert.Equal(t, MuxRequest{
			VideoPath:   task.Files()[0].TempPath,
			AudioPath:   task.Files()[1].TempPath,
			Destination: f.dest,
		}, got)
		assert.Empty(t, f.muxer.Calls())

		data, err := os.ReadFile(f.dest)
		require.NoError(t, err)
		assert.Equal(t, "custom", string(data))
	})

	t.Run("muxer runs when the subscriber does nothing", func(t *testing.T) {
		f := newTaskFixture(t)
		task := f.build(t, info)

		calls := 0
		task.OnMux(func(context.Context, MuxRequest) error {
			calls++

			return nil
		})

		require.Equal(t, StatusSuccess, task.Download(context.Background()))
		assert.Equal(t, 1, calls)
		assert.Len(t, f.muxer.Calls(), 1)
	})

	t.Run("muxer runs when the subscriber fails", func(t *testing.T) {
		f := newTaskFixture(t)
		task := f.build(t, info)

		task.OnMux(func(context.Context, MuxRequest) error {
			return errors.New("not supported")
		})

		require.Equal(t, StatusSuccess, task.Download(context.Background()))
		assert.Len(t, f.muxer.Calls(), 1)
	})

	t.Run("unsubscribed subscriber is skipped", func(t *testing.T) {
		f := newTaskFixture(t)
		task := f.build(t, info)

		unsubscribe := task.OnMux(func(context.Context, MuxRequest) error {
			t.Error("unsubscribed mux subscriber called")

			return nil
		})
		unsubscribe()
		unsubscribe()

		require.Equal(t, StatusSuccess, task.Download(context.Background()))
		assert.Len(t, f.muxer.Calls(), 1)
	})
}

func TestTask_Snapshot_Progress(t *testing.T) {
	f := newTaskFixture(t)
	task := f.build(t, media.StreamQueryInfo{Video: streamPtr(muxedMP4), WantVideo: true, WantAudio: true})

	snap := task.Snapshot()
	assert.Equal(t, StatusWaiting, snap.Status)
	assert.Zero(t, snap.Progress)
	assert.Nil(t, snap.StartedAt)
	assert.Equal(t, task.Title(), snap.Title)

	task.Files()[0].downloaded.Store(500)

	snap = task.Snapshot()
	assert.InDelta(t, 0.5, snap.Progress, 0.0001)
	assert.Equal(t, "500 B / 1.0 kB (50%)", snap.ProgressText)
}

func TestTask_Snapshot_UnknownSize(t *testing.T) {
	f := newTaskFixture(t)

	stream := muxedMP4
	stream.ContentLength = 0

	task := f.build(t, media.StreamQueryInfo{Video: &stream, WantVideo: true, WantAudio: true})
	task.Files()[0].downloaded.Store(2000)

	snap := task.Snapshot()
	assert.Zero(t, snap.Progress)
	assert.Equal(t, "2.0 kB", snap.ProgressText)
}

func TestTask_Wait(t *testing.T) {
	f := newTaskFixture(t)
	task := f.build(t, media.StreamQueryInfo{Video: streamPtr(muxedMP4), WantVideo: true, WantAudio: true})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	status, err := task.Wait(ctx)
	assert.Equal(t, StatusWaiting, status)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go task.Download(context.Background())

	status, err = task.Wait(context.Background())
	assert.Equal(t, StatusSuccess, status)
	assert.NoError(t, err)
}
