package downloader

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/italolelis/media_downloader/internal/media"
)

const waitFor = 3 * time.Second

var (
	videoMP4 = media.Stream{
		ID: "137", URL: "https://cdn.example/137", Container: media.ContainerMP4,
		Height: 1080, Bitrate: 4000, ContentLength: 2048, HasVideo: true,
	}
	audioMP4 = media.Stream{
		ID: "140", URL: "https://cdn.example/140", Container: media.ContainerMP4,
		Bitrate: 128, ContentLength: 512, HasAudio: true,
	}
	muxedMP4 = media.Stream{
		ID: "18", URL: "https://cdn.example/18", Container: media.ContainerMP4,
		Height: 360, Bitrate: 500, ContentLength: 1000, HasVideo: true, HasAudio: true,
	}
)

func streamPtr(s media.Stream) *media.Stream {
	return &s
}

type fetchFunc func(ctx context.Context, stream *media.Stream, destPath string, onProgress func(int64)) error

// fakeProvider serves the same streams for every URL. Streams are tagged with the URL they
// were queried for through SourceID.
type fakeProvider struct {
	mu       sync.Mutex
	streams  []media.Stream
	metaErr  error
	fetch    fetchFunc
	blockers map[string]chan struct{}
	fetched  []string
	onFetch  func(stream *media.Stream)
	onQuery  func(url string)
}

func newFakeProvider(streams ...media.Stream) *fakeProvider {
	return &fakeProvider{streams: streams, blockers: make(map[string]chan struct{})}
}

// block makes fetches for url wait until the returned func is called.
func (p *fakeProvider) block(urls ...string) (release func()) {
	ch := make(chan struct{})

	p.mu.Lock()
	for _, u := range urls {
		p.blockers[u] = ch
	}
	p.mu.Unlock()

	var once sync.Once

	return func() { once.Do(func() { close(ch) }) }
}

func (p *fakeProvider) fetchedURLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := append([]string(nil), p.fetched...)
	sort.Strings(out)

	return out
}

func (p *fakeProvider) QueryMetadata(_ context.Context, url string) (*media.VideoInfo, error) {
	if p.metaErr != nil {
		return nil, p.metaErr
	}

	return &media.VideoInfo{ID: url, URL: url, Title: "Title of " + url}, nil
}

func (p *fakeProvider) QueryStreams(_ context.Context, url string) (*media.StreamManifest, error) {
	if p.onQuery != nil {
		p.onQuery(url)
	}

	streams := make([]media.Stream, len(p.streams))
	for i, s := range p.streams {
		s.SourceID = url
		streams[i] = s
	}

	return &media.StreamManifest{SourceID: url, Streams: streams}, nil
}

func (p *fakeProvider) FetchStream(ctx context.Context, stream *media.Stream, destPath string, onProgress func(int64)) error {
	p.mu.Lock()
	p.fetched = append(p.fetched, stream.SourceID)
	blocker := p.blockers[stream.SourceID]
	fetch := p.fetch
	onFetch := p.onFetch
	p.mu.Unlock()

	if onFetch != nil {
		onFetch(stream)
	}

	if blocker != nil {
		select {
		case <-blocker:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if fetch != nil {
		return fetch(ctx, stream, destPath, onProgress)
	}

	return writeStream(stream, destPath, stream.ContentLength, onProgress)
}

// writeStream writes size bytes of the stream's id to destPath.
func writeStream(stream *media.Stream, destPath string, size int64, onProgress func(int64)) error {
	data := bytes.Repeat([]byte(stream.ID[:1]), int(size))
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return err
	}

	onProgress(size / 2)
	onProgress(size)

	return nil
}

type muxCall struct {
	video, audio, dest string
}

// fakeMuxer concatenates its inputs into the destination.
type fakeMuxer struct {
	mu    sync.Mutex
	calls []muxCall
	err   error
}

func (m *fakeMuxer) Mux(_ context.Context, videoPath, audioPath, destPath string) error {
	m.mu.Lock()
	m.calls = append(m.calls, muxCall{video: videoPath, audio: audioPath, dest: destPath})
	err := m.err
	m.mu.Unlock()

	if err != nil {
		return &media.MuxError{Destination: destPath, Err: err}
	}

	var out []byte

	for _, p := range []string{videoPath, audioPath} {
		if p == "" {
			continue
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return &media.MuxError{Destination: destPath, Err: err}
		}

		out = append(out, data...)
	}

	return os.WriteFile(destPath, out, 0o644)
}

func (m *fakeMuxer) Calls() []muxCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]muxCall(nil), m.calls...)
}

// fakeEncoder prefixes its input with the codec name.
type fakeEncoder struct {
	mu    sync.Mutex
	items []media.EncodeItem
	err   error
}

func (e *fakeEncoder) Encode(_ context.Context, item media.EncodeItem, settings media.AudioEncodeSettings) error {
	e.mu.Lock()
	e.items = append(e.items, item)
	err := e.err
	e.mu.Unlock()

	if err != nil {
		return &media.EncodeError{Kind: media.EncodeErrorCodec, Path: item.InputPath, Err: err}
	}

	data, err := os.ReadFile(item.InputPath)
	if err != nil {
		return &media.EncodeError{Kind: media.EncodeErrorFileNotFound, Path: item.InputPath, Err: err}
	}

	return os.WriteFile(item.OutputPath, append([]byte(settings.Codec+":"), data...), 0o644)
}

// dirEntries lists the names of the files under dir.
func dirEntries(t *testing.T, dir string) []string {
	t.Helper()

	var names []string

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}

			names = append(names, rel)
		}

		return nil
	})
	require.NoError(t, err)

	sort.Strings(names)

	return names
}

// statusRecorder collects every status a task reports.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) record(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.statuses); n == 0 || r.statuses[n-1] != s.Status {
		r.statuses = append(r.statuses, s.Status)
	}
}

func (r *statusRecorder) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Status(nil), r.statuses...)
}
