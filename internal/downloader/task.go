package downloader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/media_downloader/internal/fsys"
	"github.com/italolelis/media_downloader/internal/logctx"
	"github.com/italolelis/media_downloader/internal/media"
)

const (
	stageInitialize = "initialize"
	stageFetch      = "fetch"
	stageEncode     = "encode"
	stageVerify     = "verify"
	stageFinalize   = "finalize"
	stagePanic      = "panic"
)

// ProgressFunc receives a snapshot of the task whenever its progress or status changes.
type ProgressFunc func(Snapshot)

// MuxRequest describes the inputs of the final mux step. Either path may be empty.
type MuxRequest struct {
	VideoPath   string
	AudioPath   string
	Destination string
}

// MuxFunc lets a subscriber produce MuxRequest.Destination itself. If it returns without
// creating a non-empty destination, the task falls back to its muxer.
type MuxFunc func(ctx context.Context, req MuxRequest) error

// Snapshot is a point-in-time view of a task.
type Snapshot struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	Title        string     `json:"title,omitempty"`
	Destination  string     `json:"destination"`
	Status       Status     `json:"status"`
	Progress     float64    `json:"progress"`
	ProgressText string     `json:"progress_text"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// TaskFile is one raw stream fetched by a task.
type TaskFile struct {
	Stream *media.Stream
	// HasVideo and HasAudio describe the tracks of the file handed to the final mux.
	HasVideo     bool
	HasAudio     bool
	URL          string
	TempPath     string
	ExpectedSize int64
	// MuxedPath and EncodedPath are set when the file is re-encoded: the raw stream is first
	// remuxed into MuxedPath, which the encoder turns into EncodedPath.
	MuxedPath   string
	EncodedPath string

	downloaded atomic.Int64
}

// Downloaded returns the number of bytes fetched so far.
func (f *TaskFile) Downloaded() int64 {
	return f.downloaded.Load()
}

func (f *TaskFile) needsEncode() bool {
	return f.EncodedPath != ""
}

// outputPath is where the file's final content lives once fetched and encoded.
func (f *TaskFile) outputPath() string {
	if f.needsEncode() {
		return f.EncodedPath
	}

	return f.TempPath
}

func (f *TaskFile) kind() string {
	switch {
	case f.HasVideo && f.HasAudio:
		return "muxed"
	case f.HasVideo:
		return "video"
	default:
		return "audio"
	}
}

// Task downloads the streams of one media item into a single destination file.
// A Task is created by a Factory and runs once through Download.
type Task struct {
	id          string
	url         string
	title       string
	destination string
	info        media.StreamQueryInfo
	files       []*TaskFile
	createdAt   time.Time

	provider media.StreamProvider
	muxer    media.Muxer
	encoder  media.Encoder
	fs       fsys.FileSystem

	// signal is canceled when the task enters Failed or Canceled.
	signal       context.Context
	cancelSignal context.CancelFunc
	done         chan struct{}

	mu              sync.Mutex
	status          Status
	err             error
	started         bool
	ownsDestination bool
	startedAt       time.Time
	finishedAt      time.Time

	progressSubs hub[ProgressFunc]
	muxSubs      hub[MuxFunc]
}

func (t *Task) ID() string          { return t.id }
func (t *Task) URL() string         { return t.url }
func (t *Task) Title() string       { return t.title }
func (t *Task) Destination() string { return t.destination }

// Info returns the streams selected for the task.
func (t *Task) Info() media.StreamQueryInfo { return t.info }

// Files returns the streams fetched by the task.
func (t *Task) Files() []*TaskFile { return t.files }

// Status returns the current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.status
}

// Err returns the failure of a Failed task, context.Canceled for a Canceled one and nil otherwise.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.errLocked()
}

func (t *Task) errLocked() error {
	switch t.status {
	case StatusFailed:
		return t.err
	case StatusCanceled:
		return context.Canceled
	default:
		return nil
	}
}

// Done is closed when Download returns.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (Status, error) {
	select {
	case <-t.done:
		return t.Status(), t.Err()
	case <-ctx.Done():
		return t.Status(), ctx.Err()
	}
}

// Cancel stops the task. It may be called from any goroutine at any time; calls after the
// task reached a terminal status are no-ops.
func (t *Task) Cancel() {
	t.fire(eventCancel, nil)
}

// OnProgress subscribes fn to progress and status changes. fn runs on the goroutine that
// made the change and must not block.
func (t *Task) OnProgress(fn ProgressFunc) (unsubscribe func()) {
	return t.progressSubs.subscribe(fn)
}

// OnMux subscribes fn to the final mux step, letting it build the destination itself.
func (t *Task) OnMux(fn MuxFunc) (unsubscribe func()) {
	return t.muxSubs.subscribe(fn)
}

// Snapshot returns the current state of the task.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	progress, text := t.progressLocked()

	s := Snapshot{
		ID:           t.id,
		URL:          t.url,
		Title:        t.title,
		Destination:  t.destination,
		Status:       t.status,
		Progress:     progress,
		ProgressText: text,
		CreatedAt:    t.createdAt,
	}

	if err := t.errLocked(); err != nil {
		s.Error = err.Error()
	}

	if !t.startedAt.IsZero() {
		startedAt := t.startedAt
		s.StartedAt = &startedAt
	}

	if !t.finishedAt.IsZero() {
		finishedAt := t.finishedAt
		s.FinishedAt = &finishedAt
	}

	return s
}

func (t *Task) progressLocked() (float64, string) {
	var done, total int64

	known := true

	for _, f := range t.files {
		done += f.Downloaded()

		if f.ExpectedSize > 0 {
			total += f.ExpectedSize
		} else {
			known = false
		}
	}

	if t.status == StatusSuccess {
		return 1, humanize.Bytes(uint64(done))
	}

	if !known || total == 0 {
		return 0, humanize.Bytes(uint64(done))
	}

	progress := float64(done) / float64(total)
	if progress > 1 {
		progress = 1
	}

	return progress, fmt.Sprintf("%s / %s (%s%%)",
		humanize.Bytes(uint64(done)),
		humanize.Bytes(uint64(total)),
		humanize.FtoaWithDigits(progress*100, 1))
}

// fire applies ev to the current status, records err when the task fails and runs the
// resulting effects. It reports whether the event was applied.
func (t *Task) fire(ev event, err error) bool {
	t.mu.Lock()

	next, effects, ok := transition(t.status, ev)
	if !ok {
		t.mu.Unlock()

		return false
	}

	t.status = next
	if next == StatusFailed {
		t.err = err
	}

	t.mu.Unlock()

	for _, e := range effects {
		switch e {
		case effectCancelSignal:
			t.cancelSignal()
		}
	}

	t.notifyProgress()

	return true
}

func (t *Task) notifyProgress() {
	subs := t.progressSubs.snapshot()
	if len(subs) == 0 {
		return
	}

	snap := t.Snapshot()
	for _, fn := range subs {
		fn(snap)
	}
}

// fail moves the task to Failed, or to Canceled when err stems from cancellation.
func (t *Task) fail(ctx context.Context, stage string, err error) {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		t.fire(eventCancel, nil)

		return
	}

	var taskErr *TaskError
	if !errors.As(err, &taskErr) {
		err = &TaskError{TaskID: t.id, Stage: stage, Err: err}
	}

	if t.fire(eventFail, err) {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "download failed", "stage", stage, "err", err)
	}
}

// Download runs the task pipeline and returns its terminal status. It must be called
// exactly once; a task canceled before Download only has its leftovers cleaned up.
func (t *Task) Download(ctx context.Context) (status Status) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		panic("downloader: Task.Download called more than once")
	}

	t.started = true
	t.mu.Unlock()

	defer close(t.done)

	ctx = logctx.WithDownloadID(ctx, t.id)
	logger := logctx.LoggerFromContext(ctx)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	stopSignal := context.AfterFunc(t.signal, cancelRun)
	defer stopSignal()

	stopCaller := context.AfterFunc(ctx, t.Cancel)
	defer stopCaller()

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "download panicked", "panic", r)
			t.fire(eventFail, &TaskError{TaskID: t.id, Stage: stagePanic, Err: fmt.Errorf("%v", r)})
		}

		t.cleanup(ctx)

		t.mu.Lock()
		t.finishedAt = time.Now()
		status = t.status
		t.mu.Unlock()

		t.notifyProgress()
	}()

	if !t.fire(eventStart, nil) {
		logger.DebugContext(ctx, "download canceled before start")

		return
	}

	t.mu.Lock()
	t.startedAt = time.Now()
	t.mu.Unlock()

	if err := t.initialize(); err != nil {
		t.fail(runCtx, stageInitialize, err)

		return
	}

	if !t.fire(eventFetch, nil) {
		return
	}

	logger.InfoContext(ctx, "downloading", "url", t.url, "destination", t.destination, "streams", len(t.files))

	if err := t.fetch(runCtx); err != nil {
		t.fail(runCtx, stageFetch, err)

		return
	}

	if err := t.verify(); err != nil {
		t.fail(runCtx, stageVerify, err)

		return
	}

	if !t.fire(eventFinalize, nil) {
		return
	}

	if err := t.finalize(runCtx); err != nil {
		t.fail(runCtx, stageFinalize, err)

		return
	}

	t.fire(eventSucceed, nil)

	return
}

// initialize creates the destination as an empty placeholder so observers can see the
// download is in progress.
func (t *Task) initialize() error {
	if err := t.fs.MkdirAll(filepath.Dir(t.destination)); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	for _, f := range t.files {
		if err := t.fs.MkdirAll(filepath.Dir(f.TempPath)); err != nil {
			return fmt.Errorf("failed to create temp directory: %w", err)
		}
	}

	if err := t.fs.CreateEmpty(t.destination); err != nil {
		return fmt.Errorf("failed to create placeholder: %w", err)
	}

	t.mu.Lock()
	t.ownsDestination = true
	t.mu.Unlock()

	return nil
}

// fetch downloads every file concurrently and re-encodes the ones that need it.
func (t *Task) fetch(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	g, gctx := errgroup.WithContext(ctx)

	for _, f := range t.files {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &TaskError{TaskID: t.id, Stage: stagePanic, Err: fmt.Errorf("%s stream: %v", f.kind(), r)}
				}
			}()

			err = t.provider.FetchStream(gctx, f.Stream, f.TempPath, func(written int64) {
				f.downloaded.Store(written)
				t.notifyProgress()
			})
			if err != nil {
				return &TaskError{TaskID: t.id, Stage: stageFetch, Err: fmt.Errorf("%s stream: %w", f.kind(), err)}
			}

			logger.DebugContext(gctx, "stream fetched", "kind", f.kind(), "size", humanize.Bytes(uint64(f.Downloaded())))

			if !f.needsEncode() {
				return nil
			}

			if err := t.encode(gctx, f); err != nil {
				return &TaskError{TaskID: t.id, Stage: stageEncode, Err: err}
			}

			return nil
		})
	}

	return g.Wait()
}

func (t *Task) encode(ctx context.Context, f *TaskFile) error {
	if err := t.muxer.Mux(ctx, "", f.TempPath, f.MuxedPath); err != nil {
		return fmt.Errorf("failed to remux audio for encoding: %w", err)
	}

	item := media.EncodeItem{InputPath: f.MuxedPath, OutputPath: f.EncodedPath}
	if err := t.encoder.Encode(ctx, item, *t.info.AudioEncode); err != nil {
		return fmt.Errorf("failed to encode audio: %w", err)
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "audio encoded", "codec", t.info.AudioEncode.Codec)

	return nil
}

// verify checks that every file exists with at least its expected size, or one byte when
// the size is unknown.
func (t *Task) verify() error {
	for _, f := range t.files {
		path := f.outputPath()

		size, err := t.fs.Size(path)
		if err != nil {
			return fmt.Errorf("%s stream: %w: %w", f.kind(), ErrIncompleteFile, err)
		}

		minSize := int64(1)
		if !f.needsEncode() && f.ExpectedSize > 0 {
			minSize = f.ExpectedSize
		}

		if size < minSize {
			return fmt.Errorf("%s stream has %d bytes, want at least %d: %w", f.kind(), size, minSize, ErrIncompleteFile)
		}
	}

	return nil
}

// finalize produces the destination, moving a single complete file in place or muxing.
func (t *Task) finalize(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := t.fs.Remove(t.destination); err != nil {
		return fmt.Errorf("failed to remove placeholder: %w", err)
	}

	if f, ok := t.singleSource(); ok {
		if err := t.fs.Move(f.outputPath(), t.destination); err != nil {
			return fmt.Errorf("failed to move %s stream to destination: %w", f.kind(), err)
		}
	} else if err := t.mux(ctx, t.muxRequest()); err != nil {
		return err
	}

	if !t.destinationReady() {
		return fmt.Errorf("destination %s: %w", t.destination, ErrIncompleteFile)
	}

	t.probe(ctx)

	logger.DebugContext(ctx, "destination ready", "destination", t.destination)

	return nil
}

func (t *Task) mux(ctx context.Context, req MuxRequest) error {
	logger := logctx.LoggerFromContext(ctx)

	for _, fn := range t.muxSubs.snapshot() {
		if err := fn(ctx, req); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			logger.WarnContext(ctx, "custom mux failed, falling back", "err", err)

			continue
		}

		if t.destinationReady() {
			return nil
		}
	}

	if err := t.muxer.Mux(ctx, req.VideoPath, req.AudioPath, req.Destination); err != nil {
		return fmt.Errorf("failed to mux: %w", err)
	}

	return nil
}

// singleSource returns the only file when its tracks are exactly the wanted ones.
func (t *Task) singleSource() (*TaskFile, bool) {
	if len(t.files) != 1 {
		return nil, false
	}

	f := t.files[0]
	if f.HasVideo != t.info.WantVideo || f.HasAudio != t.info.WantAudio {
		return nil, false
	}

	return f, true
}

func (t *Task) muxRequest() MuxRequest {
	req := MuxRequest{Destination: t.destination}

	if t.info.WantVideo {
		for _, f := range t.files {
			if f.HasVideo {
				req.VideoPath = f.outputPath()

				break
			}
		}
	}

	if t.info.WantAudio {
		// Prefer a dedicated audio file over the audio track of a muxed one.
		for _, f := range t.files {
			if !f.HasAudio {
				continue
			}

			if req.AudioPath == "" || !f.HasVideo {
				req.AudioPath = f.outputPath()
			}
		}
	}

	return req
}

func (t *Task) destinationReady() bool {
	size, err := t.fs.Size(t.destination)

	return err == nil && size > 0
}

// probe logs the container layout of MP4 family outputs.
func (t *Task) probe(ctx context.Context) {
	if !media.ParseContainer(filepath.Ext(t.destination)).IsMP4Family() {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	r, err := t.fs.Open(t.destination)
	if err != nil {
		logger.WarnContext(ctx, "failed to open destination for probing", "err", err)

		return
	}
	defer r.Close()

	info, err := media.ProbeMP4(r)
	if err != nil {
		logger.WarnContext(ctx, "failed to probe destination", "err", err)

		return
	}

	logger.DebugContext(ctx, "destination probed",
		"brand", info.MajorBrand,
		"duration", info.Duration,
		"video_tracks", info.VideoTracks,
		"audio_tracks", info.AudioTracks,
		"fast_start", info.FastStart)
}

// cleanup removes every temporary file and, unless the task succeeded, the destination it created.
func (t *Task) cleanup(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	t.mu.Lock()
	removeDestination := t.ownsDestination && t.status != StatusSuccess
	t.mu.Unlock()

	if removeDestination {
		if err := t.fs.Remove(t.destination); err != nil {
			logger.WarnContext(ctx, "failed to remove destination", "path", t.destination, "err", err)
		}
	}

	for _, f := range t.files {
		for _, path := range []string{f.TempPath, f.MuxedPath, f.EncodedPath} {
			if path == "" {
				continue
			}

			if err := t.fs.Remove(path); err != nil {
				logger.WarnContext(ctx, "failed to remove temp file", "path", path, "err", err)
			}
		}
	}
}
