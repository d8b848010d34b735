package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/media_downloader/internal/gate"
	"github.com/italolelis/media_downloader/internal/logctx"
	"github.com/italolelis/media_downloader/internal/media"
	"github.com/italolelis/media_downloader/internal/storage"
	"github.com/italolelis/media_downloader/internal/telemetry"
)

// DefaultMaxConcurrentDownloads is the upper bound of the concurrency limit.
const DefaultMaxConcurrentDownloads = 10

// Options describes one download request.
type Options struct {
	// ConcurrentDownloads becomes the manager's concurrency limit when the request is enqueued.
	ConcurrentDownloads int
	WantVideo           bool
	WantAudio           bool
	Preferences         media.Preferences
	// AudioEncode re-encodes the audio track when set.
	AudioEncode *media.AudioEncodeSettings
}

// Stats is a point-in-time view of the manager's load.
type Stats struct {
	Created int `json:"created"`
	Waiting int `json:"waiting"`
	Running int `json:"running"`
	Limit   int `json:"limit"`
}

// TaskEvent is emitted when a task is created and when it finishes.
type TaskEvent struct {
	Task   *Task
	Status Status
	Err    error
}

// History receives the records of created and finished tasks.
type History interface {
	TrackDownload(ctx context.Context, record storage.DownloadRecord) error
	UpdateDownloadStatus(ctx context.Context, id, status, errMsg string, terminal bool) error
}

// Manager accepts download requests and runs them under a resizable concurrency limit.
// Tasks wait for admission in FIFO order.
type Manager struct {
	provider      media.StreamProvider
	factory       *Factory
	gate          *gate.Gate
	telemetry     *telemetry.Telemetry
	history       History
	instanceID    string
	maxConcurrent int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	tasks  map[string]*Task
	order  []string

	createdSubs  hub[func(TaskEvent)]
	finishedSubs hub[func(TaskEvent)]
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTelemetry records download metrics and traces.
func WithTelemetry(tel *telemetry.Telemetry) ManagerOption {
	return func(m *Manager) {
		m.telemetry = tel
	}
}

// WithHistory records every task in h. Records are tagged with instanceID.
func WithHistory(h History, instanceID string) ManagerOption {
	return func(m *Manager) {
		m.history = h
		m.instanceID = instanceID
	}
}

// WithMaxConcurrentDownloads changes the upper bound of the concurrency limit.
func WithMaxConcurrentDownloads(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxConcurrent = n
		}
	}
}

// WithInitialConcurrency sets the concurrency limit used until a request changes it.
func WithInitialConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		m.gate.Resize(n)
	}
}

// NewManager creates a manager whose tasks run under ctx, which also carries the logger.
func NewManager(ctx context.Context, provider media.StreamProvider, factory *Factory, opts ...ManagerOption) *Manager {
	m := &Manager{
		provider:      provider,
		factory:       factory,
		gate:          gate.New(1),
		maxConcurrent: DefaultMaxConcurrentDownloads,
		tasks:         make(map[string]*Task),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.gate.Limit() > m.maxConcurrent {
		m.gate.Resize(m.maxConcurrent)
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.telemetry.RecordConcurrencyLimit(m.gate.Limit())

	return m
}

// MaxConcurrentDownloads returns the upper bound of the concurrency limit.
func (m *Manager) MaxConcurrentDownloads() int {
	return m.maxConcurrent
}

// Concurrency returns the current concurrency limit.
func (m *Manager) Concurrency() int {
	return m.gate.Limit()
}

// SetConcurrency changes the concurrency limit. Growing admits waiting tasks right away;
// shrinking never interrupts running tasks.
func (m *Manager) SetConcurrency(n int) error {
	if err := m.validateConcurrency(n); err != nil {
		return err
	}

	m.resize(n)

	return nil
}

func (m *Manager) resize(n int) {
	if m.gate.Limit() == n {
		return
	}

	m.gate.Resize(n)
	m.telemetry.RecordConcurrencyLimit(n)

	logctx.LoggerFromContext(m.ctx).Info("concurrency limit changed", "limit", n)
}

func (m *Manager) validateConcurrency(n int) error {
	if n < 1 || n > m.maxConcurrent {
		return &OutOfRangeError{Name: "concurrent downloads", Value: n, Min: 1, Max: m.maxConcurrent}
	}

	return nil
}

// Stats returns the current load of the manager.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	created := len(m.tasks)
	m.mu.Unlock()

	return Stats{
		Created: created,
		Waiting: m.gate.Waiting(),
		Running: m.gate.Admitted(),
		Limit:   m.gate.Limit(),
	}
}

// OwnsTempFile reports whether name is a temporary file of a task that has not finished yet.
func (m *Manager) OwnsTempFile(name string) bool {
	id, ok := TaskIDFromTempFile(name)
	if !ok {
		return false
	}

	task, err := m.Task(id)
	if err != nil {
		return false
	}

	return !task.Status().IsTerminal()
}

// Task returns the task with the given id.
func (m *Manager) Task(id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}

	return t, nil
}

// Tasks returns every known task in creation order.
func (m *Manager) Tasks() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := make([]*Task, 0, len(m.order))
	for _, id := range m.order {
		tasks = append(tasks, m.tasks[id])
	}

	return tasks
}

// Cancel cancels the task with the given id.
func (m *Manager) Cancel(id string) error {
	t, err := m.Task(id)
	if err != nil {
		return err
	}

	t.Cancel()

	return nil
}

// Forget drops a finished task from the manager.
func (m *Manager) Forget(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}

	if !t.Status().IsTerminal() {
		return ErrTaskActive
	}

	delete(m.tasks, id)

	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)

			break
		}
	}

	return nil
}

// OnTaskCreated subscribes fn to new tasks. fn runs on the caller of Enqueue.
func (m *Manager) OnTaskCreated(fn func(TaskEvent)) (unsubscribe func()) {
	return m.createdSubs.subscribe(fn)
}

// OnTaskFinished subscribes fn to tasks reaching a terminal status.
func (m *Manager) OnTaskFinished(fn func(TaskEvent)) (unsubscribe func()) {
	return m.finishedSubs.subscribe(fn)
}

// GetTitle returns the title of the media item at url.
func (m *Manager) GetTitle(ctx context.Context, url string) (string, error) {
	info, err := m.provider.QueryMetadata(ctx, url)
	if err != nil {
		return "", err
	}

	return info.Title, nil
}

// GetStreamInfo returns the metadata of the media item at url.
func (m *Manager) GetStreamInfo(ctx context.Context, url string) (*media.VideoInfo, error) {
	return m.provider.QueryMetadata(ctx, url)
}

// Enqueue validates the request, resolves its streams and queues a task for it. Validation
// and resolution errors are returned synchronously and create no task.
func (m *Manager) Enqueue(ctx context.Context, url, destination string, opts Options) (*Task, error) {
	if err := m.validateConcurrency(opts.ConcurrentDownloads); err != nil {
		return nil, err
	}

	if !opts.WantVideo && !opts.WantAudio {
		return nil, ErrNoTracksRequested
	}

	if m.isClosed() {
		return nil, ErrManagerClosed
	}

	logger := logctx.LoggerFromContext(ctx)

	info, err := m.provider.QueryMetadata(ctx, url)
	if err != nil {
		return nil, err
	}

	manifest, err := m.provider.QueryStreams(ctx, url)
	if err != nil {
		return nil, err
	}

	query := media.Select(manifest.Streams, opts.WantVideo, opts.WantAudio, opts.Preferences)
	query.AudioEncode = opts.AudioEncode

	task, err := m.factory.Build(query, destination)
	if err != nil {
		return nil, fmt.Errorf("failed to build download for %s: %w", url, err)
	}

	task.url = url
	task.title = info.Title

	if err := m.register(task); err != nil {
		return nil, err
	}

	// The limit is validated above and only applied once the task is accepted.
	m.resize(opts.ConcurrentDownloads)

	logger.Info("download queued", "download_id", task.ID(), "title", task.Title(), "destination", task.Destination())

	m.track(ctx, task)

	for _, fn := range m.createdSubs.snapshot() {
		fn(TaskEvent{Task: task, Status: StatusWaiting})
	}

	// The queue position is taken here so admission follows Enqueue order.
	m.telemetry.IncrementWaitingDownloads()
	go m.run(task, m.gate.Reserve())

	return task, nil
}

// Submit enqueues a download and waits for it. It returns the terminal status and the
// task's error; canceling ctx cancels the task.
func (m *Manager) Submit(ctx context.Context, url, destination string, opts Options) (Status, error) {
	task, err := m.Enqueue(ctx, url, destination, opts)
	if err != nil {
		return StatusFailed, err
	}

	select {
	case <-task.Done():
	case <-ctx.Done():
		task.Cancel()
		<-task.Done()
	}

	return task.Status(), task.Err()
}

// Close cancels every task and waits for them to finish. Enqueue fails afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	tasks := make([]*Task, 0, len(m.tasks))

	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}

	m.cancel()
	m.wg.Wait()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

func (m *Manager) register(task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	m.tasks[task.ID()] = task
	m.order = append(m.order, task.ID())
	m.wg.Add(1)

	return nil
}

// run waits for admission, downloads the task and releases its slot.
func (m *Manager) run(task *Task, res *gate.Reservation) {
	defer m.wg.Done()

	ctx := logctx.WithDownloadID(m.ctx, task.ID())
	logger := logctx.LoggerFromContext(ctx)

	acquireCtx, stopAcquire := context.WithCancel(ctx)
	stopSignal := context.AfterFunc(task.signal, stopAcquire)

	err := res.Wait(acquireCtx)
	m.telemetry.DecrementWaitingDownloads()

	stopSignal()
	stopAcquire()

	if err != nil {
		// Canceled while waiting: the task never starts, Download only cleans up.
		task.Cancel()
		task.Download(ctx)
		m.finish(ctx, task)

		return
	}

	logger.DebugContext(ctx, "download admitted", "running", m.gate.Admitted(), "limit", m.gate.Limit())
	m.updateHistory(ctx, task, StatusDownloading.String(), "", false)

	_ = m.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		task.Download(ctx)

		return task.Err()
	})

	m.gate.Release()
	m.finish(ctx, task)
}

func (m *Manager) finish(ctx context.Context, task *Task) {
	logger := logctx.LoggerFromContext(ctx)

	status, err := task.Status(), task.Err()

	switch status {
	case StatusSuccess:
		logger.InfoContext(ctx, "download finished", "title", task.Title(), "destination", task.Destination())
	case StatusCanceled:
		logger.InfoContext(ctx, "download canceled", "title", task.Title())
	default:
		logger.ErrorContext(ctx, "download failed", "title", task.Title(), "err", err)
	}

	var errMsg string
	if status == StatusFailed && err != nil {
		errMsg = err.Error()
	}

	m.updateHistory(ctx, task, status.String(), errMsg, true)

	for _, fn := range m.finishedSubs.snapshot() {
		fn(TaskEvent{Task: task, Status: status, Err: err})
	}
}

func (m *Manager) track(ctx context.Context, task *Task) {
	if m.history == nil {
		return
	}

	err := m.history.TrackDownload(ctx, storage.DownloadRecord{
		ID:          task.ID(),
		URL:         task.URL(),
		Title:       task.Title(),
		Destination: task.Destination(),
		Status:      StatusWaiting.String(),
		InstanceID:  m.instanceID,
		CreatedAt:   task.createdAt,
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to track download", "download_id", task.ID(), "err", err)
		m.telemetry.RecordSystemError("history", "track_download")
	}
}

func (m *Manager) updateHistory(ctx context.Context, task *Task, status, errMsg string, terminal bool) {
	if m.history == nil {
		return
	}

	// History must be written even when the manager is shutting down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := m.history.UpdateDownloadStatus(ctx, task.ID(), status, errMsg, terminal); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to update download history", "status", status, "err", err)
		m.telemetry.RecordSystemError("history", "update_download_status")
	}
}
