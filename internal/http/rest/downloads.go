package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/media_downloader/internal/downloader"
	"github.com/italolelis/media_downloader/internal/logctx"
	"github.com/italolelis/media_downloader/internal/media"
	"github.com/italolelis/media_downloader/internal/storage"
)

const (
	maxRequestSize      = 64 * 1024
	defaultHistoryLimit = 50
)

// DownloadManager is the part of downloader.Manager driven by the API.
type DownloadManager interface {
	Enqueue(ctx context.Context, url, destination string, opts downloader.Options) (*downloader.Task, error)
	Task(id string) (*downloader.Task, error)
	Tasks() []*downloader.Task
	Cancel(id string) error
	Forget(id string) error
	SetConcurrency(n int) error
	Concurrency() int
	MaxConcurrentDownloads() int
	Stats() downloader.Stats
	GetTitle(ctx context.Context, url string) (string, error)
	GetStreamInfo(ctx context.Context, url string) (*media.VideoInfo, error)
}

// Defaults fill in what a download request leaves out.
type Defaults struct {
	Preferences media.Preferences
	AudioEncode *media.AudioEncodeSettings
}

// DownloadRequest is the body of POST /downloads.
type DownloadRequest struct {
	URL string `json:"url"`
	// Filename is relative to the download directory. It defaults to the media title.
	Filename            string   `json:"filename,omitempty"`
	Video               *bool    `json:"video,omitempty"`
	Audio               *bool    `json:"audio,omitempty"`
	ConcurrentDownloads int      `json:"concurrent_downloads,omitempty"`
	MaxHeight           *int     `json:"max_height,omitempty"`
	VideoContainers     []string `json:"video_containers,omitempty"`
	AudioContainers     []string `json:"audio_containers,omitempty"`
}

type downloadsResponse struct {
	Stats     downloader.Stats      `json:"stats"`
	Downloads []downloader.Snapshot `json:"downloads"`
}

type concurrencyRequest struct {
	Limit int `json:"limit"`
}

type concurrencyResponse struct {
	Limit int `json:"limit"`
	Max   int `json:"max"`
}

type videoInfoResponse struct {
	ID              string  `json:"id"`
	URL             string  `json:"url"`
	Title           string  `json:"title"`
	Author          string  `json:"author,omitempty"`
	Description     string  `json:"description,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// DownloadsHandler serves the download API.
type DownloadsHandler struct {
	manager     DownloadManager
	history     storage.DownloadReadRepository
	downloadDir string
	defaults    Defaults
}

// NewDownloadsHandler creates the download API. history may be nil, which disables /history.
func NewDownloadsHandler(manager DownloadManager, history storage.DownloadReadRepository, downloadDir string, defaults Defaults) *DownloadsHandler {
	return &DownloadsHandler{
		manager:     manager,
		history:     history,
		downloadDir: downloadDir,
		defaults:    defaults,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/", h.HandleList)
		r.Get("/{id}", h.HandleGet)
		r.Delete("/{id}", h.HandleDelete)
	})

	r.Get("/videos/info", h.HandleVideoInfo)
	r.Get("/videos/title", h.HandleVideoTitle)

	r.Get("/settings/concurrency", h.HandleGetConcurrency)
	r.Put("/settings/concurrency", h.HandleSetConcurrency)

	if h.history != nil {
		r.Get("/history", h.HandleHistory)
	}

	return r
}

// HandleCreate queues a download.
func (h *DownloadsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var req DownloadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&req); err != nil {
		logger.Debug("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)

		return
	}

	opts := h.options(req)

	filename := req.Filename
	if filename == "" {
		title, err := h.manager.GetTitle(ctx, req.URL)
		if err != nil {
			h.writeError(w, r, err)

			return
		}

		filename = downloader.DefaultFilename(title, opts)
	}

	destination, err := resolveDestination(h.downloadDir, filename)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	task, err := h.manager.Enqueue(ctx, req.URL, destination, opts)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	w.Header().Set("Location", "/downloads/"+task.ID())
	writeJSON(w, r, http.StatusAccepted, task.Snapshot())
}

// HandleList lists every known download and the manager's load.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	tasks := h.manager.Tasks()

	resp := downloadsResponse{
		Stats:     h.manager.Stats(),
		Downloads: make([]downloader.Snapshot, 0, len(tasks)),
	}

	for _, t := range tasks {
		resp.Downloads = append(resp.Downloads, t.Snapshot())
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleGet returns one download.
func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	task, err := h.manager.Task(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, task.Snapshot())
}

// HandleDelete cancels an active download or forgets a finished one.
func (h *DownloadsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := h.manager.Task(id)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	if task.Status().IsTerminal() {
		if err := h.manager.Forget(id); err != nil {
			h.writeError(w, r, err)

			return
		}

		w.WriteHeader(http.StatusNoContent)

		return
	}

	if err := h.manager.Cancel(id); err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusAccepted, task.Snapshot())
}

// HandleVideoInfo returns the metadata of the media item at ?url=.
func (h *DownloadsHandler) HandleVideoInfo(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "url is required", http.StatusBadRequest)

		return
	}

	info, err := h.manager.GetStreamInfo(r.Context(), url)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, videoInfoResponse{
		ID:              info.ID,
		URL:             info.URL,
		Title:           info.Title,
		Author:          info.Author,
		Description:     info.Description,
		DurationSeconds: info.Duration.Seconds(),
	})
}

// HandleVideoTitle returns the title of the media item at ?url=.
func (h *DownloadsHandler) HandleVideoTitle(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "url is required", http.StatusBadRequest)

		return
	}

	title, err := h.manager.GetTitle(r.Context(), url)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"title": title})
}

func (h *DownloadsHandler) HandleGetConcurrency(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, concurrencyResponse{
		Limit: h.manager.Concurrency(),
		Max:   h.manager.MaxConcurrentDownloads(),
	})
}

// HandleSetConcurrency changes the concurrency limit.
func (h *DownloadsHandler) HandleSetConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrencyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if err := h.manager.SetConcurrency(req.Limit); err != nil {
		h.writeError(w, r, err)

		return
	}

	h.HandleGetConcurrency(w, r)
}

// HandleHistory returns the most recent download records, ?limit= of them.
func (h *DownloadsHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)

			return
		}

		limit = n
	}

	records, err := h.history.ListDownloads(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, records)
}

func (h *DownloadsHandler) options(req DownloadRequest) downloader.Options {
	opts := downloader.Options{
		ConcurrentDownloads: req.ConcurrentDownloads,
		WantVideo:           req.Video == nil || *req.Video,
		WantAudio:           req.Audio == nil || *req.Audio,
		Preferences:         h.defaults.Preferences,
		AudioEncode:         h.defaults.AudioEncode,
	}

	if opts.ConcurrentDownloads == 0 {
		opts.ConcurrentDownloads = h.manager.Concurrency()
	}

	if req.MaxHeight != nil {
		opts.Preferences.MaxHeight = *req.MaxHeight
	}

	if len(req.VideoContainers) > 0 {
		opts.Preferences.VideoContainers = parseContainers(req.VideoContainers)
	}

	if len(req.AudioContainers) > 0 {
		opts.Preferences.AudioContainers = parseContainers(req.AudioContainers)
	}

	return opts
}

// writeError maps domain errors to HTTP statuses.
func (h *DownloadsHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logctx.LoggerFromContext(r.Context())

	var (
		rangeErr *downloader.OutOfRangeError
		urlErr   *media.InvalidURLError
		netErr   *media.NetworkError
	)

	status := http.StatusInternalServerError

	switch {
	case errors.As(err, &rangeErr), errors.As(err, &urlErr), errors.Is(err, downloader.ErrNoTracksRequested):
		status = http.StatusBadRequest
	case errors.Is(err, downloader.ErrTaskNotFound), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, downloader.ErrTaskActive):
		status = http.StatusConflict
	case errors.Is(err, media.ErrNoMatchingStream):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &netErr):
		status = http.StatusBadGateway
	case errors.Is(err, downloader.ErrManagerClosed):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "status", status, "err", err)
	} else {
		logger.DebugContext(r.Context(), "request rejected", "status", status, "err", err)
	}

	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

// resolveDestination joins name to dir, rejecting names that escape it.
func resolveDestination(dir, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("filename %q must be relative", name)
	}

	dest := filepath.Join(dir, name)

	rel, err := filepath.Rel(dir, dest)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("filename %q escapes the download directory", name)
	}

	return dest, nil
}

func parseContainers(names []string) []media.Container {
	containers := make([]media.Container, 0, len(names))

	for _, name := range names {
		if c := media.ParseContainer(name); c != "" {
			containers = append(containers, c)
		}
	}

	return containers
}
