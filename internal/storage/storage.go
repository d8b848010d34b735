package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record has the given id.
var ErrNotFound = errors.New("download record not found")

// StatusInterrupted marks records left unfinished by a process that stopped.
const StatusInterrupted = "interrupted"

// DownloadRecord represents the history of one download task.
type DownloadRecord struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Title       string     `json:"title,omitempty"`
	Destination string     `json:"destination"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	InstanceID  string     `json:"instance_id"`
	CreatedAt   time.Time  `json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// DownloadReadRepository lists download history.
type DownloadReadRepository interface {
	GetDownload(ctx context.Context, id string) (*DownloadRecord, error)
	// ListDownloads returns the most recent records first, at most limit of them.
	ListDownloads(ctx context.Context, limit int) ([]DownloadRecord, error)
}

// DownloadWriteRepository records download history.
type DownloadWriteRepository interface {
	TrackDownload(ctx context.Context, record DownloadRecord) error
	// UpdateDownloadStatus sets the status of a record. A terminal status also sets its finish time.
	UpdateDownloadStatus(ctx context.Context, id, status, errMsg string, terminal bool) error
	// MarkInterrupted flags the unfinished records of instances other than instanceID.
	MarkInterrupted(ctx context.Context, instanceID string) (int64, error)
	// DeleteFinishedBefore removes records finished before t.
	DeleteFinishedBefore(ctx context.Context, t time.Time) (int64, error)
}

// DownloadRepository is the full history store.
type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}
