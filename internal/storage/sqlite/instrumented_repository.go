package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/media_downloader/internal/storage"
	"github.com/italolelis/media_downloader/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

// GetDownload retrieves one record with telemetry.
func (r *InstrumentedDownloadRepository) GetDownload(ctx context.Context, id string) (*storage.DownloadRecord, error) {
	var result *storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetDownload(ctx, id)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ListDownloads retrieves the most recent records with telemetry.
func (r *InstrumentedDownloadRepository) ListDownloads(ctx context.Context, limit int) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListDownloads(ctx, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// TrackDownload inserts a record with telemetry.
func (r *InstrumentedDownloadRepository) TrackDownload(ctx context.Context, record storage.DownloadRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "track_download", func(ctx context.Context) error {
		return r.repo.TrackDownload(ctx, record)
	})
}

// UpdateDownloadStatus updates a record's status with telemetry.
func (r *InstrumentedDownloadRepository) UpdateDownloadStatus(ctx context.Context, id, status, errMsg string, terminal bool) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_download_status", func(ctx context.Context) error {
		return r.repo.UpdateDownloadStatus(ctx, id, status, errMsg, terminal)
	})
}

// MarkInterrupted closes stale records with telemetry.
func (r *InstrumentedDownloadRepository) MarkInterrupted(ctx context.Context, instanceID string) (int64, error) {
	var affected int64

	err := r.telemetry.InstrumentDBOperation(ctx, "mark_interrupted", func(ctx context.Context) error {
		var err error
		affected, err = r.repo.MarkInterrupted(ctx, instanceID)

		return err
	})

	return affected, err
}

// DeleteFinishedBefore prunes old records with telemetry.
func (r *InstrumentedDownloadRepository) DeleteFinishedBefore(ctx context.Context, t time.Time) (int64, error) {
	var affected int64

	err := r.telemetry.InstrumentDBOperation(ctx, "delete_finished", func(ctx context.Context) error {
		var err error
		affected, err = r.repo.DeleteFinishedBefore(ctx, t)

		return err
	})

	return affected, err
}
