package sqlite

import (
	"context"
	"time"

	"github.com/italolelis/media_downloader/internal/storage"
)

// TrackDownload inserts a new record. Its CreatedAt defaults to now.
func (r *DownloadRepository) TrackDownload(ctx context.Context, record storage.DownloadRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.now()
	}

	if record.Status == "" {
		record.Status = "waiting"
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (id, url, title, destination, status, instance_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.URL, record.Title, record.Destination, record.Status, record.InstanceID, formatTime(record.CreatedAt),
	)

	return err
}

// UpdateDownloadStatus sets the status and error of a record. A terminal status also stamps its finish time.
func (r *DownloadRepository) UpdateDownloadStatus(ctx context.Context, id, status, errMsg string, terminal bool) error {
	var finishedAt any
	if terminal {
		finishedAt = formatTime(r.now())
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, error = NULLIF(?, ''), finished_at = COALESCE(?, finished_at) WHERE id = ?`,
		status, errMsg, finishedAt, id,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// MarkInterrupted closes the unfinished records of every instance other than instanceID.
func (r *DownloadRepository) MarkInterrupted(ctx context.Context, instanceID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, finished_at = ? WHERE finished_at IS NULL AND (instance_id IS NULL OR instance_id != ?)`,
		storage.StatusInterrupted, formatTime(r.now()), instanceID,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// DeleteFinishedBefore removes the records that finished before t.
func (r *DownloadRepository) DeleteFinishedBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM downloads WHERE finished_at IS NOT NULL AND finished_at < ?`, formatTime(t))
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
