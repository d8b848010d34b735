package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/italolelis/media_downloader/internal/storage"
)

// GetDownload returns the record with the given id.
func (r *DownloadRepository) GetDownload(ctx context.Context, id string) (*storage.DownloadRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM downloads WHERE id = ?`, id)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &record, nil
}

// ListDownloads returns the most recent records first. A limit of zero or less returns all of them.
func (r *DownloadRepository) ListDownloads(ctx context.Context, limit int) ([]storage.DownloadRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM downloads ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	downloads := []storage.DownloadRecord{}

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, record)
	}

	return downloads, rows.Err()
}
