package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/media_downloader/internal/storage"
)

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const selectColumns = `id, url, title, destination, status, error, instance_id, created_at, finished_at`

// DownloadRepository implements storage.DownloadRepository on SQLite.
type DownloadRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn, now: time.Now}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (storage.DownloadRecord, error) {
	var (
		record                            storage.DownloadRecord
		title, errMsg, instanceID, finish sql.NullString
		created                           string
	)

	err := row.Scan(&record.ID, &record.URL, &title, &record.Destination, &record.Status,
		&errMsg, &instanceID, &created, &finish)
	if err != nil {
		return record, err
	}

	record.Title = title.String
	record.Error = errMsg.String
	record.InstanceID = instanceID.String

	record.CreatedAt, err = time.Parse(timeLayout, created)
	if err != nil {
		return record, fmt.Errorf("failed to parse created_at of %s: %w", record.ID, err)
	}

	if finish.Valid {
		finishedAt, err := time.Parse(timeLayout, finish.String)
		if err != nil {
			return record, fmt.Errorf("failed to parse finished_at of %s: %w", record.ID, err)
		}

		record.FinishedAt = &finishedAt
	}

	return record, nil
}
