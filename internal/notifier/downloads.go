package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/italolelis/media_downloader/internal/downloader"
	"github.com/italolelis/media_downloader/internal/logctx"
)

const notifyTimeout = 10 * time.Second

// FinishedSource is where download events come from.
type FinishedSource interface {
	OnTaskFinished(fn func(downloader.TaskEvent)) (unsubscribe func())
}

// NotifyDownloads sends a message for every download that succeeds or fails. Canceled
// downloads are not reported.
func NotifyDownloads(ctx context.Context, src FinishedSource, n Notifier) (unsubscribe func()) {
	logger := logctx.LoggerFromContext(ctx)

	return src.OnTaskFinished(func(e downloader.TaskEvent) {
		title := e.Task.Title()
		if title == "" {
			title = e.Task.URL()
		}

		content, ok := Message(title, e.Task.Destination(), e.Status, e.Err)
		if !ok {
			return
		}

		// Delivery must not hold up the task's goroutine.
		go func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
			defer cancel()

			if err := n.Notify(ctx, content); err != nil {
				logger.ErrorContext(ctx, "failed to send notification", "download_id", e.Task.ID(), "err", err)
			}
		}()
	})
}

// Message renders the notification for a download that finished with status.
func Message(title, destination string, status downloader.Status, err error) (string, bool) {
	switch status {
	case downloader.StatusSuccess:
		return fmt.Sprintf("Download finished: %s\nSaved to %s", title, destination), true
	case downloader.StatusFailed:
		return fmt.Sprintf("Download failed: %s\nError: %v", title, err), true
	default:
		return "", false
	}
}
