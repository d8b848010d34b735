// Package progress reports byte counts while copying streams.
package progress

import (
	"context"
	"io"
)

// Reader wraps an io.Reader and reports cumulative progress via a callback.
// Reads fail with the context error once ctx is done.
type Reader struct {
	ctx            context.Context
	reader         io.Reader
	total          int64
	onProgress     func(written, total int64)
	totalRead      int64
	sinceReport    int64
	reportInterval int64
}

// NewReader creates a Reader that calls cb every interval bytes, on every 5% step when total
// is known, and once more at EOF.
func NewReader(ctx context.Context, r io.Reader, total, interval int64, cb func(written, total int64)) *Reader {
	if interval <= 0 {
		interval = 1
	}

	return &Reader{
		ctx:            ctx,
		reader:         r,
		total:          total,
		onProgress:     cb,
		reportInterval: interval,
	}
}

// Written returns the number of bytes read so far.
func (pr *Reader) Written() int64 {
	return pr.totalRead
}

func (pr *Reader) Read(p []byte) (int, error) {
	if err := pr.ctx.Err(); err != nil {
		return 0, err
	}

	n, err := pr.reader.Read(p)
	if n > 0 {
		prev := pr.totalRead
		pr.totalRead += int64(n)
		pr.sinceReport += int64(n)

		if pr.sinceReport >= pr.reportInterval || pr.crossedStep(prev) {
			pr.report()
		}
	}

	if err == io.EOF && pr.sinceReport > 0 {
		pr.report()
	}

	return n, err
}

func (pr *Reader) crossedStep(prev int64) bool {
	if pr.total <= 0 {
		return false
	}

	return pr.totalRead*20/pr.total > prev*20/pr.total
}

func (pr *Reader) report() {
	pr.sinceReport = 0

	if pr.onProgress != nil {
		pr.onProgress(pr.totalRead, pr.total)
	}
}
