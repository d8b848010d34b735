// Package provider holds cross-cutting decorators for media.StreamProvider implementations.
package provider

import (
	"context"

	"github.com/italolelis/media_downloader/internal/media"
	"github.com/italolelis/media_downloader/internal/telemetry"
)

// InstrumentedStreamProvider wraps a StreamProvider with telemetry.
type InstrumentedStreamProvider struct {
	provider  media.StreamProvider
	telemetry *telemetry.Telemetry
	name      string
}

var _ media.StreamProvider = (*InstrumentedStreamProvider)(nil)

// NewInstrumentedStreamProvider creates a new instrumented stream provider.
func NewInstrumentedStreamProvider(p media.StreamProvider, tel *telemetry.Telemetry, name string) *InstrumentedStreamProvider {
	return &InstrumentedStreamProvider{
		provider:  p,
		telemetry: tel,
		name:      name,
	}
}

// QueryMetadata resolves media metadata with telemetry.
func (p *InstrumentedStreamProvider) QueryMetadata(ctx context.Context, url string) (*media.VideoInfo, error) {
	var result *media.VideoInfo

	err := p.telemetry.InstrumentProviderOperation(ctx, p.name, "query_metadata", func(ctx context.Context) error {
		var err error
		result, err = p.provider.QueryMetadata(ctx, url)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// QueryStreams resolves the stream manifest with telemetry.
func (p *InstrumentedStreamProvider) QueryStreams(ctx context.Context, url string) (*media.StreamManifest, error) {
	var result *media.StreamManifest

	err := p.telemetry.InstrumentProviderOperation(ctx, p.name, "query_streams", func(ctx context.Context) error {
		var err error
		result, err = p.provider.QueryStreams(ctx, url)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// FetchStream transfers a stream with telemetry, counting the fetched bytes.
func (p *InstrumentedStreamProvider) FetchStream(ctx context.Context, stream *media.Stream, destPath string, onProgress func(written int64)) error {
	var last int64

	return p.telemetry.InstrumentProviderOperation(ctx, p.name, "fetch_stream", func(ctx context.Context) error {
		return p.provider.FetchStream(ctx, stream, destPath, func(written int64) {
			p.telemetry.RecordDownloadedBytes(written - last)
			last = written

			if onProgress != nil {
				onProgress(written)
			}
		})
	})
}
