// Package youtube implements media.StreamProvider for YouTube.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kkdai/youtube/v2"

	"github.com/italolelis/media_downloader/internal/logctx"
	"github.com/italolelis/media_downloader/internal/media"
	"github.com/italolelis/media_downloader/internal/progress"
)

const (
	progressInterval = 1 << 20
	filePerm         = 0o644

	// DefaultCacheTTL stays well below the lifetime of YouTube's signed stream URLs.
	DefaultCacheTTL = 15 * time.Minute
)

type cachedVideo struct {
	video     *youtube.Video
	fetchedAt time.Time
}

// Provider resolves YouTube URLs and downloads their streams.
type Provider struct {
	client   *youtube.Client
	getVideo func(ctx context.Context, id string) (*youtube.Video, error)
	now      func() time.Time
	ttl      time.Duration

	mu     sync.Mutex
	videos map[string]cachedVideo
}

var _ media.StreamProvider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithCacheTTL sets how long resolved videos are reused. Zero or less disables the cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(p *Provider) {
		p.ttl = ttl
	}
}

// New creates a Provider. A nil httpClient uses http.DefaultClient.
func New(httpClient *http.Client, opts ...Option) *Provider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	p := &Provider{
		client: &youtube.Client{HTTPClient: httpClient},
		now:    time.Now,
		ttl:    DefaultCacheTTL,
		videos: make(map[string]cachedVideo),
	}
	p.getVideo = p.client.GetVideoContext

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *Provider) QueryMetadata(ctx context.Context, rawURL string) (*media.VideoInfo, error) {
	video, err := p.video(ctx, rawURL, "query_metadata")
	if err != nil {
		return nil, err
	}

	return &media.VideoInfo{
		ID:          video.ID,
		URL:         rawURL,
		Title:       video.Title,
		Author:      video.Author,
		Description: video.Description,
		Duration:    video.Duration,
	}, nil
}

func (p *Provider) QueryStreams(ctx context.Context, rawURL string) (*media.StreamManifest, error) {
	video, err := p.video(ctx, rawURL, "query_streams")
	if err != nil {
		return nil, err
	}

	manifest := &media.StreamManifest{SourceID: video.ID, Streams: make([]media.Stream, 0, len(video.Formats))}

	for i := range video.Formats {
		manifest.Streams = append(manifest.Streams, streamFromFormat(video.ID, &video.Formats[i]))
	}

	return manifest, nil
}

// FetchStream downloads stream into destPath. A partially written file is removed on failure.
func (p *Provider) FetchStream(ctx context.Context, stream *media.Stream, destPath string, onProgress func(written int64)) error {
	logger := logctx.LoggerFromContext(ctx).With("stream_id", stream.ID, "path", destPath)

	video, err := p.videoByID(ctx, stream.SourceID, "fetch_stream")
	if err != nil {
		return err
	}

	format, err := findFormat(video, stream)
	if err != nil {
		return err
	}

	body, size, err := p.client.GetStreamContext(ctx, video, format)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return networkError("fetch_stream", err)
	}
	defer body.Close()

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}

	pr := progress.NewReader(ctx, body, size, progressInterval, func(written, _ int64) {
		if onProgress != nil {
			onProgress(written)
		}
	})

	if _, err := io.Copy(out, pr); err != nil {
		out.Close()
		os.Remove(destPath)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		return networkError("fetch_stream", err)
	}

	if err := out.Close(); err != nil {
		os.Remove(destPath)

		return fmt.Errorf("failed to close %s: %w", destPath, err)
	}

	logger.DebugContext(ctx, "stream fetched", "size", humanize.Bytes(uint64(pr.Written())))

	return nil
}

func (p *Provider) video(ctx context.Context, rawURL, op string) (*youtube.Video, error) {
	id, err := ExtractVideoID(rawURL)
	if err != nil {
		return nil, err
	}

	return p.videoByID(ctx, id, op)
}

// videoByID returns the cached video for id, resolving it again once the entry is older
// than the TTL so that stream URLs handed to FetchStream are still signed.
func (p *Provider) videoByID(ctx context.Context, id, op string) (*youtube.Video, error) {
	if video, ok := p.cached(id); ok {
		return video, nil
	}

	video, err := p.getVideo(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if isInvalidID(err) {
			return nil, &media.InvalidURLError{URL: id, Reason: err.Error(), Err: err}
		}

		return nil, networkError(op, err)
	}

	p.store(id, video)

	return video, nil
}

func (p *Provider) cached(id string) (*youtube.Video, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.videos[id]
	if !ok {
		return nil, false
	}

	if p.expired(entry) {
		delete(p.videos, id)

		return nil, false
	}

	return entry.video, true
}

// store caches video and drops every expired entry, so the cache only holds recent lookups.
func (p *Provider) store(id string, video *youtube.Video) {
	if p.ttl <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for key, entry := range p.videos {
		if p.expired(entry) {
			delete(p.videos, key)
		}
	}

	p.videos[id] = cachedVideo{video: video, fetchedAt: p.now()}
}

func (p *Provider) expired(entry cachedVideo) bool {
	return p.now().Sub(entry.fetchedAt) >= p.ttl
}

// ExtractVideoID validates rawURL and returns the YouTube video id it refers to.
// Bare video ids are accepted as well as watch, short and embed URLs.
func ExtractVideoID(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", &media.InvalidURLError{URL: rawURL, Reason: "empty url"}
	}

	if strings.Contains(rawURL, "://") {
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return "", &media.InvalidURLError{URL: rawURL, Reason: "malformed url", Err: err}
		}

		switch strings.ToLower(parsed.Scheme) {
		case "http", "https":
		default:
			return "", &media.InvalidURLError{URL: rawURL, Reason: fmt.Sprintf("unsupported scheme %q", parsed.Scheme)}
		}

		if parsed.Host == "" {
			return "", &media.InvalidURLError{URL: rawURL, Reason: "missing host"}
		}
	}

	id, err := youtube.ExtractVideoID(rawURL)
	if err != nil {
		return "", &media.InvalidURLError{URL: rawURL, Reason: err.Error(), Err: err}
	}

	return id, nil
}

func isInvalidID(err error) bool {
	return errors.Is(err, youtube.ErrInvalidCharactersInVideoID) || errors.Is(err, youtube.ErrVideoIDMinLength)
}

func networkError(op string, err error) *media.NetworkError {
	ne := &media.NetworkError{Operation: op, Message: err.Error(), Err: err}

	var status youtube.ErrUnexpectedStatusCode
	if errors.As(err, &status) {
		ne.StatusCode = int(status)
	}

	switch {
	case errors.Is(err, youtube.ErrLoginRequired),
		errors.Is(err, youtube.ErrVideoPrivate),
		errors.Is(err, youtube.ErrNotPlayableInEmbed):
		ne.Message = "restricted content: " + err.Error()
	}

	return ne
}

func findFormat(video *youtube.Video, stream *media.Stream) (*youtube.Format, error) {
	itag, err := strconv.Atoi(stream.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid stream id %q: %w", stream.ID, err)
	}

	var fallback *youtube.Format

	for i := range video.Formats {
		f := &video.Formats[i]
		if f.ItagNo != itag {
			continue
		}

		if f.MimeType == stream.MimeType {
			return f, nil
		}

		if fallback == nil {
			fallback = f
		}
	}

	if fallback == nil {
		return nil, fmt.Errorf("stream %s of video %s: %w", stream.ID, video.ID, media.ErrNoMatchingStream)
	}

	return fallback, nil
}

func streamFromFormat(sourceID string, f *youtube.Format) media.Stream {
	mimeType, codecs := parseMimeType(f.MimeType)

	s := media.Stream{
		ID:            strconv.Itoa(f.ItagNo),
		SourceID:      sourceID,
		URL:           f.URL,
		MimeType:      f.MimeType,
		Container:     media.ParseContainer(mimeToExt(mimeType)),
		Bitrate:       bitrateForFormat(f),
		Width:         f.Width,
		Height:        f.Height,
		ContentLength: f.ContentLength,
		QualityLabel:  f.QualityLabel,
		HasVideo:      strings.HasPrefix(mimeType, "video/") && (f.Height > 0 || f.QualityLabel != ""),
		HasAudio:      f.AudioChannels > 0 || strings.HasPrefix(mimeType, "audio/"),
	}

	switch {
	case s.HasVideo && s.HasAudio:
		if len(codecs) > 0 {
			s.VideoCodec = codecs[0]
		}

		if len(codecs) > 1 {
			s.AudioCodec = codecs[1]
		}
	case s.HasVideo && len(codecs) > 0:
		s.VideoCodec = codecs[0]
	case s.HasAudio && len(codecs) > 0:
		s.AudioCodec = codecs[0]
	}

	return s
}

// parseMimeType splits `video/mp4; codecs="avc1.42001E, mp4a.40.2"` into its media type and codecs.
func parseMimeType(mime string) (string, []string) {
	base, params, _ := strings.Cut(mime, ";")
	base = strings.ToLower(strings.TrimSpace(base))

	_, raw, ok := strings.Cut(params, "codecs=")
	if !ok {
		return base, nil
	}

	raw = strings.Trim(strings.TrimSpace(raw), `"`)

	var codecs []string

	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			codecs = append(codecs, c)
		}
	}

	return base, codecs
}

func mimeToExt(mime string) string {
	_, sub, ok := strings.Cut(mime, "/")
	if !ok {
		return ""
	}

	if sub == "3gpp" {
		return "3gp"
	}

	return sub
}

func bitrateForFormat(f *youtube.Format) int {
	if f.Bitrate > 0 {
		return f.Bitrate
	}

	return f.AverageBitrate
}
