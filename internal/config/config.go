package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/italolelis/media_downloader/internal/media"
)

// Config struct for environment variables.
type Config struct {
	TargetDir         string `envconfig:"TARGET_DIR" required:"true"`
	TempDir           string `envconfig:"TEMP_DIR"`
	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	DiscordUsername   string `envconfig:"DISCORD_USERNAME"`
	DBPath            string `envconfig:"DB_PATH" default:"downloads.db"`
	FFmpegPath        string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`

	MaxConcurrentDownloads int `envconfig:"MAX_CONCURRENT_DOWNLOADS" default:"10"`
	ConcurrentDownloads    int `envconfig:"CONCURRENT_DOWNLOADS" default:"3"`

	VideoContainers        []string `envconfig:"VIDEO_CONTAINERS" default:"mp4,webm"`
	AudioContainers        []string `envconfig:"AUDIO_CONTAINERS" default:"mp4,webm"`
	MaxHeight              int      `envconfig:"MAX_HEIGHT" default:"1080"`
	FallbackToAnyContainer bool     `envconfig:"FALLBACK_TO_ANY_CONTAINER" default:"true"`

	// AudioCodec enables audio re-encoding, e.g. "libmp3lame" or "aac".
	AudioCodec     string `envconfig:"AUDIO_CODEC"`
	AudioBitrate   string `envconfig:"AUDIO_BITRATE"`
	AudioContainer string `envconfig:"AUDIO_CONTAINER"`

	KeepHistoryFor  time.Duration `envconfig:"KEEP_HISTORY_FOR" default:"720h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	TempMaxAge      time.Duration `envconfig:"TEMP_MAX_AGE" default:"6h"`

	// MetadataCacheTTL bounds how long resolved video metadata and stream URLs are reused.
	MetadataCacheTTL time.Duration `envconfig:"METADATA_CACHE_TTL" default:"15m"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"media_downloader"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads a .env file if present, then environment variables, and validates the result.
func LoadConfig() (*Config, error) {
	// The .env file is optional.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the bounds of the concurrency and selection settings.
func (c *Config) Validate() error {
	var errs []error

	if c.TargetDir == "" {
		errs = append(errs, errors.New("TARGET_DIR is required"))
	}

	if c.MaxConcurrentDownloads < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_DOWNLOADS must be at least 1, got %d", c.MaxConcurrentDownloads))
	}

	if c.ConcurrentDownloads < 1 || c.ConcurrentDownloads > c.MaxConcurrentDownloads {
		errs = append(errs, fmt.Errorf("CONCURRENT_DOWNLOADS must be in [1, %d], got %d",
			c.MaxConcurrentDownloads, c.ConcurrentDownloads))
	}

	if c.MaxHeight < 0 {
		errs = append(errs, fmt.Errorf("MAX_HEIGHT must not be negative, got %d", c.MaxHeight))
	}

	return errors.Join(errs...)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Preferences returns the stream selection preferences.
func (c *Config) Preferences() media.Preferences {
	return media.Preferences{
		VideoContainers:        parseContainers(c.VideoContainers),
		AudioContainers:        parseContainers(c.AudioContainers),
		MaxHeight:              c.MaxHeight,
		FallbackToAnyContainer: c.FallbackToAnyContainer,
	}
}

// AudioEncode returns the re-encode settings, or nil when re-encoding is disabled.
func (c *Config) AudioEncode() *media.AudioEncodeSettings {
	if c.AudioCodec == "" {
		return nil
	}

	return &media.AudioEncodeSettings{
		Codec:     c.AudioCodec,
		Bitrate:   c.AudioBitrate,
		Container: media.ParseContainer(c.AudioContainer),
	}
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
