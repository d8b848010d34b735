package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/italolelis/media_downloader/internal/downloader"
	"github.com/italolelis/media_downloader/internal/ffmpeg"
	"github.com/italolelis/media_downloader/internal/logctx"
	"github.com/italolelis/media_downloader/internal/media"
	"github.com/italolelis/media_downloader/internal/provider/youtube"
)

type options struct {
	url             string
	output          string
	outDir          string
	tempDir         string
	audioOnly       bool
	videoOnly       bool
	maxHeight       int
	videoContainers string
	audioContainers string
	audioCodec      string
	audioBitrate    string
	audioContainer  string
	concurrency     int
	ffmpegPath      string
	verbose         bool
}

func main() {
	var opts options

	flag.StringVar(&opts.output, "o", "", "Output file (default: <title>.<ext> in -d)")
	flag.StringVar(&opts.outDir, "d", ".", "Output directory when -o is not set")
	flag.StringVar(&opts.tempDir, "temp-dir", "", "Directory for partial files (default: next to the output)")
	flag.BoolVar(&opts.audioOnly, "audio-only", false, "Download the audio track only")
	flag.BoolVar(&opts.videoOnly, "video-only", false, "Download the video track only")
	flag.IntVar(&opts.maxHeight, "max-height", 1080, "Highest video resolution to pick, 0 for no limit")
	flag.StringVar(&opts.videoContainers, "video-containers", "mp4,webm", "Preferred video containers, in order")
	flag.StringVar(&opts.audioContainers, "audio-containers", "mp4,webm", "Preferred audio containers, in order")
	flag.StringVar(&opts.audioCodec, "audio-codec", "", "Re-encode the audio with this ffmpeg codec, e.g. libmp3lame")
	flag.StringVar(&opts.audioBitrate, "audio-bitrate", "", "Bitrate for the re-encoded audio, e.g. 192k")
	flag.StringVar(&opts.audioContainer, "audio-container", "", "Container for the re-encoded audio")
	flag.IntVar(&opts.concurrency, "c", 2, "Number of streams fetched at once")
	flag.StringVar(&opts.ffmpegPath, "ffmpeg", ffmpeg.Command, "Path to the ffmpeg binary")
	flag.BoolVar(&opts.verbose, "v", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <url>\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 || (opts.audioOnly && opts.videoOnly) {
		flag.Usage()
		os.Exit(2)
	}

	opts.url = flag.Arg(0)

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(logctx.WithLogger(ctx, logger), opts); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	provider := youtube.New(nil)
	ff := ffmpeg.New(opts.ffmpegPath)

	factory := downloader.NewFactory(provider, ff, ff, downloader.WithTempDir(opts.tempDir))

	manager := downloader.NewManager(ctx, provider, factory,
		downloader.WithInitialConcurrency(opts.concurrency),
	)
	defer manager.Close()

	dlOpts := downloader.Options{
		ConcurrentDownloads: opts.concurrency,
		WantVideo:           !opts.audioOnly,
		WantAudio:           !opts.videoOnly,
		Preferences: media.Preferences{
			VideoContainers:        parseContainers(opts.videoContainers),
			AudioContainers:        parseContainers(opts.audioContainers),
			MaxHeight:              opts.maxHeight,
			FallbackToAnyContainer: true,
		},
	}

	if opts.audioCodec != "" {
		dlOpts.AudioEncode = &media.AudioEncodeSettings{
			Codec:     opts.audioCodec,
			Bitrate:   opts.audioBitrate,
			Container: media.ParseContainer(opts.audioContainer),
		}
	}

	destination := opts.output
	if destination == "" {
		title, err := manager.GetTitle(ctx, opts.url)
		if err != nil {
			return err
		}

		destination = filepath.Join(opts.outDir, downloader.DefaultFilename(title, dlOpts))
	}

	task, err := manager.Enqueue(ctx, opts.url, destination, dlOpts)
	if err != nil {
		return err
	}

	bar := newProgressBar(task)
	unsubscribe := task.OnProgress(func(s downloader.Snapshot) {
		_ = bar.Set64(downloaded(task))
		bar.Describe(s.Status.String())
	})

	status, err := task.Wait(context.WithoutCancel(ctx))

	unsubscribe()

	if status == downloader.StatusSuccess {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
		fmt.Println(task.Destination())

		return nil
	}

	_ = bar.Clear()

	if err == nil {
		err = errors.New(status.String())
	}

	return fmt.Errorf("download of %s %w", opts.url, err)
}

// newProgressBar renders byte progress over all files of task. A spinner is shown when
// a stream size is unknown.
func newProgressBar(task *downloader.Task) *progressbar.ProgressBar {
	var total int64

	for _, f := range task.Files() {
		if f.ExpectedSize <= 0 {
			total = -1

			break
		}

		total += f.ExpectedSize
	}

	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(task.Status().String()),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionFullWidth(),
	)
}

func downloaded(task *downloader.Task) int64 {
	var n int64

	for _, f := range task.Files() {
		n += f.Downloaded()
	}

	return n
}

func parseContainers(list string) []media.Container {
	var containers []media.Container

	for _, name := range strings.Split(list, ",") {
		if c := media.ParseContainer(name); c != "" {
			containers = append(containers, c)
		}
	}

	return containers
}
