package downloader

import (
	"strings"

	"github.com/italolelis/media_downloader/internal/media"
)

const maxFilenameLength = 200

// DefaultFilename names the file a download of a media item titled title is saved to when
// the caller does not pick one.
func DefaultFilename(title string, opts Options) string {
	return SanitizeFilename(title) + "." + defaultExt(opts)
}

// SanitizeFilename turns a media title into a safe file name.
func SanitizeFilename(title string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f:
			return -1
		case strings.ContainsRune(`/\:*?"<>|`, r):
			return '_'
		default:
			return r
		}
	}, title)

	name = strings.Trim(strings.TrimSpace(name), ".")

	if runes := []rune(name); len(runes) > maxFilenameLength {
		name = strings.TrimSpace(string(runes[:maxFilenameLength]))
	}

	if name == "" {
		return "download"
	}

	return name
}

func defaultExt(opts Options) string {
	if !opts.WantVideo {
		if opts.AudioEncode != nil && opts.AudioEncode.Container != "" {
			return opts.AudioEncode.Container.Ext()
		}

		if len(opts.Preferences.AudioContainers) > 0 {
			return audioExt(opts.Preferences.AudioContainers[0])
		}

		return "m4a"
	}

	if len(opts.Preferences.VideoContainers) > 0 {
		return opts.Preferences.VideoContainers[0].Ext()
	}

	return media.ContainerMP4.Ext()
}

func audioExt(c media.Container) string {
	switch c {
	case media.ContainerMP4:
		return "m4a"
	case media.ContainerWebM:
		return "weba"
	default:
		return c.Ext()
	}
}
