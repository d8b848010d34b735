package media

// Preferences drive stream selection.
type Preferences struct {
	// VideoContainers and AudioContainers are tried in order. An empty list accepts any container.
	VideoContainers []Container
	AudioContainers []Container
	// MaxHeight caps the video resolution. Zero means no cap.
	MaxHeight int
	// FallbackToAnyContainer allows a stream outside the preferred containers
	// when none of them has a usable stream.
	FallbackToAnyContainer bool
}

// Select picks the streams to download. The result is invalid (see StreamQueryInfo.Valid)
// when nothing matches, which callers must report as ErrNoMatchingStream.
func Select(streams []Stream, wantVideo, wantAudio bool, prefs Preferences) StreamQueryInfo {
	info := StreamQueryInfo{WantVideo: wantVideo, WantAudio: wantAudio}

	// A single muxed stream in the top container that fits the cap saves a mux step.
	if wantVideo && wantAudio && len(prefs.VideoContainers) > 0 {
		top := prefs.VideoContainers[0]

		muxed := best(streams, func(s *Stream) bool {
			return s.IsMuxed() && s.Container == top
		}, prefs.MaxHeight, betterVideo)
		if muxed != nil {
			info.Video = muxed

			return info
		}
	}

	if wantVideo {
		info.Video = pick(streams, func(s *Stream) bool { return s.HasVideo },
			prefs.VideoContainers, prefs.FallbackToAnyContainer, prefs.MaxHeight, betterVideo)
	}

	if wantAudio {
		info.Audio = pick(streams, (*Stream).IsAudioOnly,
			prefs.AudioContainers, prefs.FallbackToAnyContainer, 0, betterAudio)

		// Audio-only request without an audio-only stream: take the audio from a muxed one.
		if info.Audio == nil && !wantVideo {
			info.Audio = pick(streams, func(s *Stream) bool { return s.HasAudio },
				prefs.AudioContainers, prefs.FallbackToAnyContainer, 0, betterAudio)
		}
	}

	return info
}

// pick returns the best accepted stream within maxHeight, walking containers in priority
// order and then, when allowed, any container. Only when no stream fits the cap anywhere
// is the stream closest to it taken, under the same container rules.
func pick(streams []Stream, accept func(*Stream) bool, containers []Container, fallback bool, maxHeight int, better func(a, b *Stream) bool) *Stream {
	s := walk(containers, fallback, accept, func(accept func(*Stream) bool) *Stream {
		return best(streams, accept, maxHeight, better)
	})
	if s != nil || maxHeight <= 0 {
		return s
	}

	return walk(containers, fallback, accept, func(accept func(*Stream) bool) *Stream {
		return best(streams, accept, 0, closerToCap)
	})
}

// walk applies choose to each preferred container in turn and returns its first result.
// Without container preferences, or with fallback set, any container is tried last.
func walk(containers []Container, fallback bool, accept func(*Stream) bool, choose func(accept func(*Stream) bool) *Stream) *Stream {
	for _, c := range containers {
		s := choose(func(s *Stream) bool {
			return accept(s) && s.Container == c
		})
		if s != nil {
			return s
		}
	}

	if len(containers) == 0 || fallback {
		return choose(accept)
	}

	return nil
}

// best returns a copy of the best accepted stream not taller than maxHeight, or nil when
// none fits. Zero maxHeight means no cap.
func best(streams []Stream, accept func(*Stream) bool, maxHeight int, better func(a, b *Stream) bool) *Stream {
	var chosen *Stream

	for i := range streams {
		s := &streams[i]
		if !accept(s) || (maxHeight > 0 && s.Height > maxHeight) {
			continue
		}

		if chosen == nil || better(s, chosen) {
			chosen = s
		}
	}

	if chosen == nil {
		return nil
	}

	c := *chosen

	return &c
}

func betterVideo(a, b *Stream) bool {
	if a.Height != b.Height {
		return a.Height > b.Height
	}

	return a.Bitrate > b.Bitrate
}

func betterAudio(a, b *Stream) bool {
	return a.Bitrate > b.Bitrate
}

// closerToCap ranks streams that all exceed the cap: the shortest wins, then the highest bitrate.
func closerToCap(a, b *Stream) bool {
	if a.Height != b.Height {
		return a.Height < b.Height
	}

	return a.Bitrate > b.Bitrate
}
