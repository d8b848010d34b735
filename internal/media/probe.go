package media

import (
	"fmt"
	"io"
	"time"

	"github.com/abema/go-mp4"
)

// ContainerInfo summarizes an ISO-BMFF (MP4/M4A) file.
type ContainerInfo struct {
	MajorBrand  string
	Duration    time.Duration
	VideoTracks int
	AudioTracks int
	FastStart   bool
}

// ProbeMP4 reads the box structure of an MP4/M4A file.
func ProbeMP4(r io.ReadSeeker) (*ContainerInfo, error) {
	info, err := mp4.Probe(r)
	if err != nil {
		return nil, fmt.Errorf("failed to probe mp4: %w", err)
	}

	ci := &ContainerInfo{
		MajorBrand: string(info.MajorBrand[:]),
		FastStart:  info.FastStart,
	}

	if info.Timescale > 0 {
		ci.Duration = time.Duration(float64(info.Duration) / float64(info.Timescale) * float64(time.Second))
	}

	for _, track := range info.Tracks {
		switch track.Codec {
		case mp4.CodecAVC1:
			ci.VideoTracks++
		case mp4.CodecMP4A:
			ci.AudioTracks++
		}
	}

	return ci, nil
}

// IsMP4Family reports whether files in the container can be probed with ProbeMP4.
func (c Container) IsMP4Family() bool {
	return c == ContainerMP4 || c == Container3GP
}
