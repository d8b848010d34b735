package downloader

import "fmt"

// Status is the lifecycle state of a download task.
type Status int

const (
	StatusWaiting Status = iota
	StatusInitializing
	StatusDownloading
	StatusFinalizing
	StatusSuccess
	StatusFailed
	StatusCanceled
)

var statusNames = [...]string{
	StatusWaiting:      "waiting",
	StatusInitializing: "initializing",
	StatusDownloading:  "downloading",
	StatusFinalizing:   "finalizing",
	StatusSuccess:      "success",
	StatusFailed:       "failed",
	StatusCanceled:     "canceled",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}

	return statusNames[s]
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)

			return nil
		}
	}

	return fmt.Errorf("unknown status %q", text)
}

// IsTerminal reports whether no further transitions can happen.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCanceled
}

// IsRunning reports whether the task holds an admission slot and is doing work.
func (s Status) IsRunning() bool {
	return s == StatusInitializing || s == StatusDownloading || s == StatusFinalizing
}

type event int

const (
	eventStart event = iota
	eventFetch
	eventFinalize
	eventSucceed
	eventFail
	eventCancel
)

func (e event) String() string {
	switch e {
	case eventStart:
		return "start"
	case eventFetch:
		return "fetch"
	case eventFinalize:
		return "finalize"
	case eventSucceed:
		return "succeed"
	case eventFail:
		return "fail"
	case eventCancel:
		return "cancel"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

type effect int

const (
	// effectCancelSignal cancels the task's context so in-flight fetches and encodes stop.
	effectCancelSignal effect = iota + 1
)

// transition computes the status reached from cur on ev and the effects the caller must run.
// ok is false when ev does not apply to cur; terminal statuses reject every event.
func transition(cur Status, ev event) (next Status, effects []effect, ok bool) {
	if cur.IsTerminal() {
		return cur, nil, false
	}

	switch ev {
	case eventCancel:
		return StatusCanceled, []effect{effectCancelSignal}, true
	case eventFail:
		return StatusFailed, []effect{effectCancelSignal}, true
	case eventStart:
		if cur == StatusWaiting {
			return StatusInitializing, nil, true
		}
	case eventFetch:
		if cur == StatusInitializing {
			return StatusDownloading, nil, true
		}
	case eventFinalize:
		if cur == StatusDownloading {
			return StatusFinalizing, nil, true
		}
	case eventSucceed:
		if cur == StatusFinalizing {
			return StatusSuccess, nil, true
		}
	}

	return cur, nil, false
}
