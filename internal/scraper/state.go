package scraper

// State is a session's lifecycle position. States only move forward.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateAuthenticated
	StateExporting
	StateAwaitingDownload
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateAuthenticated:
		return "authenticated"
	case StateExporting:
		return "exporting"
	case StateAwaitingDownload:
		return "awaiting_download"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}
