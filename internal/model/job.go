package model

import (
	"strings"
	"time"
)

// Status is a lifecycle state of a single download job.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

func (s Status) String() string {
	return string(s)
}

// Active reports whether a job in this state still owns a worker.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusDownloading
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether the s -> to edge exists in the lifecycle
// state machine. Terminal states are absorbing.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusQueued:
		return to == StatusDownloading || to == StatusCancelled
	case StatusDownloading:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// Job is one user-requested download attempt, tracked end-to-end.
// Records are mutated only through the store, which linearizes access.
type Job struct {
	ID        string  `json:"id"`
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	SafeTitle string  `json:"safe_title"`
	Format    string  `json:"format"`
	Status    Status  `json:"status"`
	Percent   float64 `json:"percent"`
	Speed     string  `json:"speed,omitempty"`
	ETA       string  `json:"eta,omitempty"`
	Size      string  `json:"size,omitempty"`
	LastLine  string  `json:"last_line,omitempty"`
	Error     string  `json:"error,omitempty"`
	Filename  string  `json:"filename,omitempty"`
	FileSize  int64   `json:"file_size,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`

	// Owner is the network origin of the submitting client, used only
	// for per-origin admission accounting.
	Owner string `json:"-"`
}

const maxSafeTitleLen = 100

// SafeTitle derives a filesystem-safe name: alphanumerics plus
// space, hyphen, underscore, dot and parentheses, capped at 100 runes.
func SafeTitle(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	n := 0
	for _, r := range name {
		if n == maxSafeTitleLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == ' ', r == '-', r == '_', r == '.', r == '(', r == ')':
		default:
			continue
		}
		b.WriteRune(r)
		n++
	}
	return strings.TrimSpace(b.String())
}
