package model

import "time"

// SessionStatus represents the current state of a scan session.
type SessionStatus string

const (
	SessionProcessing SessionStatus = "processing"
	SessionPaused     SessionStatus = "paused"
	SessionAborted    SessionStatus = "aborted"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// Resumable reports whether a session in this status may be picked up again.
// Processing is included so a run killed without a final write can be
// recovered.
func (s SessionStatus) Resumable() bool {
	switch s {
	case SessionProcessing, SessionPaused, SessionAborted, SessionFailed:
		return true
	default:
		return false
	}
}

// SourceKind names the kind of listing source a session enumerates.
type SourceKind string

const (
	SourceRakuten SourceKind = "rakuten"
	SourceCSV     SourceKind = "csv"
)

// Checkpoint marks how far a session has durably progressed. Page is the
// last page whose items are all committed; Offset counts the items of the
// following page that are already committed.
type Checkpoint struct {
	Page   int `json:"page"`
	Offset int `json:"offset"`
}

// NextPage returns the page enumeration resumes from.
func (c Checkpoint) NextPage() int {
	return c.Page + 1
}

// Summary holds verdict counts for a session. Critical is a subset of High.
type Summary struct {
	Total    int `json:"total"`
	High     int `json:"high"`
	Critical int `json:"critical"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Errors   int `json:"errors"`
}

// Add counts n verdicts of the given tier.
func (s *Summary) Add(tier RiskTier, critical bool, n int) {
	s.Total += n
	switch tier {
	case RiskHigh:
		s.High += n
		if critical {
			s.Critical += n
		}
	case RiskMedium:
		s.Medium += n
	case RiskLow:
		s.Low += n
	case RiskError:
		s.Errors += n
	}
}

// SessionMeta is what a caller supplies to open a session.
type SessionMeta struct {
	Kind   SourceKind `json:"type"`
	Target string     `json:"target"`
	Owner  string     `json:"owner"`
}

// Session is one enumeration-and-classification pass over a source.
type Session struct {
	ID         string        `json:"id"`
	Kind       SourceKind    `json:"type"`
	Target     string        `json:"target"`
	Owner      string        `json:"owner"`
	Status     SessionStatus `json:"status"`
	Checkpoint Checkpoint    `json:"last_checkpoint"`
	Summary    Summary       `json:"summary"`
	Details    []Detail      `json:"details,omitempty"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Commit is one atomic session write: the details a group produced plus the
// checkpoint and status they advance the session to.
type Commit struct {
	Details    []Detail      `json:"details,omitempty"`
	Checkpoint Checkpoint    `json:"checkpoint"`
	Status     SessionStatus `json:"status"`
	Error      string        `json:"error,omitempty"`
}

// Progress is the live view of a session published after each commit.
type Progress struct {
	SessionID  string        `json:"session_id"`
	Status     SessionStatus `json:"status"`
	Checkpoint Checkpoint    `json:"last_checkpoint"`
	Summary    Summary       `json:"summary"`
	Committed  int           `json:"committed"`
	Error      string        `json:"error,omitempty"`
}
