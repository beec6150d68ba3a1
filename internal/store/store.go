// Package store persists scan sessions so a run can be audited and resumed.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ip-patrol/internal/model"
)

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = eris.New("session not found")

// defaultFlaggedLimit caps the cross-session history view.
const defaultFlaggedLimit = 50

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Target       string              `json:"target,omitempty"`
	Owner        string              `json:"owner,omitempty"`
	Status       model.SessionStatus `json:"status,omitempty"`
	CreatedAfter time.Time           `json:"created_after,omitempty"`
	Limit        int                 `json:"limit,omitempty"`
	Offset       int                 `json:"offset,omitempty"`
}

// Store defines the persistence contract for scan sessions.
//
// AppendAndCheckpoint is atomic: a concurrent reader sees either the state
// before the commit or after it, never a partial detail list. Details are
// upserted by item key and the summary is recomputed from the stored
// details inside the same write.
type Store interface {
	CreateSession(ctx context.Context, meta model.SessionMeta) (*model.Session, error)
	AppendAndCheckpoint(ctx context.Context, id string, commit model.Commit) (*model.Session, error)
	LoadSession(ctx context.Context, id string) (*model.Session, error)
	ListByTarget(ctx context.Context, target string) ([]model.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error)
	ListFlagged(ctx context.Context, limit int) ([]model.FlaggedItem, error)

	Migrate(ctx context.Context) error
	Close() error
}

func validateCommit(c model.Commit) error {
	switch c.Status {
	case model.SessionProcessing, model.SessionPaused, model.SessionAborted,
		model.SessionCompleted, model.SessionFailed:
	default:
		return eris.Errorf("store: invalid session status %q", c.Status)
	}
	if c.Checkpoint.Page < 0 || c.Checkpoint.Offset < 0 {
		return eris.Errorf("store: invalid checkpoint %+v", c.Checkpoint)
	}
	return nil
}

func flaggedLimit(limit int) int {
	if limit <= 0 {
		return defaultFlaggedLimit
	}
	return limit
}

func listLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
