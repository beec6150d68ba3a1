package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ip-patrol/internal/aggregate"
	"github.com/sells-group/ip-patrol/internal/model"
)

// MemoryStore keeps sessions in process memory. It backs dry runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
	order    []string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*model.Session)}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateSession(_ context.Context, meta model.SessionMeta) (*model.Session, error) {
	sess := newSession(meta)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
	m.order = append(m.order, sess.ID)

	out := *sess
	return &out, nil
}

func (m *MemoryStore) AppendAndCheckpoint(_ context.Context, id string, commit model.Commit) (*model.Session, error) {
	if err := validateCommit(commit); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, eris.Wrapf(ErrSessionNotFound, "memory: commit %s", id)
	}

	incoming := make([]model.Detail, len(commit.Details))
	for i, d := range commit.Details {
		d.ClassifiedAt = classifiedAt(d)
		incoming[i] = d
	}

	// Merge returns a fresh slice, so details handed to earlier readers
	// never change underneath them.
	next := *sess
	next.Details = aggregate.Merge(sess.Details, incoming)
	next.Summary = aggregate.Summarize(next.Details)
	next.Status = commit.Status
	next.Checkpoint = commit.Checkpoint
	next.Error = commit.Error
	next.UpdatedAt = time.Now().UTC()
	m.sessions[id] = &next

	out := next
	out.Details = nil
	return &out, nil
}

func (m *MemoryStore) LoadSession(_ context.Context, id string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, eris.Wrapf(ErrSessionNotFound, "memory: get session %s", id)
	}
	out := *sess
	out.Details = append([]model.Detail(nil), sess.Details...)
	return &out, nil
}

func (m *MemoryStore) ListByTarget(ctx context.Context, target string) ([]model.Session, error) {
	return m.ListSessions(ctx, SessionFilter{Target: target})
}

func (m *MemoryStore) ListSessions(_ context.Context, filter SessionFilter) ([]model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Session
	for i := len(m.order) - 1; i >= 0; i-- {
		sess := m.sessions[m.order[i]]
		if filter.Target != "" && sess.Target != filter.Target {
			continue
		}
		if filter.Owner != "" && sess.Owner != filter.Owner {
			continue
		}
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		if !filter.CreatedAfter.IsZero() && sess.CreatedAt.Before(filter.CreatedAfter) {
			continue
		}
		s := *sess
		s.Details = nil
		out = append(out, s)
	}

	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if limit := listLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListFlagged(_ context.Context, limit int) ([]model.FlaggedItem, error) {
	m.mu.RLock()
	var out []model.FlaggedItem
	for _, id := range m.order {
		sess := m.sessions[id]
		for _, d := range aggregate.Filter(sess.Details, model.Detail.Flagged) {
			out = append(out, model.FlaggedItem{SessionID: sess.ID, Target: sess.Target, Detail: d})
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ClassifiedAt.After(out[j].ClassifiedAt)
	})
	if limit = flaggedLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
