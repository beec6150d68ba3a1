package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ip-patrol/internal/model"
	"github.com/sells-group/ip-patrol/internal/store"
)

// SessionRef points at one session worth alerting on.
type SessionRef struct {
	ID       string `json:"id"`
	Target   string `json:"target"`
	Critical int    `json:"critical,omitempty"`
	High     int    `json:"high,omitempty"`
	Error    string `json:"error,omitempty"`
}

// MetricsSnapshot holds a point-in-time view of scan health.
type MetricsSnapshot struct {
	// Sessions created within the lookback window.
	SessionsTotal      int `json:"sessions_total"`
	SessionsCompleted  int `json:"sessions_completed"`
	SessionsFailed     int `json:"sessions_failed"`
	SessionsAborted    int `json:"sessions_aborted"`
	SessionsPaused     int `json:"sessions_paused"`
	SessionsProcessing int `json:"sessions_processing"`

	// Verdicts recorded by those sessions.
	Items         int     `json:"items"`
	HighItems     int     `json:"high_items"`
	CriticalItems int     `json:"critical_items"`
	MediumItems   int     `json:"medium_items"`
	ErrorItems    int     `json:"error_items"`
	ItemErrorRate float64 `json:"item_error_rate"`

	CriticalSessions []SessionRef `json:"critical_sessions,omitempty"`
	FailedSessions   []SessionRef `json:"failed_sessions,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// SessionLister is the store surface the collector reads.
type SessionLister interface {
	ListSessions(ctx context.Context, filter store.SessionFilter) ([]model.Session, error)
}

// Collector gathers metrics from the session store.
type Collector struct {
	store SessionLister
}

// NewCollector creates a new metrics collector.
func NewCollector(st SessionLister) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of scan metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	sessions, err := c.store.ListSessions(ctx, store.SessionFilter{
		CreatedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list sessions")
	}

	for i := range sessions {
		snap.add(&sessions[i])
	}
	if snap.Items > 0 {
		snap.ItemErrorRate = float64(snap.ErrorItems) / float64(snap.Items)
	}
	return snap, nil
}

func (snap *MetricsSnapshot) add(s *model.Session) {
	snap.SessionsTotal++
	switch s.Status {
	case model.SessionCompleted:
		snap.SessionsCompleted++
	case model.SessionFailed:
		snap.SessionsFailed++
		snap.FailedSessions = append(snap.FailedSessions, refOf(s))
	case model.SessionAborted:
		snap.SessionsAborted++
	case model.SessionPaused:
		snap.SessionsPaused++
	case model.SessionProcessing:
		snap.SessionsProcessing++
	}

	snap.Items += s.Summary.Total
	snap.HighItems += s.Summary.High
	snap.CriticalItems += s.Summary.Critical
	snap.MediumItems += s.Summary.Medium
	snap.ErrorItems += s.Summary.Errors

	if s.Summary.Critical > 0 {
		snap.CriticalSessions = append(snap.CriticalSessions, refOf(s))
	}
}

func refOf(s *model.Session) SessionRef {
	return SessionRef{
		ID:       s.ID,
		Target:   s.Target,
		Critical: s.Summary.Critical,
		High:     s.Summary.High,
		Error:    s.Error,
	}
}
