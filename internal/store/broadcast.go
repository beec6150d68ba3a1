package store

import (
	"context"
	"sync"

	"github.com/sells-group/ip-patrol/internal/model"
)

// progressBuffer is the per-subscriber backlog before old events are
// dropped in favour of newer ones.
const progressBuffer = 16

// Broadcaster wraps a Store and publishes a Progress event after every
// successful AppendAndCheckpoint. It is the subscription surface for live
// progress; the scheduler itself never pushes.
type Broadcaster struct {
	Store

	mu   sync.Mutex
	subs map[string]map[chan model.Progress]struct{}
}

// NewBroadcaster wraps st.
func NewBroadcaster(st Store) *Broadcaster {
	return &Broadcaster{Store: st, subs: make(map[string]map[chan model.Progress]struct{})}
}

// AppendAndCheckpoint commits through the wrapped store, then publishes.
func (b *Broadcaster) AppendAndCheckpoint(ctx context.Context, id string, commit model.Commit) (*model.Session, error) {
	sess, err := b.Store.AppendAndCheckpoint(ctx, id, commit)
	if err != nil {
		return nil, err
	}
	b.publish(model.Progress{
		SessionID:  id,
		Status:     sess.Status,
		Checkpoint: sess.Checkpoint,
		Summary:    sess.Summary,
		Committed:  len(commit.Details),
		Error:      sess.Error,
	})
	return sess, nil
}

// Subscribe returns a channel of progress events for one session and a
// func that unsubscribes and closes the channel. A slow reader loses the
// oldest buffered events, never the newest.
func (b *Broadcaster) Subscribe(id string) (<-chan model.Progress, func()) {
	ch := make(chan model.Progress, progressBuffer)

	b.mu.Lock()
	if b.subs[id] == nil {
		b.subs[id] = make(map[chan model.Progress]struct{})
	}
	b.subs[id][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[id], ch)
			if len(b.subs[id]) == 0 {
				delete(b.subs, id)
			}
			close(ch)
		})
	}
}

func (b *Broadcaster) publish(p model.Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[p.SessionID] {
		select {
		case ch <- p:
		default:
			// Full: drop the oldest event to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- p:
			default:
			}
		}
	}
}
