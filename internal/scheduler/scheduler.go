// Package scheduler drains a paginated source through the classifier in
// fixed-size groups, checkpointing the session after every group.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ip-patrol/internal/model"
	"github.com/sells-group/ip-patrol/internal/source"
	"github.com/sells-group/ip-patrol/internal/store"
)

// ErrPaused is the cancellation cause that ends a run as paused instead
// of aborted.
var ErrPaused = eris.New("scan paused")

// ErrNotResumable is returned when resuming a session that already completed.
var ErrNotResumable = eris.New("session is not resumable")

// Classifier grades one item. Implementations never fail; problems come
// back as Error verdicts.
type Classifier interface {
	Classify(ctx context.Context, item model.Item) model.Verdict
}

// Options controls one scheduler.
type Options struct {
	Concurrency int           // group size and peak in-flight classifications
	GroupDelay  time.Duration // pause between groups
	MaxPages    int           // pages fetched per run before pausing, 0 = no cap

	// OnCommit is called after every durable write with the session header.
	OnCommit func(sess *model.Session, committed int)
}

// Scheduler runs scan sessions.
type Scheduler struct {
	store      store.Store
	classifier Classifier
	opts       Options
	now        func() time.Time
}

// New creates a Scheduler. Concurrency below 1 is treated as 1.
func New(st store.Store, classifier Classifier, opts Options) *Scheduler {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.GroupDelay < 0 {
		opts.GroupDelay = 0
	}
	return &Scheduler{store: st, classifier: classifier, opts: opts, now: time.Now}
}

// Start opens a new session for meta and runs it from page 1.
func (s *Scheduler) Start(ctx context.Context, meta model.SessionMeta, src source.Enumerator) (*model.Session, error) {
	sess, err := s.store.CreateSession(context.WithoutCancel(ctx), meta)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: create session")
	}
	zap.L().Info("scan session started",
		zap.String("session_id", sess.ID),
		zap.String("target", sess.Target),
		zap.String("type", string(sess.Kind)),
	)
	return s.Run(ctx, sess, src)
}

// Resume loads a session and continues from its checkpoint.
func (s *Scheduler) Resume(ctx context.Context, id string, src source.Enumerator) (*model.Session, error) {
	sess, err := s.store.LoadSession(context.WithoutCancel(ctx), id)
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: load session %s", id)
	}
	if !sess.Status.Resumable() {
		return nil, eris.Wrapf(ErrNotResumable, "scheduler: session %s is %s", id, sess.Status)
	}

	zap.L().Info("scan session resumed",
		zap.String("session_id", sess.ID),
		zap.String("previous_status", string(sess.Status)),
		zap.Int("next_page", sess.Checkpoint.NextPage()),
		zap.Int("skip", sess.Checkpoint.Offset),
		zap.Int("details", len(sess.Details)),
	)

	sess, err = s.commit(ctx, sess.ID, model.Commit{Checkpoint: sess.Checkpoint, Status: model.SessionProcessing})
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, sess, src)
}

// Run drives sess to a terminal or resumable status. Enumeration starts at
// the page after the checkpoint and skips the items of that page already
// committed.
//
// The checkpoint moves after every committed group, not only at page ends.
// Mid-page it reads {Page: last finished page, Offset: items of the next page
// already committed}; once a page is done it is {Page: that page, Offset: 0}.
// A stop inside a page therefore leaves a non-zero Offset in the session's
// last_checkpoint, and a resume re-classifies none of the committed items.
//
// Cancelling ctx stops the run at the next page or group boundary; the
// session ends paused when the cancel cause is ErrPaused and aborted
// otherwise. In-flight classifications always finish. A source failure
// ends the session failed and is returned, as is any store failure.
func (s *Scheduler) Run(ctx context.Context, sess *model.Session, src source.Enumerator) (*model.Session, error) {
	r := &run{
		Scheduler: s,
		ctx:       ctx,
		id:        sess.ID,
		cp:        sess.Checkpoint,
		last:      sess,
		log:       zap.L().With(zap.String("session_id", sess.ID)),
	}
	return r.loop(src)
}

type run struct {
	*Scheduler
	ctx  context.Context
	id   string
	cp   model.Checkpoint
	last *model.Session
	log  *zap.Logger
}

func (r *run) loop(src source.Enumerator) (*model.Session, error) {
	skip := r.cp.Offset
	fetched := 0

	for cursor := r.cp.NextPage(); ; cursor++ {
		if r.stopped() {
			return r.stop()
		}
		if r.opts.MaxPages > 0 && fetched >= r.opts.MaxPages {
			r.log.Info("page cap reached, pausing", zap.Int("max_pages", r.opts.MaxPages))
			return r.finish(model.SessionPaused, "")
		}

		page, err := src.NextPage(r.ctx, cursor)
		if err != nil {
			if r.stopped() {
				return r.stop()
			}
			return r.fail(cursor, err)
		}
		fetched++

		items := page.Items
		offset := min(skip, len(items))
		skip = 0

		r.log.Debug("page fetched",
			zap.Int("page", cursor),
			zap.Int("items", len(items)),
			zap.Int("skipped", offset),
			zap.Int("total_pages", page.TotalPages),
		)

		for offset < len(items) {
			if r.stopped() {
				return r.stop()
			}

			end := min(offset+r.opts.Concurrency, len(items))
			details := r.classifyGroup(items[offset:end])
			offset = end

			cp := model.Checkpoint{Page: cursor - 1, Offset: offset}
			if offset == len(items) {
				cp = model.Checkpoint{Page: cursor}
			}
			if _, err := r.commitGroup(details, cp); err != nil {
				return r.last, err
			}

			if offset < len(items) || !page.Last() {
				r.pace()
			}
		}

		// A page with nothing left to classify still moves the checkpoint.
		if r.cp.Page < cursor && !page.Exhausted {
			if _, err := r.commitGroup(nil, model.Checkpoint{Page: cursor}); err != nil {
				return r.last, err
			}
		}

		if page.Last() {
			return r.finish(model.SessionCompleted, "")
		}
	}
}

func (r *run) classifyGroup(items []model.Item) []model.Detail {
	details := make([]model.Detail, len(items))

	// Calls run detached from cancellation so an in-flight group always
	// finishes and is committed.
	callCtx := context.WithoutCancel(r.ctx)

	var g errgroup.Group
	for i, item := range items {
		g.Go(func() error {
			v := r.classifier.Classify(callCtx, item)
			details[i] = model.Detail{Item: item, Verdict: v, ClassifiedAt: r.now().UTC()}
			return nil
		})
	}
	_ = g.Wait()
	return details
}

func (r *run) commitGroup(details []model.Detail, cp model.Checkpoint) (*model.Session, error) {
	sess, err := r.commit(r.ctx, r.id, model.Commit{Details: details, Checkpoint: cp, Status: model.SessionProcessing})
	if err != nil {
		r.log.Error("checkpoint write failed", zap.Int("page", cp.Page), zap.Int("offset", cp.Offset), zap.Error(err))
		return nil, err
	}
	r.cp = cp
	r.last = sess
	if r.opts.OnCommit != nil {
		r.opts.OnCommit(sess, len(details))
	}
	return sess, nil
}

// pace sleeps between groups, waking early on cancellation.
func (r *run) pace() {
	if r.opts.GroupDelay <= 0 {
		return
	}
	t := time.NewTimer(r.opts.GroupDelay)
	defer t.Stop()
	select {
	case <-r.ctx.Done():
	case <-t.C:
	}
}

func (r *run) stopped() bool {
	return r.ctx.Err() != nil
}

func (r *run) stop() (*model.Session, error) {
	status := model.SessionAborted
	if errors.Is(context.Cause(r.ctx), ErrPaused) {
		status = model.SessionPaused
	}
	r.log.Info("scan cancelled",
		zap.String("status", string(status)),
		zap.Int("page", r.cp.Page),
		zap.Int("offset", r.cp.Offset),
	)
	return r.finish(status, "")
}

func (r *run) fail(cursor int, err error) (*model.Session, error) {
	r.log.Error("source enumeration failed",
		zap.Int("page", cursor),
		zap.Int("checkpoint", r.cp.Page),
		zap.Error(err),
	)
	if _, cerr := r.finish(model.SessionFailed, err.Error()); cerr != nil {
		return r.last, errors.Join(eris.Wrapf(err, "scheduler: page %d", cursor), cerr)
	}
	return r.last, eris.Wrapf(err, "scheduler: page %d", cursor)
}

func (r *run) finish(status model.SessionStatus, msg string) (*model.Session, error) {
	sess, err := r.commit(r.ctx, r.id, model.Commit{Checkpoint: r.cp, Status: status, Error: msg})
	if err != nil {
		return r.last, err
	}
	r.last = sess
	if r.opts.OnCommit != nil {
		r.opts.OnCommit(sess, 0)
	}
	if status != model.SessionFailed {
		r.log.Info("scan session finished",
			zap.String("status", string(status)),
			zap.Int("total", sess.Summary.Total),
			zap.Int("high", sess.Summary.High),
			zap.Int("critical", sess.Summary.Critical),
		)
	}
	return sess, nil
}

// commit writes through the store on a context that ignores cancellation:
// the write recording an abort must not be aborted itself.
func (s *Scheduler) commit(ctx context.Context, id string, c model.Commit) (*model.Session, error) {
	sess, err := s.store.AppendAndCheckpoint(context.WithoutCancel(ctx), id, c)
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: checkpoint session %s", id)
	}
	return sess, nil
}
