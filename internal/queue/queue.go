// Package queue keeps an admin's view of a household's submissions split into
// pending, verified and rejected buckets.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/dukerupert/chorecheck/internal/chore"
	"github.com/dukerupert/chorecheck/internal/model"
)

// Remote is the authoritative assignment API the queue reads and reviews through.
type Remote interface {
	ListAssignments(ctx context.Context, p model.ListParams) (*model.AssignmentPage, error)
	VerifyAssignment(ctx context.Context, id int64, approved bool, adminNotes string) (*model.Assignment, error)
}

// Outcome is the result of an approve or reject.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	// OutcomeAlreadyActed means another admin reviewed the submission first.
	OutcomeAlreadyActed Outcome = "already_acted"
)

// Item is a queued assignment. Speculative items reflect a local review the
// server has not yet confirmed through a refresh.
type Item struct {
	model.Assignment
	Speculative bool `json:"speculative"`
}

type Snapshot struct {
	Pending     []Item    `json:"pending"`
	Verified    []Item    `json:"verified"`
	Rejected    []Item    `json:"rejected"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

func (s Snapshot) Get(b chore.Bucket) []Item {
	switch b {
	case chore.BucketPending:
		return s.Pending
	case chore.BucketVerified:
		return s.Verified
	case chore.BucketRejected:
		return s.Rejected
	}
	return nil
}

func (s *Snapshot) ptr(b chore.Bucket) *[]Item {
	switch b {
	case chore.BucketVerified:
		return &s.Verified
	case chore.BucketRejected:
		return &s.Rejected
	}
	return &s.Pending
}

func (s Snapshot) clone() Snapshot {
	return Snapshot{
		Pending:     slices.Clone(s.Pending),
		Verified:    slices.Clone(s.Verified),
		Rejected:    slices.Clone(s.Rejected),
		RefreshedAt: s.RefreshedAt,
	}
}

type Queue struct {
	remote Remote
	params model.ListParams
	now    func() time.Time
	logger *slog.Logger

	mu   sync.Mutex
	snap Snapshot
}

type Option func(*Queue)

// WithParams narrows the refresh listing, for example to one week.
func WithParams(p model.ListParams) Option {
	return func(q *Queue) { q.params = p }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

func New(remote Remote, opts ...Option) *Queue {
	q := &Queue{remote: remote, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "queue")
	return q
}

// Snapshot returns a copy of the current buckets.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snap.clone()
}

// Refresh replaces every bucket with an authoritative read, clearing speculative marks.
func (q *Queue) Refresh(ctx context.Context) error {
	var all []model.Assignment
	p := q.params
	p.Page, p.Limit = 1, model.MaxPageLimit
	for {
		page, err := q.remote.ListAssignments(ctx, p)
		if err != nil {
			return goerr.Wrap(err, "refresh queue", goerr.V("page", p.Page))
		}
		all = append(all, page.Items...)
		if len(page.Items) == 0 || len(all) >= page.Total {
			break
		}
		p.Page++
	}

	b := chore.Partition(all)
	snap := Snapshot{
		Pending:     items(b.Pending),
		Verified:    items(b.Verified),
		Rejected:    items(b.Rejected),
		RefreshedAt: q.now(),
	}

	q.mu.Lock()
	q.snap = snap
	q.mu.Unlock()
	return nil
}

func items(as []model.Assignment) []Item {
	out := make([]Item, 0, len(as))
	for _, a := range as {
		out = append(out, Item{Assignment: a})
	}
	return out
}

func (q *Queue) Approve(ctx context.Context, id int64, adminNotes string) (Outcome, error) {
	return q.review(ctx, id, true, adminNotes)
}

func (q *Queue) Reject(ctx context.Context, id int64, adminNotes string) (Outcome, error) {
	return q.review(ctx, id, false, adminNotes)
}

// review moves the item out of Pending at once, asks the server, and then always
// reconciles with a refresh. Unless the review was applied, the speculative move
// is undone whenever the refresh cannot replace it: the item may have been decided
// the other way by someone else.
func (q *Queue) review(ctx context.Context, id int64, approved bool, adminNotes string) (Outcome, error) {
	before := q.speculate(id, approved, adminNotes)

	_, verr := q.remote.VerifyAssignment(ctx, id, approved, adminNotes)

	if verr != nil && !chore.IsGuardFailure(verr) {
		q.restore(before)
	}
	if rerr := q.Refresh(ctx); rerr != nil {
		q.logger.Warn("reconcile after review failed", "assignment_id", id, "error", rerr)
		if verr == nil {
			return OutcomeApplied, nil
		}
		q.restore(before)
	}

	switch {
	case verr == nil:
		return OutcomeApplied, nil
	case chore.IsGuardFailure(verr):
		q.logger.Info("submission already reviewed elsewhere", "assignment_id", id, "reason", chore.ReasonOf(verr))
		return OutcomeAlreadyActed, nil
	default:
		return "", fmt.Errorf("review assignment %d: %w", id, verr)
	}
}

func (q *Queue) speculate(id int64, approved bool, adminNotes string) Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	before := q.snap.clone()

	i := slices.IndexFunc(q.snap.Pending, func(it Item) bool { return it.ID == id })
	if i < 0 {
		return before
	}
	it := q.snap.Pending[i]
	q.snap.Pending = slices.Delete(q.snap.Pending, i, i+1)

	it.Verified = &approved
	it.AdminNotes = adminNotes
	it.Speculative = true
	target := chore.BucketRejected
	if approved {
		target = chore.BucketVerified
	}
	dst := q.snap.ptr(target)
	*dst = append(*dst, it)
	return before
}

func (q *Queue) restore(s Snapshot) {
	q.mu.Lock()
	q.snap = s
	q.mu.Unlock()
}
