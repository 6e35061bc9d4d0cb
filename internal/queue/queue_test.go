package queue_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/dukerupert/chorecheck/internal/chore"
	"github.com/dukerupert/chorecheck/internal/model"
	"github.com/dukerupert/chorecheck/internal/queue"
)

type fakeRemote struct {
	mu          sync.Mutex
	assignments []model.Assignment
	listCalls   int
	listErr     error
	verifyErr   error
	// beforeVerify runs inside VerifyAssignment before the review is applied.
	beforeVerify func()
}

func (f *fakeRemote) ListAssignments(_ context.Context, p model.ListParams) (*model.AssignmentPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	start := (p.Page - 1) * p.Limit
	end := min(start+p.Limit, len(f.assignments))
	items := []model.Assignment{}
	if start < len(f.assignments) {
		items = append(items, f.assignments[start:end]...)
	}
	return &model.AssignmentPage{Items: items, Total: len(f.assignments), Page: p.Page, Limit: p.Limit}, nil
}

func (f *fakeRemote) VerifyAssignment(_ context.Context, id int64, approved bool, notes string) (*model.Assignment, error) {
	if f.beforeVerify != nil {
		f.beforeVerify()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	for i := range f.assignments {
		a := &f.assignments[i]
		if a.ID != id {
			continue
		}
		m := chore.NewMachine(chore.Policy{})
		if err := m.Review(a, approved, notes, 1, time.Now()); err != nil {
			return nil, err
		}
		out := *a
		return &out, nil
	}
	return nil, chore.ErrNotFound
}

func (f *fakeRemote) review(id int64, approved bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.assignments {
		if f.assignments[i].ID == id {
			chore.NewMachine(chore.Policy{}).Review(&f.assignments[i], approved, "", 2, time.Now())
		}
	}
}

func submitted(id int64) model.Assignment {
	now := time.Now()
	return model.Assignment{ID: id, Completed: true, CompletedAt: &now, PhotoURL: "p"}
}

func newRemote() *fakeRemote {
	yes, no := true, false
	now := time.Now()
	return &fakeRemote{assignments: []model.Assignment{
		submitted(1),
		submitted(2),
		{ID: 3, Completed: true, CompletedAt: &now, Verified: &yes},
		{ID: 4, Completed: true, CompletedAt: &now, Verified: &no},
		{ID: 5},
	}}
}

func ids(items []queue.Item) []int64 {
	out := make([]int64, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRefreshPartitions(t *testing.T) {
	q := queue.New(newRemote(), queue.WithLogger(quietLogger()))
	gt.NoError(t, q.Refresh(context.Background())).Required()

	s := q.Snapshot()
	gt.Value(t, ids(s.Pending)).Equal([]int64{1, 2})
	gt.Value(t, ids(s.Verified)).Equal([]int64{3})
	gt.Value(t, ids(s.Rejected)).Equal([]int64{4})
	gt.Bool(t, s.RefreshedAt.IsZero()).False()
}

func TestRefreshPages(t *testing.T) {
	r := &fakeRemote{}
	for i := int64(1); i <= 450; i++ {
		r.assignments = append(r.assignments, submitted(i))
	}
	q := queue.New(r, queue.WithLogger(quietLogger()))
	gt.NoError(t, q.Refresh(context.Background())).Required()

	gt.Array(t, q.Snapshot().Pending).Length(450)
	gt.Value(t, r.listCalls).Equal(3)
}

func TestApproveMovesSpeculatively(t *testing.T) {
	r := newRemote()
	q := queue.New(r, queue.WithLogger(quietLogger()))
	gt.NoError(t, q.Refresh(context.Background())).Required()

	var during queue.Snapshot
	r.beforeVerify = func() { during = q.Snapshot() }

	out, err := q.Approve(context.Background(), 1, "great")
	gt.NoError(t, err).Required()
	gt.Value(t, out).Equal(queue.OutcomeApplied)

	gt.Value(t, ids(during.Pending)).Equal([]int64{2})
	gt.Value(t, ids(during.Verified)).Equal([]int64{3, 1})
	gt.Bool(t, during.Verified[1].Speculative).True()

	after := q.Snapshot()
	gt.Value(t, ids(after.Verified)).Equal([]int64{1, 3})
	for _, it := range after.Verified {
		gt.Bool(t, it.Speculative).False()
	}
}

func TestRejectAlreadyActed(t *testing.T) {
	r := newRemote()
	q := queue.New(r, queue.WithLogger(quietLogger()))
	gt.NoError(t, q.Refresh(context.Background())).Required()

	// Another admin approves first.
	r.review(2, true)

	out, err := q.Reject(context.Background(), 2, "nope")
	gt.NoError(t, err).Required()
	gt.Value(t, out).Equal(queue.OutcomeAlreadyActed)

	s := q.Snapshot()
	gt.Value(t, ids(s.Pending)).Equal([]int64{1})
	gt.Value(t, ids(s.Verified)).Equal([]int64{2, 3})
	gt.Value(t, ids(s.Rejected)).Equal([]int64{4})
}

func TestAlreadyActedWithRefreshFailureUndoesMove(t *testing.T) {
	r := newRemote()
	q := queue.New(r, queue.WithLogger(quietLogger()))
	gt.NoError(t, q.Refresh(context.Background())).Required()

	// Another admin approves first, then the list endpoint goes down.
	r.review(2, true)
	r.mu.Lock()
	r.listErr = errors.New("connection reset")
	r.mu.Unlock()

	out, err := q.Reject(context.Background(), 2, "nope")
	gt.NoError(t, err).Required()
	gt.Value(t, out).Equal(queue.OutcomeAlreadyActed)

	s := q.Snapshot()
	gt.Value(t, ids(s.Pending)).Equal([]int64{1, 2})
	gt.Value(t, ids(s.Rejected)).Equal([]int64{4})
	for _, it := range s.Pending {
		gt.Bool(t, it.Speculative).False()
	}
}

func TestReviewFailureReconciles(t *testing.T) {
	r := newRemote()
	q := queue.New(r, queue.WithLogger(quietLogger()))
	gt.NoError(t, q.Refresh(context.Background())).Required()
	r.verifyErr = errors.New("connection reset")

	_, err := q.Approve(context.Background(), 1, "")
	gt.Error(t, err)

	s := q.Snapshot()
	gt.Value(t, ids(s.Pending)).Equal([]int64{1, 2})
	gt.Value(t, ids(s.Verified)).Equal([]int64{3})
	gt.Value(t, r.listCalls).Equal(2)
}

func TestReviewFailureWithRefreshFailureRestores(t *testing.T) {
	r := newRemote()
	q := queue.New(r, queue.WithLogger(quietLogger()))
	gt.NoError(t, q.Refresh(context.Background())).Required()
	r.verifyErr = errors.New("connection reset")
	r.listErr = errors.New("connection reset")

	_, err := q.Reject(context.Background(), 1, "")
	gt.Error(t, err)

	s := q.Snapshot()
	gt.Value(t, ids(s.Pending)).Equal([]int64{1, 2})
	gt.Value(t, ids(s.Rejected)).Equal([]int64{4})
}

func TestPoller(t *testing.T) {
	r := newRemote()
	q := queue.New(r, queue.WithLogger(quietLogger()))
	p := queue.NewPoller(q, 5*time.Millisecond, quietLogger())

	got := make(chan queue.Snapshot, 100)
	unsubscribe := p.Subscribe(func(s queue.Snapshot) {
		select {
		case got <- s:
		default:
		}
	})

	p.Start(context.Background())
	select {
	case s := <-got:
		gt.Array(t, s.Pending).Length(2)
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}

	r.review(1, false)
	deadline := time.After(time.Second)
	for {
		var s queue.Snapshot
		select {
		case s = <-got:
		case <-deadline:
			t.Fatal("poller did not pick up the review")
		}
		if len(s.Rejected) == 2 {
			break
		}
	}

	unsubscribe()
	p.Stop()
	p.Stop()

	r.mu.Lock()
	calls := r.listCalls
	r.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	r.mu.Lock()
	gt.Value(t, r.listCalls).Equal(calls)
	r.mu.Unlock()
}

func TestPollerStopFromSubscriber(t *testing.T) {
	r := newRemote()
	q := queue.New(r, queue.WithLogger(quietLogger()))
	p := queue.NewPoller(q, 5*time.Millisecond, quietLogger())

	stopped := make(chan struct{})
	var once sync.Once
	p.Subscribe(func(queue.Snapshot) {
		once.Do(func() {
			p.Stop()
			close(stopped)
		})
	})

	p.Start(context.Background())
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop called from a subscriber did not return")
	}

	time.Sleep(10 * time.Millisecond)
	r.mu.Lock()
	calls := r.listCalls
	r.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	r.mu.Lock()
	gt.Value(t, r.listCalls).Equal(calls)
	r.mu.Unlock()

	// The poller can be started again afterwards.
	got := make(chan struct{}, 1)
	p.Subscribe(func(queue.Snapshot) {
		select {
		case got <- struct{}{}:
		default:
		}
	})
	p.Start(context.Background())
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("restarted poller published nothing")
	}
	p.Stop()
}
