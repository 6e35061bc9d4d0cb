package notify_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/slack-go/slack"

	"github.com/dukerupert/chorecheck/internal/model"
	"github.com/dukerupert/chorecheck/internal/notify"
)

type fakeMembers struct {
	admins []model.HouseholdMember
	err    error
}

func (f fakeMembers) ListAdmins(int64) ([]model.HouseholdMember, error) {
	return f.admins, f.err
}

type recordingSink struct {
	name string
	err  error

	mu    sync.Mutex
	calls [][]int64
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, _ notify.Event, userIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, userIDs)
	return s.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var members = fakeMembers{admins: []model.HouseholdMember{{UserID: 1}, {UserID: 2}}}

func TestRecipients(t *testing.T) {
	t.Run("submission goes to every admin", func(t *testing.T) {
		ids, err := notify.Recipients(notify.Event{Kind: notify.KindSubmissionCreated, AssigneeID: 9}, members)
		gt.NoError(t, err).Required()
		gt.Value(t, ids).Equal([]int64{1, 2})
	})

	t.Run("review goes to the assignee only", func(t *testing.T) {
		for _, kind := range []string{notify.KindSubmissionVerified, notify.KindSubmissionRejected} {
			ids, err := notify.Recipients(notify.Event{Kind: kind, AssigneeID: 9}, members)
			gt.NoError(t, err).Required()
			gt.Value(t, ids).Equal([]int64{9})
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := notify.Recipients(notify.Event{Kind: "bogus"}, members)
		gt.Error(t, err)
	})
}

func TestDispatcherDeliversToAllSinks(t *testing.T) {
	ok := &recordingSink{name: "ok"}
	broken := &recordingSink{name: "broken", err: errors.New("connection refused")}
	d := notify.NewDispatcher(members, quietLogger(), broken, ok)

	err := d.Deliver(context.Background(), notify.Event{Kind: notify.KindSubmissionCreated})
	gt.Error(t, err)
	gt.Array(t, ok.calls).Length(1).Required()
	gt.Array(t, broken.calls).Length(1).Required()
	gt.Value(t, ok.calls[0]).Equal([]int64{1, 2})
}

func TestDispatcherNotifyIsAsync(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	d := notify.NewDispatcher(members, quietLogger(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	d.Notify(ctx, notify.Event{Kind: notify.KindSubmissionVerified, AssigneeID: 5})
	cancel()
	d.Wait()

	gt.Array(t, sink.calls).Length(1).Required()
	gt.Value(t, sink.calls[0]).Equal([]int64{5})
}

func TestDispatcherMemberLookupFails(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	d := notify.NewDispatcher(fakeMembers{err: errors.New("db closed")}, quietLogger(), sink)

	gt.Error(t, d.Deliver(context.Background(), notify.Event{Kind: notify.KindSubmissionCreated}))
	gt.Array(t, sink.calls).Length(0)
}

func TestSlackSinkOnlyPostsSubmissions(t *testing.T) {
	var posted []*slack.WebhookMessage
	s := notify.NewSlackSink("https://hooks.slack.test/x", "https://chores.example.com")
	notify.SetSlackPoster(s, func(_ context.Context, url string, msg *slack.WebhookMessage) error {
		gt.Value(t, url).Equal("https://hooks.slack.test/x")
		posted = append(posted, msg)
		return nil
	})

	gt.NoError(t, s.Deliver(context.Background(), notify.Event{Kind: notify.KindSubmissionVerified}, nil))
	gt.Array(t, posted).Length(0)

	ev := notify.Event{Kind: notify.KindSubmissionCreated, AssignmentID: 42, TaskTitle: "Dishes", DueDate: "2024-03-10"}
	gt.NoError(t, s.Deliver(context.Background(), ev, nil))
	gt.Array(t, posted).Length(1).Required()
	gt.String(t, posted[0].Text).Contains("Dishes")
	gt.String(t, posted[0].Text).Contains("https://chores.example.com/assignments/42")
}
