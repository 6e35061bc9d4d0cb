package submission_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/chorecheck/internal/chore"
	"github.com/dukerupert/chorecheck/internal/client"
	"github.com/dukerupert/chorecheck/internal/media"
	"github.com/dukerupert/chorecheck/internal/model"
	"github.com/dukerupert/chorecheck/internal/submission"
)

var (
	slotDay  = "2024-03-10"
	insideAt = time.Date(2024, 3, 10, 18, 45, 0, 0, time.UTC)
	lateAt   = time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC)
	errNet   = fmt.Errorf("dial tcp: connection refused: %w", client.ErrTransport)
)

type fakeRemote struct {
	mu          sync.Mutex
	assignment  model.Assignment
	window      chore.WindowResult
	windowCalls int
	submitCalls int
	getErr      error
	onSubmit    func(ctx context.Context, call int, ev model.Evidence) error
}

func (f *fakeRemote) GetAssignment(_ context.Context, id int64) (*model.AssignmentDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &model.AssignmentDetail{Assignment: f.assignment}, nil
}

func (f *fakeRemote) CheckSubmissionWindow(_ context.Context, id int64) (*chore.WindowResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windowCalls++
	w := f.window
	return &w, nil
}

func (f *fakeRemote) SubmitAssignment(ctx context.Context, id int64, ev model.Evidence) (*model.Assignment, error) {
	f.mu.Lock()
	f.submitCalls++
	call := f.submitCalls
	onSubmit := f.onSubmit
	f.mu.Unlock()

	if onSubmit != nil {
		if err := onSubmit(ctx, call, ev); err != nil {
			return nil, err
		}
	}
	f.apply(ev)
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.assignment
	return &a, nil
}

func (f *fakeRemote) apply(ev model.Evidence) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := insideAt
	f.assignment.Completed = true
	f.assignment.CompletedAt = &now
	f.assignment.PhotoURL = ev.PhotoURL
	f.assignment.Notes = ev.Notes
}

func (f *fakeRemote) calls() (window, submit int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.windowCalls, f.submitCalls
}

type fakeUploader struct {
	mu       sync.Mutex
	uploads  int
	deleted  []string
	onUpload func(ctx context.Context) error
}

func (f *fakeUploader) UploadEvidence(ctx context.Context, id int64, contentType string, data []byte) (*media.Object, error) {
	f.mu.Lock()
	f.uploads++
	n := f.uploads
	onUpload := f.onUpload
	f.mu.Unlock()

	if onUpload != nil {
		if err := onUpload(ctx); err != nil {
			return nil, err
		}
	}
	key := fmt.Sprintf("%s%d.jpg", media.Prefix(1, id), n)
	return &media.Object{Key: key, URL: "https://cdn.example.com/" + key}, nil
}

func (f *fakeUploader) DeleteEvidence(_ context.Context, id int64, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeUploader) counts() (uploads int, deleted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads, append([]string(nil), f.deleted...)
}

func newFixture(now time.Time) (*fakeRemote, *fakeUploader, *submission.Orchestrator) {
	remote := &fakeRemote{
		assignment: model.Assignment{
			ID:       7,
			DueDate:  slotDay,
			TimeSlot: &model.TimeSlot{StartTime: "18:00", EndTime: "19:00"},
		},
		window: chore.WindowResult{Eligibility: chore.Eligibility{CanSubmit: true, IsToday: true}},
	}
	uploader := &fakeUploader{}
	o := submission.New(remote, uploader,
		submission.WithLocation(time.UTC),
		submission.WithClock(func() time.Time { return now }),
		submission.WithBackoff(func() retry.Backoff {
			return retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond))
		}),
	)
	return remote, uploader, o
}

func photoRequest() submission.Request {
	return submission.Request{
		AssignmentID: 7,
		Photo:        &submission.Photo{ContentType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}},
		Notes:        "bins out",
	}
}

func asError(t *testing.T, err error) *submission.Error {
	t.Helper()
	var se *submission.Error
	gt.Bool(t, errors.As(err, &se)).True().Required()
	return se
}

func TestSubmitSuccess(t *testing.T) {
	remote, uploader, o := newFixture(insideAt)

	a, err := o.Submit(context.Background(), photoRequest())
	gt.NoError(t, err).Required()
	gt.Bool(t, a.Completed).True()
	gt.String(t, a.PhotoURL).Contains("evidence/1/7/")
	gt.Value(t, a.Notes).Equal("bins out")

	att, ok := o.Attempt(7)
	gt.Bool(t, ok).True()
	gt.Value(t, att.Stage).Equal(submission.StageSubmitted)

	windowCalls, submitCalls := remote.calls()
	gt.Value(t, windowCalls).Equal(0)
	gt.Value(t, submitCalls).Equal(1)
	_, deleted := uploader.counts()
	gt.Array(t, deleted).Length(0)
}

func TestSubmitMissingPhoto(t *testing.T) {
	_, uploader, o := newFixture(insideAt)
	req := photoRequest()
	req.Photo = nil

	_, err := o.Submit(context.Background(), req)
	gt.Error(t, err).Is(chore.ErrMissingEvidence)
	se := asError(t, err)
	gt.Value(t, se.Reason).Equal(chore.ReasonMissingEvidence)
	gt.Bool(t, se.Retryable).False()

	uploads, _ := uploader.counts()
	gt.Value(t, uploads).Equal(0)
}

func TestSubmitAlreadySubmittedBeforeUpload(t *testing.T) {
	remote, uploader, o := newFixture(insideAt)
	remote.apply(model.Evidence{PhotoURL: "https://cdn.example.com/earlier.jpg"})

	_, err := o.Submit(context.Background(), photoRequest())
	gt.Error(t, err).Is(chore.ErrAlreadySubmitted)
	uploads, _ := uploader.counts()
	gt.Value(t, uploads).Equal(0)
}

func TestSubmitClosedWhenServerAgrees(t *testing.T) {
	remote, uploader, o := newFixture(lateAt)
	remote.window = chore.WindowResult{Eligibility: chore.Eligibility{IsToday: true, Reason: chore.ReasonWindowClosed}}

	_, err := o.Submit(context.Background(), photoRequest())
	gt.Error(t, err).Is(chore.ErrWindowClosed)
	se := asError(t, err)
	gt.Value(t, se.Stage).Equal(submission.StageIdle)
	gt.Bool(t, se.Retryable).False()

	windowCalls, submitCalls := remote.calls()
	gt.Value(t, windowCalls).Equal(1)
	gt.Value(t, submitCalls).Equal(0)
	uploads, _ := uploader.counts()
	gt.Value(t, uploads).Equal(0)

	att, _ := o.Attempt(7)
	gt.Value(t, att.Stage).Equal(submission.StageFailed)
}

func TestSubmitLocalClockOverruled(t *testing.T) {
	remote, _, o := newFixture(lateAt)

	_, err := o.Submit(context.Background(), photoRequest())
	gt.NoError(t, err).Required()
	windowCalls, submitCalls := remote.calls()
	gt.Value(t, windowCalls).Equal(1)
	gt.Value(t, submitCalls).Equal(1)
}

func TestSubmitInFlight(t *testing.T) {
	remote, _, o := newFixture(insideAt)
	entered := make(chan struct{})
	release := make(chan struct{})
	remote.onSubmit = func(ctx context.Context, call int, ev model.Evidence) error {
		close(entered)
		<-release
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := o.Submit(context.Background(), photoRequest())
		errCh <- err
	}()
	<-entered

	_, err := o.Submit(context.Background(), photoRequest())
	gt.Error(t, err).Is(submission.ErrInFlight)
	_, err = o.Retry(context.Background(), 7)
	gt.Error(t, err).Is(submission.ErrInFlight)

	close(release)
	gt.NoError(t, <-errCh)
}

func TestSubmitRetriesTransportErrors(t *testing.T) {
	remote, _, o := newFixture(insideAt)
	remote.onSubmit = func(ctx context.Context, call int, ev model.Evidence) error {
		if call < 3 {
			return errNet
		}
		return nil
	}

	_, err := o.Submit(context.Background(), photoRequest())
	gt.NoError(t, err).Required()
	_, submitCalls := remote.calls()
	gt.Value(t, submitCalls).Equal(3)
}

func TestSubmitFailureKeepsEvidenceForRetry(t *testing.T) {
	remote, uploader, o := newFixture(insideAt)
	down := true
	remote.onSubmit = func(ctx context.Context, call int, ev model.Evidence) error {
		if down {
			return errNet
		}
		return nil
	}

	_, err := o.Submit(context.Background(), photoRequest())
	se := asError(t, err)
	gt.Value(t, se.Stage).Equal(submission.StageSubmitting)
	gt.Bool(t, se.Retryable).True()
	gt.Bool(t, se.EvidenceSafe).True()
	gt.String(t, se.PhotoURL).Contains("evidence/1/7/")
	gt.Error(t, err).Is(client.ErrTransport)

	att, _ := o.Attempt(7)
	gt.Value(t, att.Stage).Equal(submission.StageFailed)
	gt.Value(t, att.Object).NotNil()

	down = false
	a, err := o.Retry(context.Background(), 7)
	gt.NoError(t, err).Required()
	gt.Value(t, a.PhotoURL).Equal(se.PhotoURL)
	gt.Value(t, a.Notes).Equal("bins out")

	uploads, deleted := uploader.counts()
	gt.Value(t, uploads).Equal(1)
	gt.Array(t, deleted).Length(0)
}

func TestSubmitDomainRejectionDeletesEvidence(t *testing.T) {
	remote, uploader, o := newFixture(insideAt)
	remote.onSubmit = func(ctx context.Context, call int, ev model.Evidence) error {
		return chore.ErrWindowClosed
	}

	_, err := o.Submit(context.Background(), photoRequest())
	gt.Error(t, err).Is(chore.ErrWindowClosed)
	se := asError(t, err)
	gt.Bool(t, se.Retryable).False()
	gt.Bool(t, se.EvidenceSafe).False()

	_, submitCalls := remote.calls()
	gt.Value(t, submitCalls).Equal(1)
	_, deleted := uploader.counts()
	gt.Array(t, deleted).Length(1)

	_, err = o.Retry(context.Background(), 7)
	gt.Error(t, err).Is(submission.ErrNothingToRetry)
}

func TestSubmitLostResponse(t *testing.T) {
	remote, _, o := newFixture(insideAt)
	remote.onSubmit = func(ctx context.Context, call int, ev model.Evidence) error {
		switch call {
		case 1:
			remote.apply(ev)
			return errNet
		default:
			return chore.ErrAlreadySubmitted
		}
	}

	a, err := o.Submit(context.Background(), photoRequest())
	gt.NoError(t, err).Required()
	gt.String(t, a.PhotoURL).Contains("evidence/1/7/")
	att, _ := o.Attempt(7)
	gt.Value(t, att.Stage).Equal(submission.StageSubmitted)
}

func TestUploadFailure(t *testing.T) {
	remote, uploader, o := newFixture(insideAt)
	uploader.onUpload = func(ctx context.Context) error { return errNet }

	_, err := o.Submit(context.Background(), photoRequest())
	se := asError(t, err)
	gt.Value(t, se.Stage).Equal(submission.StageUploading)
	gt.Bool(t, se.EvidenceSafe).False()
	gt.Bool(t, se.Retryable).True()

	_, submitCalls := remote.calls()
	gt.Value(t, submitCalls).Equal(0)
	_, err = o.Retry(context.Background(), 7)
	gt.Error(t, err).Is(submission.ErrNothingToRetry)
}

func TestCancelDuringUpload(t *testing.T) {
	remote, uploader, o := newFixture(insideAt)
	ctx, cancel := context.WithCancel(context.Background())
	uploader.onUpload = func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}

	_, err := o.Submit(ctx, photoRequest())
	gt.Error(t, err).Is(context.Canceled)

	att, _ := o.Attempt(7)
	gt.Value(t, att.Stage).Equal(submission.StageCancelled)
	_, submitCalls := remote.calls()
	gt.Value(t, submitCalls).Equal(0)
}

func TestCancelAfterUploadDeletesObject(t *testing.T) {
	remote, uploader, o := newFixture(insideAt)
	ctx, cancel := context.WithCancel(context.Background())
	uploader.onUpload = func(context.Context) error {
		cancel()
		return nil
	}

	_, err := o.Submit(ctx, photoRequest())
	gt.Error(t, err).Is(context.Canceled)

	_, submitCalls := remote.calls()
	gt.Value(t, submitCalls).Equal(0)
	_, deleted := uploader.counts()
	gt.Array(t, deleted).Length(1)
	att, _ := o.Attempt(7)
	gt.Value(t, att.Stage).Equal(submission.StageCancelled)
}

func TestCancelDuringSubmitDiscardsEvidence(t *testing.T) {
	remote, uploader, o := newFixture(insideAt)
	ctx, cancel := context.WithCancel(context.Background())
	remote.onSubmit = func(ctx context.Context, call int, ev model.Evidence) error {
		cancel()
		return ctx.Err()
	}

	_, err := o.Submit(ctx, photoRequest())
	gt.Error(t, err).Is(context.Canceled)
	se := asError(t, err)
	gt.Value(t, se.Stage).Equal(submission.StageSubmitting)
	gt.Bool(t, se.EvidenceSafe).False()
	gt.Bool(t, se.Retryable).False()

	att, _ := o.Attempt(7)
	gt.Value(t, att.Stage).Equal(submission.StageCancelled)
	gt.Value(t, att.Object).Nil()

	_, submitCalls := remote.calls()
	gt.Value(t, submitCalls).Equal(1)
	_, deleted := uploader.counts()
	gt.Array(t, deleted).Length(1)

	_, err = o.Retry(context.Background(), 7)
	gt.Error(t, err).Is(submission.ErrNothingToRetry)
}

func TestCancelDuringSubmitAlreadyApplied(t *testing.T) {
	remote, uploader, o := newFixture(insideAt)
	ctx, cancel := context.WithCancel(context.Background())
	remote.onSubmit = func(ctx context.Context, call int, ev model.Evidence) error {
		remote.apply(ev)
		cancel()
		return ctx.Err()
	}

	a, err := o.Submit(ctx, photoRequest())
	gt.NoError(t, err).Required()
	gt.String(t, a.PhotoURL).Contains("evidence/1/7/")

	att, _ := o.Attempt(7)
	gt.Value(t, att.Stage).Equal(submission.StageSubmitted)
	_, deleted := uploader.counts()
	gt.Array(t, deleted).Length(0)
}

func TestCancelDuringSubmitUnknownOutcomeKeepsEvidence(t *testing.T) {
	remote, uploader, o := newFixture(insideAt)
	ctx, cancel := context.WithCancel(context.Background())
	remote.onSubmit = func(ctx context.Context, call int, ev model.Evidence) error {
		remote.mu.Lock()
		remote.getErr = errNet
		remote.mu.Unlock()
		cancel()
		return ctx.Err()
	}

	_, err := o.Submit(ctx, photoRequest())
	gt.Error(t, err).Is(context.Canceled)
	se := asError(t, err)
	gt.Bool(t, se.EvidenceSafe).True()
	gt.Bool(t, se.Retryable).True()

	att, _ := o.Attempt(7)
	gt.Value(t, att.Stage).Equal(submission.StageFailed)
	gt.Value(t, att.Object).NotNil()
	_, deleted := uploader.counts()
	gt.Array(t, deleted).Length(0)
}

func TestSubmitNonRetryableAPIErrorKeepsEvidence(t *testing.T) {
	remote, uploader, o := newFixture(insideAt)
	remote.onSubmit = func(ctx context.Context, call int, ev model.Evidence) error {
		return &client.APIError{StatusCode: 401, Message: "session expired"}
	}

	_, err := o.Submit(context.Background(), photoRequest())
	se := asError(t, err)
	gt.Value(t, se.Stage).Equal(submission.StageSubmitting)
	gt.Bool(t, se.Retryable).False()
	gt.Bool(t, se.EvidenceSafe).True()
	gt.String(t, se.PhotoURL).Contains("evidence/1/7/")

	_, submitCalls := remote.calls()
	gt.Value(t, submitCalls).Equal(1)
	_, deleted := uploader.counts()
	gt.Array(t, deleted).Length(0)
	att, _ := o.Attempt(7)
	gt.Value(t, att.Object).NotNil()
}

func TestDiscard(t *testing.T) {
	remote, uploader, o := newFixture(insideAt)
	remote.onSubmit = func(context.Context, int, model.Evidence) error { return errNet }

	_, err := o.Submit(context.Background(), photoRequest())
	gt.Error(t, err)

	gt.NoError(t, o.Discard(context.Background(), 7)).Required()
	_, deleted := uploader.counts()
	gt.Array(t, deleted).Length(1)

	att, ok := o.Attempt(7)
	gt.Bool(t, ok).False()
	gt.Value(t, att.Stage).Equal(submission.StageIdle)
}

func TestCountdown(t *testing.T) {
	a := model.Assignment{DueDate: slotDay, TimeSlot: &model.TimeSlot{EndTime: "19:00"}}

	var mu sync.Mutex
	var ticks []chore.Eligibility
	c, err := submission.NewCountdown(a, time.UTC, func(e chore.Eligibility) {
		mu.Lock()
		ticks = append(ticks, e)
		mu.Unlock()
	})
	gt.NoError(t, err).Required()
	submission.SetCountdownClock(c, func() time.Time { return insideAt }, 5*time.Millisecond)

	c.Start(context.Background())
	c.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	c.Stop()

	mu.Lock()
	n := len(ticks)
	first := ticks[0]
	mu.Unlock()
	gt.Number(t, n).Greater(1)
	gt.Bool(t, first.CanSubmit).True()
	gt.Value(t, *first.TimeLeftSeconds).Equal(int64(2700))

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	gt.Value(t, len(ticks)).Equal(n)
	mu.Unlock()

	c.Stop()
}

func TestCountdownStopFromCallback(t *testing.T) {
	a := model.Assignment{DueDate: slotDay, TimeSlot: &model.TimeSlot{EndTime: "19:00"}}

	var (
		mu    sync.Mutex
		ticks int
		c     *submission.Countdown
	)
	stopped := make(chan struct{})
	c, err := submission.NewCountdown(a, time.UTC, func(e chore.Eligibility) {
		mu.Lock()
		ticks++
		first := ticks == 1
		mu.Unlock()
		if first {
			c.Stop()
			close(stopped)
		}
	})
	gt.NoError(t, err).Required()
	submission.SetCountdownClock(c, func() time.Time { return insideAt }, 5*time.Millisecond)

	c.Start(context.Background())
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop called from the tick callback did not return")
	}

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	gt.Value(t, ticks).Equal(1)
	mu.Unlock()
	c.Stop()
}

func TestCountdownBadDate(t *testing.T) {
	_, err := submission.NewCountdown(model.Assignment{DueDate: "tomorrow"}, time.UTC, func(chore.Eligibility) {})
	gt.Error(t, err)
}
