// Package submission drives a member's evidence upload and submit on the client
// side, tracking each attempt so a failure never silently loses the photo.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/chorecheck/internal/chore"
	"github.com/dukerupert/chorecheck/internal/client"
	"github.com/dukerupert/chorecheck/internal/media"
	"github.com/dukerupert/chorecheck/internal/model"
)

// Stage is where an attempt currently is.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageUploading  Stage = "uploading"
	StageUploaded   Stage = "uploaded"
	StageSubmitting Stage = "submitting"
	StageSubmitted  Stage = "submitted"
	StageFailed     Stage = "failed"
	StageCancelled  Stage = "cancelled"
)

var (
	ErrInFlight       = errors.New("a submission for this assignment is already in progress")
	ErrNothingToRetry = errors.New("no failed submission with stored evidence to retry")
)

const (
	settleTimeout      = 10 * time.Second
	defaultBackoffBase = 250 * time.Millisecond
)

// Remote is the authoritative assignment API.
type Remote interface {
	GetAssignment(ctx context.Context, id int64) (*model.AssignmentDetail, error)
	CheckSubmissionWindow(ctx context.Context, id int64) (*chore.WindowResult, error)
	SubmitAssignment(ctx context.Context, id int64, ev model.Evidence) (*model.Assignment, error)
}

// Uploader stores and removes evidence objects.
type Uploader interface {
	UploadEvidence(ctx context.Context, id int64, contentType string, data []byte) (*media.Object, error)
	DeleteEvidence(ctx context.Context, id int64, key string) error
}

type Photo struct {
	ContentType string
	Data        []byte
}

type Request struct {
	AssignmentID int64
	Photo        *Photo
	Notes        string
}

// Error describes a failed attempt. EvidenceSafe means the uploaded photo is
// still stored and Retry will reuse it; otherwise the photo must be captured again.
type Error struct {
	Stage        Stage
	Reason       chore.Reason
	Retryable    bool
	EvidenceSafe bool
	PhotoURL     string
	Err          error
}

func (e *Error) Error() string {
	return fmt.Sprintf("submission failed during %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Attempt is the tracked state of one assignment's submission.
type Attempt struct {
	AssignmentID int64
	Stage        Stage
	Object       *media.Object
	Notes        string
	Err          error
	UpdatedAt    time.Time
}

type Orchestrator struct {
	remote   Remote
	uploader Uploader
	loc      *time.Location
	now      func() time.Time
	backoff  func() retry.Backoff
	logger   *slog.Logger

	mu       sync.Mutex
	attempts map[int64]*Attempt
	inFlight map[int64]bool
}

type Option func(*Orchestrator)

// WithLocation sets the calendar used for the local window check.
func WithLocation(loc *time.Location) Option {
	return func(o *Orchestrator) { o.loc = loc }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithBackoff sets the retry policy for infrastructure failures on submit.
func WithBackoff(fn func() retry.Backoff) Option {
	return func(o *Orchestrator) { o.backoff = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func New(remote Remote, uploader Uploader, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		remote:   remote,
		uploader: uploader,
		loc:      time.Local,
		now:      time.Now,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(defaultBackoffBase))
		},
		logger:   slog.Default(),
		attempts: make(map[int64]*Attempt),
		inFlight: make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "submission")
	return o
}

// Attempt returns a snapshot of the tracked attempt for an assignment.
func (o *Orchestrator) Attempt(id int64) (Attempt, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.attempts[id]
	if !ok {
		return Attempt{AssignmentID: id, Stage: StageIdle}, false
	}
	return *a, true
}

func (o *Orchestrator) begin(id int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[id] {
		return ErrInFlight
	}
	o.inFlight[id] = true
	return nil
}

func (o *Orchestrator) end(id int64) {
	o.mu.Lock()
	delete(o.inFlight, id)
	o.mu.Unlock()
}

func (o *Orchestrator) set(id int64, fn func(a *Attempt)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.attempts[id]
	if !ok {
		a = &Attempt{AssignmentID: id, Stage: StageIdle}
		o.attempts[id] = a
	}
	fn(a)
	a.UpdatedAt = o.now()
}

func (o *Orchestrator) fail(id int64, e *Error) *Error {
	stage := StageFailed
	if (errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded)) && !e.EvidenceSafe {
		stage = StageCancelled
	}
	o.set(id, func(a *Attempt) {
		a.Stage = stage
		a.Err = e
		if !e.EvidenceSafe {
			a.Object = nil
		}
	})
	return e
}

// Submit uploads the photo and submits the assignment. The server's verdict is
// authoritative; the local window check only saves a round trip when both agree
// the window is shut.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*model.Assignment, error) {
	id := req.AssignmentID
	if err := o.begin(id); err != nil {
		return nil, err
	}
	defer o.end(id)

	o.set(id, func(a *Attempt) {
		a.Stage = StageIdle
		a.Object = nil
		a.Err = nil
		a.Notes = req.Notes
	})

	if req.Photo == nil || len(req.Photo.Data) == 0 {
		return nil, o.fail(id, &Error{Stage: StageIdle, Reason: chore.ReasonMissingEvidence, Err: chore.ErrMissingEvidence})
	}
	if err := o.precheck(ctx, id); err != nil {
		return nil, o.fail(id, err)
	}

	o.set(id, func(a *Attempt) { a.Stage = StageUploading })
	obj, err := o.uploader.UploadEvidence(ctx, id, req.Photo.ContentType, req.Photo.Data)
	if err != nil {
		return nil, o.fail(id, &Error{
			Stage:     StageUploading,
			Reason:    chore.ReasonOf(err),
			Retryable: ctx.Err() == nil && client.Retryable(err),
			Err:       err,
		})
	}
	o.set(id, func(a *Attempt) {
		a.Stage = StageUploaded
		a.Object = obj
	})

	if err := ctx.Err(); err != nil {
		o.discard(id, obj)
		return nil, o.fail(id, &Error{Stage: StageUploaded, Err: err})
	}

	return o.submit(ctx, id, obj, req.Notes)
}

// Retry re-attempts the submit of a failed attempt whose photo is still stored.
func (o *Orchestrator) Retry(ctx context.Context, id int64) (*model.Assignment, error) {
	if err := o.begin(id); err != nil {
		return nil, err
	}
	defer o.end(id)

	o.mu.Lock()
	a, ok := o.attempts[id]
	var obj *media.Object
	var notes string
	if ok && a.Stage == StageFailed && a.Object != nil {
		obj, notes = a.Object, a.Notes
	}
	o.mu.Unlock()

	if obj == nil {
		return nil, ErrNothingToRetry
	}
	return o.submit(ctx, id, obj, notes)
}

// Discard abandons a failed attempt and deletes its stored photo.
func (o *Orchestrator) Discard(ctx context.Context, id int64) error {
	if err := o.begin(id); err != nil {
		return err
	}
	defer o.end(id)

	o.mu.Lock()
	a, ok := o.attempts[id]
	delete(o.attempts, id)
	o.mu.Unlock()

	if !ok || a.Object == nil || a.Stage == StageSubmitted {
		return nil
	}
	return o.uploader.DeleteEvidence(ctx, id, a.Object.Key)
}

func (o *Orchestrator) precheck(ctx context.Context, id int64) *Error {
	d, err := o.remote.GetAssignment(ctx, id)
	if err != nil {
		return &Error{Stage: StageIdle, Reason: chore.ReasonOf(err), Retryable: ctx.Err() == nil && client.Retryable(err), Err: err}
	}
	if err := chore.NewMachine(chore.Policy{}).Guard(d.Assignment, chore.ActionSubmit); err != nil {
		return &Error{Stage: StageIdle, Reason: chore.ReasonOf(err), Err: err}
	}

	local, err := chore.EvaluateAssignment(d.Assignment, o.loc, o.now())
	if err != nil || local.CanSubmit {
		return nil
	}

	// Local clock says no; only the server can make that final.
	remote, err := o.remote.CheckSubmissionWindow(ctx, id)
	if err != nil {
		return &Error{Stage: StageIdle, Reason: chore.ReasonOf(err), Retryable: ctx.Err() == nil && client.Retryable(err), Err: err}
	}
	if remote.CanSubmit {
		o.logger.Info("local window check overruled by server", "assignment_id", id, "local_reason", local.Reason)
		return nil
	}
	return &Error{Stage: StageIdle, Reason: remote.Reason, Err: remote.Err()}
}

func (o *Orchestrator) submit(ctx context.Context, id int64, obj *media.Object, notes string) (*model.Assignment, error) {
	o.set(id, func(a *Attempt) {
		a.Stage = StageSubmitting
		a.Err = nil
	})
	ev := model.Evidence{PhotoURL: obj.URL, Notes: notes}

	var result *model.Assignment
	err := retry.Do(ctx, o.backoff(), func(ctx context.Context) error {
		a, err := o.remote.SubmitAssignment(ctx, id, ev)
		if err != nil {
			if client.Retryable(err) {
				o.logger.Warn("submit failed, retrying", "assignment_id", id, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		result = a
		return nil
	})

	// A lost response can leave our own submission applied on the server.
	if errors.Is(err, chore.ErrAlreadySubmitted) {
		if d, gerr := o.lookup(id); gerr == nil && d.PhotoURL == obj.URL {
			result, err = &d.Assignment, nil
		}
	}

	if err == nil {
		o.set(id, func(a *Attempt) {
			a.Stage = StageSubmitted
			a.Object = obj
		})
		return result, nil
	}

	if chore.IsDomain(err) {
		// The server refused the evidence for good; the stored photo is an orphan.
		o.discard(id, obj)
		return nil, o.fail(id, &Error{Stage: StageSubmitting, Reason: chore.ReasonOf(err), Err: err})
	}

	if cerr := ctx.Err(); cerr != nil {
		return o.abandon(id, obj, cerr)
	}

	return nil, o.fail(id, &Error{
		Stage:        StageSubmitting,
		Retryable:    client.Retryable(err),
		EvidenceSafe: true,
		PhotoURL:     obj.URL,
		Err:          goerr.Wrap(err, "submit evidence", goerr.V("assignment_id", id), goerr.V("photo_url", obj.URL)),
	})
}

// abandon settles a submit that was cancelled mid-flight. The request may or may
// not have been applied, so the server is asked which.
func (o *Orchestrator) abandon(id int64, obj *media.Object, cause error) (*model.Assignment, error) {
	d, err := o.lookup(id)
	if err != nil {
		// Unknown outcome: keep the photo so Retry can settle it.
		o.logger.Warn("reconcile cancelled submit", "assignment_id", id, "error", err)
		return nil, o.fail(id, &Error{
			Stage:        StageSubmitting,
			Retryable:    true,
			EvidenceSafe: true,
			PhotoURL:     obj.URL,
			Err:          goerr.Wrap(cause, "submit abandoned with unknown outcome", goerr.V("assignment_id", id), goerr.V("reconcile_error", err.Error())),
		})
	}

	if d.PhotoURL == obj.URL {
		o.logger.Info("cancelled submit was applied", "assignment_id", id)
		o.set(id, func(a *Attempt) {
			a.Stage = StageSubmitted
			a.Object = obj
		})
		return &d.Assignment, nil
	}

	o.discard(id, obj)
	return nil, o.fail(id, &Error{Stage: StageSubmitting, Err: cause})
}

// lookup reads the authoritative assignment outside the caller's context, which
// may already be cancelled.
func (o *Orchestrator) lookup(id int64) (*model.AssignmentDetail, error) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	return o.remote.GetAssignment(ctx, id)
}

// discard deletes an uploaded object. It runs even when ctx is already cancelled.
func (o *Orchestrator) discard(id int64, obj *media.Object) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := o.uploader.DeleteEvidence(ctx, id, obj.Key); err != nil {
		o.logger.Warn("delete orphaned evidence", "assignment_id", id, "key", obj.Key, "error", err)
	}
}
