// Package client talks to the chorecheck HTTP API. Domain refusals come back as
// the same chore sentinels the server uses, so errors.Is works across the wire.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/dukerupert/chorecheck/internal/chore"
	"github.com/dukerupert/chorecheck/internal/media"
	"github.com/dukerupert/chorecheck/internal/model"
)

// ErrTransport marks failures to reach the server or read its reply. They are safe to retry.
var ErrTransport = errors.New("transport failure")

// APIError is a non-domain error response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether err is a transport failure or a server-side error
// that may succeed on a later attempt.
func Retryable(err error) bool {
	if errors.Is(err, ErrTransport) {
		return true
	}
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode >= 500
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithToken sets the session token sent as a bearer credential.
func WithToken(token string) Option {
	return func(cl *Client) {
		cl.token = token
	}
}

func WithClock(now func() time.Time) Option {
	return func(cl *Client) {
		cl.now = now
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type errorResponse struct {
	Error  string       `json:"error"`
	Reason chore.Reason `json:"reason"`
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return goerr.Wrap(ErrTransport, err.Error(), goerr.V("method", method), goerr.V("path", path))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return goerr.Wrap(ErrTransport, "read response: "+err.Error(), goerr.V("path", path))
	}

	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, data, path)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return goerr.Wrap(ErrTransport, "decode response: "+err.Error(), goerr.V("path", path))
	}
	return nil
}

func decodeError(status int, data []byte, path string) error {
	var er errorResponse
	json.Unmarshal(data, &er)

	if sentinel := chore.ErrorFor(er.Reason); sentinel != nil {
		return goerr.Wrap(sentinel, "request refused", goerr.V("status", status), goerr.V("path", path))
	}
	msg := er.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: msg}
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	if in == nil {
		return c.do(ctx, method, path, nil, "", out)
	}
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, method, path, bytes.NewReader(data), "application/json", out)
}

func assignmentPath(id int64, suffix string) string {
	return "/api/assignments/" + strconv.FormatInt(id, 10) + suffix
}

func (c *Client) GetAssignment(ctx context.Context, id int64) (*model.AssignmentDetail, error) {
	var d model.AssignmentDetail
	if err := c.doJSON(ctx, http.MethodGet, assignmentPath(id, ""), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// CheckSubmissionWindow asks the server for its authoritative verdict. The
// local clock is sent along so the server can report skew.
func (c *Client) CheckSubmissionWindow(ctx context.Context, id int64) (*chore.WindowResult, error) {
	q := url.Values{"client_time": {c.now().Format(time.RFC3339)}}
	var res chore.WindowResult
	if err := c.doJSON(ctx, http.MethodGet, assignmentPath(id, "/window?"+q.Encode()), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) SubmitAssignment(ctx context.Context, id int64, ev model.Evidence) (*model.Assignment, error) {
	var a model.Assignment
	if err := c.doJSON(ctx, http.MethodPost, assignmentPath(id, "/submit"), ev, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) VerifyAssignment(ctx context.Context, id int64, approved bool, adminNotes string) (*model.Assignment, error) {
	in := map[string]any{"verified": approved, "admin_notes": adminNotes}
	var a model.Assignment
	if err := c.doJSON(ctx, http.MethodPost, assignmentPath(id, "/verify"), in, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) ReopenAssignment(ctx context.Context, id int64) (*model.Assignment, error) {
	var a model.Assignment
	if err := c.doJSON(ctx, http.MethodPost, assignmentPath(id, "/reopen"), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) ListAssignments(ctx context.Context, p model.ListParams) (*model.AssignmentPage, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("scope", p.Scope)
	set("status", p.Status)
	set("week_start", p.WeekStart)
	if p.UserID != 0 {
		q.Set("user_id", strconv.FormatInt(p.UserID, 10))
	}
	if p.Week != nil {
		q.Set("week", strconv.Itoa(*p.Week))
	}
	if p.Page > 0 {
		q.Set("page", strconv.Itoa(p.Page))
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}

	path := "/api/assignments"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page model.AssignmentPage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) GetStats(ctx context.Context, householdID int64) (*model.Stats, error) {
	var st model.Stats
	if err := c.doJSON(ctx, http.MethodGet, "/api/households/"+strconv.FormatInt(householdID, 10)+"/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// UploadEvidence stores a photo for the assignment and returns its URL and key.
func (c *Client) UploadEvidence(ctx context.Context, id int64, contentType string, data []byte) (*media.Object, error) {
	var obj media.Object
	if err := c.do(ctx, http.MethodPost, assignmentPath(id, "/evidence"), bytes.NewReader(data), contentType, &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

func (c *Client) DeleteEvidence(ctx context.Context, id int64, key string) error {
	q := url.Values{"key": {key}}
	return c.do(ctx, http.MethodDelete, assignmentPath(id, "/evidence?"+q.Encode()), nil, "", nil)
}
