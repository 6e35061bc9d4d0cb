package email

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dukerupert/chorecheck/internal/model"
	"github.com/dukerupert/chorecheck/internal/notify"
)

type postmarkRecorder struct {
	mu       sync.Mutex
	received []postmarkEmail
	token    string
	status   int
}

func (p *postmarkRecorder) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e postmarkEmail
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			t.Errorf("decode request: %v", err)
		}
		p.mu.Lock()
		p.received = append(p.received, e)
		p.token = r.Header.Get("X-Postmark-Server-Token")
		status := p.status
		p.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		w.Write([]byte(`{"MessageID": "test-id"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSend(t *testing.T) {
	rec := &postmarkRecorder{}
	srv := rec.server(t)

	client := NewClient("test-token", "noreply@example.com", WithAPIURL(srv.URL), WithHTTPClient(srv.Client()))
	err := client.Send(context.Background(), Message{To: "alice@example.com", Subject: "Hello", TextBody: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if rec.token != "test-token" {
		t.Errorf("server token = %q, want %q", rec.token, "test-token")
	}
	if len(rec.received) != 1 {
		t.Fatalf("received %d emails, want 1", len(rec.received))
	}
	got := rec.received[0]
	if got.To != "alice@example.com" || got.From != "noreply@example.com" || got.Subject != "Hello" {
		t.Errorf("email = %+v", got)
	}
}

func TestSendNotConfigured(t *testing.T) {
	client := NewClient("", "noreply@example.com")
	if client.Configured() {
		t.Error("expected Configured() = false")
	}
	if err := client.Send(context.Background(), Message{To: "alice@example.com"}); err == nil {
		t.Fatal("expected error for unconfigured client")
	}
}

func TestSendAPIError(t *testing.T) {
	rec := &postmarkRecorder{status: http.StatusUnprocessableEntity}
	srv := rec.server(t)

	client := NewClient("test-token", "noreply@example.com", WithAPIURL(srv.URL))
	if err := client.Send(context.Background(), Message{To: "alice@example.com"}); err == nil {
		t.Fatal("expected error for API failure")
	}
}

type fakeUsers map[int64]*model.User

func (f fakeUsers) GetByID(id int64) (*model.User, error) {
	if id < 0 {
		return nil, errors.New("db closed")
	}
	return f[id], nil
}

func TestSinkDeliver(t *testing.T) {
	rec := &postmarkRecorder{}
	srv := rec.server(t)

	users := fakeUsers{
		1: {ID: 1, Email: "kid@example.com", Name: "Kid"},
		2: {ID: 2, Name: "No Email"},
	}
	sink := NewSink(NewClient("tok", "noreply@example.com", WithAPIURL(srv.URL)), users, "https://chores.example.com", slog.New(slog.NewTextHandler(io.Discard, nil)))

	ev := notify.Event{
		Kind:         notify.KindSubmissionRejected,
		AssignmentID: 42,
		TaskTitle:    "Dishes",
		DueDate:      "2024-03-10",
		AdminNotes:   "still greasy",
	}
	err := sink.Deliver(context.Background(), ev, []int64{1, 2, -1})
	if err == nil || !strings.Contains(err.Error(), "look up user -1") {
		t.Fatalf("err = %v, want lookup failure for user -1", err)
	}

	if len(rec.received) != 1 {
		t.Fatalf("received %d emails, want 1", len(rec.received))
	}
	got := rec.received[0]
	if got.Subject != "Not approved: Dishes" {
		t.Errorf("subject = %q", got.Subject)
	}
	if !strings.Contains(got.TextBody, "still greasy") || !strings.Contains(got.TextBody, "/assignments/42") {
		t.Errorf("body = %q", got.TextBody)
	}
	if got.Tag != notify.KindSubmissionRejected {
		t.Errorf("tag = %q", got.Tag)
	}
}
