package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dukerupert/chorecheck/internal/auth"
	"github.com/dukerupert/chorecheck/internal/database"
	"github.com/dukerupert/chorecheck/internal/model"
	"github.com/dukerupert/chorecheck/internal/store"
)

func setupAuthMiddlewareDB(t *testing.T) (*store.SessionStore, *store.HouseholdStore, *model.Session) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	us := store.NewUserStore(db)
	hs := store.NewHouseholdStore(db)
	ss := store.NewSessionStore(db)

	h, _ := hs.Create("Home")
	u, _ := us.Create("admin@example.com", "Admin")
	hs.AddMember(h.ID, u.ID, model.RoleAdmin)
	sess, err := ss.Create(u.ID, h.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return ss, hs, sess
}

func authProbe(got *auth.AuthContext) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, _ := auth.FromContext(r.Context())
		*got = ac
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuthNoToken(t *testing.T) {
	ss, hs, _ := setupAuthMiddlewareDB(t)
	var got auth.AuthContext
	handler := RequireAuth(ss, hs)(authProbe(&got))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/assignments", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}

func TestRequireAuthInvalidToken(t *testing.T) {
	ss, hs, _ := setupAuthMiddlewareDB(t)
	var got auth.AuthContext
	handler := RequireAuth(ss, hs)(authProbe(&got))

	req := httptest.NewRequest("GET", "/api/assignments", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRequireAuthBearer(t *testing.T) {
	ss, hs, sess := setupAuthMiddlewareDB(t)
	var got auth.AuthContext
	handler := RequireAuth(ss, hs)(authProbe(&got))

	req := httptest.NewRequest("GET", "/api/assignments", nil)
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got.UserID != sess.UserID || got.HouseholdID != sess.HouseholdID || got.SessionID != sess.ID {
		t.Errorf("auth context = %+v", got)
	}
	if got.Role != model.RoleAdmin {
		t.Errorf("role = %q, want %q", got.Role, model.RoleAdmin)
	}
}

func TestRequireAuthCookie(t *testing.T) {
	ss, hs, sess := setupAuthMiddlewareDB(t)
	var got auth.AuthContext
	handler := RequireAuth(ss, hs)(authProbe(&got))

	req := httptest.NewRequest("GET", "/ws", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: sess.Token})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRequireAdmin(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	for _, tc := range []struct {
		role string
		want int
	}{
		{model.RoleAdmin, http.StatusOK},
		{model.RoleMember, http.StatusForbidden},
	} {
		req := httptest.NewRequest("POST", "/api/assignments", nil)
		req = req.WithContext(auth.WithAuth(req.Context(), auth.AuthContext{UserID: 1, HouseholdID: 1, Role: tc.role}))
		rec := httptest.NewRecorder()
		RequireAdmin(ok).ServeHTTP(rec, req)

		if rec.Code != tc.want {
			t.Errorf("role %s: status = %d, want %d", tc.role, rec.Code, tc.want)
		}
		if tc.want == http.StatusForbidden && !strings.Contains(rec.Body.String(), `"reason":"FORBIDDEN"`) {
			t.Errorf("body = %s", rec.Body.String())
		}
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "short and stout")
	}))

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("request id = %q", got)
	}
	out := buf.String()
	for _, want := range []string{"request_id=abc-123", "status=418", "bytes=15", "level=WARN"} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %q", out, want)
		}
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected generated request id")
	}
}
