package identity

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ashida/shopquest/internal/store"
)

func TestGenerateAnonID(t *testing.T) {
	id, err := generateAnonID()
	if err != nil {
		t.Fatalf("generateAnonID: %v", err)
	}
	if !isValidAnonID(id) {
		t.Errorf("generated ID fails validation: %q", id)
	}

	other, err := generateAnonID()
	if err != nil {
		t.Fatalf("generateAnonID: %v", err)
	}
	if id == other {
		t.Error("two generated IDs collided")
	}
}

func TestIsValidAnonID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"anon_0123456789abcdef0123456789abcdef", true},
		{"anon_0123456789ABCDEF0123456789ABCDEF", false},
		{"anon_short", false},
		{"user_0123456789abcdef0123456789abcdef", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isValidAnonID(tt.id); got != tt.want {
			t.Errorf("isValidAnonID(%q): got %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestSanitizeSessionID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"tab-1", "tab-1"},
		{"  tab.2  ", "tab.2"},
		{"", DefaultSessionIDValue},
		{"has spaces", DefaultSessionIDValue},
		{"семь", DefaultSessionIDValue},
	}
	for _, tt := range tests {
		if got := sanitizeSessionID(tt.in); got != tt.want {
			t.Errorf("sanitizeSessionID(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMiddlewareIssuesAnonCookie(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	var gotUserID, gotSessionID string
	handler := Middleware(repo, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserIDFromContext(r.Context())
		gotSessionID = SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SessionHeaderName, "tab-7")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !isValidAnonID(gotUserID) {
		t.Errorf("context user ID invalid: %q", gotUserID)
	}
	if gotSessionID != "tab-7" {
		t.Errorf("session ID: got %q, want tab-7", gotSessionID)
	}

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == AnonCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("anonymous cookie not set")
	}
	if cookie.Value != gotUserID {
		t.Errorf("cookie value %q does not match context user %q", cookie.Value, gotUserID)
	}
	if !cookie.HttpOnly {
		t.Error("anonymous cookie must be HttpOnly")
	}

	// The user row is created on first sight.
	user, err := repo.GetUser(req.Context(), gotUserID)
	if err != nil || user == nil {
		t.Fatalf("user not ensured: %+v err=%v", user, err)
	}

	// A second request with the cookie keeps the same identity.
	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.AddCookie(cookie)
	rec2 := httptest.NewRecorder()
	firstID := gotUserID
	handler.ServeHTTP(rec2, req2)
	if gotUserID != firstID {
		t.Errorf("identity changed across requests: %q -> %q", firstID, gotUserID)
	}
}
