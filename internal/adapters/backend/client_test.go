package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"qrstatus-client/internal/domain/settings"
	"qrstatus-client/internal/infra/apperr"
)

func newTestClient(baseURL string, retries int) *Client {
	return New(Options{BaseURL: baseURL, RPS: 100, TimeoutMS: 2000, RetryAttempts: retries})
}

func TestLoginSendsFormAndParsesProfile(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/login" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("content type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "secret" {
			t.Errorf("form = %v", r.PostForm)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-xyz",
			"token_type":   "bearer",
			"user": map[string]any{
				"username": "admin",
				"role":     "admin",
				"isAdmin":  true,
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 0)
	res, err := c.Login(context.Background(), "admin", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if res.Token != "tok-xyz" || res.User == nil || !res.User.IsAdmin {
		t.Fatalf("result = %+v", res)
	}
}

func TestLoginRejectedReturnsAuthDetail(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Invalid credentials"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3)
	_, err := c.Login(context.Background(), "admin", "wrong")
	if !apperr.Is(err, apperr.KindAuth) {
		t.Fatalf("kind = %q, err = %v", apperr.KindOf(err), err)
	}
	if apperr.MessageOf(err) != "Invalid credentials" {
		t.Errorf("message = %q", apperr.MessageOf(err))
	}
}

func TestAuthErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Invalid credentials"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5)
	if _, err := c.Login(context.Background(), "a", "b"); err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server called %d times, want 1", got)
	}
}

func TestDocumentStatusParsesResponseAndSendsBearer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status/DOC-001/B" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("page") != "2" {
			t.Errorf("page = %q", r.URL.Query().Get("page"))
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(Status{
			DocUID:         "DOC-001",
			Revision:       "B",
			Page:           2,
			BusinessStatus: "Действует",
			EnoviaState:    "RELEASED",
			IsActual:       true,
			ReleasedAt:     "2026-01-15",
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 0)
	status, err := c.DocumentStatus(context.Background(), "tok", "DOC-001", "B", 2)
	if err != nil {
		t.Fatal(err)
	}
	if status.EnoviaState != "RELEASED" || !status.IsActual {
		t.Fatalf("status = %+v", status)
	}
}

func TestDocumentStatusValidatesInput(t *testing.T) {
	t.Parallel()

	c := newTestClient("http://127.0.0.1:0", 0)
	_, err := c.DocumentStatus(context.Background(), "", "  ", "B", 1)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("kind = %q", apperr.KindOf(err))
	}
}

func TestDocumentStatusNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"Документ не найден"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3)
	_, err := c.DocumentStatus(context.Background(), "", "DOC-404", "A", 1)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("kind = %q, err = %v", apperr.KindOf(err), err)
	}
}

func TestDocumentStatusCachesWithinTTL(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(Status{DocUID: "DOC-001", Revision: "A", Page: 1})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 0)
	c.Reconfigure(
		settings.APISettings{BaseURL: srv.URL, TimeoutMS: 2000},
		settings.CacheSettings{Enabled: true, TTLMS: 60000},
	)

	ctx := context.Background()
	for range 3 {
		if _, err := c.DocumentStatus(ctx, "", "DOC-001", "A", 1); err != nil {
			t.Fatal(err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server called %d times, want 1 (cache)", got)
	}

	// Другая страница — другой ключ кэша.
	if _, err := c.DocumentStatus(ctx, "", "DOC-001", "A", 2); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server called %d times, want 2", got)
	}
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(Status{DocUID: "DOC-001", Revision: "A", Page: 1})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 0)
	c.Reconfigure(
		settings.APISettings{BaseURL: srv.URL, TimeoutMS: 2000},
		settings.CacheSettings{Enabled: true, TTLMS: 1},
	)
	// Управляемое время вместо сна.
	current := time.Now()
	c.now = func() time.Time { return current }

	ctx := context.Background()
	if _, err := c.DocumentStatus(ctx, "", "DOC-001", "A", 1); err != nil {
		t.Fatal(err)
	}
	current = current.Add(time.Second)
	if _, err := c.DocumentStatus(ctx, "", "DOC-001", "A", 1); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server called %d times, want 2 (ttl expired)", got)
	}
}

func TestRetryAfterHeaderIsHonored(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"detail":"rate limited"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(Status{DocUID: "DOC-001", Revision: "A", Page: 1})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 0)
	status, err := c.DocumentStatus(context.Background(), "", "DOC-001", "A", 1)
	if err != nil {
		t.Fatal(err)
	}
	if status.DocUID != "DOC-001" {
		t.Fatalf("status = %+v", status)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server called %d times, want 2", got)
	}
}

func TestTransportFailureIsNetworkKind(t *testing.T) {
	t.Parallel()

	c := New(Options{BaseURL: "http://127.0.0.1:1", RPS: 100, TimeoutMS: 200, RetryAttempts: 1})
	_, err := c.DocumentStatus(context.Background(), "", "DOC-001", "A", 1)
	if !apperr.Is(err, apperr.KindNetwork) {
		t.Fatalf("kind = %q, err = %v", apperr.KindOf(err), err)
	}
}
