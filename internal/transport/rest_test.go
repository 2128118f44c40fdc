package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"
)

func TestRESTSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if r.URL.Path != "/api/services/light/turn_on" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["entity_id"] != "light.kitchen" {
			t.Errorf("unexpected body %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"entity_id":"light.kitchen","state":"on"}]`))
	}))
	defer srv.Close()

	c := NewREST(RESTConfig{BaseURL: srv.URL + "/", Token: "secret", VerifyTLS: true})
	resp, err := c.Execute(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/api/services/light/turn_on",
		Body:   map[string]any{"entity_id": "light.kitchen"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != 200 || len(resp.Body) == 0 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestRESTStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   Kind
	}{
		{http.StatusUnauthorized, Permanent},
		{http.StatusForbidden, Permanent},
		{http.StatusNotFound, Permanent},
		{http.StatusBadRequest, Permanent},
		{http.StatusTooManyRequests, Transient},
		{http.StatusInternalServerError, Transient},
		{http.StatusBadGateway, Transient},
		{http.StatusServiceUnavailable, Transient},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		c := NewREST(RESTConfig{BaseURL: srv.URL, Token: "t", VerifyTLS: true})
		_, err := c.Execute(context.Background(), Request{Path: "/api/"})
		srv.Close()

		var f *Failure
		if !errors.As(err, &f) {
			t.Errorf("status %d: expected *Failure, got %v", tt.status, err)
			continue
		}
		if f.Kind != tt.kind || f.Status != tt.status {
			t.Errorf("status %d: got kind=%s status=%d", tt.status, f.Kind, f.Status)
		}
	}
}

func TestRESTRetryAfterHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewREST(RESTConfig{BaseURL: srv.URL, Token: "t", VerifyTLS: true})
	_, err := c.Execute(context.Background(), Request{Path: "/api/states"})
	var f *Failure
	if !errors.As(err, &f) || f.RetryAfter != 7*time.Second {
		t.Fatalf("expected RetryAfter=7s, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := parseRetryAfter("3", now); got != 3*time.Second {
		t.Errorf("got %v", got)
	}
	if got := parseRetryAfter("Thu, 01 Jan 2026 12:00:10 GMT", now); got != 10*time.Second {
		t.Errorf("got %v", got)
	}
	for _, v := range []string{"", "-1", "soon", "Thu, 01 Jan 2026 11:00:00 GMT"} {
		if got := parseRetryAfter(v, now); got != 0 {
			t.Errorf("parseRetryAfter(%q) = %v, want 0", v, got)
		}
	}
	for _, v := range []string{"9223372036854775807", "86400000000", "Fri, 01 Jan 2100 00:00:00 GMT"} {
		if got := parseRetryAfter(v, now); got != maxRetryAfter {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", v, got, maxRetryAfter)
		}
	}
}

func TestRESTResponseTooLarge(t *testing.T) {
	body := []byte(`{"entity_id":"light.kitchen"}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	defer srv.Close()

	c := NewREST(RESTConfig{BaseURL: srv.URL, Token: "t", VerifyTLS: true})
	c.maxBody = int64(len(body))
	if _, err := c.Execute(context.Background(), Request{Path: "/api/states"}); err != nil {
		t.Fatalf("body at the limit: %v", err)
	}

	c.maxBody = int64(len(body)) - 1
	_, err := c.Execute(context.Background(), Request{Path: "/api/states"})
	var f *Failure
	if !errors.As(err, &f) || f.Kind != Permanent || !strings.Contains(err.Error(), "response too large") {
		t.Fatalf("expected permanent too-large failure, got %v", err)
	}
	if strings.Contains(err.Error(), "malformed") {
		t.Errorf("oversized body reported as malformed: %v", err)
	}
}

func TestRESTErrorSnippetKeepsRunesWhole(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("x" + strings.Repeat("ü", 200)))
	}))
	defer srv.Close()

	c := NewREST(RESTConfig{BaseURL: srv.URL, Token: "t", VerifyTLS: true})
	_, err := c.Execute(context.Background(), Request{Path: "/api/services/light/turn_on"})
	if err == nil || !utf8.ValidString(err.Error()) {
		t.Errorf("expected valid UTF-8 error, got %q", err)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"aé", 2, "a"},
		{"a€b", 3, "a"},
		{"a€b", 4, "a€"},
		{"€", 0, ""},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestRESTMalformedJSONIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"broken":`))
	}))
	defer srv.Close()

	c := NewREST(RESTConfig{BaseURL: srv.URL, Token: "t", VerifyTLS: true})
	_, err := c.Execute(context.Background(), Request{Path: "/api/states"})
	var f *Failure
	if !errors.As(err, &f) || f.Kind != Permanent {
		t.Fatalf("expected permanent failure, got %v", err)
	}
}

func TestRESTTextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("2026-01-01 ERROR something"))
	}))
	defer srv.Close()

	c := NewREST(RESTConfig{BaseURL: srv.URL, Token: "t", VerifyTLS: true})
	resp, err := c.Execute(context.Background(), Request{Path: "/api/error_log"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Body) != "2026-01-01 ERROR something" {
		t.Errorf("unexpected body %q", resp.Body)
	}
}

func TestRESTConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewREST(RESTConfig{BaseURL: url, Token: "t", VerifyTLS: true})
	_, err := c.Execute(context.Background(), Request{Path: "/api/"})
	var f *Failure
	if !errors.As(err, &f) || f.Kind != Transient {
		t.Fatalf("expected transient failure, got %v", err)
	}
}

func TestRESTTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewREST(RESTConfig{BaseURL: srv.URL, Token: "t", VerifyTLS: true})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Execute(ctx, Request{Path: "/api/"})
	var f *Failure
	if !errors.As(err, &f) || f.Kind != Transient {
		t.Fatalf("expected transient timeout, got %v", err)
	}
}

func TestRESTTLSVerification(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"API running."}`))
	}))
	defer srv.Close()

	strict := NewREST(RESTConfig{BaseURL: srv.URL, Token: "t", VerifyTLS: true})
	_, err := strict.Execute(context.Background(), Request{Path: "/api/"})
	var f *Failure
	if !errors.As(err, &f) || f.Kind != Permanent {
		t.Fatalf("self-signed cert with verification on: expected permanent failure, got %v", err)
	}

	lax := NewREST(RESTConfig{BaseURL: srv.URL, Token: "t", VerifyTLS: false})
	if _, err := lax.Execute(context.Background(), Request{Path: "/api/"}); err != nil {
		t.Fatalf("verification off should connect: %v", err)
	}
}

func TestRESTThroughRetrier(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"API running."}`))
	}))
	defer srv.Close()

	r, rec := testRetrier(3)
	c := NewREST(RESTConfig{BaseURL: srv.URL, Token: "t", VerifyTLS: true})
	_, attempts, err := r.Do(context.Background(), ChannelREST, c, Request{Path: "/api/"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 || calls.Load() != 3 || len(rec.delays) != 2 {
		t.Errorf("attempts=%d calls=%d sleeps=%d", attempts, calls.Load(), len(rec.delays))
	}
}
