package tracker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNotifyEmails_OK(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/trac/bountyfunding/email" {
			t.Errorf("path = %s, want /trac/bountyfunding/email", r.URL.Path)
		}
		calls.Add(1)
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	client := NewClient(ts.URL+"/trac/", time.Second)

	if err := client.NotifyEmails(context.Background()); err != nil {
		t.Fatalf("NotifyEmails error: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestNotifyEmails_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	if err := NewClient(ts.URL, time.Second).NotifyEmails(context.Background()); err == nil {
		t.Fatalf("expected error for 500")
	}
}

func TestNotifyEmails_Timeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	start := time.Now()
	err := NewClient(ts.URL, 50*time.Millisecond).NotifyEmails(context.Background())
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("request was not bounded by timeout")
	}
}

func TestNotifyEmails_NotConfigured(t *testing.T) {
	if err := NewClient("", time.Second).NotifyEmails(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
