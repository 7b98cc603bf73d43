package queue

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNotifyMergeFailedPostsWebhook(t *testing.T) {
	var received map[string]any
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("webhook body not json: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewFailureNotifier(server.URL, "Bearer hook-secret", 0)
	job := testJob()
	job.Attempt = 3

	sent, err := notifier.NotifyMergeFailed(context.Background(), job, "retries exhausted")
	if err != nil {
		t.Fatalf("NotifyMergeFailed failed: %v", err)
	}
	if !sent {
		t.Fatalf("expected the alert to be sent")
	}

	if gotAuth != "Bearer hook-secret" {
		t.Fatalf("expected auth header to be forwarded, got %q", gotAuth)
	}
	if received["event"] != "merge_job_failed" || received["projectId"] != "proj-1" {
		t.Fatalf("unexpected alert payload: %+v", received)
	}
	if received["error"] != "retries exhausted" {
		t.Fatalf("expected the cause in the payload, got %+v", received)
	}
}

func TestNotifyMergeFailedCooldownSuppressesRepeats(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewFailureNotifier(server.URL, "", 10)

	sent, err := notifier.NotifyMergeFailed(context.Background(), testJob(), "boom")
	if err != nil || !sent {
		t.Fatalf("first alert should send, got sent=%v err=%v", sent, err)
	}

	sent, err = notifier.NotifyMergeFailed(context.Background(), testJob(), "boom again")
	if err != nil {
		t.Fatalf("suppressed alert errored: %v", err)
	}
	if sent {
		t.Fatalf("repeat alert inside the cooldown must be suppressed")
	}

	// A different pair is not affected by the first pair's cooldown.
	other := testJob()
	other.OldUserID = "anon-2"
	sent, err = notifier.NotifyMergeFailed(context.Background(), other, "boom")
	if err != nil || !sent {
		t.Fatalf("unrelated pair should send, got sent=%v err=%v", sent, err)
	}

	if calls != 2 {
		t.Fatalf("expected two webhook deliveries, got %d", calls)
	}
}

func TestNotifyMergeFailedErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	notifier := NewFailureNotifier(server.URL, "", 0)
	if _, err := notifier.NotifyMergeFailed(context.Background(), testJob(), "boom"); err == nil {
		t.Fatalf("expected an error for a non-2xx webhook response")
	}
}

func TestNotifyMergeFailedDisabledWithoutURL(t *testing.T) {
	notifier := NewFailureNotifier("", "", 5)
	sent, err := notifier.NotifyMergeFailed(context.Background(), testJob(), "boom")
	if err != nil || sent {
		t.Fatalf("notifier without a URL must be a no-op, got sent=%v err=%v", sent, err)
	}
}
