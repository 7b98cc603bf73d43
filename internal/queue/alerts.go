package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// FailureNotifier posts a webhook alert when a merge job lands in the
// failed-job ledger, with a per-pair cooldown so a redrive loop cannot spam
// the receiver.
type FailureNotifier struct {
	webhookURL string
	authHeader string
	cooldown   time.Duration
	client     *http.Client

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewFailureNotifier(webhookURL, authHeader string, cooldownMinutes int) *FailureNotifier {
	if cooldownMinutes < 0 {
		cooldownMinutes = 0
	}

	return &FailureNotifier{
		webhookURL: strings.TrimSpace(webhookURL),
		authHeader: strings.TrimSpace(authHeader),
		cooldown:   time.Duration(cooldownMinutes) * time.Minute,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		lastSent: make(map[string]time.Time),
	}
}

func (n *FailureNotifier) enabled() bool {
	return n != nil && n.webhookURL != ""
}

func (n *FailureNotifier) NotifyMergeFailed(ctx context.Context, job MergeJob, cause string) (bool, error) {
	if !n.enabled() {
		return false, nil
	}

	if n.cooldown > 0 {
		n.mu.Lock()
		sentAt, seen := n.lastSent[job.ID()]
		if seen && time.Since(sentAt) < n.cooldown {
			n.mu.Unlock()
			return false, nil
		}
		n.lastSent[job.ID()] = time.Now()
		n.mu.Unlock()
	}

	payload := map[string]any{
		"event":     "merge_job_failed",
		"sentAt":    time.Now().UTC().Format(time.RFC3339),
		"projectId": job.ProjectID,
		"oldUserId": job.OldUserID,
		"newUserId": job.NewUserID,
		"attempt":   job.Attempt,
		"error":     cause,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	request.Header.Set("Content-Type", "application/json")
	if n.authHeader != "" {
		request.Header.Set("Authorization", n.authHeader)
	}

	response, err := n.client.Do(request)
	if err != nil {
		return false, err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		rawBody, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return false, fmt.Errorf("webhook status=%d body=%s", response.StatusCode, strings.TrimSpace(string(rawBody)))
	}

	return true, nil
}
