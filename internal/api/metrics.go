package api

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"userstitch/internal/queue"
)

type apiMetrics struct {
	startedAtUnix           int64
	queueStatsProvider      queue.StatsProvider
	mergesEnqueuedTotal     atomic.Int64
	mergesDedupedTotal      atomic.Int64
	enqueueErrorsTotal      atomic.Int64
	redriveRunsTotal        atomic.Int64
	redrivenJobsTotal       atomic.Int64
	queueMetricsErrorsTotal atomic.Int64
}

func newAPIMetrics(queueStatsProvider queue.StatsProvider) *apiMetrics {
	return &apiMetrics{
		startedAtUnix:      time.Now().Unix(),
		queueStatsProvider: queueStatsProvider,
	}
}

func (m *apiMetrics) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	uptimeSeconds := time.Now().Unix() - m.startedAtUnix
	_, _ = fmt.Fprintf(w, "# HELP userstitch_uptime_seconds Process uptime in seconds.\n")
	_, _ = fmt.Fprintf(w, "# TYPE userstitch_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "userstitch_uptime_seconds %d\n", uptimeSeconds)

	_, _ = fmt.Fprintf(w, "# HELP userstitch_merges_enqueued_total Accepted merge jobs.\n")
	_, _ = fmt.Fprintf(w, "# TYPE userstitch_merges_enqueued_total counter\n")
	_, _ = fmt.Fprintf(w, "userstitch_merges_enqueued_total %d\n", m.mergesEnqueuedTotal.Load())

	_, _ = fmt.Fprintf(w, "# HELP userstitch_merges_deduped_total Merge requests dropped as duplicates of an in-flight pair.\n")
	_, _ = fmt.Fprintf(w, "# TYPE userstitch_merges_deduped_total counter\n")
	_, _ = fmt.Fprintf(w, "userstitch_merges_deduped_total %d\n", m.mergesDedupedTotal.Load())

	_, _ = fmt.Fprintf(w, "# HELP userstitch_enqueue_errors_total Merge enqueue failures.\n")
	_, _ = fmt.Fprintf(w, "# TYPE userstitch_enqueue_errors_total counter\n")
	_, _ = fmt.Fprintf(w, "userstitch_enqueue_errors_total %d\n", m.enqueueErrorsTotal.Load())

	_, _ = fmt.Fprintf(w, "# HELP userstitch_redrive_runs_total Dead-letter redrive invocations.\n")
	_, _ = fmt.Fprintf(w, "# TYPE userstitch_redrive_runs_total counter\n")
	_, _ = fmt.Fprintf(w, "userstitch_redrive_runs_total %d\n", m.redriveRunsTotal.Load())

	_, _ = fmt.Fprintf(w, "# HELP userstitch_redriven_jobs_total Merge jobs re-enqueued from the failed ledger.\n")
	_, _ = fmt.Fprintf(w, "# TYPE userstitch_redriven_jobs_total counter\n")
	_, _ = fmt.Fprintf(w, "userstitch_redriven_jobs_total %d\n", m.redrivenJobsTotal.Load())

	if m.queueStatsProvider != nil {
		stats, err := m.queueStatsProvider.QueueStats(r.Context())
		if err != nil {
			m.queueMetricsErrorsTotal.Add(1)
		} else {
			_, _ = fmt.Fprintf(w, "# HELP userstitch_merge_queue_depth Jobs waiting in the merge stream.\n")
			_, _ = fmt.Fprintf(w, "# TYPE userstitch_merge_queue_depth gauge\n")
			_, _ = fmt.Fprintf(w, "userstitch_merge_queue_depth %d\n", stats.StreamDepth)

			_, _ = fmt.Fprintf(w, "# HELP userstitch_merge_queue_pending Jobs delivered but not yet acknowledged.\n")
			_, _ = fmt.Fprintf(w, "# TYPE userstitch_merge_queue_pending gauge\n")
			_, _ = fmt.Fprintf(w, "userstitch_merge_queue_pending %d\n", stats.Pending)

			_, _ = fmt.Fprintf(w, "# HELP userstitch_merge_queue_retry_depth Jobs waiting on retry backoff.\n")
			_, _ = fmt.Fprintf(w, "# TYPE userstitch_merge_queue_retry_depth gauge\n")
			_, _ = fmt.Fprintf(w, "userstitch_merge_queue_retry_depth %d\n", stats.RetryDepth)

			_, _ = fmt.Fprintf(w, "# HELP userstitch_merge_queue_failed_depth Jobs parked in the failed ledger.\n")
			_, _ = fmt.Fprintf(w, "# TYPE userstitch_merge_queue_failed_depth gauge\n")
			_, _ = fmt.Fprintf(w, "userstitch_merge_queue_failed_depth %d\n", stats.FailedDepth)

			_, _ = fmt.Fprintf(w, "# HELP userstitch_merge_queue_unprocessable_depth Payloads parked as unparseable.\n")
			_, _ = fmt.Fprintf(w, "# TYPE userstitch_merge_queue_unprocessable_depth gauge\n")
			_, _ = fmt.Fprintf(w, "userstitch_merge_queue_unprocessable_depth %d\n", stats.Unprocessable)
		}
	}

	_, _ = fmt.Fprintf(w, "# HELP userstitch_queue_metrics_errors_total Queue stat collection failures.\n")
	_, _ = fmt.Fprintf(w, "# TYPE userstitch_queue_metrics_errors_total counter\n")
	_, _ = fmt.Fprintf(w, "userstitch_queue_metrics_errors_total %d\n", m.queueMetricsErrorsTotal.Load())
}
