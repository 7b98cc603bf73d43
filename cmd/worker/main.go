package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"userstitch/internal/audit"
	"userstitch/internal/config"
	"userstitch/internal/merge"
	"userstitch/internal/queue"
	"userstitch/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	mergeQueue, err := queue.NewRedisQueue(
		cfg.RedisAddr,
		cfg.MergeQueueName,
		cfg.ConsumerName,
		cfg.MergeMaxAttempts,
		cfg.MergeRetryBackoff(),
	)
	if err != nil {
		log.Fatalf("merge queue connection failed: %v", err)
	}
	defer mergeQueue.Close()

	if cfg.FailureWebhookURL != "" {
		mergeQueue.SetFailureNotifier(queue.NewFailureNotifier(
			cfg.FailureWebhookURL,
			cfg.FailureWebhookAuthHeader,
			cfg.FailureAlertCooldownMinutes,
		))
	}

	auditStore := newAuditStore(ctx, cfg)
	defer auditStore.Close()

	orchestrator := merge.NewOrchestrator(db, cfg.SessionBuffer())

	log.Printf(
		"merge worker started queue=%s consumer=%s buffer=%s",
		cfg.MergeQueueName,
		cfg.ConsumerName,
		cfg.SessionBuffer(),
	)

	err = mergeQueue.Consume(ctx, func(jobCtx context.Context, job queue.MergeJob) error {
		result, err := orchestrator.Run(jobCtx, job.ProjectID, job.OldUserID, job.NewUserID)
		if err != nil {
			if merge.IsPermanent(err) {
				return queue.Fatal(err)
			}
			return err
		}

		if result.NoOp {
			log.Printf("merge no-op job=%s (old user has no events)", job.ID())
			return nil
		}

		log.Printf(
			"merge applied job=%s uid=%s events=%d remapped=%d migrated=%d updated=%d deleted=%d",
			job.ID(),
			job.JobUID,
			result.TotalEvents,
			result.RemappedEvents,
			result.MigratedSessions,
			result.UpdatedSessions,
			result.DeletedSessions,
		)

		storeAuditReport(jobCtx, auditStore, result)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("merge consumer stopped: %v", err)
	}

	log.Printf("merge worker shut down")
}

func newAuditStore(ctx context.Context, cfg config.Config) audit.Store {
	if cfg.S3Bucket == "" {
		return audit.NewNoopStore()
	}

	s3Store, err := audit.NewS3Store(ctx, cfg.S3Region, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket)
	if err != nil {
		log.Printf("audit store unavailable (%v), merge reports disabled", err)
		return audit.NewNoopStore()
	}
	return s3Store
}

// storeAuditReport archives the merge summary. Failures are logged only:
// the merge itself already applied, and retrying the job for a missing
// report would redo work for no data benefit.
func storeAuditReport(ctx context.Context, auditStore audit.Store, result merge.Result) {
	payload, err := json.Marshal(result)
	if err != nil {
		log.Printf("merge report marshal failed project=%s err=%v", result.ProjectID, err)
		return
	}

	key := audit.ReportKey(result.ProjectID, result.OldUserID, result.NewUserID, result.AppliedAt)
	if err := auditStore.StoreJSON(ctx, key, payload); err != nil && !errors.Is(err, audit.ErrNotConfigured) {
		log.Printf("merge report upload failed key=%s err=%v", key, err)
	}
}
