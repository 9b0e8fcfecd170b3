package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nucleus/prsync-core/internal/model"
	"github.com/nucleus/prsync-core/internal/store"
)

// BatchItem is one pull request with its fully resolved nested set, queued
// for the next flush.
type BatchItem struct {
	PR     model.PullRequestRecord
	Nested model.NestedSet
}

// Notifier receives post-commit change events. Implemented by
// notify.Dispatcher.
type Notifier interface {
	Publish(ev model.ChangeEvent)
}

// Archiver stages a committed batch to object storage. Implemented by
// archive.Sink. Staging is best effort and never fails a flush.
type Archiver interface {
	StageBatch(ctx context.Context, runID string, prs []model.PullRequestRecord, nested model.NestedSet) error
}

// Writer accumulates resolved pull requests and persists them in bounded
// transactions. One flush is atomic: pull-request upserts plus the full
// delete-and-reinsert of every nested collection in the batch.
type Writer struct {
	entities  store.EntityStore
	notifier  Notifier
	archiver  Archiver
	threshold int
	runID     string
	logger    *slog.Logger
	items     []BatchItem
	flushes   int
}

// NewWriter builds a writer flushing every threshold pull requests.
func NewWriter(entities store.EntityStore, notifier Notifier, archiver Archiver, threshold int, runID string, logger *slog.Logger) *Writer {
	if threshold <= 0 {
		threshold = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		entities:  entities,
		notifier:  notifier,
		archiver:  archiver,
		threshold: threshold,
		runID:     runID,
		logger:    logger.With("component", "writer"),
	}
}

// Add queues one item and flushes when the batch reaches the threshold.
func (w *Writer) Add(ctx context.Context, item BatchItem) error {
	w.items = append(w.items, item)
	if len(w.items) >= w.threshold {
		return w.Flush(ctx)
	}
	return nil
}

// Len reports the number of queued items.
func (w *Writer) Len() int { return len(w.items) }

// Flushes reports how many batches committed.
func (w *Writer) Flushes() int { return w.flushes }

// Discard drops the pending batch. Used on hard failure, where the
// checkpoint falls back far enough to re-fetch the dropped items.
func (w *Writer) Discard() { w.items = nil }

// Flush writes the pending batch in one transaction. On error the batch is
// kept; the caller decides between retrying and discarding.
func (w *Writer) Flush(ctx context.Context) error {
	if len(w.items) == 0 {
		return nil
	}
	items := w.items

	var result *store.UpsertResult
	err := w.entities.InTx(ctx, func(tx store.EntityTx) error {
		// Resolve already-persisted rows first so first-seen timestamps
		// survive and inserts split from updates.
		byRepo := map[int64][]string{}
		for _, it := range items {
			byRepo[it.PR.RepositoryID] = append(byRepo[it.PR.RepositoryID], it.PR.ExternalID)
		}
		existing := map[string]model.PullRequestRecord{}
		for repoID, ids := range byRepo {
			got, err := tx.GetExisting(ctx, repoID, ids)
			if err != nil {
				return err
			}
			for extID, rec := range got {
				existing[extID] = rec
			}
		}

		recs := make([]model.PullRequestRecord, len(items))
		for i, it := range items {
			rec := it.PR
			if prev, ok := existing[rec.ExternalID]; ok {
				rec.ID = prev.ID
				rec.CreatedAt = prev.CreatedAt
			}
			recs[i] = rec
		}

		var err error
		result, err = tx.UpsertPullRequests(ctx, recs)
		if err != nil {
			return err
		}

		written := result.ByExternalID()
		for _, it := range items {
			rec, ok := written[it.PR.ExternalID]
			if !ok || rec.ID == 0 {
				return fmt.Errorf("upsert returned no id for %s", it.PR.ExternalID)
			}
			if err := tx.ReplaceCommits(ctx, rec.ID, it.Nested.Commits); err != nil {
				return err
			}
			if err := tx.ReplaceReviews(ctx, rec.ID, it.Nested.Reviews); err != nil {
				return err
			}
			if err := tx.ReplaceComments(ctx, rec.ID, it.Nested.Comments); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	w.items = nil
	w.flushes++

	// Post-commit side effects. Both are decoupled from extraction: a slow
	// notifier or unreachable archive never fails the flush.
	if w.notifier != nil {
		for _, rec := range result.Inserted {
			w.notifier.Publish(model.ChangeEvent{EntityKind: "pull_request", Op: model.OpInsert, Record: rec})
		}
		for _, rec := range result.Updated {
			w.notifier.Publish(model.ChangeEvent{EntityKind: "pull_request", Op: model.OpUpdate, Record: rec})
		}
	}
	if w.archiver != nil {
		prs := make([]model.PullRequestRecord, 0, len(items))
		var nested model.NestedSet
		for _, it := range items {
			prs = append(prs, it.PR)
			nested.Commits = append(nested.Commits, it.Nested.Commits...)
			nested.Reviews = append(nested.Reviews, it.Nested.Reviews...)
			nested.Comments = append(nested.Comments, it.Nested.Comments...)
		}
		if err := w.archiver.StageBatch(ctx, w.runID, prs, nested); err != nil {
			w.logger.Warn("archive staging failed", "run_id", w.runID, "error", err)
		}
	}

	w.logger.Info("batch flushed",
		"run_id", w.runID,
		"pull_requests", len(items),
		"inserted", len(result.Inserted),
		"updated", len(result.Updated))
	return nil
}
