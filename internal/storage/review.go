package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kage/internal/model"
)

// EnqueueReview inserts review items in one batch. Decisions already queued
// are skipped.
func (db *DB) EnqueueReview(ctx context.Context, items []model.ReviewItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, it := range items {
		if it.QueuedAt.IsZero() {
			it.QueuedAt = now
		}
		batch.Queue(
			`INSERT INTO review_queue (decision_id, tool_name, rule_version, reason, confidence_score, match, queued_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (decision_id) DO NOTHING`,
			it.DecisionID, it.ToolName, it.RuleVersion, it.Reason, it.ConfidenceScore, it.Match, it.QueuedAt,
		)
	}

	br := db.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	added := 0
	for range items {
		tag, err := br.Exec()
		if err != nil {
			return added, persistErr("enqueue review", err)
		}
		added += int(tag.RowsAffected())
	}
	return added, nil
}

// ListReviewQueue returns queued items, oldest first. An empty tool lists all tools.
func (db *DB) ListReviewQueue(ctx context.Context, tool string, limit int) ([]model.ReviewItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT decision_id, tool_name, rule_version, reason, confidence_score, match, queued_at
		 FROM review_queue
		 WHERE ($1 = '' OR tool_name = $1)
		 ORDER BY queued_at, decision_id
		 LIMIT $2`, tool, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list review queue: %w", err)
	}
	defer rows.Close()

	var out []model.ReviewItem
	for rows.Next() {
		var it model.ReviewItem
		if err := rows.Scan(&it.DecisionID, &it.ToolName, &it.RuleVersion, &it.Reason,
			&it.ConfidenceScore, &it.Match, &it.QueuedAt); err != nil {
			return nil, fmt.Errorf("storage: scan review item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
