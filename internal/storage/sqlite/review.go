package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ashita-ai/kage/internal/model"
)

func (s *Store) EnqueueReview(ctx context.Context, items []model.ReviewItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	added := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, it := range items {
			if it.QueuedAt.IsZero() {
				it.QueuedAt = now
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO review_queue (decision_id, tool_name, rule_version, reason, confidence_score, match, queued_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (decision_id) DO NOTHING`,
				it.DecisionID, it.ToolName, it.RuleVersion, it.Reason, it.ConfidenceScore, it.Match, ts(it.QueuedAt),
			)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			added += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, persistErr("enqueue review", err)
	}
	return added, nil
}

func (s *Store) ListReviewQueue(ctx context.Context, tool string, limit int) ([]model.ReviewItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT decision_id, tool_name, rule_version, reason, confidence_score, match, queued_at
		 FROM review_queue
		 WHERE (? = '' OR tool_name = ?)
		 ORDER BY queued_at, decision_id
		 LIMIT ?`, tool, tool, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list review queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ReviewItem
	for rows.Next() {
		var (
			it model.ReviewItem
			at string
		)
		if err := rows.Scan(&it.DecisionID, &it.ToolName, &it.RuleVersion, &it.Reason,
			&it.ConfidenceScore, &it.Match, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scan review item: %w", err)
		}
		if it.QueuedAt, err = parseTS(at); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
