package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kage/internal/model"
)

// InsertFeedback records an outcome for an existing decision.
func (db *DB) InsertFeedback(ctx context.Context, f model.Feedback) (model.Feedback, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	meta := f.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return model.Feedback{}, fmt.Errorf("storage: marshal feedback metadata: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO feedback (id, decision_id, outcome_positive, outcome_type, outcome_value, source, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.DecisionID, f.OutcomePositive, string(f.OutcomeType), f.OutcomeValue, f.Source, metaJSON, f.CreatedAt,
	)
	if err != nil {
		if isFKViolation(err) {
			return model.Feedback{}, fmt.Errorf("storage: decision %s: %w", f.DecisionID, ErrNotFound)
		}
		if isUniqueViolation(err) {
			return model.Feedback{}, fmt.Errorf("storage: feedback %s: %w", f.ID, ErrDuplicate)
		}
		return model.Feedback{}, persistErr("insert feedback", err)
	}
	return f, nil
}

// FeedbackWindow returns feedback for tv's decisions created at or after since.
func (db *DB) FeedbackWindow(ctx context.Context, tv model.ToolVersion, since time.Time) ([]model.FeedbackSample, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT f.id, f.decision_id, f.outcome_positive, f.outcome_type, d.raw_confidence, f.created_at
		 FROM feedback f JOIN decisions d ON d.id = f.decision_id
		 WHERE d.tool_name = $1 AND d.rule_version = $2 AND f.created_at >= $3
		 ORDER BY f.created_at, f.id`,
		tv.ToolName, tv.RuleVersion, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: feedback window: %w", err)
	}
	defer rows.Close()

	var out []model.FeedbackSample
	for rows.Next() {
		var (
			s   model.FeedbackSample
			typ string
		)
		if err := rows.Scan(&s.FeedbackID, &s.DecisionID, &s.OutcomePositive, &typ, &s.ConfidenceScore, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan feedback sample: %w", err)
		}
		s.OutcomeType = model.OutcomeType(typ)
		out = append(out, s)
	}
	return out, rows.Err()
}
