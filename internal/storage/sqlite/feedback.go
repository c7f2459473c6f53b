package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/storage"
)

func (s *Store) InsertFeedback(ctx context.Context, f model.Feedback) (model.Feedback, error) {
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
		return model.Feedback{}, fmt.Errorf("sqlite: marshal feedback metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, decision_id, outcome_positive, outcome_type, outcome_value, source, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.DecisionID, f.OutcomePositive, string(f.OutcomeType), f.OutcomeValue, f.Source, string(metaJSON), ts(f.CreatedAt),
	)
	if err != nil {
		if isForeignKey(err) {
			return model.Feedback{}, fmt.Errorf("sqlite: decision %s: %w", f.DecisionID, storage.ErrNotFound)
		}
		if isUnique(err) {
			return model.Feedback{}, fmt.Errorf("sqlite: feedback %s: %w", f.ID, storage.ErrDuplicate)
		}
		return model.Feedback{}, persistErr("insert feedback", err)
	}
	return f, nil
}

func (s *Store) FeedbackWindow(ctx context.Context, tv model.ToolVersion, since time.Time) ([]model.FeedbackSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.id, f.decision_id, f.outcome_positive, f.outcome_type, d.raw_confidence, f.created_at
		 FROM feedback f JOIN decisions d ON d.id = f.decision_id
		 WHERE d.tool_name = ? AND d.rule_version = ? AND f.created_at >= ?
		 ORDER BY f.created_at, f.id`,
		tv.ToolName, tv.RuleVersion, ts(since),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: feedback window: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.FeedbackSample
	for rows.Next() {
		var (
			smp     model.FeedbackSample
			pos     sql.NullBool
			typ, at string
		)
		if err := rows.Scan(&smp.FeedbackID, &smp.DecisionID, &pos, &typ, &smp.ConfidenceScore, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scan feedback sample: %w", err)
		}
		if pos.Valid {
			smp.OutcomePositive = &pos.Bool
		}
		smp.OutcomeType = model.OutcomeType(typ)
		if smp.CreatedAt, err = parseTS(at); err != nil {
			return nil, err
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}
