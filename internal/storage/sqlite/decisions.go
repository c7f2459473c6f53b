package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/storage"
)

const decisionColumns = `id, tool_name, rule_version, ab_group, entity_key, input, legacy_output,
	rule_output, rule_error, explanation, comparison_match, comparison_delta, confidence_score,
	raw_confidence, adjustment_factor, latency_ms, rule_latency_ms, annotations, created_at`

func nullJSON(v any, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func scanDecision(row scanner) (model.Decision, error) {
	var (
		d                   model.Decision
		group, input, leg   string
		anns, at            string
		rule, ruleErr, expl sql.NullString
		delta               sql.NullFloat64
	)
	err := row.Scan(
		&d.ID, &d.ToolName, &d.RuleVersion, &group, &d.EntityKey, &input, &leg,
		&rule, &ruleErr, &expl, &d.Comparison.Match, &delta, &d.ConfidenceScore,
		&d.RawConfidence, &d.AdjustmentFactor, &d.LatencyMS, &d.RuleLatencyMS, &anns, &at,
	)
	if err != nil {
		return model.Decision{}, err
	}
	d.ABGroup = model.ABGroup(group)
	if ruleErr.Valid {
		d.RuleError = &ruleErr.String
	}
	if delta.Valid {
		d.Comparison.Delta = &delta.Float64
	}
	if d.CreatedAt, err = parseTS(at); err != nil {
		return model.Decision{}, err
	}
	err = storage.DecodeDecisionJSON(&d, []byte(input), []byte(leg), []byte(rule.String), []byte(expl.String), []byte(anns))
	return d, err
}

func (s *Store) UpsertDecision(ctx context.Context, d model.Decision) (bool, error) {
	if d.ID == uuid.Nil {
		return false, persistErr("upsert decision", errors.New("decision id is required"))
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	input, err := json.Marshal(d.Input)
	if err != nil {
		return false, persistErr("upsert decision", err)
	}
	legacy, err := json.Marshal(d.LegacyOutput)
	if err != nil {
		return false, persistErr("upsert decision", err)
	}
	rule, err := nullJSON(d.RuleOutput, d.RuleOutput == nil)
	if err != nil {
		return false, persistErr("upsert decision", err)
	}
	expl, err := nullJSON(d.Explanation, d.Explanation == nil)
	if err != nil {
		return false, persistErr("upsert decision", err)
	}
	ann := d.Annotations
	if ann == nil {
		ann = map[string]any{}
	}
	annJSON, err := json.Marshal(ann)
	if err != nil {
		return false, persistErr("upsert decision", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (`+decisionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		d.ID, d.ToolName, d.RuleVersion, string(d.ABGroup), d.EntityKey, string(input), string(legacy),
		rule, d.RuleError, expl, d.Comparison.Match, d.Comparison.Delta, d.ConfidenceScore,
		d.RawConfidence, d.AdjustmentFactor, d.LatencyMS, d.RuleLatencyMS, string(annJSON), ts(d.CreatedAt),
	)
	if err != nil {
		return false, persistErr("upsert decision", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("upsert decision", err)
	}
	return n == 1, nil
}

func (s *Store) GetDecision(ctx context.Context, id uuid.UUID) (model.Decision, error) {
	d, err := scanDecision(s.db.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id))
	if err != nil {
		if notFound(err) {
			return model.Decision{}, fmt.Errorf("sqlite: decision %s: %w", id, storage.ErrNotFound)
		}
		return model.Decision{}, fmt.Errorf("sqlite: get decision: %w", err)
	}
	return d, nil
}

// AnnotateDecisions merges the key in Go; SQLite's JSON path syntax does not
// quote arbitrary keys safely.
func (s *Store) AnnotateDecisions(ctx context.Context, ids []uuid.UUID, key string, value any) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return 0, persistErr("annotate decisions", err)
	}
	updated := 0
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			var raw string
			err := tx.QueryRowContext(ctx, `SELECT annotations FROM decisions WHERE id = ?`, id).Scan(&raw)
			if notFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			anns := map[string]json.RawMessage{}
			if err := json.Unmarshal([]byte(raw), &anns); err != nil {
				return err
			}
			if _, ok := anns[key]; ok {
				continue
			}
			anns[key] = encoded
			merged, err := json.Marshal(anns)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE decisions SET annotations = ? WHERE id = ?`, string(merged), id); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, persistErr("annotate decisions", err)
	}
	return updated, nil
}

func (s *Store) ListToolVersions(ctx context.Context, since time.Time) ([]model.ToolVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT tool_name, rule_version FROM decisions
		 WHERE created_at >= ? AND rule_version <> ''
		 ORDER BY tool_name, rule_version`, ts(since))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tool versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ToolVersion
	for rows.Next() {
		var tv model.ToolVersion
		if err := rows.Scan(&tv.ToolName, &tv.RuleVersion); err != nil {
			return nil, fmt.Errorf("sqlite: scan tool version: %w", err)
		}
		out = append(out, tv)
	}
	return out, rows.Err()
}

func (s *Store) WindowStats(ctx context.Context, tv model.ToolVersion, since, until time.Time) (model.WindowStats, error) {
	st := model.WindowStats{ToolVersion: tv, WindowStart: since, WindowEnd: until}
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*),
		        COALESCE(avg(d.confidence_score), 0),
		        COALESCE(sum(CASE WHEN d.rule_output IS NOT NULL THEN 1 ELSE 0 END), 0),
		        COALESCE(sum(CASE WHEN d.rule_output IS NOT NULL AND d.comparison_match = 1 THEN 1 ELSE 0 END), 0),
		        COALESCE(sum(CASE WHEN NOT EXISTS (SELECT 1 FROM feedback f WHERE f.decision_id = d.id) THEN 1 ELSE 0 END), 0)
		 FROM decisions d
		 WHERE d.tool_name = ? AND d.rule_version = ? AND d.created_at >= ? AND d.created_at < ?`,
		tv.ToolName, tv.RuleVersion, ts(since), ts(until),
	).Scan(&st.Decisions, &st.AvgConfidence, &st.ShadowCompared, &st.ShadowMatches, &st.PendingFeedback)
	if err != nil {
		return model.WindowStats{}, fmt.Errorf("sqlite: decision window stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT count(*),
		        COALESCE(sum(CASE
		            WHEN f.outcome_positive IS NOT NULL THEN f.outcome_positive
		            WHEN f.outcome_type IN ('converted', 'engaged') THEN 1
		            ELSE 0 END), 0)
		 FROM feedback f JOIN decisions d ON d.id = f.decision_id
		 WHERE d.tool_name = ? AND d.rule_version = ? AND f.created_at >= ? AND f.created_at < ?`,
		tv.ToolName, tv.RuleVersion, ts(since), ts(until),
	).Scan(&st.FeedbackSamples, &st.Successes)
	if err != nil {
		return model.WindowStats{}, fmt.Errorf("sqlite: feedback window stats: %w", err)
	}
	return st, nil
}

func (s *Store) WorstDecisions(ctx context.Context, tv model.ToolVersion, since time.Time, limit int) ([]model.Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions
		 WHERE tool_name = ? AND rule_version = ? AND created_at >= ?
		 ORDER BY comparison_match ASC, confidence_score ASC, created_at ASC, id ASC
		 LIMIT ?`,
		tv.ToolName, tv.RuleVersion, ts(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: worst decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
