package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kage/internal/model"
)

const decisionColumns = `id, tool_name, rule_version, ab_group, entity_key, input, legacy_output,
	rule_output, rule_error, explanation, comparison_match, comparison_delta, confidence_score,
	raw_confidence, adjustment_factor, latency_ms, rule_latency_ms, annotations, created_at`

// jsonOrNil marshals v, returning nil (SQL NULL) for nil pointers and slices.
func jsonOrNil(v any) ([]byte, error) {
	switch x := v.(type) {
	case *model.Outcome:
		if x == nil {
			return nil, nil
		}
	case []model.Step:
		if x == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

// decisionArgs flattens d into positional arguments matching decisionColumns.
func decisionArgs(d model.Decision) ([]any, error) {
	input, err := json.Marshal(d.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	legacy, err := json.Marshal(d.LegacyOutput)
	if err != nil {
		return nil, fmt.Errorf("marshal legacy output: %w", err)
	}
	rule, err := jsonOrNil(d.RuleOutput)
	if err != nil {
		return nil, fmt.Errorf("marshal rule output: %w", err)
	}
	expl, err := jsonOrNil(d.Explanation)
	if err != nil {
		return nil, fmt.Errorf("marshal explanation: %w", err)
	}
	ann := d.Annotations
	if ann == nil {
		ann = map[string]any{}
	}
	annJSON, err := json.Marshal(ann)
	if err != nil {
		return nil, fmt.Errorf("marshal annotations: %w", err)
	}
	return []any{
		d.ID, d.ToolName, d.RuleVersion, string(d.ABGroup), d.EntityKey, input, legacy,
		rule, d.RuleError, expl, d.Comparison.Match, d.Comparison.Delta, d.ConfidenceScore,
		d.RawConfidence, d.AdjustmentFactor, d.LatencyMS, d.RuleLatencyMS, annJSON, d.CreatedAt,
	}, nil
}

func scanDecision(row pgx.Row) (model.Decision, error) {
	var (
		d                               model.Decision
		group                           string
		input, legacy, rule, expl, anns []byte
	)
	err := row.Scan(
		&d.ID, &d.ToolName, &d.RuleVersion, &group, &d.EntityKey, &input, &legacy,
		&rule, &d.RuleError, &expl, &d.Comparison.Match, &d.Comparison.Delta, &d.ConfidenceScore,
		&d.RawConfidence, &d.AdjustmentFactor, &d.LatencyMS, &d.RuleLatencyMS, &anns, &d.CreatedAt,
	)
	if err != nil {
		return model.Decision{}, err
	}
	d.ABGroup = model.ABGroup(group)
	if err := DecodeDecisionJSON(&d, input, legacy, rule, expl, anns); err != nil {
		return model.Decision{}, err
	}
	return d, nil
}

// DecodeDecisionJSON fills the JSON-encoded columns of d. Shared by the SQL backends.
func DecodeDecisionJSON(d *model.Decision, input, legacy, rule, expl, anns []byte) error {
	if err := json.Unmarshal(input, &d.Input); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	if err := json.Unmarshal(legacy, &d.LegacyOutput); err != nil {
		return fmt.Errorf("decode legacy output: %w", err)
	}
	if len(rule) > 0 && string(rule) != "null" {
		var o model.Outcome
		if err := json.Unmarshal(rule, &o); err != nil {
			return fmt.Errorf("decode rule output: %w", err)
		}
		d.RuleOutput = &o
	}
	if len(expl) > 0 && string(expl) != "null" {
		if err := json.Unmarshal(expl, &d.Explanation); err != nil {
			return fmt.Errorf("decode explanation: %w", err)
		}
	}
	if len(anns) > 0 {
		if err := json.Unmarshal(anns, &d.Annotations); err != nil {
			return fmt.Errorf("decode annotations: %w", err)
		}
	}
	if len(d.Annotations) == 0 {
		d.Annotations = nil
	}
	return nil
}

// UpsertDecision writes a decision once; duplicates by ID are ignored.
func (db *DB) UpsertDecision(ctx context.Context, d model.Decision) (bool, error) {
	if d.ID == uuid.Nil {
		return false, persistErr("upsert decision", errors.New("decision id is required"))
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	args, err := decisionArgs(d)
	if err != nil {
		return false, persistErr("upsert decision", err)
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO decisions (`+decisionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 ON CONFLICT (id) DO NOTHING`, args...)
	if err != nil {
		return false, persistErr("upsert decision", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetDecision retrieves a decision by ID.
func (db *DB) GetDecision(ctx context.Context, id uuid.UUID) (model.Decision, error) {
	d, err := scanDecision(db.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Decision{}, fmt.Errorf("storage: decision %s: %w", id, ErrNotFound)
		}
		return model.Decision{}, fmt.Errorf("storage: get decision: %w", err)
	}
	return d, nil
}

// AnnotateDecisions adds annotations[key] = value where key is absent.
func (db *DB) AnnotateDecisions(ctx context.Context, ids []uuid.UUID, key string, value any) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	val, err := json.Marshal(value)
	if err != nil {
		return 0, persistErr("annotate decisions", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE decisions
		 SET annotations = annotations || jsonb_build_object($2::text, $3::jsonb)
		 WHERE id = ANY($1) AND NOT (annotations ? $2::text)`,
		ids, key, val,
	)
	if err != nil {
		return 0, persistErr("annotate decisions", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListToolVersions returns distinct (tool, version) pairs with recent decisions.
// Decisions logged without a rule version are excluded.
func (db *DB) ListToolVersions(ctx context.Context, since time.Time) ([]model.ToolVersion, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT tool_name, rule_version FROM decisions
		 WHERE created_at >= $1 AND rule_version <> ''
		 ORDER BY tool_name, rule_version`, since)
	if err != nil {
		return nil, fmt.Errorf("storage: list tool versions: %w", err)
	}
	defer rows.Close()

	var out []model.ToolVersion
	for rows.Next() {
		var tv model.ToolVersion
		if err := rows.Scan(&tv.ToolName, &tv.RuleVersion); err != nil {
			return nil, fmt.Errorf("storage: scan tool version: %w", err)
		}
		out = append(out, tv)
	}
	return out, rows.Err()
}

// WindowStats aggregates decisions and feedback for tv in [since, until).
func (db *DB) WindowStats(ctx context.Context, tv model.ToolVersion, since, until time.Time) (model.WindowStats, error) {
	s := model.WindowStats{ToolVersion: tv, WindowStart: since, WindowEnd: until}
	err := db.pool.QueryRow(ctx,
		`SELECT count(*),
		        COALESCE(avg(d.confidence_score), 0),
		        count(*) FILTER (WHERE d.rule_output IS NOT NULL),
		        count(*) FILTER (WHERE d.rule_output IS NOT NULL AND d.comparison_match),
		        count(*) FILTER (WHERE NOT EXISTS (SELECT 1 FROM feedback f WHERE f.decision_id = d.id))
		 FROM decisions d
		 WHERE d.tool_name = $1 AND d.rule_version = $2 AND d.created_at >= $3 AND d.created_at < $4`,
		tv.ToolName, tv.RuleVersion, since, until,
	).Scan(&s.Decisions, &s.AvgConfidence, &s.ShadowCompared, &s.ShadowMatches, &s.PendingFeedback)
	if err != nil {
		return model.WindowStats{}, fmt.Errorf("storage: decision window stats: %w", err)
	}

	err = db.pool.QueryRow(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE COALESCE(f.outcome_positive, f.outcome_type IN ('converted', 'engaged')))
		 FROM feedback f JOIN decisions d ON d.id = f.decision_id
		 WHERE d.tool_name = $1 AND d.rule_version = $2 AND f.created_at >= $3 AND f.created_at < $4`,
		tv.ToolName, tv.RuleVersion, since, until,
	).Scan(&s.FeedbackSamples, &s.Successes)
	if err != nil {
		return model.WindowStats{}, fmt.Errorf("storage: feedback window stats: %w", err)
	}
	return s, nil
}

// WorstDecisions returns the decisions most worth a manual look.
func (db *DB) WorstDecisions(ctx context.Context, tv model.ToolVersion, since time.Time, limit int) ([]model.Decision, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM decisions
		 WHERE tool_name = $1 AND rule_version = $2 AND created_at >= $3
		 ORDER BY comparison_match ASC, confidence_score ASC, created_at ASC, id ASC
		 LIMIT $4`,
		tv.ToolName, tv.RuleVersion, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: worst decisions: %w", err)
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
