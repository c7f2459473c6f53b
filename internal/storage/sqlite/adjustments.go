package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ashita-ai/kage/internal/model"
)

const factorColumns = `tool_name, rule_version, factor, success_rate, avg_confidence, sample_size, calculated_at`

func collectFactors(rows *sql.Rows) ([]model.AdjustmentFactor, error) {
	defer func() { _ = rows.Close() }()
	var out []model.AdjustmentFactor
	for rows.Next() {
		var (
			f  model.AdjustmentFactor
			at string
		)
		if err := rows.Scan(&f.ToolName, &f.RuleVersion, &f.Factor, &f.SuccessRate,
			&f.AvgConfidence, &f.SampleSize, &at); err != nil {
			return nil, err
		}
		t, err := parseTS(at)
		if err != nil {
			return nil, err
		}
		f.CalculatedAt = t
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) InsertAdjustmentFactor(ctx context.Context, f model.AdjustmentFactor) error {
	if f.CalculatedAt.IsZero() {
		f.CalculatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO adjustment_factors (`+factorColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ToolName, f.RuleVersion, f.Factor, f.SuccessRate, f.AvgConfidence, f.SampleSize, ts(f.CalculatedAt),
	)
	if err != nil {
		return persistErr("insert adjustment factor", err)
	}
	return nil
}

func (s *Store) LatestAdjustmentFactors(ctx context.Context) ([]model.AdjustmentFactor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factorColumns+` FROM adjustment_factors a
		 WHERE a.id = (
		     SELECT b.id FROM adjustment_factors b
		     WHERE b.tool_name = a.tool_name AND b.rule_version = a.rule_version
		     ORDER BY b.calculated_at DESC, b.id DESC LIMIT 1)
		 ORDER BY tool_name, rule_version`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: latest adjustment factors: %w", err)
	}
	out, err := collectFactors(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan adjustment factors: %w", err)
	}
	return out, nil
}

func (s *Store) AdjustmentHistory(ctx context.Context, tv model.ToolVersion, limit int) ([]model.AdjustmentFactor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factorColumns+` FROM adjustment_factors
		 WHERE tool_name = ? AND rule_version = ?
		 ORDER BY calculated_at DESC, id DESC LIMIT ?`,
		tv.ToolName, tv.RuleVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: adjustment history: %w", err)
	}
	out, err := collectFactors(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan adjustment history: %w", err)
	}
	return out, nil
}
