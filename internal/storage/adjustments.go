package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kage/internal/model"
)

const factorColumns = `tool_name, rule_version, factor, success_rate, avg_confidence, sample_size, calculated_at`

func collectFactors(rows pgx.Rows) ([]model.AdjustmentFactor, error) {
	defer rows.Close()
	var out []model.AdjustmentFactor
	for rows.Next() {
		var f model.AdjustmentFactor
		if err := rows.Scan(&f.ToolName, &f.RuleVersion, &f.Factor, &f.SuccessRate,
			&f.AvgConfidence, &f.SampleSize, &f.CalculatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// InsertAdjustmentFactor appends a factor to the history.
func (db *DB) InsertAdjustmentFactor(ctx context.Context, f model.AdjustmentFactor) error {
	if f.CalculatedAt.IsZero() {
		f.CalculatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO adjustment_factors (`+factorColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.ToolName, f.RuleVersion, f.Factor, f.SuccessRate, f.AvgConfidence, f.SampleSize, f.CalculatedAt,
	)
	if err != nil {
		return persistErr("insert adjustment factor", err)
	}
	return nil
}

// LatestAdjustmentFactors returns the newest factor of every (tool, version).
func (db *DB) LatestAdjustmentFactors(ctx context.Context) ([]model.AdjustmentFactor, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT ON (tool_name, rule_version) `+factorColumns+`
		 FROM adjustment_factors
		 ORDER BY tool_name, rule_version, calculated_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: latest adjustment factors: %w", err)
	}
	out, err := collectFactors(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: scan adjustment factors: %w", err)
	}
	return out, nil
}

// AdjustmentHistory returns up to limit factors for tv, newest first.
func (db *DB) AdjustmentHistory(ctx context.Context, tv model.ToolVersion, limit int) ([]model.AdjustmentFactor, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+factorColumns+` FROM adjustment_factors
		 WHERE tool_name = $1 AND rule_version = $2
		 ORDER BY calculated_at DESC, id DESC
		 LIMIT $3`,
		tv.ToolName, tv.RuleVersion, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: adjustment history: %w", err)
	}
	out, err := collectFactors(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: scan adjustment history: %w", err)
	}
	return out, nil
}
