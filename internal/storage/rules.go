package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kage/internal/model"
)

const ruleColumns = `tool_name, version, rule_type, definition, description, active, created_at`

func scanRule(row pgx.Row) (model.RuleDocument, error) {
	var (
		d   model.RuleDocument
		typ string
		def []byte
	)
	if err := row.Scan(&d.ToolName, &d.Version, &typ, &def, &d.Description, &d.Active, &d.CreatedAt); err != nil {
		return model.RuleDocument{}, err
	}
	d.RuleType = model.RuleType(typ)
	d.Definition = def
	return d, nil
}

func collectRules(rows pgx.Rows) ([]model.RuleDocument, error) {
	defer rows.Close()
	var out []model.RuleDocument
	for rows.Next() {
		d, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertRule stores a new, immutable rule document.
func (db *DB) InsertRule(ctx context.Context, doc model.RuleDocument) (model.RuleDocument, error) {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO rule_documents (`+ruleColumns+`) VALUES ($1, $2, $3, $4, $5, false, $6)`,
		doc.ToolName, doc.Version, string(doc.RuleType), []byte(doc.Definition), doc.Description, doc.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.RuleDocument{}, fmt.Errorf("storage: rule %s@%s: %w", doc.ToolName, doc.Version, ErrDuplicate)
		}
		return model.RuleDocument{}, persistErr("insert rule", err)
	}
	doc.Active = false
	db.notifyRules(ctx, doc.ToolName)
	return doc, nil
}

// GetRule retrieves one version of a tool's rule.
func (db *DB) GetRule(ctx context.Context, tool, version string) (model.RuleDocument, error) {
	d, err := scanRule(db.pool.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM rule_documents WHERE tool_name = $1 AND version = $2`, tool, version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RuleDocument{}, fmt.Errorf("storage: rule %s@%s: %w", tool, version, ErrNotFound)
		}
		return model.RuleDocument{}, fmt.Errorf("storage: get rule: %w", err)
	}
	return d, nil
}

// ListRules returns every version of tool, or every document when tool is empty.
func (db *DB) ListRules(ctx context.Context, tool string) ([]model.RuleDocument, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM rule_documents
		 WHERE ($1 = '' OR tool_name = $1)
		 ORDER BY tool_name, created_at, version`, tool)
	if err != nil {
		return nil, fmt.Errorf("storage: list rules: %w", err)
	}
	out, err := collectRules(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: scan rules: %w", err)
	}
	return out, nil
}

// ListActiveRules returns the active version of every tool.
func (db *DB) ListActiveRules(ctx context.Context) ([]model.RuleDocument, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM rule_documents WHERE active ORDER BY tool_name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list active rules: %w", err)
	}
	out, err := collectRules(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: scan active rules: %w", err)
	}
	return out, nil
}

// GetLatestActive returns the active version of tool.
func (db *DB) GetLatestActive(ctx context.Context, tool string) (model.RuleDocument, error) {
	d, err := scanRule(db.pool.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM rule_documents WHERE tool_name = $1 AND active`, tool))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RuleDocument{}, fmt.Errorf("storage: active rule for %s: %w", tool, ErrNotFound)
		}
		return model.RuleDocument{}, fmt.Errorf("storage: get active rule: %w", err)
	}
	return d, nil
}

// ActivateRule makes version the only active version of tool, atomically.
func (db *DB) ActivateRule(ctx context.Context, tool, version string) error {
	// A concurrent activation of another version trips the one-active index;
	// retrying re-reads the committed state and wins cleanly.
	retriable := func(err error) bool { return isRetriable(err) || isUniqueViolation(err) }
	err := Retry(ctx, 3, 10*time.Millisecond, retriable, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin activate tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx,
			`UPDATE rule_documents SET active = false WHERE tool_name = $1 AND active AND version <> $2`,
			tool, version,
		); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE rule_documents SET active = true WHERE tool_name = $1 AND version = $2`, tool, version)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: rule %s@%s: %w", tool, version, ErrNotFound)
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return persistErr("activate rule", err)
	}
	db.notifyRules(ctx, tool)
	return nil
}

// UpsertExperiment creates or replaces the experiment for a tool.
func (db *DB) UpsertExperiment(ctx context.Context, exp model.Experiment) (model.Experiment, error) {
	exp.UpdatedAt = time.Now().UTC()
	_, err := db.pool.Exec(ctx,
		`INSERT INTO rule_experiments (tool_name, control_version, test_version, traffic_split, entity_key_field, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tool_name) DO UPDATE SET
		   control_version = EXCLUDED.control_version,
		   test_version = EXCLUDED.test_version,
		   traffic_split = EXCLUDED.traffic_split,
		   entity_key_field = EXCLUDED.entity_key_field,
		   updated_at = EXCLUDED.updated_at`,
		exp.ToolName, exp.ControlVersion, exp.TestVersion, exp.TrafficSplit, exp.EntityKeyField, exp.UpdatedAt,
	)
	if err != nil {
		if isFKViolation(err) {
			return model.Experiment{}, fmt.Errorf("storage: experiment versions for %s: %w", exp.ToolName, ErrNotFound)
		}
		return model.Experiment{}, persistErr("upsert experiment", err)
	}
	db.notifyRules(ctx, exp.ToolName)
	return exp, nil
}

// DeleteExperiment ends the experiment for tool.
func (db *DB) DeleteExperiment(ctx context.Context, tool string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM rule_experiments WHERE tool_name = $1`, tool)
	if err != nil {
		return persistErr("delete experiment", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: experiment %s: %w", tool, ErrNotFound)
	}
	db.notifyRules(ctx, tool)
	return nil
}

// ListExperiments returns every configured experiment.
func (db *DB) ListExperiments(ctx context.Context) ([]model.Experiment, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT tool_name, control_version, test_version, traffic_split, entity_key_field, updated_at
		 FROM rule_experiments ORDER BY tool_name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list experiments: %w", err)
	}
	defer rows.Close()

	var out []model.Experiment
	for rows.Next() {
		var e model.Experiment
		if err := rows.Scan(&e.ToolName, &e.ControlVersion, &e.TestVersion, &e.TrafficSplit, &e.EntityKeyField, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan experiment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
