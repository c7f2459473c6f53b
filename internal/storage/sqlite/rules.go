package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/storage"
)

const ruleColumns = `tool_name, version, rule_type, definition, description, active, created_at`

type scanner interface{ Scan(dest ...any) error }

func scanRule(row scanner) (model.RuleDocument, error) {
	var (
		d            model.RuleDocument
		typ, def, at string
	)
	if err := row.Scan(&d.ToolName, &d.Version, &typ, &def, &d.Description, &d.Active, &at); err != nil {
		return model.RuleDocument{}, err
	}
	created, err := parseTS(at)
	if err != nil {
		return model.RuleDocument{}, err
	}
	d.RuleType = model.RuleType(typ)
	d.Definition = []byte(def)
	d.CreatedAt = created
	return d, nil
}

func (s *Store) queryRules(ctx context.Context, q string, args ...any) ([]model.RuleDocument, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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

func (s *Store) InsertRule(ctx context.Context, doc model.RuleDocument) (model.RuleDocument, error) {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	doc.Active = false
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rule_documents (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, 0, ?)`,
		doc.ToolName, doc.Version, string(doc.RuleType), string(doc.Definition), doc.Description, ts(doc.CreatedAt),
	)
	if err != nil {
		if isUnique(err) {
			return model.RuleDocument{}, fmt.Errorf("sqlite: rule %s@%s: %w", doc.ToolName, doc.Version, storage.ErrDuplicate)
		}
		return model.RuleDocument{}, persistErr("insert rule", err)
	}
	return doc, nil
}

func (s *Store) GetRule(ctx context.Context, tool, version string) (model.RuleDocument, error) {
	d, err := scanRule(s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM rule_documents WHERE tool_name = ? AND version = ?`, tool, version))
	if err != nil {
		if notFound(err) {
			return model.RuleDocument{}, fmt.Errorf("sqlite: rule %s@%s: %w", tool, version, storage.ErrNotFound)
		}
		return model.RuleDocument{}, fmt.Errorf("sqlite: get rule: %w", err)
	}
	return d, nil
}

func (s *Store) ListRules(ctx context.Context, tool string) ([]model.RuleDocument, error) {
	out, err := s.queryRules(ctx,
		`SELECT `+ruleColumns+` FROM rule_documents
		 WHERE (? = '' OR tool_name = ?)
		 ORDER BY tool_name, created_at, version`, tool, tool)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list rules: %w", err)
	}
	return out, nil
}

func (s *Store) ListActiveRules(ctx context.Context) ([]model.RuleDocument, error) {
	out, err := s.queryRules(ctx,
		`SELECT `+ruleColumns+` FROM rule_documents WHERE active = 1 ORDER BY tool_name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list active rules: %w", err)
	}
	return out, nil
}

func (s *Store) GetLatestActive(ctx context.Context, tool string) (model.RuleDocument, error) {
	d, err := scanRule(s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM rule_documents WHERE tool_name = ? AND active = 1`, tool))
	if err != nil {
		if notFound(err) {
			return model.RuleDocument{}, fmt.Errorf("sqlite: active rule for %s: %w", tool, storage.ErrNotFound)
		}
		return model.RuleDocument{}, fmt.Errorf("sqlite: get active rule: %w", err)
	}
	return d, nil
}

func (s *Store) ActivateRule(ctx context.Context, tool, version string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM rule_documents WHERE tool_name = ? AND version = ?`, tool, version).Scan(&one)
		if notFound(err) {
			return fmt.Errorf("sqlite: rule %s@%s: %w", tool, version, storage.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE rule_documents SET active = 0 WHERE tool_name = ? AND active = 1`, tool); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE rule_documents SET active = 1 WHERE tool_name = ? AND version = ?`, tool, version)
		return err
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return persistErr("activate rule", err)
	}
	return err
}

func (s *Store) UpsertExperiment(ctx context.Context, exp model.Experiment) (model.Experiment, error) {
	exp.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rule_experiments (tool_name, control_version, test_version, traffic_split, entity_key_field, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tool_name) DO UPDATE SET
		   control_version = excluded.control_version,
		   test_version = excluded.test_version,
		   traffic_split = excluded.traffic_split,
		   entity_key_field = excluded.entity_key_field,
		   updated_at = excluded.updated_at`,
		exp.ToolName, exp.ControlVersion, exp.TestVersion, exp.TrafficSplit, exp.EntityKeyField, ts(exp.UpdatedAt),
	)
	if err != nil {
		if isForeignKey(err) {
			return model.Experiment{}, fmt.Errorf("sqlite: experiment versions for %s: %w", exp.ToolName, storage.ErrNotFound)
		}
		return model.Experiment{}, persistErr("upsert experiment", err)
	}
	return exp, nil
}

func (s *Store) DeleteExperiment(ctx context.Context, tool string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rule_experiments WHERE tool_name = ?`, tool)
	if err != nil {
		return persistErr("delete experiment", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: experiment %s: %w", tool, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListExperiments(ctx context.Context) ([]model.Experiment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_name, control_version, test_version, traffic_split, entity_key_field, updated_at
		 FROM rule_experiments ORDER BY tool_name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list experiments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Experiment
	for rows.Next() {
		var (
			e  model.Experiment
			at string
		)
		if err := rows.Scan(&e.ToolName, &e.ControlVersion, &e.TestVersion, &e.TrafficSplit, &e.EntityKeyField, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scan experiment: %w", err)
		}
		if e.UpdatedAt, err = parseTS(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
