package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/PiotrMackowski/ClosedSTIG/internal/audit"
	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
)

const targetColumns = `id, name, ip_address, platform, port, username, config_path, is_active, last_audit_at, created_at`

// CreateTarget inserts a target.
func (s *Store) CreateTarget(ctx context.Context, t *audit.Target) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO targets (`+targetColumns+`) VALUES (`+placeholders(10)+`)`,
		t.ID, t.Name, t.IPAddress, string(t.Platform), t.Port, t.Username, t.ConfigPath,
		t.IsActive, nullTime(t.LastAuditAt), formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert target: %w", err)
	}
	return nil
}

// GetTarget retrieves a target by id.
func (s *Store) GetTarget(ctx context.Context, id string) (*audit.Target, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+targetColumns+` FROM targets WHERE id = ?`), id)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("target", id)
	}
	return t, err
}

// ListTargets returns every target ordered by name.
func (s *Store) ListTargets(ctx context.Context) ([]audit.Target, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+targetColumns+` FROM targets ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	out := []audit.Target{}
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTarget(row scanner) (*audit.Target, error) {
	var (
		t          audit.Target
		platform   string
		lastAudit  sql.NullString
		createdRaw string
	)
	err := row.Scan(&t.ID, &t.Name, &t.IPAddress, &platform, &t.Port, &t.Username, &t.ConfigPath,
		&t.IsActive, &lastAudit, &createdRaw)
	if err != nil {
		return nil, err
	}
	t.Platform = parser.Platform(platform)
	t.LastAuditAt = parseNullTime(lastAudit)
	t.CreatedAt = parseTime(createdRaw)
	return &t, nil
}

const definitionColumns = `id, stig_id, title, version, release_date, description, created_at`

// CreateDefinition inserts a definition and its rules in one transaction.
func (s *Store) CreateDefinition(ctx context.Context, d *audit.Definition, rs []rules.Rule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = s.exec(ctx, tx,
		`INSERT INTO definitions (`+definitionColumns+`) VALUES (`+placeholders(7)+`)`,
		d.ID, d.STIGID, d.Title, d.Version, nullTime(d.ReleaseDate), d.Description, formatTime(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}

	if len(rs) > 0 {
		stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO definition_rules
			(definition_id, position, rule_id, vuln_id, group_id, title, severity, description, check_text, fix_text, ccis, legacy_ids, check_spec)
			VALUES (`+placeholders(13)+`)`))
		if err != nil {
			return fmt.Errorf("prepare rule insert: %w", err)
		}
		defer stmt.Close()

		for i, r := range rs {
			ccis, _ := json.Marshal(nonNil(r.CCIs))
			legacy, _ := json.Marshal(nonNil(r.LegacyIDs))
			var check []byte
			if r.Check != nil {
				check, _ = json.Marshal(r.Check)
			}
			if _, err := stmt.ExecContext(ctx, d.ID, i, r.ID, r.VulnID, r.GroupID, r.Title, string(r.Severity),
				r.Description, r.CheckText, r.FixText, string(ccis), string(legacy), string(check)); err != nil {
				return fmt.Errorf("insert rule %s: %w", r.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// GetDefinition retrieves a definition by id.
func (s *Store) GetDefinition(ctx context.Context, id string) (*audit.Definition, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+definitionColumns+` FROM definitions WHERE id = ?`), id)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("definition", id)
	}
	return d, err
}

// ListDefinitions returns every definition ordered by STIG id.
func (s *Store) ListDefinitions(ctx context.Context) ([]audit.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+definitionColumns+` FROM definitions ORDER BY stig_id, id`)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	out := []audit.Definition{}
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDefinition(row scanner) (*audit.Definition, error) {
	var (
		d          audit.Definition
		release    sql.NullString
		createdRaw string
	)
	if err := row.Scan(&d.ID, &d.STIGID, &d.Title, &d.Version, &release, &d.Description, &createdRaw); err != nil {
		return nil, err
	}
	d.ReleaseDate = parseNullTime(release)
	d.CreatedAt = parseTime(createdRaw)
	return &d, nil
}

// DefinitionRules returns a definition's imported rules in import order.
// A definition without rules yields an empty slice.
func (s *Store) DefinitionRules(ctx context.Context, definitionID string) ([]rules.Rule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT rule_id, vuln_id, group_id, title, severity, description,
		check_text, fix_text, ccis, legacy_ids, check_spec
		FROM definition_rules WHERE definition_id = ? ORDER BY position`), definitionID)
	if err != nil {
		return nil, fmt.Errorf("query definition rules: %w", err)
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		var (
			r                    rules.Rule
			severity             string
			ccis, legacy, checkJ string
		)
		if err := rows.Scan(&r.ID, &r.VulnID, &r.GroupID, &r.Title, &severity, &r.Description,
			&r.CheckText, &r.FixText, &ccis, &legacy, &checkJ); err != nil {
			return nil, err
		}
		r.Severity = finding.ParseSeverity(severity)
		r.Source = rules.SourceDatabase
		_ = json.Unmarshal([]byte(ccis), &r.CCIs)
		_ = json.Unmarshal([]byte(legacy), &r.LegacyIDs)
		if checkJ != "" {
			var spec rules.CheckSpec
			if err := json.Unmarshal([]byte(checkJ), &spec); err == nil {
				r.Check = &spec
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetAssignment inserts or updates the link between a target and a
// definition.
func (s *Store) SetAssignment(ctx context.Context, a audit.Assignment) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO assignments (target_id, definition_id, enabled) VALUES (?, ?, ?)
		 ON CONFLICT (target_id, definition_id) DO UPDATE SET enabled = excluded.enabled`,
		a.TargetID, a.DefinitionID, a.Enabled,
	)
	if err != nil {
		return fmt.Errorf("set assignment: %w", err)
	}
	return nil
}

// ListAssignments returns a target's assignments.
func (s *Store) ListAssignments(ctx context.Context, targetID string) ([]audit.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT a.target_id, a.definition_id, a.enabled
		FROM assignments a JOIN definitions d ON d.id = a.definition_id
		WHERE a.target_id = ? ORDER BY d.stig_id, d.id`), targetID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []audit.Assignment
	for rows.Next() {
		var a audit.Assignment
		if err := rows.Scan(&a.TargetID, &a.DefinitionID, &a.Enabled); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
