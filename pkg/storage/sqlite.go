package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kestrelsec/kestrel/pkg/findings"
	"github.com/kestrelsec/kestrel/pkg/scan"
)

const schema = `
CREATE TABLE IF NOT EXISTS scans (
	id             TEXT PRIMARY KEY,
	target         TEXT NOT NULL,
	objective      TEXT NOT NULL DEFAULT '',
	profile        TEXT NOT NULL,
	status         TEXT NOT NULL,
	enable_ai      INTEGER NOT NULL DEFAULT 1,
	tools          TEXT NOT NULL DEFAULT '[]',
	created_at     TEXT NOT NULL,
	started_at     TEXT,
	completed_at   TEXT,
	current_tool   TEXT NOT NULL DEFAULT '',
	error_kind     TEXT NOT NULL DEFAULT '',
	error_message  TEXT NOT NULL DEFAULT '',
	summary        TEXT NOT NULL DEFAULT '',
	tokens_in      INTEGER NOT NULL DEFAULT 0,
	tokens_out     INTEGER NOT NULL DEFAULT 0,
	estimated_cost REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS steps (
	scan_id        TEXT NOT NULL REFERENCES scans(id),
	idx            INTEGER NOT NULL,
	model_used     TEXT NOT NULL,
	reasoning      TEXT NOT NULL DEFAULT '',
	tool_call      TEXT,
	tool_result    TEXT,
	started_at     TEXT NOT NULL,
	completed_at   TEXT NOT NULL,
	tokens_in      INTEGER NOT NULL DEFAULT 0,
	tokens_out     INTEGER NOT NULL DEFAULT 0,
	estimated_cost REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (scan_id, idx)
);

CREATE TABLE IF NOT EXISTS findings (
	id              TEXT PRIMARY KEY,
	scan_id         TEXT NOT NULL REFERENCES scans(id),
	step_index      INTEGER NOT NULL,
	tool_source     TEXT NOT NULL,
	severity        TEXT NOT NULL,
	title           TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	evidence        TEXT NOT NULL DEFAULT '',
	affected_target TEXT NOT NULL,
	cve             TEXT NOT NULL DEFAULT '',
	cvss_score      REAL NOT NULL DEFAULT 0,
	remediation     TEXT NOT NULL DEFAULT '',
	fingerprint     TEXT NOT NULL,
	kind            TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	UNIQUE (scan_id, fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_findings_scan ON findings(scan_id);
CREATE INDEX IF NOT EXISTS idx_steps_scan ON steps(scan_id);
`

// SQLite persists scans in a single database file. Concurrent writers
// are serialized through WAL plus a busy timeout.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) PutScan(ctx context.Context, sc *scan.Scan) error {
	tools, err := json.Marshal(sc.Tools)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scans (id, target, objective, profile, status, enable_ai, tools,
			created_at, started_at, completed_at, current_tool, error_kind,
			error_message, summary, tokens_in, tokens_out, estimated_cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			current_tool = excluded.current_tool,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message,
			summary = excluded.summary,
			tokens_in = excluded.tokens_in,
			tokens_out = excluded.tokens_out,
			estimated_cost = excluded.estimated_cost`,
		sc.ID, sc.Target, sc.Objective, string(sc.Profile), string(sc.Status),
		sc.EnableAI, string(tools), formatTime(sc.CreatedAt),
		formatTimePtr(sc.StartedAt), formatTimePtr(sc.CompletedAt),
		sc.CurrentTool, sc.ErrorKind, sc.ErrorMessage, sc.Summary,
		sc.TokensIn, sc.TokensOut, sc.EstimatedCost)
	return err
}

func (s *SQLite) AppendStep(ctx context.Context, step *scan.AgentStep) error {
	call, err := marshalNullable(step.ToolCall)
	if err != nil {
		return err
	}
	result, err := marshalNullable(step.ToolResult)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO steps (scan_id, idx, model_used, reasoning, tool_call,
			tool_result, started_at, completed_at, tokens_in, tokens_out, estimated_cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ScanID, step.Index, step.ModelUsed, step.Reasoning, call, result,
		formatTime(step.StartedAt), formatTime(step.CompletedAt),
		step.TokensIn, step.TokensOut, step.EstimatedCost)
	return err
}

func (s *SQLite) UpsertFinding(ctx context.Context, f *findings.Finding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO findings (id, scan_id, step_index, tool_source, severity,
			title, description, evidence, affected_target, cve, cvss_score,
			remediation, fingerprint, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scan_id, fingerprint) DO NOTHING`,
		f.ID, f.ScanID, f.StepIndex, f.ToolSource, string(f.Severity),
		f.Title, f.Description, f.Evidence, f.AffectedTarget, f.CVE,
		f.CVSSScore, f.Remediation, f.Fingerprint, f.Kind, formatTime(f.CreatedAt))
	return err
}

func (s *SQLite) FinalizeScan(ctx context.Context, sc *scan.Scan) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scans SET
			status = ?, completed_at = ?, current_tool = '',
			error_kind = ?, error_message = ?, summary = ?,
			tokens_in = ?, tokens_out = ?, estimated_cost = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(sc.Status), formatTimePtr(sc.CompletedAt),
		sc.ErrorKind, sc.ErrorMessage, sc.Summary,
		sc.TokensIn, sc.TokensOut, sc.EstimatedCost, sc.ID)
	return err
}

func (s *SQLite) GetScan(ctx context.Context, id string) (*scan.Scan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, target, objective, profile, status, enable_ai, tools,
			created_at, started_at, completed_at, current_tool, error_kind,
			error_message, summary, tokens_in, tokens_out, estimated_cost
		FROM scans WHERE id = ?`, id)
	sc, err := scanScanRow(row)
	if err == sql.ErrNoRows {
		return nil, scan.ErrNotFound
	}
	return sc, err
}

func (s *SQLite) ListScans(ctx context.Context) ([]*scan.Scan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target, objective, profile, status, enable_ai, tools,
			created_at, started_at, completed_at, current_tool, error_kind,
			error_message, summary, tokens_in, tokens_out, estimated_cost
		FROM scans ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*scan.Scan
	for rows.Next() {
		sc, err := scanScanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLite) StepsForScan(ctx context.Context, scanID string) ([]*scan.AgentStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scan_id, idx, model_used, reasoning, tool_call, tool_result,
			started_at, completed_at, tokens_in, tokens_out, estimated_cost
		FROM steps WHERE scan_id = ? ORDER BY idx`, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*scan.AgentStep
	for rows.Next() {
		var (
			step          scan.AgentStep
			call, result  sql.NullString
			started, done string
		)
		if err := rows.Scan(&step.ScanID, &step.Index, &step.ModelUsed,
			&step.Reasoning, &call, &result, &started, &done,
			&step.TokensIn, &step.TokensOut, &step.EstimatedCost); err != nil {
			return nil, err
		}
		step.StartedAt = parseTime(started)
		step.CompletedAt = parseTime(done)
		if call.Valid {
			step.ToolCall = &scan.ToolCall{}
			if err := json.Unmarshal([]byte(call.String), step.ToolCall); err != nil {
				return nil, err
			}
		}
		if result.Valid {
			step.ToolResult = &scan.ToolResult{}
			if err := json.Unmarshal([]byte(result.String), step.ToolResult); err != nil {
				return nil, err
			}
		}
		out = append(out, &step)
	}
	return out, rows.Err()
}

func (s *SQLite) FindingsForScan(ctx context.Context, scanID string) ([]*findings.Finding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scan_id, step_index, tool_source, severity, title,
			description, evidence, affected_target, cve, cvss_score,
			remediation, fingerprint, kind, created_at
		FROM findings WHERE scan_id = ? ORDER BY created_at, id`, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*findings.Finding
	for rows.Next() {
		var (
			f       findings.Finding
			sev     string
			created string
		)
		if err := rows.Scan(&f.ID, &f.ScanID, &f.StepIndex, &f.ToolSource,
			&sev, &f.Title, &f.Description, &f.Evidence, &f.AffectedTarget,
			&f.CVE, &f.CVSSScore, &f.Remediation, &f.Fingerprint, &f.Kind,
			&created); err != nil {
			return nil, err
		}
		f.Severity = findings.Severity(sev)
		f.CreatedAt = parseTime(created)
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScanRow(row rowScanner) (*scan.Scan, error) {
	var (
		sc              scan.Scan
		profile, status string
		tools           string
		created         string
		started, done   sql.NullString
	)
	err := row.Scan(&sc.ID, &sc.Target, &sc.Objective, &profile, &status,
		&sc.EnableAI, &tools, &created, &started, &done, &sc.CurrentTool,
		&sc.ErrorKind, &sc.ErrorMessage, &sc.Summary, &sc.TokensIn,
		&sc.TokensOut, &sc.EstimatedCost)
	if err != nil {
		return nil, err
	}
	sc.Profile = scan.Profile(profile)
	sc.Status = scan.Status(status)
	sc.CreatedAt = parseTime(created)
	sc.StartedAt = parseTimePtr(started)
	sc.CompletedAt = parseTimePtr(done)
	if err := json.Unmarshal([]byte(tools), &sc.Tools); err != nil {
		return nil, err
	}
	return &sc, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case *scan.ToolCall:
		if val == nil {
			return sql.NullString{}, nil
		}
	case *scan.ToolResult:
		if val == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
