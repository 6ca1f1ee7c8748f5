// Auditpipe - Compliance Audit Trail Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditpipe

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	// SQL drivers selectable through storage.driver.
	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/lib/pq"

	"github.com/tomtom215/auditpipe/internal/audit"
	"github.com/tomtom215/auditpipe/internal/logging"
)

// Supported drivers.
const (
	DriverDuckDB   = "duckdb"
	DriverPostgres = "postgres"
)

const schema = `
	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		action_type TEXT NOT NULL,
		action TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',

		resource TEXT NOT NULL DEFAULT '',
		resource_id TEXT NOT NULL DEFAULT '',

		actor_id TEXT NOT NULL DEFAULT '',
		actor_email TEXT NOT NULL DEFAULT '',
		actor_role TEXT NOT NULL DEFAULT '',

		http_method TEXT NOT NULL DEFAULT '',
		http_path TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		duration_ms BIGINT NOT NULL DEFAULT 0,

		success BOOLEAN NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',

		-- JSON payloads, already redacted
		old_values TEXT,
		new_values TEXT,
		affected_fields TEXT,
		metadata TEXT,

		reviewed_by TEXT NOT NULL DEFAULT '',
		reviewed_at TIMESTAMPTZ,
		archived_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_audit_records_timestamp ON audit_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_records_action_type ON audit_records(action_type);
	CREATE INDEX IF NOT EXISTS idx_audit_records_severity ON audit_records(severity);
	CREATE INDEX IF NOT EXISTS idx_audit_records_actor_id ON audit_records(actor_id);
	CREATE INDEX IF NOT EXISTS idx_audit_records_resource ON audit_records(resource);
`

const recordColumns = `id, timestamp, action_type, action, severity, description,
	resource, resource_id, actor_id, actor_email, actor_role,
	http_method, http_path, ip_address, user_agent, duration_ms,
	success, error_message, old_values, new_values, affected_fields, metadata,
	reviewed_by, reviewed_at, archived_at`

const insertRecord = `INSERT INTO audit_records (` + recordColumns + `) VALUES (
	?, ?, ?, ?, ?, ?,
	?, ?, ?, ?, ?,
	?, ?, ?, ?, ?,
	?, ?, ?, ?, ?, ?,
	?, ?, ?
) ON CONFLICT (id) DO NOTHING`

// recordRow is the column mapping used for scanning.
type recordRow struct {
	ID             string         `db:"id"`
	Timestamp      time.Time      `db:"timestamp"`
	ActionType     string         `db:"action_type"`
	Action         string         `db:"action"`
	Severity       string         `db:"severity"`
	Description    string         `db:"description"`
	Resource       string         `db:"resource"`
	ResourceID     string         `db:"resource_id"`
	ActorID        string         `db:"actor_id"`
	ActorEmail     string         `db:"actor_email"`
	ActorRole      string         `db:"actor_role"`
	HTTPMethod     string         `db:"http_method"`
	HTTPPath       string         `db:"http_path"`
	IPAddress      string         `db:"ip_address"`
	UserAgent      string         `db:"user_agent"`
	DurationMS     int64          `db:"duration_ms"`
	Success        bool           `db:"success"`
	ErrorMessage   string         `db:"error_message"`
	OldValues      sql.NullString `db:"old_values"`
	NewValues      sql.NullString `db:"new_values"`
	AffectedFields sql.NullString `db:"affected_fields"`
	Metadata       sql.NullString `db:"metadata"`
	ReviewedBy     string         `db:"reviewed_by"`
	ReviewedAt     sql.NullTime   `db:"reviewed_at"`
	ArchivedAt     sql.NullTime   `db:"archived_at"`
}

// SQLStore implements audit.Repository on DuckDB or PostgreSQL through
// sqlx. Queries are written with '?' placeholders and rebound for the
// driver in use.
type SQLStore struct {
	db *sqlx.DB
}

// Open connects to driver/dsn and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverDuckDB, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	logging.Info().Str("driver", driver).Msg("Audit store connected")
	return &SQLStore{db: db}, nil
}

// NewSQLStore wraps an existing connection.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// EnsureSchema creates the audit_records table and its indexes.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	logging.Info().Msg("Audit records table created/verified")
	return nil
}

// Ping checks the connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// CreateMany inserts the batch in a single transaction. Records whose ID
// already exists are skipped.
func (s *SQLStore) CreateMany(ctx context.Context, records []*audit.Record) ([]string, error) {
	prepared, err := prepareBatch(records)
	if err != nil {
		return nil, err
	}
	if len(prepared) == 0 {
		return []string{}, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		// No-op after a successful commit.
		_ = tx.Rollback()
	}()

	query := tx.Rebind(insertRecord)
	ids := make([]string, 0, len(prepared))
	for _, r := range prepared {
		args, err := insertArgs(r)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("insert record %s: %w", r.ID, err)
		}
		ids = append(ids, r.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return ids, nil
}

// FindMany returns one page of matching records, newest first.
func (s *SQLStore) FindMany(ctx context.Context, filter audit.Filter, page audit.Page) ([]*audit.Record, int64, error) {
	where, args := buildFilterConditions(filter)

	var total int64
	countQuery := s.db.Rebind("SELECT COUNT(*) FROM audit_records WHERE 1=1" + where)
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}
	if total == 0 {
		return []*audit.Record{}, 0, nil
	}

	query := "SELECT " + recordColumns + " FROM audit_records WHERE 1=1" + where +
		" ORDER BY timestamp DESC, id DESC"
	if page.Size > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, page.Size, page.Offset())
	}

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, 0, fmt.Errorf("query records: %w", err)
	}

	out := make([]*audit.Record, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toRecord()
		if err != nil {
			// Pages must agree with total.
			return nil, 0, fmt.Errorf("decode record %s: %w", rows[i].ID, err)
		}
		out = append(out, r)
	}
	return out, total, nil
}

// UpdateByID applies patch to one record.
func (s *SQLStore) UpdateByID(ctx context.Context, id string, patch audit.Patch) error {
	set, args, err := buildPatch(patch)
	if err != nil {
		return err
	}
	args = append(args, id)

	query := "UPDATE audit_records SET " + set + " WHERE id = ?"
	if patch.Unreviewed {
		query += " AND reviewed_at IS NULL"
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get updated count: %w", err)
	}
	if n > 0 {
		return nil
	}
	if !patch.Unreviewed {
		return fmt.Errorf("%w: %s", audit.ErrNotFound, id)
	}
	return s.unreviewedMiss(ctx, id)
}

// unreviewedMiss tells a missing record from one whose review won the race.
func (s *SQLStore) unreviewedMiss(ctx context.Context, id string) error {
	var reviewer string
	err := s.db.GetContext(ctx, &reviewer, s.db.Rebind("SELECT reviewed_by FROM audit_records WHERE id = ?"), id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", audit.ErrNotFound, id)
	case err != nil:
		return fmt.Errorf("check review of %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s by %s", audit.ErrAlreadyReviewed, id, reviewer)
}

// UpdateMany applies patch to every matching record.
func (s *SQLStore) UpdateMany(ctx context.Context, filter audit.Filter, patch audit.Patch) (int64, error) {
	set, args, err := buildPatch(patch)
	if err != nil {
		return 0, err
	}
	where, whereArgs := buildFilterConditions(filter)
	args = append(args, whereArgs...)

	res, err := s.db.ExecContext(ctx, s.db.Rebind("UPDATE audit_records SET "+set+" WHERE 1=1"+where), args...)
	if err != nil {
		return 0, fmt.Errorf("update records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get updated count: %w", err)
	}
	return n, nil
}

// DeleteMany removes every matching record.
func (s *SQLStore) DeleteMany(ctx context.Context, filter audit.Filter) (int64, error) {
	where, args := buildFilterConditions(filter)

	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM audit_records WHERE 1=1"+where), args...)
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted count: %w", err)
	}
	if n > 0 {
		logging.Info().Int64("deleted", n).Msg("Deleted audit records")
	}
	return n, nil
}

// Aggregate computes statistics over the matching records.
func (s *SQLStore) Aggregate(ctx context.Context, filter audit.Filter) (*audit.Statistics, error) {
	where, args := buildFilterConditions(filter)
	stats := audit.NewStatistics()

	var outcome struct {
		Successes int64 `db:"successes"`
		Failures  int64 `db:"failures"`
	}
	outcomeQuery := `SELECT
		COUNT(CASE WHEN success THEN 1 END) AS successes,
		COUNT(CASE WHEN success THEN NULL ELSE 1 END) AS failures
		FROM audit_records WHERE 1=1` + where
	if err := s.db.GetContext(ctx, &outcome, s.db.Rebind(outcomeQuery), args...); err != nil {
		return nil, fmt.Errorf("failed to get outcome counts: %w", err)
	}
	stats.SuccessCount = outcome.Successes
	stats.FailureCount = outcome.Failures

	byType, err := s.countByColumn(ctx, "action_type", where, args)
	if err != nil {
		return nil, err
	}
	for k, v := range byType {
		stats.ByActionType[audit.ActionType(k)] = v
	}

	bySeverity, err := s.countByColumn(ctx, "severity", where, args)
	if err != nil {
		return nil, err
	}
	for k, v := range bySeverity {
		stats.BySeverity[audit.Severity(k)] = v
	}

	stats.ComputeRate()
	return stats, nil
}

// countByColumn executes a GROUP BY query and returns counts per value.
func (s *SQLStore) countByColumn(ctx context.Context, column, where string, args []interface{}) (map[string]int64, error) {
	result := make(map[string]int64)
	query := fmt.Sprintf("SELECT %s, COUNT(*) FROM audit_records WHERE 1=1%s GROUP BY %s", column, where, column)
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s counts: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("scan %s counts: %w", column, err)
		}
		result[key] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s counts: %w", column, err)
	}
	return result, nil
}

// buildFilterConditions renders filter as " AND ..." clauses.
func buildFilterConditions(f audit.Filter) (string, []interface{}) {
	var b strings.Builder
	args := make([]interface{}, 0, 8)

	add := func(cond string, vals ...interface{}) {
		b.WriteString(" AND ")
		b.WriteString(cond)
		args = append(args, vals...)
	}

	if f.ID != "" {
		add("id = ?", f.ID)
	}
	switch {
	case f.ArchivedOnly:
		add("archived_at IS NOT NULL")
	case !f.IncludeArchived:
		add("archived_at IS NULL")
	}
	if f.ArchivedBefore != nil {
		add("archived_at < ?", f.ArchivedBefore.UTC())
	}
	if f.ActionType != "" {
		add("action_type = ?", string(f.ActionType))
	}
	if f.Severity != "" {
		add("severity = ?", string(f.Severity))
	}
	if f.Actor != "" {
		add("(actor_id = ? OR actor_email = ?)", f.Actor, f.Actor)
	}
	if f.Resource != "" {
		add("resource = ?", f.Resource)
	}
	if f.Success != nil {
		add("success = ?", *f.Success)
	}
	if f.StartDate != nil {
		add("timestamp >= ?", f.StartDate.UTC())
	}
	if f.EndDate != nil {
		add("timestamp <= ?", f.EndDate.UTC())
	}
	if f.Before != nil {
		add("timestamp < ?", f.Before.UTC())
	}
	if f.Search != "" {
		p := "%" + escapeLike(strings.ToLower(f.Search)) + "%"
		add(`(LOWER(description) LIKE ? ESCAPE '\' OR LOWER(actor_id) LIKE ? ESCAPE '\' OR LOWER(actor_email) LIKE ? ESCAPE '\' OR LOWER(resource) LIKE ? ESCAPE '\' OR LOWER(resource_id) LIKE ? ESCAPE '\')`,
			p, p, p, p, p)
	}
	return b.String(), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// buildPatch renders the SET clause for the mutable columns.
func buildPatch(p audit.Patch) (string, []interface{}, error) {
	if p.IsEmpty() {
		return "", nil, audit.ErrEmptyPatch
	}
	var sets []string
	var args []interface{}
	if p.ReviewedBy != nil {
		sets = append(sets, "reviewed_by = ?")
		args = append(args, *p.ReviewedBy)
	}
	if p.ReviewedAt != nil {
		sets = append(sets, "reviewed_at = ?")
		args = append(args, p.ReviewedAt.UTC())
	}
	if p.ArchivedAt != nil {
		sets = append(sets, "archived_at = ?")
		args = append(args, p.ArchivedAt.UTC())
	}
	return strings.Join(sets, ", "), args, nil
}

func insertArgs(r *audit.Record) ([]interface{}, error) {
	oldValues, err := marshalNullable(r.OldValues)
	if err != nil {
		return nil, err
	}
	newValues, err := marshalNullable(r.NewValues)
	if err != nil {
		return nil, err
	}
	metadata, err := marshalNullable(r.Metadata)
	if err != nil {
		return nil, err
	}
	var affected interface{}
	if len(r.AffectedFields) > 0 {
		data, err := json.Marshal(r.AffectedFields)
		if err != nil {
			return nil, fmt.Errorf("marshal affected fields: %w", err)
		}
		affected = string(data)
	}

	return []interface{}{
		r.ID, r.Timestamp.UTC(), string(r.ActionType), r.Action, string(r.Severity), r.Description,
		r.Resource, r.ResourceID, r.ActorID, r.ActorEmail, r.ActorRole,
		r.HTTPMethod, r.HTTPPath, r.IPAddress, r.UserAgent, r.DurationMS,
		r.Success, r.ErrorMessage, oldValues, newValues, affected, metadata,
		r.ReviewedBy, nullTime(r.ReviewedAt), nullTime(r.ArchivedAt),
	}, nil
}

// marshalNullable encodes a JSON object column; empty maps become NULL.
func marshalNullable(m map[string]interface{}) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return string(data), nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func (row *recordRow) toRecord() (*audit.Record, error) {
	r := &audit.Record{
		ID:           row.ID,
		Timestamp:    row.Timestamp.UTC(),
		ActionType:   audit.ActionType(row.ActionType),
		Action:       row.Action,
		Severity:     audit.Severity(row.Severity),
		Description:  row.Description,
		Resource:     row.Resource,
		ResourceID:   row.ResourceID,
		ActorID:      row.ActorID,
		ActorEmail:   row.ActorEmail,
		ActorRole:    row.ActorRole,
		HTTPMethod:   row.HTTPMethod,
		HTTPPath:     row.HTTPPath,
		IPAddress:    row.IPAddress,
		UserAgent:    row.UserAgent,
		DurationMS:   row.DurationMS,
		Success:      row.Success,
		ErrorMessage: row.ErrorMessage,
		ReviewedBy:   row.ReviewedBy,
	}

	var errs []error
	if row.OldValues.Valid {
		errs = append(errs, json.Unmarshal([]byte(row.OldValues.String), &r.OldValues))
	}
	if row.NewValues.Valid {
		errs = append(errs, json.Unmarshal([]byte(row.NewValues.String), &r.NewValues))
	}
	if row.Metadata.Valid {
		errs = append(errs, json.Unmarshal([]byte(row.Metadata.String), &r.Metadata))
	}
	if row.AffectedFields.Valid {
		errs = append(errs, json.Unmarshal([]byte(row.AffectedFields.String), &r.AffectedFields))
	}
	if row.ReviewedAt.Valid {
		t := row.ReviewedAt.Time.UTC()
		r.ReviewedAt = &t
	}
	if row.ArchivedAt.Valid {
		t := row.ArchivedAt.Time.UTC()
		r.ArchivedAt = &t
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("decode json columns: %w", err)
	}
	return r, nil
}

var _ audit.Repository = (*SQLStore)(nil)
