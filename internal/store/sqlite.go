package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/horuscamacho/thoth-audit/internal/audit"
)

// SQLite persists audit entries in a single table. Timestamps are stored as
// fixed-width audit.TimestampLayout text, so lexical order is time order
// and hour extraction works with strftime.
//
// WAL mode lets the server append while the CLI reads.
type SQLite struct {
	db *sql.DB
}

const entryColumns = `id, tenant_id, user_id, action, entity_type, entity_id,
	old_values, new_values, metadata, ip_address, user_agent, session_id,
	client_fingerprint, security_level, checksum, performed_at`

// OpenSQLite opens (or creates) the audit database at path and ensures the
// schema and indexes exist.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_logs (
			id                 TEXT PRIMARY KEY,
			tenant_id          TEXT,
			user_id            TEXT,
			action             TEXT NOT NULL,
			entity_type        TEXT NOT NULL,
			entity_id          TEXT,
			old_values         TEXT,
			new_values         TEXT,
			metadata           TEXT,
			ip_address         TEXT,
			user_agent         TEXT,
			session_id         TEXT,
			client_fingerprint TEXT,
			security_level     TEXT,
			checksum           TEXT NOT NULL,
			performed_at       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_tenant_time ON audit_logs(tenant_id, performed_at);
		CREATE INDEX IF NOT EXISTS idx_audit_tenant_user ON audit_logs(tenant_id, user_id);
		CREATE INDEX IF NOT EXISTS idx_audit_tenant_action ON audit_logs(tenant_id, action);
		CREATE INDEX IF NOT EXISTS idx_audit_tenant_ip ON audit_logs(tenant_id, ip_address);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	slog.Debug("sqlite audit store opened", "path", path)
	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Insert appends e in a single statement.
func (s *SQLite) Insert(ctx context.Context, e *audit.Entry) error {
	oldJSON, err := encodeMap(e.OldValues)
	if err != nil {
		return fmt.Errorf("encoding old values: %w", err)
	}
	newJSON, err := encodeMap(e.NewValues)
	if err != nil {
		return fmt.Errorf("encoding new values: %w", err)
	}
	metaJSON, err := encodeMap(e.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	var level sql.NullString
	if e.SecurityLevel != nil {
		level = sql.NullString{String: string(*e.SecurityLevel), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullString(e.TenantID), nullString(e.UserID), string(e.Action), string(e.EntityType),
		nullString(e.EntityID), oldJSON, newJSON, metaJSON, nullString(e.IPAddress),
		nullString(e.UserAgent), nullString(e.SessionID), nullString(e.ClientFingerprint),
		level, e.Checksum, audit.FormatTimestamp(e.PerformedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry %s: %w", e.ID, err)
	}
	return nil
}

// Find returns matching entries, newest first.
func (s *SQLite) Find(ctx context.Context, tenantID string, f audit.Filter) ([]audit.Entry, error) {
	where, args := filterClause(tenantID, f)
	query := "SELECT " + entryColumns + " FROM audit_logs WHERE " + where +
		" ORDER BY performed_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	} else if f.Offset > 0 {
		query += " LIMIT -1"
	}
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	entries := []audit.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Count returns the number of matching entries.
func (s *SQLite) Count(ctx context.Context, tenantID string, f audit.Filter) (int, error) {
	where, args := filterClause(tenantID, f)
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs WHERE "+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting audit entries: %w", err)
	}
	return n, nil
}

// CountDistinctUsers returns the number of distinct non-null user IDs.
func (s *SQLite) CountDistinctUsers(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT user_id) FROM audit_logs WHERE tenant_id = ? AND user_id IS NOT NULL",
		tenantID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting distinct users: %w", err)
	}
	return n, nil
}

// Aggregate translates q into a GROUP BY ... HAVING query.
func (s *SQLite) Aggregate(ctx context.Context, tenantID string, q audit.GroupQuery) ([]audit.Group, error) {
	hourExpr := fmt.Sprintf("CAST(strftime('%%H', performed_at, '%s') AS INTEGER)", hourModifier(q))

	var keys string
	switch q.By {
	case audit.GroupByAction:
		keys = "action"
	case audit.GroupByHour:
		keys = hourExpr
	case audit.GroupByIP:
		keys = "ip_address"
	case audit.GroupByUser:
		keys = "user_id"
	case audit.GroupByUserIP:
		keys = "user_id, ip_address"
	default:
		return nil, fmt.Errorf("unsupported group key %d", q.By)
	}

	where := []string{"tenant_id = ?"}
	args := []any{tenantID}
	if !q.Since.IsZero() {
		where = append(where, "performed_at >= ?")
		args = append(args, audit.FormatTimestamp(q.Since))
	}
	if !q.Until.IsZero() {
		where = append(where, "performed_at <= ?")
		args = append(args, audit.FormatTimestamp(q.Until))
	}
	if q.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(q.Action))
	}
	if q.RequireUser {
		where = append(where, "user_id IS NOT NULL")
	}
	if q.RequireIP {
		where = append(where, "ip_address IS NOT NULL")
	}
	if r := q.OffHours; r != nil {
		if r.Start > r.End {
			where = append(where, fmt.Sprintf("(%s >= ? OR %s < ?)", hourExpr, hourExpr))
		} else {
			where = append(where, fmt.Sprintf("(%s >= ? AND %s < ?)", hourExpr, hourExpr))
		}
		args = append(args, r.Start, r.End)
	}

	query := "SELECT " + keys + ", COUNT(*), COUNT(DISTINCT ip_address), MIN(performed_at), MAX(performed_at)" +
		" FROM audit_logs WHERE " + strings.Join(where, " AND ") +
		" GROUP BY " + keys +
		" HAVING COUNT(*) >= ? AND COUNT(DISTINCT ip_address) >= ?" +
		" ORDER BY COUNT(*) DESC, " + keys
	args = append(args, q.MinCount, q.MinDistinctIPs)
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregating audit entries: %w", err)
	}
	defer rows.Close()

	groups := []audit.Group{}
	for rows.Next() {
		var (
			g           audit.Group
			action      string
			user, ip    sql.NullString
			first, last string
		)
		dest := []any{}
		switch q.By {
		case audit.GroupByAction:
			dest = append(dest, &action)
		case audit.GroupByHour:
			dest = append(dest, &g.Hour)
		case audit.GroupByIP:
			dest = append(dest, &ip)
		case audit.GroupByUser:
			dest = append(dest, &user)
		case audit.GroupByUserIP:
			dest = append(dest, &user, &ip)
		}
		dest = append(dest, &g.Count, &g.DistinctIPs, &first, &last)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning aggregate row: %w", err)
		}
		g.Action = audit.Action(action)
		g.UserID = stringPtr(user)
		g.IPAddress = stringPtr(ip)
		if g.First, err = parseTimestamp(first); err != nil {
			return nil, err
		}
		if g.Last, err = parseTimestamp(last); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Walk streams the tenant's entries in insertion order.
func (s *SQLite) Walk(ctx context.Context, tenantID string, fn func(*audit.Entry) error) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM audit_logs WHERE tenant_id = ? ORDER BY rowid", tenantID)
	if err != nil {
		return fmt.Errorf("scanning audit entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DB exposes the underlying handle for maintenance tooling.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// filterClause builds the WHERE clause shared by Find and Count.
func filterClause(tenantID string, f audit.Filter) (string, []any) {
	where := []string{"tenant_id = ?"}
	args := []any{tenantID}

	eq := func(col, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	eq("user_id", f.UserID)
	eq("action", string(f.Action))
	eq("entity_type", string(f.EntityType))
	eq("entity_id", f.EntityID)
	eq("ip_address", f.IPAddress)
	eq("security_level", string(f.SecurityLevel))

	if !f.StartDate.IsZero() {
		where = append(where, "performed_at >= ?")
		args = append(args, audit.FormatTimestamp(f.StartDate))
	}
	if !f.EndDate.IsZero() {
		where = append(where, "performed_at <= ?")
		args = append(args, audit.FormatTimestamp(f.EndDate))
	}
	if f.Search != "" {
		pattern := "%" + escapeLike(f.Search) + "%"
		where = append(where, `(metadata LIKE ? ESCAPE '\' OR old_values LIKE ? ESCAPE '\' OR new_values LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
	}
	return strings.Join(where, " AND "), args
}

// hourModifier returns the strftime modifier shifting UTC to the query's
// location. The offset is taken at the end of the window, so a DST change
// inside the window shifts the earlier hours by one.
func hourModifier(q audit.GroupQuery) string {
	if q.Location == nil {
		return "+0 seconds"
	}
	ref := q.Until
	if ref.IsZero() {
		ref = time.Now()
	}
	_, offset := ref.In(q.Location).Zone()
	return fmt.Sprintf("%+d seconds", offset)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*audit.Entry, error) {
	var (
		e                               audit.Entry
		action, entityType, performedAt string
		tenant, user, entityID, ip, ua  sql.NullString
		session, fingerprint, level     sql.NullString
		oldJSON, newJSON, metaJSON      sql.NullString
	)
	err := row.Scan(
		&e.ID, &tenant, &user, &action, &entityType, &entityID,
		&oldJSON, &newJSON, &metaJSON, &ip, &ua, &session,
		&fingerprint, &level, &e.Checksum, &performedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning audit row: %w", err)
	}

	e.TenantID = stringPtr(tenant)
	e.UserID = stringPtr(user)
	e.Action = audit.Action(action)
	e.EntityType = audit.EntityType(entityType)
	e.EntityID = stringPtr(entityID)
	e.IPAddress = stringPtr(ip)
	e.UserAgent = stringPtr(ua)
	e.SessionID = stringPtr(session)
	e.ClientFingerprint = stringPtr(fingerprint)
	if level.Valid {
		l := audit.SecurityLevel(level.String)
		e.SecurityLevel = &l
	}
	if e.OldValues, err = decodeMap(oldJSON); err != nil {
		return nil, fmt.Errorf("entry %s old values: %w", e.ID, err)
	}
	if e.NewValues, err = decodeMap(newJSON); err != nil {
		return nil, fmt.Errorf("entry %s new values: %w", e.ID, err)
	}
	if e.Metadata, err = decodeMap(metaJSON); err != nil {
		return nil, fmt.Errorf("entry %s metadata: %w", e.ID, err)
	}
	if e.PerformedAt, err = parseTimestamp(performedAt); err != nil {
		return nil, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	return &e, nil
}

func encodeMap(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := audit.EncodeJSON(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// decodeMap parses stored JSON keeping numbers as json.Number, so that
// re-encoding reproduces the stored text exactly.
func decodeMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s.String)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(audit.TimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
