package implementations

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/api-sage/ledger-engine/src/internal/commons"
	"github.com/api-sage/ledger-engine/src/internal/domain"
	"github.com/api-sage/ledger-engine/src/internal/logger"
)

const auditColumns = `id, user_id, action, resource, resource_id, old_values, new_values, metadata, ip_address, user_agent, created_at`

// AuditRepository stores the append-only audit log. Only the retention purge
// deletes rows.
type AuditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// encodeValues returns text rather than []byte: lib/pq sends byte slices as
// bytea, which jsonb columns reject.
func encodeValues(values map[string]any) (sql.NullString, error) {
	if len(values) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeValues(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var values map[string]any
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, err
	}
	return values, nil
}

func insertAuditEntry(ctx context.Context, q querier, entry domain.AuditLogEntry) error {
	oldValues, err := encodeValues(entry.OldValues)
	if err != nil {
		return fmt.Errorf("encode audit old values: %w", err)
	}
	newValues, err := encodeValues(entry.NewValues)
	if err != nil {
		return fmt.Errorf("encode audit new values: %w", err)
	}
	metadata, err := encodeValues(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}

	const query = `
INSERT INTO audit_logs (
	id, user_id, action, resource, resource_id, old_values, new_values, metadata, ip_address, user_agent, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11)`

	if _, err := q.ExecContext(ctx, query,
		entry.ID,
		nullString(entry.UserID),
		entry.Action,
		entry.Resource,
		entry.ResourceID,
		oldValues,
		newValues,
		metadata,
		entry.IPAddress,
		entry.UserAgent,
		entry.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert audit entry %s: %w", entry.ID, err)
	}
	return nil
}

func (r *AuditRepository) InsertAuditEntry(ctx context.Context, entry domain.AuditLogEntry) error {
	return insertAuditEntry(ctx, r.db, entry)
}

func auditWhere(filter domain.AuditFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.Resource != "" {
		add("resource = $%d", filter.Resource)
	}
	if filter.ResourceID != "" {
		add("resource_id = $%d", filter.ResourceID)
	}
	if filter.From != nil {
		add("created_at >= $%d", filter.From.UTC())
	}
	if filter.To != nil {
		add("created_at < $%d", filter.To.UTC())
	}

	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (r *AuditRepository) QueryAuditEntries(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditLogEntry, int, error) {
	clause, args := auditWhere(filter)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM audit_logs`+clause, args...).Scan(&total); err != nil {
		logger.Error("audit repository count failed", err, nil)
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	// seq keeps commit order for entries sharing a timestamp.
	order := " ORDER BY created_at DESC, seq DESC"
	if filter.Ascending {
		order = " ORDER BY created_at ASC, seq ASC"
	}
	query := `SELECT ` + auditColumns + ` FROM audit_logs` + clause + order
	if filter.Limit > 0 {
		args = append(args, filter.Limit, commons.Offset(filter.Page, filter.Limit))
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.Error("audit repository query failed", err, nil)
		return nil, 0, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.AuditLogEntry, 0)
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, total, nil
}

func (r *AuditRepository) CountAuditEntries(ctx context.Context, filter domain.AuditFilter) (int, error) {
	clause, args := auditWhere(filter)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM audit_logs`+clause, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return total, nil
}

func (r *AuditRepository) DeleteAuditEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		logger.Error("audit repository purge failed", err, logger.Fields{"cutoff": cutoff})
		return 0, fmt.Errorf("delete audit entries: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected: %w", err)
	}
	return removed, nil
}

func scanAuditEntry(row rowScanner) (domain.AuditLogEntry, error) {
	var (
		entry     domain.AuditLogEntry
		userID    sql.NullString
		oldValues []byte
		newValues []byte
		metadata  []byte
		ipAddress sql.NullString
		userAgent sql.NullString
	)
	if err := row.Scan(
		&entry.ID,
		&userID,
		&entry.Action,
		&entry.Resource,
		&entry.ResourceID,
		&oldValues,
		&newValues,
		&metadata,
		&ipAddress,
		&userAgent,
		&entry.CreatedAt,
	); err != nil {
		return domain.AuditLogEntry{}, err
	}

	var err error
	if entry.OldValues, err = decodeValues(oldValues); err != nil {
		return domain.AuditLogEntry{}, fmt.Errorf("decode old values: %w", err)
	}
	if entry.NewValues, err = decodeValues(newValues); err != nil {
		return domain.AuditLogEntry{}, fmt.Errorf("decode new values: %w", err)
	}
	if entry.Metadata, err = decodeValues(metadata); err != nil {
		return domain.AuditLogEntry{}, fmt.Errorf("decode metadata: %w", err)
	}
	entry.UserID = stringPtr(userID)
	entry.IPAddress = ipAddress.String
	entry.UserAgent = userAgent.String
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}
