package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// auditTimeLayout is RFC 3339 UTC with zero-padded nanoseconds. The
// fixed width keeps the TEXT column's lexicographic order identical to
// chronological order; RFC3339Nano trims trailing zeros and breaks
// that for events within the same second.
const auditTimeLayout = "2006-01-02T15:04:05.000000000Z"

// LogEvent appends an audit event and returns its id. Events are never
// updated or deleted.
func (s *Store) LogEvent(ctx context.Context, event AuditEvent) (string, error) {
	id := event.ID
	if id == "" {
		id = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, event_type, source_id, target_id, outcome, timestamp,
			request_metadata, policy_decision, masked_fields,
			full_request, full_response, provenance_chain
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id,
		event.EventType,
		event.SourceID,
		event.TargetID,
		event.Outcome,
		event.Timestamp.UTC().Format(auditTimeLayout),
		nullableJSON(event.RequestMetadata, len(event.RequestMetadata) == 0),
		nullableJSON(event.PolicyDecision, len(event.PolicyDecision) == 0),
		nullableJSON(event.MaskedFields, len(event.MaskedFields) == 0),
		nullableJSON(event.FullRequest, len(event.FullRequest) == 0),
		nullableJSON(event.FullResponse, len(event.FullResponse) == 0),
		nullableJSON(event.ProvenanceChain, len(event.ProvenanceChain) == 0),
	)
	if err != nil {
		return "", queryErr("log audit event", err)
	}
	return id, nil
}

// QueryAuditLogs returns audit events matching the filters, newest first.
func (s *Store) QueryAuditLogs(ctx context.Context, q AuditQuery) ([]AuditEvent, error) {
	query := `
		SELECT id, event_type, source_id, target_id, outcome, timestamp,
			request_metadata, policy_decision, masked_fields,
			full_request, full_response, provenance_chain
		FROM audit_logs WHERE 1=1`
	var args []any

	if q.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, q.EventType)
	}
	if q.SourceID != "" {
		query += " AND source_id = ?"
		args = append(args, q.SourceID)
	}
	if q.TargetID != "" {
		query += " AND target_id = ?"
		args = append(args, q.TargetID)
	}
	if q.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, q.Outcome)
	}
	if !q.StartTime.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, q.StartTime.UTC().Format(auditTimeLayout))
	}
	if !q.EndTime.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, q.EndTime.UTC().Format(auditTimeLayout))
	}

	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limitOrDefault(q.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryErr("query audit logs", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var (
			e         AuditEvent
			targetID  sql.NullString
			timestamp string
			reqMeta, policyDec, masked       sql.NullString
			fullReq, fullResp, provenance    sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.SourceID, &targetID,
			&e.Outcome, &timestamp, &reqMeta, &policyDec, &masked,
			&fullReq, &fullResp, &provenance); err != nil {
			return nil, queryErr("scan audit event", err)
		}
		e.TargetID = targetID.String
		e.Timestamp = parseTime(timestamp)
		decodeNullJSON(reqMeta, &e.RequestMetadata)
		decodeNullJSON(policyDec, &e.PolicyDecision)
		decodeNullJSON(masked, &e.MaskedFields)
		decodeNullJSON(fullReq, &e.FullRequest)
		decodeNullJSON(fullResp, &e.FullResponse)
		decodeNullJSON(provenance, &e.ProvenanceChain)
		events = append(events, e)
	}
	return events, rows.Err()
}

func decodeNullJSON(s sql.NullString, dst any) {
	if !s.Valid || s.String == "" {
		return
	}
	json.Unmarshal([]byte(s.String), dst) //nolint:errcheck
}

// GetAuditStats counts audit events by outcome and by event type,
// optionally restricted to one source.
func (s *Store) GetAuditStats(ctx context.Context, sourceID string) (AuditStats, error) {
	stats := AuditStats{
		OutcomeCounts:   make(map[string]int),
		EventTypeCounts: make(map[string]int),
	}

	if err := s.countBy(ctx, "outcome", sourceID, stats.OutcomeCounts); err != nil {
		return AuditStats{}, err
	}
	if err := s.countBy(ctx, "event_type", sourceID, stats.EventTypeCounts); err != nil {
		return AuditStats{}, err
	}
	return stats, nil
}

func (s *Store) countBy(ctx context.Context, column, sourceID string, out map[string]int) error {
	query := `SELECT ` + column + `, COUNT(*) FROM audit_logs`
	var args []any
	if sourceID != "" {
		query += ` WHERE source_id = ?`
		args = append(args, sourceID)
	}
	query += ` GROUP BY ` + column

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return queryErr("audit stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return queryErr("scan audit stats", err)
		}
		out[key] = count
	}
	return rows.Err()
}
