package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rls"
)

// SQLAuditAdapter persists audit events through squealx. It satisfies
// both the single-event and batch adapter interfaces.
type SQLAuditAdapter struct {
	db *squealx.DB
}

func NewSQLAuditAdapter(db *squealx.DB) (*SQLAuditAdapter, error) {
	return &SQLAuditAdapter{db: db}, nil
}

const insertAuditEvent = `INSERT INTO audit_events(
	id, timestamp, user_id, tenant_id, operation, table_name, policy,
	decision, reason, fields_json, row_ids_json, request_id, duration_ms, context_json
) VALUES(
	:id, :timestamp, :user_id, :tenant_id, :operation, :table_name, :policy,
	:decision, :reason, :fields_json, :row_ids_json, :request_id, :duration_ms, :context_json
)`

func (s *SQLAuditAdapter) Log(ctx context.Context, ev *rls.AuditEvent) error {
	_, err := s.db.NamedExecContext(ctx, insertAuditEvent, eventParams(ev))
	return err
}

func (s *SQLAuditAdapter) LogBatch(ctx context.Context, events []*rls.AuditEvent) error {
	for _, ev := range events {
		if err := s.Log(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func eventParams(ev *rls.AuditEvent) map[string]any {
	fieldsB, _ := json.Marshal(ev.Fields)
	rowIDsB, _ := json.Marshal(ev.RowIDs)
	contextB, _ := json.Marshal(ev.Context)
	return map[string]any{
		"id":           ev.ID,
		"timestamp":    ev.Timestamp,
		"user_id":      ev.UserID,
		"tenant_id":    ev.TenantID,
		"operation":    string(ev.Operation),
		"table_name":   ev.Table,
		"policy":       ev.Policy,
		"decision":     string(ev.Decision),
		"reason":       ev.Reason,
		"fields_json":  string(fieldsB),
		"row_ids_json": string(rowIDsB),
		"request_id":   ev.RequestID,
		"duration_ms":  ev.Duration.Milliseconds(),
		"context_json": string(contextB),
	}
}

// Query reads events back, newest last, applying the same filters as the
// in-memory adapter.
func (s *SQLAuditAdapter) Query(ctx context.Context, q rls.AuditQuery) ([]*rls.AuditEvent, error) {
	sqlq := `SELECT id, timestamp, user_id, tenant_id, operation, table_name, policy,
		decision, reason, fields_json, row_ids_json, request_id, duration_ms, context_json
		FROM audit_events WHERE 1=1`
	params := map[string]any{}
	if q.UserID != "" {
		sqlq += " AND user_id = :user_id"
		params["user_id"] = q.UserID
	}
	if q.Table != "" {
		sqlq += " AND table_name = :table_name"
		params["table_name"] = q.Table
	}
	if q.Decision != "" {
		sqlq += " AND decision = :decision"
		params["decision"] = string(q.Decision)
	}
	if !q.Since.IsZero() {
		sqlq += " AND timestamp >= :since"
		params["since"] = q.Since
	}
	if !q.Until.IsZero() {
		sqlq += " AND timestamp <= :until"
		params["until"] = q.Until
	}
	sqlq += " ORDER BY timestamp"
	if q.Limit > 0 {
		sqlq += " LIMIT :limit"
		params["limit"] = q.Limit
	} else {
		sqlq += " LIMIT 100"
	}

	rows, err := s.db.NamedQueryContext(ctx, sqlq, params)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*rls.AuditEvent, 0)
	for rows.Next() {
		var id, userID, tenantID, operation, tableName, policy, decision, reason string
		var fieldsJSON, rowIDsJSON, requestID, contextJSON string
		var timestampRaw any
		var durationMS int64
		if err := rows.Scan(&id, &timestampRaw, &userID, &tenantID, &operation, &tableName,
			&policy, &decision, &reason, &fieldsJSON, &rowIDsJSON, &requestID, &durationMS, &contextJSON); err != nil {
			return nil, err
		}
		ev := &rls.AuditEvent{
			ID:        id,
			UserID:    userID,
			TenantID:  tenantID,
			Operation: rls.Operation(operation),
			Table:     tableName,
			Policy:    policy,
			Decision:  rls.AuditDecision(decision),
			Reason:    reason,
			RequestID: requestID,
			Duration:  time.Duration(durationMS) * time.Millisecond,
		}
		switch v := timestampRaw.(type) {
		case time.Time:
			ev.Timestamp = v
		case string:
			if t, err := parseFlexibleTime(v); err == nil {
				ev.Timestamp = t
			}
		case []byte:
			if t, err := parseFlexibleTime(string(v)); err == nil {
				ev.Timestamp = t
			}
		}
		_ = json.Unmarshal([]byte(fieldsJSON), &ev.Fields)
		_ = json.Unmarshal([]byte(rowIDsJSON), &ev.RowIDs)
		_ = json.Unmarshal([]byte(contextJSON), &ev.Context)
		out = append(out, ev)
	}
	return out, nil
}
