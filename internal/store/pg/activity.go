package pg

import (
	"context"

	"gatekeep.dev/internal/audit"
	"gatekeep.dev/internal/provider"
)

var _ audit.Sink = (*Store)(nil)

// RecordActivity persists an audit entry into activity_logs. Entries without
// a user are skipped; the table is keyed by user.
func (s *Store) RecordActivity(ctx context.Context, entry audit.Entry) error {
	if entry.UserID == "" {
		return nil
	}
	fields := provider.Record{
		"user_id":       entry.UserID,
		"action":        entry.Event,
		"resource_type": "auth",
		"metadata":      activityMetadata(entry),
	}
	if !entry.At.IsZero() {
		fields["created_at"] = entry.At.UTC()
	}
	_, err := s.InsertRecord(ctx, provider.TableActivityLogs, fields)
	return err
}

func activityMetadata(entry audit.Entry) map[string]any {
	meta := make(map[string]any, len(entry.Fields)+1)
	for k, v := range entry.Fields {
		meta[k] = v
	}
	if entry.RequestID != "" {
		meta["request_id"] = entry.RequestID
	}
	return meta
}
