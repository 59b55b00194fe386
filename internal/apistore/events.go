package apistore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sl224/casparianflow/internal/db"
	"github.com/sl224/casparianflow/internal/domain"
)

// InsertEvent appends a monotonic, gapless, per-job event. The next
// event_id is computed as max(event_id for job)+1 inside the same BEGIN
// IMMEDIATE transaction as the insert, so concurrent inserts for the same
// job are serialized by the database write lock rather than racing on a
// client-computed sequence number.
func (s *Store) InsertEvent(ctx context.Context, jobID int64, eventType domain.EventType, payload any) (int64, error) {
	var eventID int64
	err := s.db.WithImmediate(ctx, s.retryCap, func(ctx context.Context, tx db.Tx) error {
		var maxID int64
		if err := tx.QueryRow(ctx, "SELECT COALESCE(MAX(event_id), 0) FROM events WHERE job_id = ?", jobID).Scan(&maxID); err != nil {
			return err
		}
		eventID = maxID + 1

		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO events (job_id, event_id, event_type, timestamp, payload_json)
			VALUES (?, ?, ?, ?, ?)`,
			jobID, eventID, string(eventType), timeToStr(time.Now()), string(payloadJSON))
		return err
	})
	return eventID, err
}

// ListEvents returns events for jobID with event_id > afterEventID, in
// order, supporting long-poll/streaming consumers.
func (s *Store) ListEvents(ctx context.Context, jobID int64, afterEventID int64) ([]*domain.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, job_id, event_id, event_type, timestamp, payload_json
		FROM events WHERE job_id = ? AND event_id > ? ORDER BY event_id ASC`,
		jobID, afterEventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		var e domain.Event
		var eventType, ts string
		var payload *string
		if err := rows.Scan(&e.ID, &e.JobID, &e.EventID, &eventType, &ts, &payload); err != nil {
			return nil, err
		}
		e.EventType = domain.EventType(eventType)
		e.Timestamp = strToTime(ts)
		if payload != nil {
			e.Payload = json.RawMessage(*payload)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
