package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/botfactory/botfleet/pkg/logger"
	"github.com/google/uuid"
)

// Event is one audit-trail row.
type Event struct {
	ID          int64
	UserID      *int64
	BotID       *int64
	EventType   string
	EventData   *string
	Description string
	CreatedAt   time.Time
}

// LogEvent appends to the audit trail. Fire-and-forget: a failure here
// is logged and swallowed so it can never block the calling operation.
func (r *Registry) LogEvent(ctx context.Context, userID, botID *int64, eventType, description string) {
	r.LogEventData(ctx, userID, botID, eventType, description, nil)
}

// LogEventData is LogEvent with a structured payload. A correlation id
// is attached so related events can be tied together across processes.
func (r *Registry) LogEventData(ctx context.Context, userID, botID *int64, eventType, description string, data map[string]any) {
	var dataStr any
	if data != nil {
		if _, ok := data["event_id"]; !ok {
			data["event_id"] = uuid.NewString()
		}
		if b, err := json.Marshal(data); err == nil {
			dataStr = string(b)
		}
	}
	err := withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, `
INSERT INTO system_logs (user_id, bot_id, event_type, event_data, description, created_at)
VALUES (?,?,?,?,?,?)
`, userID, botID, eventType, dataStr, description, now())
		return err
	})
	if err != nil {
		logger.Errorf("log event %s failed: %v", eventType, err)
	}
}

// RecentEvents returns up to limit newest events.
func (r *Registry) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []Event
	err := withRetry(ctx, func() error {
		rows, err := r.db.QueryContext(ctx, `
SELECT id, user_id, bot_id, event_type, event_data, description, created_at
FROM system_logs ORDER BY created_at DESC LIMIT ?
`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var (
				e         Event
				userID    *int64
				botID     *int64
				eventData *string
				desc      *string
				createdAt string
			)
			if err := rows.Scan(&e.ID, &userID, &botID, &e.EventType, &eventData, &desc, &createdAt); err != nil {
				return err
			}
			e.UserID = userID
			e.BotID = botID
			e.EventData = eventData
			if desc != nil {
				e.Description = *desc
			}
			if t := parseTime(createdAt); t != nil {
				e.CreatedAt = *t
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats is the platform-level summary exposed on the status endpoint.
type Stats struct {
	TotalUsers          int       `json:"total_users"`
	TotalBots           int       `json:"total_bots"`
	ActiveBots          int       `json:"active_bots"`
	RecentRegistrations int       `json:"recent_registrations"`
	Timestamp           time.Time `json:"timestamp"`
}

// SystemStats counts users and bots for diagnostics.
func (r *Registry) SystemStats(ctx context.Context) (*Stats, error) {
	s := &Stats{Timestamp: time.Now()}
	err := withRetry(ctx, func() error {
		if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM saas_users`).Scan(&s.TotalUsers); err != nil {
			return err
		}
		if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_bots`).Scan(&s.TotalBots); err != nil {
			return err
		}
		if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_bots WHERE status='active'`).Scan(&s.ActiveBots); err != nil {
			return err
		}
		cutoff := time.Now().Add(-24 * time.Hour).Format(time.RFC3339Nano)
		return r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM saas_users WHERE created_at > ?`, cutoff).Scan(&s.RecentRegistrations)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
