package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrBotNotFound is returned by lookups for an unknown bot id.
var ErrBotNotFound = errors.New("bot not found")

// User is one SaaS account (a Telegram user who owns bots).
type User struct {
	ID           int64
	TelegramID   int64
	Username     *string
	FirstName    *string
	CreatedAt    time.Time
	IsActive     bool
	LastActivity time.Time
}

// BotRecord is the durable description of one deployed user bot.
// Mutated only through the Update* methods here.
type BotRecord struct {
	ID           int64
	OwnerID      int64
	BotToken     string
	BotUsername  string
	DisplayName  *string
	ChannelID    *string
	Status       string
	ProcessID    *string
	ConfigPath   *string
	DatabasePath *string
	CreatedAt    time.Time
	LastPing     *time.Time
	ErrorMessage *string

	// Joined from saas_users for config generation.
	OwnerTelegramID int64
}

// CreateUser inserts a new SaaS user and logs the registration event.
func (r *Registry) CreateUser(ctx context.Context, telegramID int64, username, firstName string) (int64, error) {
	var id int64
	err := withRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx, `
INSERT INTO saas_users (telegram_id, username, first_name, created_at, last_activity)
VALUES (?,?,?,?,?)
`, telegramID, nullIfEmpty(username), nullIfEmpty(firstName), now(), now())
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	r.LogEvent(ctx, &id, nil, "user_registered", fmt.Sprintf("New user registered: %s (@%s)", firstName, username))
	return id, nil
}

// GetUserByTelegramID returns nil when the user does not exist.
func (r *Registry) GetUserByTelegramID(ctx context.Context, telegramID int64) (*User, error) {
	var u User
	var username, firstName sql.NullString
	var createdAt, lastActivity string
	var isActive int
	err := withRetry(ctx, func() error {
		row := r.db.QueryRowContext(ctx, `
SELECT id, telegram_id, username, first_name, created_at, is_active, last_activity
FROM saas_users WHERE telegram_id=?
`, telegramID)
		return row.Scan(&u.ID, &u.TelegramID, &username, &firstName, &createdAt, &isActive, &lastActivity)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if username.Valid {
		u.Username = &username.String
	}
	if firstName.Valid {
		u.FirstName = &firstName.String
	}
	if t := parseTime(createdAt); t != nil {
		u.CreatedAt = *t
	}
	if t := parseTime(lastActivity); t != nil {
		u.LastActivity = *t
	}
	u.IsActive = isActive == 1
	return &u, nil
}

// TouchUserActivity refreshes last_activity; best-effort for callers.
func (r *Registry) TouchUserActivity(ctx context.Context, telegramID int64) error {
	return withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, `UPDATE saas_users SET last_activity=? WHERE telegram_id=?`, now(), telegramID)
		return err
	})
}

// CreateBot inserts a new bot record in the creating state.
func (r *Registry) CreateBot(ctx context.Context, ownerID int64, botToken, botUsername, displayName string) (int64, error) {
	var id int64
	err := withRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx, `
INSERT INTO user_bots (owner_id, bot_token, bot_username, bot_display_name, status, created_at)
VALUES (?,?,?,?,?,?)
`, ownerID, botToken, botUsername, nullIfEmpty(displayName), StatusCreating, now())
		if err != nil {
			return fmt.Errorf("insert bot: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	r.LogEvent(ctx, &ownerID, &id, "bot_created", fmt.Sprintf("Bot created: @%s", botUsername))
	return id, nil
}

const botColumns = `
b.id, b.owner_id, b.bot_token, b.bot_username, b.bot_display_name, b.channel_id,
b.status, b.process_id, b.config_path, b.database_path, b.created_at, b.last_ping,
b.error_message, u.telegram_id`

func scanBot(scan func(dest ...any) error) (*BotRecord, error) {
	var b BotRecord
	var displayName, channelID, processID, configPath, databasePath, lastPing, errMsg sql.NullString
	var createdAt string
	if err := scan(
		&b.ID, &b.OwnerID, &b.BotToken, &b.BotUsername, &displayName, &channelID,
		&b.Status, &processID, &configPath, &databasePath, &createdAt, &lastPing,
		&errMsg, &b.OwnerTelegramID,
	); err != nil {
		return nil, err
	}
	assign := func(dst **string, v sql.NullString) {
		if v.Valid && strings.TrimSpace(v.String) != "" {
			s := v.String
			*dst = &s
		}
	}
	assign(&b.DisplayName, displayName)
	assign(&b.ChannelID, channelID)
	assign(&b.ProcessID, processID)
	assign(&b.ConfigPath, configPath)
	assign(&b.DatabasePath, databasePath)
	assign(&b.ErrorMessage, errMsg)
	if t := parseTime(createdAt); t != nil {
		b.CreatedAt = *t
	}
	if lastPing.Valid {
		b.LastPing = parseTime(lastPing.String)
	}
	return &b, nil
}

// GetBot returns ErrBotNotFound for unknown ids.
func (r *Registry) GetBot(ctx context.Context, botID int64) (*BotRecord, error) {
	var b *BotRecord
	err := withRetry(ctx, func() error {
		row := r.db.QueryRowContext(ctx, `
SELECT `+botColumns+`
FROM user_bots b JOIN saas_users u ON b.owner_id = u.id
WHERE b.id=?
`, botID)
		var scanErr error
		b, scanErr = scanBot(row.Scan)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBotNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// BotExistsByToken reports whether a bot with this token is registered.
func (r *Registry) BotExistsByToken(ctx context.Context, botToken string) (bool, error) {
	var exists bool
	err := withRetry(ctx, func() error {
		row := r.db.QueryRowContext(ctx, `SELECT 1 FROM user_bots WHERE bot_token=?`, botToken)
		var one int
		switch err := row.Scan(&one); {
		case err == nil:
			exists = true
			return nil
		case errors.Is(err, sql.ErrNoRows):
			exists = false
			return nil
		default:
			return err
		}
	})
	return exists, err
}

// ListBotsByOwner returns a user's bots, newest first.
func (r *Registry) ListBotsByOwner(ctx context.Context, ownerID int64) ([]BotRecord, error) {
	return r.queryBots(ctx, `
SELECT `+botColumns+`
FROM user_bots b JOIN saas_users u ON b.owner_id = u.id
WHERE b.owner_id=? ORDER BY b.created_at DESC
`, ownerID)
}

// ListBots returns every bot record, newest first.
func (r *Registry) ListBots(ctx context.Context) ([]BotRecord, error) {
	return r.queryBots(ctx, `
SELECT `+botColumns+`
FROM user_bots b JOIN saas_users u ON b.owner_id = u.id
ORDER BY b.created_at DESC
`)
}

// GetActiveBots returns bots that should probably be running: both
// active and creating count, so a crash mid-deploy is retried by the
// restoration pass.
func (r *Registry) GetActiveBots(ctx context.Context) ([]BotRecord, error) {
	return r.queryBots(ctx, `
SELECT `+botColumns+`
FROM user_bots b JOIN saas_users u ON b.owner_id = u.id
WHERE b.status IN ('active','creating')
ORDER BY b.created_at DESC
`)
}

func (r *Registry) queryBots(ctx context.Context, query string, args ...any) ([]BotRecord, error) {
	var out []BotRecord
	err := withRetry(ctx, func() error {
		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			b, err := scanBot(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, *b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateStatus is an unconditional last-write-wins status update that
// also refreshes last_ping. errorMessage may be empty to clear it.
func (r *Registry) UpdateStatus(ctx context.Context, botID int64, status string, errorMessage string) error {
	return withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, `
UPDATE user_bots SET status=?, error_message=?, last_ping=? WHERE id=?
`, status, nullIfEmpty(errorMessage), now(), botID)
		return err
	})
}

// UpdateProcessID records the spawned process id and refreshes last_ping.
func (r *Registry) UpdateProcessID(ctx context.Context, botID int64, processID string) error {
	return withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, `
UPDATE user_bots SET process_id=?, last_ping=? WHERE id=?
`, processID, now(), botID)
		return err
	})
}

// UpdatePaths persists the generated config and database locations.
func (r *Registry) UpdatePaths(ctx context.Context, botID int64, configPath, databasePath string) error {
	return withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, `
UPDATE user_bots SET config_path=?, database_path=? WHERE id=?
`, configPath, databasePath, botID)
		return err
	})
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
