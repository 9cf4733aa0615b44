package botapp

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/botfactory/botfleet/internal/configstore"
	"github.com/botfactory/botfleet/internal/registry"
	"github.com/botfactory/botfleet/pkg/logger"
	"github.com/botfactory/botfleet/pkg/syncgroup"
	"github.com/botfactory/botfleet/pkg/telegram"
)

// App is one user bot: a config blob, an isolated database, a Telegram
// long-poll loop and a heartbeat that self-reports into the shared
// registry.
type App struct {
	cfg *configstore.Blob
	db  *DB
	reg *registry.Registry
	tg  *telegram.Client

	// TelegramBaseURL overrides api.telegram.org for tests.
	TelegramBaseURL string
}

// Load reads and validates the config blob and verifies it matches the
// bot id the process was launched for.
func Load(cfgPath string, botID int64) (*App, error) {
	blob, err := configstore.LoadFile(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := blob.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if blob.BotID != botID {
		return nil, fmt.Errorf("config is for bot %d, launched as bot %d", blob.BotID, botID)
	}
	return &App{cfg: blob}, nil
}

// LogLevel exposes the configured level for process setup.
func (a *App) LogLevel() string {
	return a.cfg.LogLevel
}

// SelfTest validates everything a normal run would need short of the
// network: the config already passed Validate in Load, so this
// bootstraps the isolated database and exits. The supervisor runs this
// before every real spawn.
func (a *App) SelfTest() error {
	db, err := OpenDB(a.cfg.DatabasePath, a.cfg.BotID)
	if err != nil {
		return fmt.Errorf("bot db bootstrap: %w", err)
	}
	return db.Close()
}

// Run starts the bot and blocks until ctx is cancelled. Fatal startup
// failures are written to the registry as error status before returning.
func (a *App) Run(ctx context.Context) error {
	db, err := OpenDB(a.cfg.DatabasePath, a.cfg.BotID)
	if err != nil {
		return fmt.Errorf("bot db: %w", err)
	}
	defer db.Close()
	a.db = db

	if a.cfg.MasterDBPath != "" {
		reg, err := registry.Open(a.cfg.MasterDBPath)
		if err != nil {
			logger.Warnf("registry unavailable, heartbeat disabled: %v", err)
		} else {
			a.reg = reg
			defer reg.Close()
		}
	}

	a.tg = telegram.NewClient(a.cfg.BotToken, a.TelegramBaseURL)
	me, err := a.tg.GetMe(ctx)
	if err != nil {
		a.reportError(fmt.Sprintf("Token validation failed: %v", err))
		return fmt.Errorf("getMe: %w", err)
	}
	logger.Infof("bot %d online as @%s", a.cfg.BotID, me.Username)
	a.reportActive()

	sg := syncgroup.NewSyncGroup()
	sg.Add(func() { a.heartbeatLoop(ctx) })
	sg.Add(func() { a.pollLoop(ctx) })
	sg.Run()
	sg.Wait()
	logger.Infof("bot %d shut down", a.cfg.BotID)
	return nil
}

// heartbeatLoop refreshes the registry's last_ping so the platform can
// tell a live bot from a wedged one.
func (a *App) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.HealthCheckInterval) * time.Second
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reportActive()
		}
	}
}

func (a *App) reportActive() {
	if a.reg == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.reg.UpdateStatus(ctx, a.cfg.BotID, registry.StatusActive, ""); err != nil {
		logger.Warnf("heartbeat write failed: %v", err)
	}
}

func (a *App) reportError(msg string) {
	if a.reg == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.reg.UpdateStatus(ctx, a.cfg.BotID, registry.StatusError, msg)
	botID := a.cfg.BotID
	a.reg.LogEventData(ctx, nil, &botID, "bot_error", msg, map[string]any{"source": "bot"})
}

// pollLoop long-polls Telegram and records what it sees. Message
// handling beyond subscriber tracking lives in the bot template's
// feature set, not here.
func (a *App) pollLoop(ctx context.Context) {
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := a.tg.GetUpdates(ctx, offset, 30)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warnf("getUpdates failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			a.handleUpdate(ctx, u)
		}
	}
}

func (a *App) handleUpdate(ctx context.Context, u telegram.Update) {
	if u.Message == nil || u.Message.From == nil {
		return
	}
	from := u.Message.From
	if err := a.db.UpsertSubscriber(ctx, from.ID, from.Username, from.FirstName); err != nil {
		logger.Warnf("subscriber upsert failed: %v", err)
	}
	_ = a.db.RecordEvent(ctx, "message", strconv.FormatInt(u.Message.MessageID, 10))

	if u.Message.Text == "/start" && a.cfg.WelcomeMessageEnabled {
		if _, err := a.tg.SendMessage(ctx, u.Message.Chat.ID, a.cfg.WelcomeMessage); err != nil {
			logger.Warnf("welcome send failed: %v", err)
		}
	}
}
