package configstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/botfactory/botfleet/internal/registry"
	"github.com/botfactory/botfleet/pkg/logger"
)

// ErrNotFound is returned when a bot's config blob does not exist on disk.
var ErrNotFound = errors.New("config file not found")

const blobVersion = "1.0.0"

// Blob is the per-bot JSON configuration written at deploy time. The
// child process reads nothing else besides environment variables, so
// every setting it needs lives here. Keys are SCREAMING_CASE for
// compatibility with the config contract.
type Blob struct {
	BotID       int64  `json:"BOT_ID"`
	BotToken    string `json:"BOT_TOKEN"`
	BotUsername string `json:"BOT_USERNAME"`
	DisplayName string `json:"BOT_DISPLAY_NAME,omitempty"`

	AdminChatID int64 `json:"ADMIN_CHAT_ID"`
	OwnerID     int64 `json:"OWNER_ID"`

	DatabasePath string `json:"DATABASE_PATH"`
	MasterDBPath string `json:"MASTER_DB_PATH"`

	ChannelID       *string `json:"CHANNEL_ID"`
	ChannelUsername *string `json:"CHANNEL_USERNAME"`

	AutoApproveRequests    bool `json:"AUTO_APPROVE_REQUESTS"`
	WelcomeMessageEnabled  bool `json:"WELCOME_MESSAGE_ENABLED"`
	FarewellMessageEnabled bool `json:"FAREWELL_MESSAGE_ENABLED"`
	UTMTrackingEnabled     bool `json:"UTM_TRACKING_ENABLED"`

	WelcomeMessage     string `json:"WELCOME_MESSAGE"`
	FarewellMessage    string `json:"FAREWELL_MESSAGE"`
	AutoApproveMessage string `json:"AUTO_APPROVE_MESSAGE"`

	LogLevel            string `json:"LOG_LEVEL"`
	HealthCheckInterval int    `json:"HEALTH_CHECK_INTERVAL"` // seconds; child heartbeat cadence
	MaxMessageLength    int    `json:"MAX_MESSAGE_LENGTH"`
	RateLimitEnabled    bool   `json:"RATE_LIMIT_ENABLED"`
	StatsEnabled        bool   `json:"STATS_ENABLED"`
	AnalyticsRetention  int    `json:"ANALYTICS_RETENTION_DAYS"`
	BroadcastDelay      int    `json:"BROADCAST_DELAY"` // seconds between broadcast sends
	MaxBroadcastSize    int    `json:"MAX_BROADCAST_SIZE"`

	GeneratedAt string `json:"_generated_at"`
	UpdatedAt   string `json:"_updated_at,omitempty"`
	Version     string `json:"_version"`
}

// Store generates and maintains per-bot config blobs under
// <dataDir>/bot_configs. Pure file I/O; a leaf dependency.
type Store struct {
	configsDir   string
	databasesDir string
	masterDBPath string
}

// New creates the store and ensures its directories exist.
func New(dataDir, masterDBPath string) (*Store, error) {
	s := &Store{
		configsDir:   filepath.Join(dataDir, "bot_configs"),
		databasesDir: filepath.Join(dataDir, "user_databases"),
		masterDBPath: masterDBPath,
	}
	for _, dir := range []string{s.configsDir, s.databasesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return s, nil
}

// Path returns the deterministic config file location for a bot.
func (s *Store) Path(botID int64) string {
	return filepath.Join(s.configsDir, fmt.Sprintf("bot_%d_config.json", botID))
}

// DatabasePath returns the deterministic isolated DB location for a bot.
func (s *Store) DatabasePath(botID int64) string {
	return filepath.Join(s.databasesDir, fmt.Sprintf("bot_%d.db", botID))
}

// Generate materializes a config blob from a bot record snapshot and
// writes it to disk, returning the file path.
func (s *Store) Generate(b *registry.BotRecord) (string, error) {
	if b == nil {
		return "", fmt.Errorf("nil bot record")
	}

	blob := &Blob{
		BotID:       b.ID,
		BotToken:    b.BotToken,
		BotUsername: b.BotUsername,

		AdminChatID: b.OwnerTelegramID,
		OwnerID:     b.OwnerID,

		DatabasePath: s.DatabasePath(b.ID),
		MasterDBPath: s.masterDBPath,

		ChannelID: b.ChannelID,

		AutoApproveRequests:    true,
		WelcomeMessageEnabled:  true,
		FarewellMessageEnabled: true,
		UTMTrackingEnabled:     true,

		WelcomeMessage:     "Welcome to the channel! Glad to have you here.",
		FarewellMessage:    "Goodbye! We'll miss you.",
		AutoApproveMessage: "Your join request was approved. Welcome!",

		LogLevel:            "info",
		HealthCheckInterval: 300,
		MaxMessageLength:    4000,
		RateLimitEnabled:    true,
		StatsEnabled:        true,
		AnalyticsRetention:  90,
		BroadcastDelay:      1,
		MaxBroadcastSize:    1000,

		GeneratedAt: time.Now().Format(time.RFC3339),
		Version:     blobVersion,
	}
	if b.DisplayName != nil {
		blob.DisplayName = *b.DisplayName
	}

	path := s.Path(b.ID)
	if err := writeJSONFile(path, blob); err != nil {
		return "", fmt.Errorf("write config for bot %d: %w", b.ID, err)
	}
	logger.Infof("generated config for bot %d: %s", b.ID, path)
	return path, nil
}

// Load reads and parses the blob for a bot.
func (s *Store) Load(botID int64) (*Blob, error) {
	return LoadFile(s.Path(botID))
}

// Exists reports whether the blob is present on disk.
func (s *Store) Exists(botID int64) bool {
	_, err := os.Stat(s.Path(botID))
	return err == nil
}

// Update merges the given keys into the stored blob and stamps
// _updated_at. Merging happens at the JSON level so callers can patch
// individual behavior settings without round-tripping the whole struct.
func (s *Store) Update(botID int64, updates map[string]any) error {
	path := s.Path(botID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read config for bot %d: %w", botID, err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse config for bot %d: %w", botID, err)
	}
	for k, v := range updates {
		m[k] = v
	}
	m["_updated_at"] = time.Now().Format(time.RFC3339)

	if err := writeJSONFile(path, m); err != nil {
		return fmt.Errorf("write config for bot %d: %w", botID, err)
	}
	logger.Infof("updated config for bot %d", botID)
	return nil
}

// Delete removes the blob; deleting a missing blob is not an error.
func (s *Store) Delete(botID int64) error {
	err := os.Remove(s.Path(botID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete config for bot %d: %w", botID, err)
	}
	return nil
}

// LoadFile reads a blob from an explicit path (the child process entry
// point uses this with its --config argument).
func LoadFile(path string) (*Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var b Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &b, nil
}

// Validate checks the fields a child process cannot start without.
func (b *Blob) Validate() error {
	if b.BotID <= 0 {
		return fmt.Errorf("missing required field: BOT_ID")
	}
	if strings.TrimSpace(b.BotToken) == "" {
		return fmt.Errorf("missing required field: BOT_TOKEN")
	}
	if !strings.Contains(b.BotToken, ":") {
		return fmt.Errorf("invalid bot token format")
	}
	if strings.TrimSpace(b.BotUsername) == "" {
		return fmt.Errorf("missing required field: BOT_USERNAME")
	}
	if b.AdminChatID == 0 {
		return fmt.Errorf("missing required field: ADMIN_CHAT_ID")
	}
	if strings.TrimSpace(b.DatabasePath) == "" {
		return fmt.Errorf("missing required field: DATABASE_PATH")
	}
	return nil
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
