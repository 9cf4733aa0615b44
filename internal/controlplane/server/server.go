package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/botfactory/botfleet/internal/configstore"
	"github.com/botfactory/botfleet/internal/registry"
	"github.com/botfactory/botfleet/internal/supervisor"
)

// Config wires the platform pieces together.
type Config struct {
	DBPath  string
	BotBin  string
	DataDir string
	LogsDir string

	HealthInterval   time.Duration
	HealthErrBackoff time.Duration

	// Supervisor overrides the default process tunables; tests use this
	// to shrink the startup windows.
	Supervisor *supervisor.Config

	// TelegramBaseURL overrides api.telegram.org at registration time.
	TelegramBaseURL string
}

// Server is the supervising web process: HTTP surface over the registry,
// config store and process supervisor, plus the background health
// monitor.
type Server struct {
	cfg Config

	registry *registry.Registry
	configs  *configstore.Store
	sup      *supervisor.Supervisor
	monitor  *supervisor.Monitor

	bgCancel func()
	bgWG     sync.WaitGroup
}

// New opens the registry, builds the supervisor (adopting any orphaned
// bot processes) and starts the health monitor.
func New(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("db path is required")
	}
	if cfg.BotBin == "" {
		return nil, errors.New("bot-bin is required")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.LogsDir == "" {
		cfg.LogsDir = "logs"
	}

	reg, err := registry.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	store, err := configstore.New(cfg.DataDir, cfg.DBPath)
	if err != nil {
		_ = reg.Close()
		return nil, err
	}

	supCfg := supervisor.DefaultConfig(cfg.BotBin, cfg.LogsDir)
	if cfg.Supervisor != nil {
		supCfg = *cfg.Supervisor
	}
	sup, err := supervisor.New(supCfg, reg, store)
	if err != nil {
		_ = reg.Close()
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		registry: reg,
		configs:  store,
		sup:      sup,
		monitor:  supervisor.NewMonitor(sup, cfg.HealthInterval, cfg.HealthErrBackoff),
	}
	s.startBackground()
	return s, nil
}

func (s *Server) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.monitor.Run(ctx)
	}()
}

// Restore runs the startup reconciliation pass. Called from main after
// New so the caller controls the timeout.
func (s *Server) Restore(ctx context.Context) (supervisor.RestoreResult, error) {
	return s.sup.Restore(ctx)
}

// Close stops the monitor and closes the registry. Running bots are left
// alone so they survive a supervisor restart; ShutdownAll is a separate,
// explicit operation.
func (s *Server) Close() error {
	if s.bgCancel != nil {
		s.bgCancel()
		s.bgWG.Wait()
	}
	return s.registry.Close()
}

// Router builds the HTTP surface.
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.wrap(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	api := r.Group("/api")
	api.GET("/status", s.wrap(s.handleSystemStatus))
	api.GET("/stats", s.wrap(s.handleSystemStats))
	api.GET("/events", s.wrap(s.handleRecentEvents))
	api.POST("/restore", s.wrap(s.handleRestore))
	api.POST("/shutdown_all", s.wrap(s.handleShutdownAll))

	bots := api.Group("/bots")
	bots.GET("", s.wrap(s.handleBotsList))
	bots.POST("", s.wrap(s.handleBotsRegister))
	botID := bots.Group("/:botID")
	botID.GET("", s.wrap(s.handleBotGet))
	botID.POST("/deploy", s.wrap(s.handleBotDeploy))
	botID.POST("/stop", s.wrap(s.handleBotStop))
	botID.POST("/restart", s.wrap(s.handleBotRestart))
	botID.GET("/status", s.wrap(s.handleBotStatus))
	botID.GET("/logs", s.wrap(s.handleBotLogsTail))
	botID.GET("/logs/stream", s.wrap(s.handleBotLogsStream))

	return r
}

type paramsKeyType string

const paramsKey paramsKeyType = "botfleet_path_params"

// wrap adapts net/http handlers to gin, injecting path params into the
// request context.
func (s *Server) wrap(h func(http.ResponseWriter, *http.Request)) gin.HandlerFunc {
	return func(c *gin.Context) {
		m := map[string]string{}
		for _, p := range c.Params {
			m[p.Key] = p.Value
		}
		ctx := context.WithValue(c.Request.Context(), paramsKey, m)
		c.Request = c.Request.WithContext(ctx)
		h(c.Writer, c.Request)
	}
}
