package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/remote-agent-terminal/gateway/api/handlers"
	"github.com/remote-agent-terminal/gateway/internal/auth"
	"github.com/remote-agent-terminal/gateway/internal/config"
	"github.com/remote-agent-terminal/gateway/internal/db"
	"github.com/remote-agent-terminal/gateway/internal/logger"
	"github.com/remote-agent-terminal/gateway/internal/repository"
	"github.com/remote-agent-terminal/gateway/internal/session"
	"github.com/remote-agent-terminal/gateway/internal/workspace"
	"github.com/remote-agent-terminal/gateway/internal/ws"
)

const shutdownTimeout = 10 * time.Second

var serveFlags struct {
	port          string
	dbPath        string
	workspaceRoot string
	agentCommand  string
	logLevel      string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVarP(&serveFlags.port, "port", "p", "", "listen port (PORT)")
	f.StringVar(&serveFlags.dbPath, "db", "", "sqlite database path (DB_PATH)")
	f.StringVar(&serveFlags.workspaceRoot, "workspace-root", "", "root of per-project working directories (WORKSPACE_ROOT)")
	f.StringVar(&serveFlags.agentCommand, "agent-command", "", "agent executable (AGENT_COMMAND)")
	f.StringVar(&serveFlags.logLevel, "log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	rootCmd.AddCommand(serveCmd)
}

// applyFlags overrides cfg with the flags given on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("port", &cfg.Server.Port, serveFlags.port)
	set("db", &cfg.Server.DBPath, serveFlags.dbPath)
	set("workspace-root", &cfg.Workspace.Root, serveFlags.workspaceRoot)
	set("agent-command", &cfg.Agent.Command, serveFlags.agentCommand)
	set("log-level", &cfg.Log.Level, serveFlags.logLevel)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	database, err := db.Open(cfg.Server.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	sessionRepo := repository.NewSessionRepository(database)
	if n, err := sessionRepo.CloseOrphans(context.Background()); err != nil {
		log.Warn("failed to close orphaned sessions", zap.Error(err))
	} else if n > 0 {
		log.Info("closed sessions left over from a previous run", zap.Int64("count", n))
	}

	resolver, err := workspace.NewResolver(cfg.Workspace.Root)
	if err != nil {
		return err
	}
	var preparer workspace.Preparer
	if cfg.Workspace.PrepareContext {
		preparer = workspace.ContextPreparer{}
	}

	sessionManager, err := session.NewManager(session.Config{
		Command:            cfg.Agent.Command,
		Args:               cfg.Agent.Args,
		Driver:             cfg.Agent.Driver,
		ReadyPattern:       cfg.Agent.ReadyPattern,
		Credential:         cfg.Agent.Credential,
		CredentialEnv:      cfg.Agent.CredentialEnv,
		InstallHint:        cfg.Agent.InstallHint,
		PrepDelay:          cfg.Agent.PrepDelay.Duration,
		StopGrace:          cfg.Agent.StopGrace.Duration,
		InputQueueSize:     cfg.Agent.InputQueueSize,
		EventQueueSize:     cfg.Agent.EventQueueSize,
		HistorySize:        cfg.Agent.HistorySize,
		MaxSessionsPerUser: cfg.Server.MaxSessionsPerUser,
	}, resolver, preparer, sessionRepo, log.Named("sessions"))
	if err != nil {
		return err
	}

	guard := auth.NewGuard(cfg.Auth.Secret, cfg.Auth.Issuer)
	gateway := ws.NewGateway(guard, sessionManager, cfg.Server.AllowedOrigins, log)
	hubs := ws.NewHubManager(cfg.Hub.HeartbeatInterval.Duration, log)
	eventService := ws.NewService(hubs, gateway, guard, resolver, cfg.Server.AllowedOrigins, log)

	router := newRouter(cfg, log, guard,
		handlers.NewSessionHandler(sessionRepo, sessionManager),
		handlers.NewWebSocketHandler(gateway, eventService),
		handlers.NewEventsHandler(eventService),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server",
			zap.String("addr", srv.Addr),
			zap.String("agent", cfg.Agent.Command),
			zap.String("workspace_root", resolver.Root()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; the gateway
	// closes them and tears their sessions down.
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := gateway.Close(ctx); err != nil {
		log.Warn("gateway shutdown incomplete", zap.Error(err))
	}
	hubs.Close()
	sessionManager.Close()
	log.Info("server stopped")
	return nil
}

func newRouter(cfg *config.Config, log *zap.Logger, guard *auth.Guard,
	sessionHandler *handlers.SessionHandler,
	wsHandler *handlers.WebSocketHandler,
	eventsHandler *handlers.EventsHandler,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestLogger(log.Named("http")), recovery(log))
	r.Use(corsMiddleware(cfg.Server.AllowedOrigins))

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	wsHandler.RegisterRoutes(r)

	api := r.Group("/api", guard.Middleware())
	{
		sessionHandler.RegisterRoutes(api)
		eventsHandler.RegisterRoutes(api)
	}
	return r
}
