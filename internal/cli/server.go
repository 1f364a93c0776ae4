package cli

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
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/config"
	"quiz-session-service/internal/infra/memory"
	pgstore "quiz-session-service/internal/infra/postgres"
	redisstore "quiz-session-service/internal/infra/redis"
	"quiz-session-service/internal/logger"
	"quiz-session-service/internal/metrics"
	transport "quiz-session-service/internal/transport/http"
)

const shutdownTimeout = 5 * time.Second

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	root := logger.New(cfg.Log.Level, cfg.Log.Format)
	log := logger.Component(root, "cli")

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []app.Option{app.WithCodeAttempts(cfg.Session.CodeMaxAttempts)}
	routerCfg := transport.RouterConfig{
		Hub: transport.NewHub(logger.Component(root, "hub")),
		Log: root,
	}
	if cfg.Metrics.Enabled {
		manager := metrics.NewManager()
		opts = append(opts, app.WithRecorder(manager))
		routerCfg.Metrics = manager.Handler()
		routerCfg.MetricsPath = cfg.Metrics.Path
		routerCfg.Connections = manager
	}
	routerCfg.Service = app.NewSessionService(store, opts...)

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      transport.NewRouter(routerCfg),
		ReadTimeout:  config.Duration(cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout: config.Duration(cfg.Server.WriteTimeout, 15*time.Second),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"port": finalPort, "store": cfg.Store.Driver}).Info("starting quiz session service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case <-stop:
		log.Info("shutting down server")
	case <-ctx.Done():
		log.Info("context canceled, shutting down server")
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openStore builds the configured store and a func that releases it.
func openStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (app.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return redisstore.NewSessionStore(client), func() { _ = client.Close() }, nil
	case config.DriverPostgres:
		if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return pgstore.NewSessionStore(pool), pool.Close, nil
	default:
		return memory.NewSessionStore(), func() {}, nil
	}
}
