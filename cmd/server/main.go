package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"omnihub/internal/adapters/gateway"
	"omnihub/internal/adapters/handler"
	"omnihub/internal/adapters/repository"
	"omnihub/internal/config"
	"omnihub/internal/core/services"
)

const (
	connectAttempts = 10
	connectBackoff  = 3 * time.Second
)

func main() {
	cfg := config.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	db := connectDB(cfg)
	defer db.Close()

	rdb := connectRedis(cfg)
	defer rdb.Close()

	vault, err := services.NewVault(cfg.VaultMode, cfg.VaultKey, cfg.VaultSalt)
	if err != nil {
		slog.Error("Vault initialization failed", "error", err)
		os.Exit(1)
	}

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		slog.Error("Snowflake node initialization failed", "error", err)
		os.Exit(1)
	}

	// Repositories
	accounts := repository.NewAccountRepo(db)
	users := repository.NewUserRepo(db)
	messages := repository.NewMessageRepo(db)
	events := repository.NewEventRepo(db)
	stories := repository.NewStoryRepo(db)
	convStore := repository.NewConversationStore(db)
	dedup := repository.NewRedisDedup(rdb)
	limiter := repository.NewRedisRateLimiter(rdb)
	notifier := repository.NewRedisNotifier(rdb)

	// One-shot pass over legacy-plaintext secrets; a no-op once all rows
	// carry the ciphertext tag.
	migrated, err := services.MigrateCredentials(context.Background(), accounts, vault)
	if err != nil {
		slog.Error("Credential migration failed", "error", err)
		os.Exit(1)
	}
	if migrated > 0 {
		slog.Info("Legacy credentials encrypted", "accounts", migrated)
	}

	// Gateway and services
	var gatewayOpts []gateway.Option
	if cfg.GraphBaseURL != "" {
		gatewayOpts = append(gatewayOpts, gateway.WithBaseURL(cfg.GraphBaseURL))
	}
	graph := gateway.NewGraphClient("instagram", limiter, vault, gatewayOpts...)

	resolver := services.NewResolver(users, graph, convStore)
	processor := services.NewProcessor(events, messages, accounts, stories, users, convStore, dedup, notifier, resolver)
	messenger := services.NewMessenger(accounts, users, messages, convStore, graph, notifier, node)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services.RunWatchdog(ctx, events)

	// HTTP surface
	webhookHandler := handler.NewWebhookHandler(accounts, processor, vault)
	apiHandler := handler.NewAPIHandler(accounts, resolver, messenger)

	mux := http.NewServeMux()
	mux.Handle("/webhook/graph", webhookHandler)
	mux.HandleFunc("/api/messages/send", apiHandler.HandleSend)
	mux.HandleFunc("/api/accounts/", apiHandler.HandleHealthCheck)
	mux.HandleFunc("/api/status", apiHandler.HandleStatus)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		slog.Info("Server starting", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
}

// connectDB opens the MariaDB pool, retrying while the database container
// comes up.
func connectDB(cfg *config.Config) *sql.DB {
	var db *sql.DB
	var err error

	for attempt := 1; attempt <= connectAttempts; attempt++ {
		db, err = sql.Open("mysql", cfg.GetDSN())
		if err == nil {
			err = db.Ping()
		}
		if err == nil {
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)
			slog.Info("Connected to MariaDB", "host", cfg.DBHost)
			return db
		}

		slog.Warn("MariaDB not ready, retrying",
			"attempt", attempt,
			"error", err,
		)
		time.Sleep(connectBackoff)
	}

	slog.Error("Could not connect to MariaDB", "error", err)
	os.Exit(1)
	return nil
}

// connectRedis opens the Redis client, retrying like the database.
func connectRedis(cfg *config.Config) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = rdb.Ping(ctx).Err()
		cancel()
		if err == nil {
			slog.Info("Connected to Redis", "addr", cfg.RedisAddr)
			return rdb
		}

		slog.Warn("Redis not ready, retrying",
			"attempt", attempt,
			"error", err,
		)
		time.Sleep(connectBackoff)
	}

	slog.Error("Could not connect to Redis", "error", err)
	os.Exit(1)
	return nil
}
