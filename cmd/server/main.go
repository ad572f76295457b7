package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2e_ratchet/internal/config"
	"e2e_ratchet/internal/repository/keys"
	redisSvc "e2e_ratchet/internal/service/redis"
	"e2e_ratchet/internal/service/server"
	"e2e_ratchet/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Key directory and message relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	config.BindServerFlags(cmd, cfg)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	enc, err := config.ParseEncoding(cfg.Encoding)
	if err != nil {
		return err
	}

	logger, err := log.New(cfg.Debug)
	if err != nil {
		return err
	}
	log.SetLogger(logger)
	defer log.Sync()

	mongoDBClient, err := initMongo(cfg.MongoURI)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer mongoDBClient.Disconnect(context.Background())

	db := mongoDBClient.Database(cfg.MongoDB)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: "", // no password by default
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	redis := redisSvc.NewRedis(rdb)
	if err := redis.Ping(ctx); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	s := server.NewHttpServer(keys.NewKeyRepo(db), redis, enc)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(cfg.Listen) }()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-done:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
