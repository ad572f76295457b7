package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2e_ratchet/internal/config"
	"e2e_ratchet/internal/repository/user"
	"e2e_ratchet/internal/service/app"
	redisSvc "e2e_ratchet/internal/service/redis"
	"e2e_ratchet/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "client -u <name> -p <pickle key>",
		Short: "End-to-end encrypted chat client",
		Long: `Reads commands from stdin:

  /to <name>             select the recipient for plain lines
  /group <a,b,...> text  send text to a group
  /quit`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	config.BindClientFlags(cmd, cfg)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateClient(); err != nil {
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

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	conn, err := app.DialRelay(ctx, cfg.Server, cfg.User)
	if err != nil {
		return fmt.Errorf("init webhook to server failed: %w", err)
	}
	defer conn.Close()

	c := app.NewApp(app.Options{
		Name:        cfg.User,
		PickleKey:   []byte(cfg.PickleKey),
		OneTimeKeys: cfg.OneTimeKeys,
		Encoding:    enc,
	}, user.NewUserRepo(db), redis, app.NewDirectoryClient(cfg.Server, nil), conn)

	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Stop()

	fmt.Printf("logged in as %s, /to <name> to start chatting\n", cfg.User)
	return c.Run(ctx, os.Stdin, os.Stdout)
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
