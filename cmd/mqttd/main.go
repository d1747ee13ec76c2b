package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdelacey/mqttd/internal/auth"
	brk "github.com/bdelacey/mqttd/internal/broker"
	"github.com/bdelacey/mqttd/internal/config"
	"github.com/bdelacey/mqttd/internal/logger"
	"github.com/bdelacey/mqttd/internal/persistence"
	"github.com/bdelacey/mqttd/internal/transport"
)

func gracefulShutdown(tcpServer *transport.TCPServer, b *brk.Broker, cancel context.CancelFunc, done chan struct{}) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Println("Graceful shutdown has triggered...")

	defer cancel()
	if err := tcpServer.Stop(); err != nil {
		log.Println(err)
	}
	b.Close()
	time.Sleep(1 * time.Second)

	close(done)
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "mqttd",
		Short: "An in-memory MQTT v5 broker",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yml", "path to config.yml")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(userCmd(&configPath))

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	done := make(chan struct{}, 1)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:     parseLevel(cfg.Log.Level),
		Format:    cfg.Log.Format,
		Component: "mqttd",
		Service:   cfg.Name,
		Version:   cfg.Version,
	})

	storePath := cfg.Store.Path
	if storePath == "" {
		storePath = "./store/store.db"
	}
	store, err := persistence.Open(storePath)
	if err != nil {
		log.Fatal("failed to open store", slog.Any("error", err))
	}

	authStore := auth.New(store.DB(), cfg.Auth.AllowAnonymous)

	aclEntries, err := config.LoadACL(cfg.Auth.ACLFile)
	if err != nil {
		log.Fatal("failed to load acl", slog.Any("error", err))
	}
	rules := make([]brk.ACLRule, 0, len(aclEntries))
	for _, e := range aclEntries {
		rules = append(rules, brk.ACLRule{User: e.User, Filter: e.Filter, Action: parseACLAction(e.Action)})
	}
	authorizer := brk.NewAuthorizer(authStore, rules, cfg.Auth.DefaultOpenACL || len(rules) == 0)

	persist := brk.NewSQLitePersistence(store)

	b := brk.New(brk.Options{
		Logger:               log,
		Authorizer:           authorizer,
		Persistence:          persist,
		RetryInterval:        cfg.Session.RetryInterval(),
		StatsInterval:        cfg.Stats.Interval(),
		SessionExpiryDefault: cfg.Session.ExpiryDefault(),
	})

	ctx, cancel := context.WithCancel(context.Background())

	srv := transport.New(cfg.Server.Port, b)

	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Fatal("server error", slog.Any("error", err))
		}
	}()
	log.Info("server started", slog.String("port", cfg.Server.Port))

	go gracefulShutdown(srv, b, cancel, done)

	<-done
	persist.Close()
	store.Close()
	log.Info("graceful shutdown complete")
	return nil
}

func userCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage CONNECT credentials",
	}
	cmd.AddCommand(userCreateCmd(configPath))
	return cmd
}

func userCreateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "create <username> <password>",
		Short: "Add a user the broker will authenticate at CONNECT",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			storePath := cfg.Store.Path
			if storePath == "" {
				storePath = "./store/store.db"
			}
			store, err := persistence.Open(storePath)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer store.Close()

			cost := cfg.Auth.BcryptCost
			if cost <= 0 {
				cost = 10
			}
			if err := auth.New(store.DB(), cfg.Auth.AllowAnonymous).CreateUser(args[0], args[1], cost); err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}
			fmt.Printf("user %q created\n", args[0])
			return nil
		},
	}
}

func parseLevel(s string) logger.LogLevel {
	switch s {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

func parseACLAction(s string) brk.ACLAction {
	switch s {
	case "read":
		return brk.ACLRead
	case "write":
		return brk.ACLWrite
	case "readwrite":
		return brk.ACLReadWrite
	default:
		return brk.ACLDeny
	}
}
