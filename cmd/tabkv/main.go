// Command tabkv serves the table engine over WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andreyvit/tabkv"
	"github.com/andreyvit/tabkv/changelog"
	"github.com/andreyvit/tabkv/dynamokv"
	"github.com/andreyvit/tabkv/kafkafeed"
	"github.com/andreyvit/tabkv/mysqlkv"
	"github.com/andreyvit/tabkv/rediskv"
	"github.com/andreyvit/tabkv/server"
)

func main() {
	var (
		configPath string
		listen     string
		replay     bool
		dump       string
	)
	flag.StringVar(&configPath, "config", "", "path to YAML configuration file")
	flag.StringVar(&listen, "listen", "", "listen address (overrides config)")
	flag.BoolVar(&replay, "replay", false, "apply the change log to the store and exit")
	flag.StringVar(&dump, "dump", "", "print the tables of this tenant and exit")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tabkv: %v\n", err)
		os.Exit(2)
	}
	if listen != "" {
		cfg.Listen = listen
	}

	logger, cleanup := setupLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger, mode{replay: replay, dumpTenant: dump})
	stop()
	if err != nil {
		logger.Error("tabkv: exiting", "err", err)
	}
	cleanup()
	if err != nil {
		os.Exit(1)
	}
}

type mode struct {
	replay     bool
	dumpTenant string
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger, m mode) error {
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	opt := cfg.engineOptions()
	opt.Logger = logger
	db := tabkv.Open(store, opt)
	defer db.Close()

	if m.dumpTenant != "" {
		out, err := db.Dump(ctx, m.dumpTenant, tabkv.DumpAll)
		fmt.Print(out)
		return err
	}

	var clog *changelog.Log
	if cfg.Changelog.Dir != "" {
		clog, err = changelog.Open(cfg.Changelog.Dir, changelog.Options{
			MaxFileSize: cfg.Changelog.MaxFileSize,
			Sync:        cfg.Changelog.Sync,
			Logger:      logger,
			Verbose:     cfg.Engine.Verbose,
		})
		if err != nil {
			return err
		}
		defer clog.Close()
	}

	if m.replay {
		if clog == nil {
			return errors.New("-replay requires changelog.dir")
		}
		n, err := clog.Apply(ctx, db)
		if err != nil {
			return err
		}
		logger.Info("tabkv: replay done", "changes", n)
		return nil
	}

	if clog != nil {
		db.AddSink(clog)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := kafkafeed.NewPublisher(kafkafeed.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			RequiredAcks: cfg.Kafka.RequiredAcks,
			WriteTimeout: cfg.Kafka.WriteTimeout,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		defer pub.Close()
		db.AddSink(pub)
	}

	srv := server.New(db, server.Options{
		Logger:         logger,
		RateLimit:      cfg.RateLimit.PerSecond,
		Burst:          cfg.RateLimit.Burst,
		RequestTimeout: 30 * time.Second,
		ReadOnly:       cfg.ReadOnly,
	})
	hs := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("tabkv: listening", "addr", cfg.Listen, "store", cfg.Store.Type)
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("tabkv: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, c StoreConfig) (tabkv.Store, error) {
	switch c.Type {
	case "memory":
		return tabkv.NewMemStore(), nil
	case "bolt":
		return tabkv.OpenBolt(c.Bolt.Path, tabkv.BoltOptions{Bucket: c.Bolt.Bucket})
	case "redis":
		return rediskv.Dial(ctx, rediskv.Options{
			Addr:         c.Redis.Addr,
			Password:     c.Redis.Password,
			DB:           c.Redis.DB,
			PoolSize:     c.Redis.PoolSize,
			DialTimeout:  c.Redis.Timeout,
			ReadTimeout:  c.Redis.Timeout,
			WriteTimeout: c.Redis.Timeout,
			Namespace:    c.Redis.Namespace,
		})
	case "mysql":
		return mysqlkv.Open(ctx, mysqlkv.Options{
			DSN:          c.MySQL.DSN,
			Table:        c.MySQL.Table,
			MaxOpenConns: c.MySQL.MaxOpenConns,
			CreateTable:  c.MySQL.CreateTable,
		})
	case "dynamodb":
		return dynamokv.Open(ctx, dynamokv.Options{
			Region:      c.DynamoDB.Region,
			Table:       c.DynamoDB.Table,
			Endpoint:    c.DynamoDB.Endpoint,
			AccessKey:   c.DynamoDB.AccessKey,
			SecretKey:   c.DynamoDB.SecretKey,
			Namespace:   c.DynamoDB.Namespace,
			CreateTable: c.DynamoDB.CreateTable,
		})
	default:
		return nil, fmt.Errorf("unknown store type %q", c.Type)
	}
}
