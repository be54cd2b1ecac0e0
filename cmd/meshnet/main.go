package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meshnet/meshnet/internal/config"
	"github.com/meshnet/meshnet/internal/server"
	"github.com/meshnet/meshnet/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "meshnet",
		Short: "MeshNet - Disaster-Resilient Distributed Social Platform",
		Long: `MeshNet is a geo-distributed data service for a disaster-resilience
social platform. Each regional site serves local reads and writes and
asynchronously replicates mutations to its peer sites.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:    runServer,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("region", "r", "", "Region this site serves (north_america, europe, asia_pacific)")
	rootCmd.PersistentFlags().IntP("port", "p", 5010, "HTTP listen port")
	rootCmd.PersistentFlags().StringP("log-level", "", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("store-backend", "", "mongodb", "Document store backend (mongodb, memory)")
	rootCmd.PersistentFlags().StringP("mongodb-uri", "", "", "MongoDB connection URI")

	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogging(cfg.LogLevel)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"region":  config.RegionDisplayName(cfg.Region),
		"port":    cfg.Port,
		"peers":   cfg.Sync.RemoteRegions,
	}).Info("Starting MeshNet")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewBackend(ctx, cfg.Store)
	if err != nil {
		logrus.WithError(err).Error("Database connection failed")
		os.Exit(1)
	}

	health := st.CheckHealth(ctx)
	if health.Status != "healthy" {
		logrus.WithField("error", health.Error).Error("Database connection failed")
		os.Exit(1)
	}
	logrus.WithFields(logrus.Fields{
		"replica_set": health.ReplicaSet,
		"primary":     health.Primary,
	}).Info("Database connection successful")

	srv, err := server.New(cfg, st)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		logrus.Info("Received shutdown signal")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logrus.Info("MeshNet stopped")
	return nil
}

func setupLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}
