package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/anyfileflow/flow-assistant/internal/handlers"
	"github.com/anyfileflow/flow-assistant/internal/services"
)

func main() {
	cfgPath := flag.String("config", "", "path to the config file (default $UserConfigDir/anyfileflow/config.yaml)")
	flag.Parse()

	if *cfgPath == "" {
		p, err := defaultConfigPath()
		if err != nil {
			log.Fatal(err)
		}
		*cfgPath = p
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogJSON)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	llm, err := cfg.LLM.llm(cfg.SystemPrompt, logger)
	if err != nil {
		return fmt.Errorf("error creating llm: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.FeedbackDB), 0755); err != nil {
		return fmt.Errorf("error creating feedback directory: %w", err)
	}
	boltDB, err := services.NewBoltDB(cfg.FeedbackDB)
	if err != nil {
		return err
	}
	defer func() {
		if err := boltDB.Close(); err != nil {
			logger.Error("Failed to close feedback db", slog.String("err", err.Error()))
		}
	}()

	m := handlers.NewMain(llm, boltDB, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to close panels", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}

	return nil
}
