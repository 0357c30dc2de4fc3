// Package main runs the WhatsApp Web session lifecycle daemon: it
// generates and persists authenticated sessions through a headless
// browser, exposes them over an authenticated dashboard API and keeps
// the dependent bot process alive while the session stays valid.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/walink/walinkd/pkg/browser"
	"github.com/walink/walinkd/pkg/config"
	"github.com/walink/walinkd/pkg/dashboard"
	"github.com/walink/walinkd/pkg/lifecycle"
	"github.com/walink/walinkd/pkg/logging"
	"github.com/walink/walinkd/pkg/session"
	"github.com/walink/walinkd/pkg/supervisor"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "Path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("walinkd v%s\n", version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		logging.NewLogger("main").WithError(err).Error("Daemon exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	log := logging.NewLogger("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	store, err := session.NewFileStore(cfg.SessionFile)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}

	driver := browser.NewDriver(browser.Options{
		Headless:    cfg.Headless,
		BrowserPath: cfg.BrowserPath,
		DriverPath:  cfg.DriverPath,
		QRWait:      cfg.QRWait,
	}, logging.NewLogger("browser"))
	defer func() {
		if err := driver.Shutdown(); err != nil {
			log.WithError(err).Warn("Browser driver shutdown failed")
		}
	}()

	extractor := browser.NewExtractor(logging.NewLogger("extractor"))
	validator := browser.NewValidator(driver, cfg.ProbeTimeout, logging.NewLogger("validator"))

	manager := lifecycle.NewManager(driver, extractor, store, validator, lifecycle.Config{
		ScanTimeout: cfg.ScanTimeout,
	}, logging.NewLogger("lifecycle"))

	launcher := &supervisor.ExecLauncher{
		Command: cfg.BotCommand,
		Log:     logging.NewLogger("bot"),
	}
	sup := supervisor.New(store, launcher, validator, manager, supervisor.Config{
		HealthInterval: cfg.HealthInterval,
		RestartCap:     cfg.RestartCap,
		RestartWindow:  cfg.RestartWindow,
	}, logging.NewLogger("supervisor"))

	// A freshly persisted session supersedes whatever the bot was
	// running with.
	manager.OnValid = func() {
		sup.ResetDegraded()
		if err := sup.Stop(ctx); err != nil {
			log.WithError(err).Warn("Failed to stop bot for session rollover")
		}
		if err := sup.Start(ctx); err != nil {
			log.WithError(err).Error("Failed to start bot with fresh session")
		}
	}

	go sup.Run(ctx)

	server := dashboard.NewServer(dashboard.Credential{
		Phone:        cfg.AdminPhone,
		PasswordHash: cfg.AdminPasswordHash,
	}, cfg.SecretKey, manager, sup, store, logging.NewLogger("dashboard"))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Handler(),
	}

	errChan := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("Dashboard listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Resume supervision of an existing valid session across restarts.
	if artifact, err := store.Load(); err == nil && artifact != nil && artifact.Valid {
		if err := sup.Start(ctx); err != nil {
			log.WithError(err).Warn("Could not start bot with stored session")
		}
	}

	select {
	case err := <-errChan:
		return fmt.Errorf("dashboard server: %w", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Dashboard shutdown failed")
	}
	if err := sup.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("Bot shutdown failed")
	}
	return nil
}
