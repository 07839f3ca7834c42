package main

import (
	"context"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/coachpo/last-whisper-backend/internal/config"
	"github.com/coachpo/last-whisper-backend/internal/persistence"
	"github.com/coachpo/last-whisper-backend/internal/service"
	"github.com/coachpo/last-whisper-backend/internal/tasks"
	"github.com/coachpo/last-whisper-backend/internal/tts"
	"github.com/coachpo/last-whisper-backend/pkg/log"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.NewFromEnv()
	if err != nil {
		stdlog.Fatal("Failed to load configuration: ", err)
	}
	logLevel := log.ParseLevel(cfg.System.LogLevel)
	if cfg.System.LogFile != "" {
		fileLogger, err := log.NewFileLogger(cfg.System.LogFile, logLevel)
		if err != nil {
			stdlog.Fatal("Failed to open log file: ", err)
		}
		defer fileLogger.Close()
		log.SetLogger(fileLogger.Logger)
	} else {
		log.InitLogger(logLevel)
	}

	store, err := persistence.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		stdlog.Fatal("Failed to open task store: ", err)
	}
	defer store.Close()

	if err := tts.EnsureOutputDir(cfg.Storage.OutputDir); err != nil {
		stdlog.Fatal("Failed to prepare output directory: ", err)
	}

	synth := tts.NewClient(tts.ClientConfig{
		APIURL:     cfg.TTS.APIURL,
		APIKey:     cfg.TTS.APIKey,
		Voice:      cfg.TTS.Voice,
		SampleRate: cfg.TTS.SampleRate,
		Timeout:    time.Duration(cfg.TTS.Timeout) * time.Second,
	})
	engine := tts.NewEngine(synth, cfg.Storage.OutputDir)
	engine.Start()

	manager := tasks.NewManager(store, engine,
		tasks.WithLanguage(cfg.TTS.LanguageCode()),
	)
	manager.StartMonitoring()

	c := cron.New(cron.WithSeconds())
	maintSvc := service.NewRunnableMaintenanceService(cfg.Maintenance, c, manager)
	if err := maintSvc.Schedule(context.Background()); err != nil {
		stdlog.Fatal("Failed to schedule maintenance: ", err)
	}
	c.Start()

	log.Info("Server started. Database: %s, output dir: %s", cfg.Storage.DBPath, cfg.Storage.OutputDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Received %s, shutting down", sig)

	// Stop intake first, then drain the monitor so in-flight status
	// messages still land in the store.
	<-c.Stop().Done()
	engine.Stop()
	manager.StopMonitoring()

	log.Info("Shutdown complete")
}
