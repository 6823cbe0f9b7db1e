package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"qrstatus-client/internal/app"
	"qrstatus-client/internal/infra/config"
	"qrstatus-client/internal/infra/logger"
	"qrstatus-client/internal/infra/pr"
	"qrstatus-client/internal/infra/timeutil"
)

func main() {
	if err := pr.Init(); err != nil {
		logger.Fatal("failed to assigning stdout and stderr", zap.Error(err))
	}

	// envPath определяет расположение .env с операционными параметрами запуска.
	envPath := flag.String("env", ".env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	// Применяем часовую зону приложения (поддерживает IANA и UTC-смещение). Влияет глобально на time.Local.
	if locApp, err := timeutil.ParseLocation(config.Env().AppTimezone); err != nil {
		logger.Fatal("failed to parse APP_TIMEZONE", zap.Error(err))
	} else {
		time.Local = locApp //nolint:reassign // намеренно задаём часовую зону процесса
	}

	// logger.Init задаёт уровень, SetWriters перенаправляет вывод в подсистему pr
	// (чтобы логи не рвали строку ввода readline).
	logger.Init(config.Env().LogLevel)
	logger.EnableFile(logger.FileConfig{
		Path:       config.Env().LogFile,
		Level:      config.Env().LogFileLevel,
		MaxSizeMB:  config.Env().LogFileMaxSize,
		MaxBackups: config.Env().LogFileMaxBackups,
		MaxAgeDays: config.Env().LogFileMaxAge,
		Compress:   config.Env().LogFileCompress,
	})
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := app.NewApp(ctx, stop)
	if iniErr := a.Init(); iniErr != nil {
		stop()
		logger.Fatal("app init failed", zap.Error(iniErr))
	}

	if runErr := a.Run(); runErr != nil {
		stop()
		logger.Fatal("app run failed", zap.Error(runErr))
	}
	stop()
	logger.Info("Graceful shutdown complete")
}
