package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/vbs/internal/app"
	"github.com/vladislavdragonenkov/vbs/internal/version"
)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(parseLogLevel(level))
}

// parseLogLevel разбирает уровень логирования, по умолчанию info.
func parseLogLevel(value string) log.Level {
	level, err := log.ParseLevel(strings.TrimSpace(strings.ToLower(value)))
	if err != nil || value == "" {
		return log.InfoLevel
	}
	return level
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	setupLogger(os.Getenv("VBS_LOG_LEVEL"))

	cfg, err := app.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("некорректная конфигурация")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"grpc_addr":    cfg.GRPCAddr,
		"metrics_addr": cfg.MetricsAddr,
		"storage":      cfg.StorageDriver,
	}).Info("запускаем booking-service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("booking-service остановлен")
}
