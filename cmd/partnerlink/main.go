// Package main запускает HTTP-сервер сервиса partnerlink.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"partnerlink/internal/bus"
	"partnerlink/internal/config"
	"partnerlink/internal/gateway"
	"partnerlink/internal/handler"
	"partnerlink/internal/middleware"
	"partnerlink/internal/notify"
	"partnerlink/internal/repository"
	"partnerlink/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	if err := godotenv.Load(); err == nil {
		sugar.Info("loaded configuration from .env")
	}

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	fanout, err := bus.New(cfg.NATSAddress, logger)
	if err != nil {
		sugar.Fatalw("fanout bus initialization error", "error", err.Error())
	}
	defer fanout.Close()

	var notifier *notify.Client
	if cfg.PushAddress != "" {
		notifier = notify.NewClient(cfg.PushAddress, logger)
	}

	svc := service.NewService(repo, fanout, notifier, logger)
	defer svc.Close()

	auth := middleware.NewAuthenticator(cfg.AuthSecret)

	hub := gateway.NewHub(logger)
	gw := gateway.NewGateway(svc, auth, hub, cfg.HandshakeTimeout, logger)

	// Единый путь фан-аута: даже локальные получатели обслуживаются
	// через подписку шины, поэтому порядок событий одинаков для всех.
	if err := fanout.Subscribe(gw.Dispatch); err != nil {
		sugar.Fatalw("fanout subscription error", "error", err.Error())
	}

	h := handler.NewHandler(svc, logger, auth, gw.HandleConnection)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск хаба подключений
	g.Go(func() error {
		hub.Run(ctx.Done())
		return nil
	})

	// Фоновый процесс истечения купонов
	g.Go(func() error {
		svc.RunExpirySweep(ctx, cfg.ExpirySweepEvery)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting partnerlink server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
