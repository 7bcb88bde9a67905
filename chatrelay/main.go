package main

import (
	"chatrelay/chatrelay/config"
	"chatrelay/chatrelay/controllers"
	"chatrelay/chatrelay/routes"
	"chatrelay/chatrelay/services/llm"
	"chatrelay/chatrelay/sources/psql"
	"chatrelay/chatrelay/sources/psql/dao"
	"chatrelay/chatrelay/sources/storage"
	"chatrelay/chatrelay/utils/logging"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	logging.InitLogger(cfg.LogDir)
	defer logging.Sync()

	if err := cfg.Validate(); err != nil {
		logging.ErrorLogger.Error("invalid configuration", zap.Error(err))
		logging.AppLogger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := psql.NewDatabase(ctx, cfg)
	if err != nil {
		logging.ErrorLogger.Error("database connection error", zap.Error(err))
		logging.AppLogger.Fatal("database connection error", zap.Error(err))
	}
	defer db.Close()
	messageDAO := dao.NewMessageDAO(db.DB)

	streamer, model, err := llm.NewStreamer(ctx, cfg)
	if err != nil {
		logging.ErrorLogger.Error("llm client error", zap.Error(err))
		logging.AppLogger.Fatal("llm client error", zap.Error(err))
	}
	logging.AppLogger.Info("llm ready", zap.String("provider", cfg.LLMProvider), zap.String("model", model))
	if cfg.LLMProvider == "" || cfg.LLMProvider == "gemini" {
		// debugging aid only; startup does not depend on it
		if names, err := llm.ListGeminiModels(ctx, cfg.GeminiAPIKey); err != nil {
			logging.ErrorLogger.Error("listing gemini models failed", zap.Error(err))
		} else {
			logging.AppLogger.Info("available gemini models", zap.Strings("models", names))
		}
	}

	// Initialize MinIO
	var archiver controllers.TranscriptArchiver
	minioClient, err := storage.NewMinIOClient(ctx, cfg)
	if err != nil {
		logging.ErrorLogger.Error("minio connection error", zap.Error(err))
		logging.AppLogger.Fatal("minio connection error", zap.Error(err))
	}
	if minioClient != nil {
		archiver = minioClient
		logging.AppLogger.Info("transcript archive enabled", zap.String("bucket", cfg.MinIOBucket))
	}

	healthCtrl := controllers.NewHealthController(db)
	chatCtrl := controllers.NewChatController(messageDAO, streamer, model, archiver)
	socketCtrl := controllers.NewSocketController(chatCtrl, cfg.WSMessagesPerSecond, cfg.WSMessageBurst)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           routes.NewRouter(cfg, healthCtrl, chatCtrl, socketCtrl),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logging.AppLogger.Info("server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.ErrorLogger.Error("server listen error", zap.Error(err))
			logging.AppLogger.Fatal("server listen error", zap.Error(err))
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.ErrorLogger.Error("server shutdown error", zap.Error(err))
	}
	logging.AppLogger.Info("server shutdown complete")
}
