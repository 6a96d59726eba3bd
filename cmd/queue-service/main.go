package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tambl2004/hospital-queue-online-sub000/internal/queue"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/config"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger := logger.New(cfg.LogLevel)

	// Initialize Queue Service
	service, err := queue.New(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize Queue Service: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start service in a goroutine
	go func() {
		if err := service.Serve(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start Queue Service: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Queue Service...")
	if err := service.Stop(); err != nil {
		logger.Errorf("Error during shutdown: %v", err)
	}
	logger.Info("Queue Service stopped")
}
