package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/maneesh/hookvault/internal/app"
	"github.com/maneesh/hookvault/internal/config"
	"github.com/maneesh/hookvault/internal/logging"
	"github.com/maneesh/hookvault/internal/server"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the config file")
	addr := flag.String("addr", "", "listen address (default \":<server.port>\")")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, *configPath)
	if err != nil {
		logging.Must("info", "console").Fatal("failed to start", zap.Error(err))
	}

	err = server.Run(ctx, a, *addr)
	if err != nil {
		a.Logger.Error("server failed", zap.Error(err))
	}
	a.Close(context.Background())
	if err != nil {
		os.Exit(1)
	}
}
