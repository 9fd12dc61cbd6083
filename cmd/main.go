package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/logutil"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	logutil.InitLogger()

	logger := logutil.GetLogger()
	defer logger.Sync()

	go func() {
		sigch := make(chan os.Signal, 1)
		signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigch
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := newRootCommand(afero.NewOsFs()).ExecuteContext(ctx); err != nil {
		logger.Error("Command failed", zap.Error(err))
		cancel()
		logger.Sync()
		os.Exit(1)
	}
	cancel()
}
