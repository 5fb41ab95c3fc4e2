package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"stockpipeline/internal/config"
	"stockpipeline/internal/logger"
	"stockpipeline/internal/pipeline"
)

func main() {
	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	code := run(ctx, os.Args[1:], os.Stdout)
	cancel()
	os.Exit(code)
}

// run executes one pipeline run and returns the process exit code.
func run(ctx context.Context, args []string, stdout io.Writer) int {
	cfg, err := config.Load(args)
	if errors.Is(err, pflag.ErrHelp) {
		return pipeline.ExitOK
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return pipeline.ExitFatal
	}

	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return pipeline.ExitFatal
	}

	report, err := pipeline.New(cfg, pipeline.WithProgressOutput(stdout)).Run(ctx)
	status := pipeline.StatusOK
	if report != nil {
		status = report.Status
	}
	if err != nil {
		logger.Errorf("run aborted: %v", err)
	} else {
		logger.Infof("run finished: %s", status)
	}
	return pipeline.ExitCode(status, err)
}
