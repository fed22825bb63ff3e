package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/augustebaum/pytask/internal/app"
	"github.com/augustebaum/pytask/internal/builtins"
	"github.com/augustebaum/pytask/internal/cli"
)

// main is the entrypoint for the pytask binary.
func main() {
	// Minimal logger until the configured one takes over.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	code, err := run(os.Stdout, os.Args[1:])
	if err != nil {
		if exitErr, ok := err.(*cli.ExitError); ok {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(code)
}

// run encapsulates the application logic for testing and error handling.
func run(outW io.Writer, args []string) (int, error) {
	config, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return 0, err
	}
	if shouldExit {
		return 0, nil
	}

	// An interrupt stops scheduling; running tasks finish and commit.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pytaskApp := app.NewApp(outW, config, builtins.Core)
	return int(pytaskApp.Run(ctx)), nil
}
