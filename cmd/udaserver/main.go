package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/udactl/internal/config"
	logs "github.com/danmuck/udactl/internal/logging"
	"github.com/danmuck/udactl/internal/server"
)

func main() {
	path := flag.String("config", "", "server config path (defaults only when empty)")
	flag.Parse()

	logs.ConfigureRuntime()
	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "udaserver: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, reg, err := server.NewFromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(context.Background()); err != nil {
			logs.Warnf("udaserver close plugins err=%v", err)
		}
	}()
	return svc.Run(ctx)
}
