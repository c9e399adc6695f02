package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/udactl/internal/client"
	"github.com/danmuck/udactl/internal/config"
	logs "github.com/danmuck/udactl/internal/logging"
	"github.com/danmuck/udactl/internal/protocol/nodetree"
)

func main() {
	path := flag.String("config", "", "client config path (defaults only when empty)")
	addr := flag.String("addr", "", "server address, overrides the config")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: udaclient [flags] 'plugin::method(arg=value, ...)'...\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logs.ConfigureRuntime()
	if err := run(*path, *addr, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "udaclient: %v\n", err)
		os.Exit(1)
	}
}

func run(path, addr string, requests []string) error {
	cfg, err := config.LoadClientConfig(path)
	if err != nil {
		return err
	}
	if a := strings.TrimSpace(addr); a != "" {
		cfg.Addr = a
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	sb := c.Server()
	fmt.Printf("connected version=%d doi=%q\n", c.Version(), sb.DOI)

	failed := 0
	for _, text := range requests {
		plugin, method, args, err := client.ParseRequest(text)
		if err != nil {
			return err
		}
		res, err := c.Get(ctx, plugin, method, args)
		if res != nil {
			show(client.RequestText(plugin, method, args), res)
			_ = res.Release()
		}
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", text, err)
			if res == nil {
				return err
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(requests))
	}
	return nil
}

func show(request string, res *client.Result) {
	fmt.Printf("%s status=%d cache=%d\n", request, res.Block.Status, res.Block.CachePermission)
	if res.Block.Message != "" {
		fmt.Println(res.Block.Message)
	}
	if root := res.Payload(); root != nil {
		nodetree.Dump(os.Stdout, root)
	}
	for _, rec := range res.Errors {
		fmt.Printf("  %s\n", rec)
	}
}
