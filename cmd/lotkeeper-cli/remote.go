package main

import (
	"context"
	"fmt"
	"os"

	"lotkeeper/internal/api"
	"lotkeeper/internal/config"
	"lotkeeper/internal/domain"
	"lotkeeper/internal/notify"
	"lotkeeper/pkg/lotkeeper"
)

// remoteCommands talk to a running lotkeeper-server rather than the broker.
var remoteCommands = map[string]func(*config.Config, []string) error{
	"status": cmdStatus,
	"watch":  cmdWatch,
}

func serverClient(cfg *config.Config) (*lotkeeper.Client, error) {
	addr := cfg.Server.HTTPAddr()
	if addr == "" {
		return nil, fmt.Errorf("server.port is not configured")
	}
	return lotkeeper.NewClient("http://"+addr, cfg.Server.GRPCAddr()), nil
}

func cmdStatus(cfg *config.Config, _ []string) error {
	c, err := serverClient(cfg)
	if err != nil {
		return err
	}
	ctx := context.Background()

	ready, err := c.Ready(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("http: ready=%v\n", ready)

	if cfg.Server.GRPCAddr() != "" {
		status, err := c.HealthStatus(ctx, api.ServiceName)
		if err != nil {
			return err
		}
		fmt.Printf("grpc: %s\n", status)
	}
	return nil
}

func cmdWatch(cfg *config.Config, _ []string) error {
	c, err := serverClient(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	return c.Watch(ctx, func(e notify.Event) {
		printLots(os.Stdout, []domain.Lot{e.Lot})
	})
}
