package main

import (
	"context"
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"obelisk/client"
	"obelisk/registry"
)

// errServerLeft ends a session whose server dropped out of the registry.
var errServerLeft = errors.New("server left the registry")

// follow runs fn against a client until ctx is done. When the server in use
// leaves the registry's set, the client is closed and fn starts over on a
// newly picked server. Each session's metrics carry server and session labels.
func follow(ctx context.Context, reg registry.Registry, feeds bool, fn func(ctx context.Context, c *client.Client) error) error {
	metricsReg := prometheus.NewRegistry()
	if globalFlags.MetricsListen != "" {
		serveMetrics(ctx, metricsReg, globalFlags.MetricsListen)
	}

	for session := 1; ; session++ {
		inst, err := pickServer(ctx, reg)
		if err != nil {
			return err
		}
		labels := prometheus.Labels{"server": inst.Query, "session": strconv.Itoa(session)}
		c, err := dial(ctx, inst, feeds, prometheus.WrapRegistererWith(labels, metricsReg))
		if err != nil {
			return err
		}

		err = runSession(ctx, reg, inst, c, fn)
		closeClient(c)
		if !errors.Is(err, errServerLeft) {
			return err
		}
		logger.Info("server left the registry, picking another", zap.String("query", inst.Query))
	}
}

func runSession(parent context.Context, reg registry.Registry, inst registry.ServerInstance, c *client.Client, fn func(context.Context, *client.Client) error) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx, c) }()

	updates := reg.Watch(ctx, cfg.Network)
	for {
		select {
		case err := <-done:
			return err
		case set, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if containsServer(set, inst.Query) {
				continue
			}
			cancel()
			err := <-done
			if parent.Err() != nil {
				return err
			}
			return errServerLeft
		}
	}
}

func containsServer(set []registry.ServerInstance, query string) bool {
	for _, inst := range set {
		if inst.Query == query {
			return true
		}
	}
	return false
}
