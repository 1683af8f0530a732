package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/joshp123/pecronhub/internal/config"
	"github.com/joshp123/pecronhub/internal/core"
	"github.com/joshp123/pecronhub/internal/fleet"
	"github.com/joshp123/pecronhub/internal/logging"
	"github.com/joshp123/pecronhub/internal/mqtt"
	"github.com/joshp123/pecronhub/internal/pecron"
	"github.com/joshp123/pecronhub/internal/rate"
	"github.com/joshp123/pecronhub/internal/server"
)

const shutdownTimeout = 10 * time.Second

func serve(ctx context.Context, f *flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Core.LogLevel)
	log.Info("starting pecronhub", "version", Version, "config", f.configPath, "accounts", len(cfg.Accounts))

	var accounts []*account
	defer func() {
		for _, a := range accounts {
			a.close()
		}
	}()
	for _, acct := range cfg.Accounts {
		a, err := newAccount(acct, cfg.Tuning, log)
		if err != nil {
			return err
		}
		accounts = append(accounts, a)
	}

	coords := make([]*fleet.Coordinator, 0, len(accounts))
	contract := make([]core.Account, 0, len(accounts))
	served := make([]server.Account, 0, len(accounts))
	for _, a := range accounts {
		coords = append(coords, a.coord)
		contract = append(contract, a.coord)
		served = append(served, a.coord)
	}
	if err := core.ValidateAccounts(contract); err != nil {
		return err
	}

	extra := append(rate.MetricsCollectors(), pecron.MetricsCollectors()...)
	extra = append(extra,
		server.BuildInfo(Version),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	registry := core.MetricsRegistry(contract, extra...)

	if err := server.WriteDashboard(cfg.Core.DashboardsDir); err != nil {
		return err
	}

	fl := server.NewFleet(served)
	hub := server.NewHub(fl, log)
	defer hub.Stop()

	grpcServer, err := server.NewGRPCServer(cfg.Core.GRPCAddr, log)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	server.NewFleetService(fl).Register(grpcServer.Server)
	httpServer := server.NewHTTPServer(cfg.Core.HTTPAddr, server.Router(fl, hub, registry, log))

	if cfg.MQTT != nil {
		stopBridge, err := startBridge(cfg.MQTT, coords, log)
		if err != nil {
			return err
		}
		defer stopBridge()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run()
		return nil
	})
	for _, c := range coords {
		g.Go(func() error {
			return c.Run(gctx)
		})
	}
	g.Go(func() error {
		log.Info("grpc listening", "addr", cfg.Core.GRPCAddr)
		return grpcServer.Serve()
	})
	g.Go(func() error {
		log.Info("http listening", "addr", cfg.Core.HTTPAddr)
		return httpServer.ListenAndServe()
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		hub.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		grpcServer.Stop()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("stopped")
	return nil
}

func startBridge(cfg *config.MQTTConfig, coords []*fleet.Coordinator, log logr.Logger) (func(), error) {
	password, err := cfg.ResolvePassword()
	if err != nil {
		return nil, fmt.Errorf("mqtt: %w", err)
	}
	willTopic := cfg.TopicPrefix + "/bridge/state"
	client, err := mqtt.NewClient(mqtt.ClientConfig{
		Broker:      cfg.Broker,
		ClientID:    cfg.ClientID,
		Username:    cfg.Username,
		Password:    password,
		WillTopic:   willTopic,
		WillPayload: "offline",
	}, log)
	if err != nil {
		return nil, err
	}

	bridge := mqtt.NewBridge(client, coords, mqtt.Options{
		TopicPrefix:     cfg.TopicPrefix,
		DiscoveryPrefix: cfg.DiscoveryPrefix,
		Log:             log.WithName("mqtt"),
	})
	if err := bridge.Start(); err != nil {
		client.Close(willTopic, "offline")
		return nil, err
	}
	client.OnConnect(bridge.Republish)

	return func() {
		bridge.Stop()
		client.Close(willTopic, "offline")
	}, nil
}
