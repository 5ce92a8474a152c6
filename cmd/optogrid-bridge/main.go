package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/danielfrankch/optogrid-client/bridge"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))

	backend := bridge.NewBackendConn(cfg.BackendAddr, cfg.DialTimeout, cfg.ExchangeTimeout)
	b := bridge.NewBridge(backend)
	fanout := bridge.NewFanout()
	listener := bridge.NewBroadcastListener(cfg.BroadcastAddr, fanout, cfg.DialTimeout)
	server := bridge.NewServer(cfg.ListenAddr, b, fanout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go b.Run(ctx)
	go listener.Run(ctx)
	go func() {
		if err := server.Start(); err != nil {
			slog.Error("WebSocket server failed", "error", err)
			stop()
		}
	}()

	if cfg.EnableMCP {
		mcpServer := bridge.NewMCPServer(b)
		go func() {
			if err := mcpServer.Start(); err != nil {
				slog.Error("MCP server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("Shutting down bridge")

	if err := server.Shutdown(); err != nil {
		slog.Error("There was an error when shutting down the WebSocket server", "error", err.Error())
	}
	if err := backend.Close(); err != nil {
		slog.Error("There was an error when closing the backend channel", "error", err.Error())
	}
}
