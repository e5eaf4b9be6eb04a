// torb-chatd is the development hub for the torb realtime protocol.
// It speaks the same websocket frames and history endpoint as the
// production backend, keeping everything in memory.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/torb-music/realtime/internal/server"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8090", "listen address")
	presenceEvery := flag.Duration("presence-interval", 5*time.Second, "periodic roster broadcast interval")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	hub := server.NewHub(*presenceEvery, logger)
	go hub.Run(ctx)

	app := server.NewApp(hub)
	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	logger.Info("torb-chatd listening", "addr", *addr)
	if err := app.Listen(*addr); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
