// Command api runs the chat gateway: it holds the analyst session, keeps the
// websocket to the analysis backend alive and serves the browser over HTTP.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/datapella/backend/internal/config"
	"github.com/zhouzirui/datapella/backend/internal/handler"
	"github.com/zhouzirui/datapella/backend/internal/logging"
	chatservice "github.com/zhouzirui/datapella/backend/internal/service/chat"
	"github.com/zhouzirui/datapella/backend/internal/service/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.Module("main")
	if err := godotenv.Load(); err != nil {
		log.WithError(err).Debug("no .env file, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	logging.Init(cfg.Log)

	channel := transport.NewChannel(cfg.Session.ChannelOptions())
	manager := chatservice.NewManager(channel, cfg.Session.ManagerConfig())
	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start session")
	}
	log.WithField("endpoint", cfg.Session.Endpoint).Info("session started")

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.NewRouter(manager),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	log.WithField("addr", srv.Addr).Info("DataPella gateway listening")
	if err := runServer(ctx, srv); err != nil {
		log.WithError(err).Error("server error")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.Close(closeCtx); err != nil {
		log.WithError(err).Warn("session close")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
