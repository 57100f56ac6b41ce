// Command backend runs the analysis engine behind the chat websocket.
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
	"github.com/zhouzirui/datapella/backend/internal/handler/backend"
	"github.com/zhouzirui/datapella/backend/internal/logging"
	"github.com/zhouzirui/datapella/backend/internal/service/analysis"
	"github.com/zhouzirui/datapella/backend/internal/service/warehouse"
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

	wh, err := warehouse.Open(ctx, cfg.Warehouse.Path)
	if err != nil {
		log.WithError(err).Fatal("failed to open warehouse")
	}
	defer wh.Close()

	var narrator analysis.Narrator
	if cfg.AI.Enabled() {
		chatModel, err := cfg.AI.NewChatModel(ctx)
		if err != nil {
			log.WithError(err).Warn("chat model unavailable, using template narratives")
		} else if narrator, err = analysis.NewModelNarrator(ctx, chatModel); err != nil {
			log.WithError(err).Warn("model narrator unavailable, using template narratives")
			narrator = nil
		} else {
			log.WithField("model", cfg.AI.Model).Info("narratives generated by chat model")
		}
	} else {
		log.Info("ark credentials not configured, using template narratives")
	}

	pipeline, err := analysis.NewPipeline(ctx, wh, narrator)
	if err != nil {
		log.WithError(err).Fatal("failed to build analysis pipeline")
	}

	srv := &http.Server{
		Addr:              cfg.Server.BackendAddr,
		Handler:           handler.NewBackendRouter(backend.NewWebSocketHandler(pipeline, backend.DefaultOptions())),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.WithField("addr", srv.Addr).Info("DataPella analysis backend listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server error")
		}
	}
}
