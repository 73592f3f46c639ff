package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	commonlog "crm_realtime/client/common/log"
	realtimeapp "crm_realtime/client/realtime/app"
)

func main() {
	cfg, err := realtimeapp.LoadConfig()
	if err != nil {
		log.Fatalf("load realtime config: %v", err)
	}

	server, err := realtimeapp.NewServer(cfg)
	if err != nil {
		log.Fatalf("initialize realtime server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		log.Fatalf("start realtime session: %v", err)
	}

	go func() {
		commonlog.Infof("start realtime local api on :%s", cfg.LocalAPIPort)
		if err := server.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("run realtime local api: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		commonlog.Errorf("shutdown realtime server gracefully: %v", err)
	}
}
