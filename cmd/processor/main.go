package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"queryprocessor/internal/archive"
	"queryprocessor/internal/config"
	"queryprocessor/internal/dispatcher"
	"queryprocessor/internal/notify"
	"queryprocessor/internal/store"
	"queryprocessor/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	wake := notify.NewChannel(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer wake.Close()

	archiver, err := archive.New(ctx, cfg.ArchiveS3Bucket, cfg.ArchiveS3Region, cfg.ArchiveS3Endpoint, cfg.ArchiveS3PathStyle)
	if err != nil {
		log.Fatalf("init archiver: %v", err)
	}

	d := dispatcher.New(cfg, st, wake, archiver)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("dispatcher starting, listener_interval=%s global_max_parallel_queries=%d", cfg.ListenerInterval, cfg.GlobalMaxParallelQueries)
	if err := d.Run(ctx); err != nil {
		log.Printf("dispatcher stopped: %v", err)
	}
}
