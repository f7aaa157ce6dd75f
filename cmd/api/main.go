package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/PratikDhanave/journal-sync-service/internal/broadcast"
	"github.com/PratikDhanave/journal-sync-service/internal/config"
	"github.com/PratikDhanave/journal-sync-service/internal/httpserver"
	"github.com/PratikDhanave/journal-sync-service/internal/ingest"
	"github.com/PratikDhanave/journal-sync-service/internal/loader"
	"github.com/PratikDhanave/journal-sync-service/internal/metrics"
	"github.com/PratikDhanave/journal-sync-service/internal/store"
)

// main boots the service: config → store → backfill + tail → HTTP server.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := store.Open(ctx, store.Options{
		Driver:         cfg.StoreDriver,
		SQLitePath:     cfg.SQLitePath,
		DBURL:          cfg.DBURL,
		DedupCacheSize: cfg.DedupCacheSize,
		Metrics:        m,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()
	log.Printf("store: %s backend, %d events", cfg.StoreDriver, st.Count())

	hub := broadcast.NewHub(cfg.SubscriberBuffer, 0, m)
	defer hub.Close()

	svc := ingest.New(st, hub, ingest.Options{
		Dir: cfg.JournalDir,
		Loader: loader.Options{
			Pattern:     cfg.JournalPattern,
			MaxFiles:    cfg.MaxFiles,
			Concurrency: cfg.LoadConcurrency,
			ChunkSize:   cfg.ChunkSize,
			Metrics:     m,
		},
		TailInterval:  cfg.TailInterval,
		StatsInterval: cfg.StatsInterval,
	})

	ingestDone := make(chan error, 1)
	go func() { ingestDone <- svc.Run(ctx) }()

	if len(cfg.APIKeys) == 0 {
		log.Println("auth: no API_KEYS configured, serving in guest mode")
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewRouter(httpserver.Deps{Store: st, Feed: svc, Gatherer: reg, APIKeys: cfg.APIKeys}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("server started on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	ingestStopped := false
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Printf("server: %v", err)
		}
		stop()
	case err := <-ingestDone:
		ingestStopped = true
		if err != nil {
			log.Printf("ingest: %v", err)
		}
		stop()
	}

	// streams end when the hub closes; close it before draining connections
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server: shutdown: %v", err)
	}
	if !ingestStopped {
		// let in-flight loader writes finish before the store closes
		<-ingestDone
	}
	log.Println("server stopped")
}
