package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/avelis/termgate/internal/config"
	"github.com/avelis/termgate/internal/gateway"
	"github.com/avelis/termgate/internal/handlers"
	"github.com/avelis/termgate/internal/sandbox"
	"github.com/avelis/termgate/internal/sshpool"
	"github.com/avelis/termgate/internal/sshsession"
	"github.com/avelis/termgate/internal/store"
	"github.com/avelis/termgate/internal/termreg"
)

func main() {
	config.Load()

	st, err := store.New(config.Cfg.DataPath)
	if err != nil {
		log.Fatalf("Store init: %v", err)
	}

	pool := sshpool.New(sshpool.Options{
		IdleTimeout:  config.Cfg.PoolIdleTimeout,
		Keepalive:    config.Cfg.SSHKeepalive,
		ReadyTimeout: config.Cfg.SSHReadyTimeout,
	})

	sshReg := sshsession.NewRegistry(pool, st)

	detector := sandbox.NewDetector()
	terms := termreg.NewRegistry(detector, st)
	terms.CwdRefreshDelay = config.Cfg.CwdRefreshDelay
	terms.KubeInjectDelay = config.Cfg.KubeInjectDelay

	gw := gateway.New(terms, sshReg, config.Cfg.MaxFrameBytes)
	catalog := handlers.New(terms, sshReg, st)

	// Background eviction of aged remembered SSH parameters.
	jobs := cron.New()
	jobs.AddFunc("@hourly", func() { st.EvictAged(config.Cfg.ParamsMaxAge) })
	jobs.Start()
	st.EvictAged(config.Cfg.ParamsMaxAge)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", catalog.Health)
	r.Get("/ws", gw.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/terminals", catalog.ListTerminals)
		r.Get("/kubectl-contexts", catalog.KubectlContexts)
		r.Get("/container-images", catalog.ListImages)
		r.Post("/container-images", catalog.AddImage)
		r.Delete("/container-images/*", catalog.RemoveImage)
		r.Get("/ssh-sessions", catalog.ListSSHSessions)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Cfg.Port),
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("termgate listening on :%d", config.Cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	jobs.Stop()

	// Close every live session before the transports go away.
	for _, s := range terms.List() {
		terms.Close(s.ID)
	}
	for _, s := range sshReg.List() {
		sshReg.Close(s.ID)
	}
	pool.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
