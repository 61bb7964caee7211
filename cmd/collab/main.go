package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"bracketsync.org/internal/collab"
	"bracketsync.org/internal/config"
	"bracketsync.org/internal/gateway"
	"bracketsync.org/internal/httpapi"
	"bracketsync.org/internal/migrate"
	"bracketsync.org/internal/obs"
	"bracketsync.org/internal/ratelimit"
	"bracketsync.org/internal/token"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	verifier, err := token.NewVerifier([]byte(cfg.IdentitySecret), []byte(cfg.RoomSecret))
	if err != nil {
		log.Fatalf("verifier: %v", err)
	}

	// The in-process store always exists; a configured DSN promotes the
	// shared Postgres counters to primary with memory as the fallback.
	mem := ratelimit.NewMemStore()
	var (
		store      ratelimit.Store = mem
		limiterOps []ratelimit.LimiterOption
		pg         *ratelimit.PGStore
		stopPurge  func()
	)
	if cfg.PGDSN != "" {
		pg, err = ratelimit.OpenPG(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open counter store: %v", err)
		}
		mctx, mcancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := migrate.NewManager(pg.DB()).Up(mctx); err != nil {
			mcancel()
			log.Fatalf("migrate counter store: %v", err)
		}
		mcancel()
		store = pg
		limiterOps = append(limiterOps, ratelimit.WithFallback(mem))
		stopPurge = pg.StartPurge(time.Minute, 10*cfg.RateWindow)
	}

	limiter := ratelimit.NewLimiter(store,
		ratelimit.Limit{Capacity: cfg.ConnRate, Window: cfg.RateWindow},
		ratelimit.Limit{Capacity: cfg.SubjectRate, Window: cfg.RateWindow},
		ratelimit.Limit{Capacity: cfg.OrgRate, Window: cfg.RateWindow},
		limiterOps...)

	manager := collab.NewManager(collab.ManagerConfig{
		MaxRoomsPerOrg:  cfg.MaxRoomsPerOrg,
		IdleTimeout:     cfg.IdleTimeout,
		SweepInterval:   cfg.SweepInterval,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
	})
	manager.Start()

	gw := gateway.New(verifier, manager, limiter, cfg.MaxPayloadBytes, cfg.AllowedOrigins)

	probe := httpapi.ReadyProbe{}
	if pg != nil {
		probe.DB = pg.DB()
	}
	api := httpapi.New(probe, verifier, manager, gw, version)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.Handler(),
		// No Read/WriteTimeout: long-lived websocket connections ride this
		// server, and the gateway enforces its own read deadlines.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting bracketsync-collab %s on %s", version, cfg.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	manager.Shutdown()
	if stopPurge != nil {
		stopPurge()
	}
	mem.Stop()
	if pg != nil {
		_ = pg.DB().Close()
	}
	log.Println("Stopped")
}
