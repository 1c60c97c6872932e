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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/pokechess/internal/battle"
	appcfg "github.com/park285/pokechess/internal/config"
	"github.com/park285/pokechess/internal/directory"
	"github.com/park285/pokechess/internal/gateway"
	"github.com/park285/pokechess/internal/httpapi"
	"github.com/park285/pokechess/internal/msgcat"
	"github.com/park285/pokechess/internal/obslog"
	"github.com/park285/pokechess/internal/orchestrator"
	"github.com/park285/pokechess/internal/protocol"
	"github.com/park285/pokechess/internal/results"
	"github.com/park285/pokechess/internal/rules"
	"github.com/park285/pokechess/internal/store"
	"github.com/park285/pokechess/pkg/wire"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.RedisURL, store.WithPrefix(cfg.KeyPrefix))
	if err != nil {
		logger.Fatal("store_open_error", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	dir := directory.New(st,
		directory.WithTTL(cfg.PlayerTTL, cfg.RoomTTL),
		directory.WithDefaults(cfg.GameDefaults()),
	)
	defer dir.Close()

	roster, err := battle.LoadRoster()
	if err != nil {
		logger.Fatal("roster_load_error", zap.Error(err))
	}

	orchOpts := []orchestrator.Option{orchestrator.WithLockTTL(cfg.LockTTL)}
	if cfg.DatabaseURL != "" {
		repo, err := results.NewRepository(cfg.DatabaseURL, dir)
		if err != nil {
			logger.Fatal("results_repo_error", zap.Error(err))
		}
		defer func() { _ = repo.Close() }()
		orchOpts = append(orchOpts, orchestrator.WithArchive(repo))
	} else {
		logger.Info("results_archive_disabled")
	}
	orch := orchestrator.New(dir, rules.NewChess(), battle.NewSim(roster), roster.Names(), orchOpts...)

	cat, err := msgcat.New(cfg.MessageDir)
	if err != nil {
		logger.Fatal("message_catalog_error", zap.Error(err))
	}

	hub := gateway.NewHub(st.Client(), gateway.Options{
		KeyPrefix:      cfg.KeyPrefix,
		Instance:       cfg.InstanceID,
		PresenceTTL:    cfg.PlayerTTL,
		OriginPatterns: cfg.AllowedOrigins,
	})
	handler := protocol.New(dir, orch, hub, cat, protocol.Config{
		AckTimeout:     cfg.AckTimeout,
		ResyncRetries:  cfg.ResyncRetries,
		TransientGrace: cfg.TransientGrace,
		ChatMaxRunes:   cfg.ChatMaxRunes,
	})
	hub.Attach(handler)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	wsSrv := &http.Server{Addr: cfg.WSAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	api := httpapi.New(handler, st,
		httpapi.WithAllowedOrigin(cfg.CORSOrigin),
		httpapi.WithStats(func() wire.Health {
			return wire.Health{Connections: hub.Connected(), PendingDisconnects: dir.PendingExpiries()}
		}),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error {
		logger.Info("ws_listen", zap.String("addr", cfg.WSAddr))
		if err := wsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("http_listen", zap.String("addr", cfg.HTTPAddr))
		return api.ListenAndServe(cfg.HTTPAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hub.Shutdown()
		return errors.Join(wsSrv.Shutdown(sctx), api.Shutdown(sctx))
	})

	logger.Info("server_started", zap.String("instance", cfg.InstanceID))
	if err := g.Wait(); err != nil {
		logger.Error("server_exit", zap.Error(err))
	}
	handler.Close()
	logger.Info("server_stopped")
}
