package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"clausebase/config"
	"clausebase/config/database"
	"clausebase/internal/cas"
	"clausebase/internal/ledger"
	"clausebase/internal/wallet"
	"clausebase/pkg/lock"
	"clausebase/pkg/logger"
	"clausebase/router"
	"clausebase/socket"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("info")
		logger.Sugar.Fatalf("Invalid configuration: %v", err)
	}
	logger.Init(cfg.App.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db := database.Connect(cfg.Database)
	defer db.Close()
	if err := database.Migrate(db); err != nil {
		logger.Sugar.Fatalf("Failed to migrate database: %v", err)
	}

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Redis.Addr != "" {
		rdb, err := lock.Connect(ctx, cfg.Redis)
		if err != nil {
			logger.Log.Warn("redis unavailable, using in-process locks", zap.Error(err))
		} else {
			defer rdb.Close()
			locker = lock.NewRedisLocker(rdb, cfg.Redis.LockTTL)
		}
	}

	programID, err := ledger.ParsePublicKey(cfg.Ledger.ProgramID)
	if err != nil {
		logger.Sugar.Fatalf("Invalid LEDGER_PROGRAM_ID: %v", err)
	}
	gateway := ledger.NewGateway(ledger.Config{
		RPCURL:         cfg.Ledger.RPCURL,
		ProgramID:      programID,
		Commitment:     cfg.Ledger.Commitment,
		Timeout:        cfg.Ledger.Timeout,
		ConfirmTimeout: cfg.Ledger.ConfirmTimeout,
		ReadRetries:    cfg.Ledger.ReadRetries,
		RPS:            cfg.Ledger.RPS,
	})

	wallets, err := wallet.Load(cfg.Ledger.WalletKeys)
	if err != nil {
		logger.Sugar.Fatalf("Invalid LEDGER_WALLET_KEYS: %v", err)
	}
	var serviceKey ledger.Signer
	if cfg.Ledger.SignerKey != "" {
		kp, err := ledger.ParseKeypair(cfg.Ledger.SignerKey)
		if err != nil {
			logger.Sugar.Fatalf("Invalid LEDGER_SIGNER_KEY: %v", err)
		}
		serviceKey = kp
		logger.Log.Info("service signer loaded", zap.String("wallet", kp.PublicKey().String()))
	}
	logger.Log.Info("ledger configured",
		zap.String("rpc", cfg.Ledger.RPCURL),
		zap.String("program", programID.String()),
		zap.String("commitment", cfg.Ledger.Commitment),
		zap.Int("custodial_wallets", wallets.Len()))

	store, err := cas.New(ctx, cfg.CAS)
	if err != nil {
		logger.Sugar.Fatalf("Failed to set up content store: %v", err)
	}

	hub := socket.NewHub(db)
	go hub.Run(ctx)

	srv := &http.Server{
		Addr: ":" + cfg.App.Port,
		Handler: router.Setup(db, hub, router.Infra{
			Ledger:     gateway,
			CAS:        store,
			Wallets:    wallets,
			Locker:     locker,
			ServiceKey: serviceKey,
			JWTSecret:  cfg.JWT.Secret,
			CORSOrigin: cfg.App.CORSOrigin,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Sugar.Infof("Clausebase listening on :%s", cfg.App.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Sugar.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Sugar.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("graceful shutdown failed", zap.Error(err))
	}
}
