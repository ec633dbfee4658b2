package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"workrails/internal/config"
	"workrails/internal/conversation"
	"workrails/internal/engagement"
	"workrails/internal/escrow"
	"workrails/internal/idempotency"
	"workrails/internal/logging"
	"workrails/internal/server"
	"workrails/internal/session"
	"workrails/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logging.NewLogger(cfg.Service.LogLevel)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	escrowClient, err := buildEscrowClient(ctx, cfg, log)
	if err != nil {
		log.Fatal("escrow client init failed", zap.Error(err))
	}

	contracts, conversations, idem, cleanup, err := buildStores(ctx, cfg, log)
	if err != nil {
		log.Fatal("store init failed", zap.Error(err))
	}
	defer cleanup()

	sessions, err := session.NewIssuer(session.IssuerConfig{
		SigningSecret: []byte(cfg.Seed.Secrets.SessionSecret),
		Issuer:        cfg.Seed.Marketplace,
		TokenTTL:      cfg.Service.SessionTTL,
	})
	if err != nil {
		log.Fatal("session issuer init failed", zap.Error(err))
	}

	srv := server.NewServer(cfg, server.Deps{
		Escrow:        escrowClient,
		Contracts:     contracts,
		Conversations: conversations,
		Idempotency:   idem,
		Sessions:      sessions,
		Log:           log,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
	log.Info("server stopped")
}

// buildEscrowClient wires the real chain when a signing key is configured,
// and the in-memory emulation otherwise.
func buildEscrowClient(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (escrow.Client, error) {
	if cfg.Chain.PrivateKey == "" {
		log.Warn("no signing key configured, using in-memory chain emulation")
		return escrow.NewFakeClient(), nil
	}

	connector := wallet.KeyedConnector{
		RPCURL:        cfg.Chain.RPCURL,
		PrivateKeyHex: cfg.Chain.PrivateKey,
	}
	handle, err := connector.Connect(ctx)
	if err != nil {
		return nil, err
	}

	pollInterval := time.Duration(cfg.Seed.Timeouts.ConfirmPollMs) * time.Millisecond
	client, err := escrow.NewEthClient(handle, escrow.EthClientConfig{
		FactoryAddress: cfg.Deployment.Contracts.EngagementFactory,
		PollInterval:   pollInterval,
	})
	if err != nil {
		return nil, err
	}

	log.Info("chain client connected",
		zap.String("operator", handle.Address.Hex()),
		zap.String("chainId", handle.ChainID.String()),
		zap.String("factory", cfg.Deployment.Contracts.EngagementFactory))
	return client, nil
}

// buildStores returns Postgres-backed stores when a DSN is configured, and
// local stores (memory plus a file-backed idempotency cache) otherwise.
func buildStores(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (engagement.Store, conversation.Store, idempotency.Store, func(), error) {
	if cfg.Database.DSN == "" {
		log.Warn("no database configured, using in-memory stores")
		idem, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return engagement.NewMemoryStore(), conversation.NewMemoryStore(), idem, func() {}, nil
	}

	contracts, err := engagement.NewPostgresStore(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	conversations, err := conversation.NewPostgresStore(ctx, cfg.Database.DSN)
	if err != nil {
		contracts.Close()
		return nil, nil, nil, nil, err
	}
	idem, err := idempotency.NewPostgresStore(ctx, cfg.Database.DSN)
	if err != nil {
		contracts.Close()
		conversations.Close()
		return nil, nil, nil, nil, err
	}

	log.Info("postgres stores ready")
	cleanup := func() {
		idem.Close()
		conversations.Close()
		contracts.Close()
	}
	return contracts, conversations, idem, cleanup, nil
}
